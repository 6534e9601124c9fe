package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestLogRequestStampsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	Logger().SetOutput(&buf)
	defer Logger().SetOutput(os.Stdout)

	LogRequest(map[string]any{"level": "info", "msg": "hello"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not a JSON line: %q", buf.String())
	}
	if line["msg"] != "hello" {
		t.Fatalf("msg = %v", line["msg"])
	}
	if ts, _ := line["ts"].(string); ts == "" {
		t.Fatalf("ts not stamped: %v", line)
	}
}

func TestLogRequestKeepsCallerTimestamp(t *testing.T) {
	var buf bytes.Buffer
	Logger().SetOutput(&buf)
	defer Logger().SetOutput(os.Stdout)

	LogRequest(map[string]any{"ts": "2026-01-02T03:04:05Z", "msg": "hello"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatal(err)
	}
	if line["ts"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("ts overwritten: %v", line["ts"])
	}
}
