package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"mahfaza.org/internal/funds"
	"mahfaza.org/internal/ledger"
)

func newStoreOnlyAPI(t *testing.T) *API {
	t.Helper()
	return New(funds.NewService(ledger.NewInMemory(), nil), ReadyProbe{}, "test")
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"  Bearer abc  ", "abc", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("%q: got %q err %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%q: expected error", tc.header)
		}
	}
}

func TestAdminAuthRejectsGarbageToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/transactions/tx-1/release", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminAuthDisabledWithoutVerifier(t *testing.T) {
	api := newStoreOnlyAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/transactions/tx-1/release", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "officer-1", "ADMIN"))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin surface open without verifier: %d", rec.Code)
	}
}
