package actor

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestParseValidToken(t *testing.T) {
	v := NewVerifier("s3cret", "mahfaza")
	token := signed(t, "s3cret", jwt.MapClaims{
		"sub":  "officer-1",
		"iss":  "mahfaza",
		"role": "compliance",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	act, err := v.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if act.UserID != "officer-1" || act.Role != RoleCompliance {
		t.Fatalf("unexpected actor: %+v", act)
	}
}

func TestParseDefaultsRole(t *testing.T) {
	v := NewVerifier("s3cret", "")
	token := signed(t, "s3cret", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	act, err := v.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if act.Role != RoleAdmin {
		t.Fatalf("role = %q", act.Role)
	}
}

func TestParseRejections(t *testing.T) {
	v := NewVerifier("s3cret", "mahfaza")
	future := time.Now().Add(time.Hour).Unix()

	cases := map[string]string{
		"wrong secret": signed(t, "other", jwt.MapClaims{"sub": "u1", "iss": "mahfaza", "exp": future}),
		"wrong issuer": signed(t, "s3cret", jwt.MapClaims{"sub": "u1", "iss": "other", "exp": future}),
		"expired":      signed(t, "s3cret", jwt.MapClaims{"sub": "u1", "iss": "mahfaza", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":   signed(t, "s3cret", jwt.MapClaims{"iss": "mahfaza", "exp": future}),
		"garbage":      "not-a-token",
	}
	for name, token := range cases {
		if _, err := v.Parse(token); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestNewVerifierEmptySecret(t *testing.T) {
	if NewVerifier("   ", "mahfaza") != nil {
		t.Fatal("blank secret must disable the verifier")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithActor(context.Background(), Actor{UserID: "u1", Role: RoleSystem})
	act, ok := FromContext(ctx)
	if !ok || act.UserID != "u1" || act.Role != RoleSystem {
		t.Fatalf("round trip failed: %+v ok=%v", act, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context returned an actor")
	}
}
