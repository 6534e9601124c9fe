package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/users/u-1/wallet":      "/v1/users/:id/wallet",
		"/v1/transactions/tx-9":     "/v1/transactions/:id",
		"/v1/transactions/tx-9?x=1": "/v1/transactions/:id",
		"/v1/admin/transactions/tx-9/release": "/v1/admin/transactions/:id/release",
		"/v1/admin/transactions/tx-9/reject":  "/v1/admin/transactions/:id/reject",
		"/v1/investments/int-4/unlock":        "/v1/investments/:id/unlock",
		"/v1/investments":                     "/v1/investments",
		"/v1/webhooks/bank-deposit":           "/v1/webhooks/bank-deposit",
		"/v1/users/u-1/wallet/extra":          "/v1/users/u-1/wallet/extra",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
