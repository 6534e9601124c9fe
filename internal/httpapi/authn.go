package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"mahfaza.org/internal/actor"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAdminAuth protects the admin surface. Without a configured verifier
// every admin request is rejected; back-office callers always authenticate.
func (a *API) withAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if a.verifier == nil {
			writeError(w, r, http.StatusUnauthorized, "admin surface disabled")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		act, err := a.verifier.Parse(token)
		if err != nil {
			if errors.Is(err, actor.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		next.ServeHTTP(w, r.WithContext(actor.ContextWithActor(r.Context(), act)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
