package httpapi

import (
	"net/http"
	"strings"

	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/hub"
)

// Authenticate puts the bearer token's identity on the request context.
// Requests without a token pass through anonymous; a bad token is rejected.
func Authenticate(tokens hub.TokenParser, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := hub.BearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := tokens.Parse(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
		return nil, false
	}
	return identity, true
}

func requireStaff(w http.ResponseWriter, r *http.Request) (auth.Staff, bool) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return auth.Staff{}, false
	}
	staff, ok := identity.(auth.Staff)
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "staff access required")
		return auth.Staff{}, false
	}
	return staff, true
}

func requirePatient(w http.ResponseWriter, r *http.Request) (auth.Patient, bool) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return auth.Patient{}, false
	}
	patient, ok := identity.(auth.Patient)
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "patient access required")
		return auth.Patient{}, false
	}
	return patient, true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}
