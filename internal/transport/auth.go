package transport

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates invalid or missing credentials.
var ErrUnauthorized = errors.New("unauthorized")

// AuthPayload is the payload of the AUTH handshake frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// TokenMatches compares tokens in constant time.
func TokenMatches(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// CheckHandshake validates the first frame of a connection against key.
// It returns the handshake request so its correlationId can be answered.
func CheckHandshake(body []byte, key string) (Request, error) {
	req, err := ParseRequest(body)
	if err != nil {
		return Request{}, err
	}
	if req.Type != TypeAuth {
		return req, ErrUnauthorized
	}
	var payload AuthPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req, ErrUnauthorized
	}
	if payload.Token == "" || !TokenMatches(key, payload.Token) {
		return req, ErrUnauthorized
	}
	return req, nil
}

// AuthMiddleware enforces bearer token authentication against a static key.
// An empty key disables the check.
func AuthMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if !TokenMatches(key, token) {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
