package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckHandshake(t *testing.T) {
	req, err := CheckHandshake([]byte(`{"type":"AUTH","payload":{"token":"s3cret"},"correlationId":"h1"}`), "s3cret")
	require.NoError(t, err)
	require.Equal(t, "h1", req.CorrelationID)

	cases := map[string]string{
		"wrong token": `{"type":"AUTH","payload":{"token":"nope"}}`,
		"empty token": `{"type":"AUTH","payload":{"token":""}}`,
		"not auth":    `{"type":"PING"}`,
		"bad payload": `{"type":"AUTH","payload":"s3cret"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CheckHandshake([]byte(body), "s3cret")
			require.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	handler := AuthMiddleware("token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Invalid(t *testing.T) {
	handler := AuthMiddleware("token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer other")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_EmptyKeyDisables(t *testing.T) {
	handler := AuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
