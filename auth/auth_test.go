package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAuth(t *testing.T) *Auth {
	a, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "super-secret-signing-key",
	})
	require.NoError(t, err)
	return a
}

func TestRejectsShortSigningKey(t *testing.T) {
	_, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "short",
	})
	require.Error(t, err)
}

func TestBearerRoundTrip(t *testing.T) {
	a := testAuth(t)

	token, err := a.CreateTokenFromClaims(Claims{
		Subject: "ops@example.com",
	})
	require.NoError(t, err)

	var seen *Claims
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Context().Value(Context).(*Claims)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	require.Equal(t, "ops@example.com", seen.Subject)
}

func TestRejectsMissingOrForgedBearer(t *testing.T) {
	a := testAuth(t)
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "a-different-signing-key!",
	})
	require.NoError(t, err)
	forged, err := other.CreateTokenFromClaims(Claims{Subject: "mallory"})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
