package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tokenPath = "/realms/test/protocol/openid-connect/token"

func testKeycloak(t *testing.T, handler http.Handler) *Keycloak {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	k, err := NewKeycloak(KeycloakOptions{
		ServerURL:    server.URL,
		Realm:        "test",
		ClientID:     "dash-service",
		ClientSecret: "secret",
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return k
}

func writeToken(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"access_token":"tok"}`)
}

func TestEnsureUserCreates(t *testing.T) {
	k := testKeycloak(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == tokenPath:
			writeToken(w)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/test/users":
			fmt.Fprint(w, `[]`)
		case r.Method == http.MethodPost && r.URL.Path == "/admin/realms/test/users":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "ada@example.com", body["email"])
			require.Equal(t, "ada", body["username"])
			require.Equal(t, true, body["enabled"])
			w.Header().Set("Location", r.URL.Path+"/abc-123")
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	id, created, err := k.EnsureUser(context.Background(), CreateUserOptions{
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "abc-123", id)
}

func TestEnsureUserFindsExisting(t *testing.T) {
	k := testKeycloak(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == tokenPath:
			writeToken(w)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/test/users":
			fmt.Fprint(w, `[{"id":"u-existing","email":"ada@example.com"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	id, created, err := k.EnsureUser(context.Background(), CreateUserOptions{
		Email: "ada@example.com",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "u-existing", id)
}

func TestEnsureUserLosesCreationRace(t *testing.T) {
	var lookups int32
	k := testKeycloak(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == tokenPath:
			writeToken(w)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/test/users":
			if atomic.AddInt32(&lookups, 1) == 1 {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprint(w, `[{"id":"u-racer","email":"ada@example.com"}]`)
		case r.Method == http.MethodPost && r.URL.Path == "/admin/realms/test/users":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	id, created, err := k.EnsureUser(context.Background(), CreateUserOptions{
		Email: "ada@example.com",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "u-racer", id)
}

func TestTokenRefreshOnUnauthorized(t *testing.T) {
	var tokenFetches, adminCalls int32
	k := testKeycloak(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == tokenPath:
			atomic.AddInt32(&tokenFetches, 1)
			writeToken(w)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/test/users":
			if atomic.AddInt32(&adminCalls, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `[]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	user, err := k.GetUserByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	require.Nil(t, user)
	require.EqualValues(t, 2, atomic.LoadInt32(&tokenFetches))
	require.EqualValues(t, 2, atomic.LoadInt32(&adminCalls))
}

func TestUpdateUserAttributesMerges(t *testing.T) {
	var updated map[string]interface{}
	k := testKeycloak(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == tokenPath:
			writeToken(w)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/test/users/u1":
			fmt.Fprint(w, `{
				"id": "u1",
				"email": "ada@example.com",
				"attributes": {"has_vpn": ["true"], "has_storage": ["true"]},
				"requiredActions": ["UPDATE_PASSWORD"]
			}`)
		case r.Method == http.MethodPut && r.URL.Path == "/admin/realms/test/users/u1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&updated))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	err := k.UpdateUserAttributes(context.Background(), "u1", map[string]string{
		"has_games":   "true",
		"has_storage": "",
	})
	require.NoError(t, err)

	attrs, ok := updated["attributes"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, attrs, "has_vpn")
	require.Contains(t, attrs, "has_games")
	require.NotContains(t, attrs, "has_storage")
	// echoing required actions back would re-trigger them
	require.NotContains(t, updated, "requiredActions")
	require.Equal(t, "ada@example.com", updated["email"])
}
