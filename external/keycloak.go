package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// KeycloakOptions provides initialization parameters for the Keycloak admin client
type KeycloakOptions struct {
	ServerURL    string
	Realm        string
	ClientID     string
	ClientSecret string
	Logger       *zap.Logger
	HTTPClient   *http.Client
}

// Keycloak is an admin API client using service account credentials.
// Group membership operations are safe to retry: adding a user to a group
// they are already in (and removing one they are not in) is a no-op on
// the Keycloak side.
type Keycloak struct {
	KeycloakOptions

	mu          sync.Mutex
	accessToken string
}

// KeycloakUser is the subset of the user representation we operate on
type KeycloakUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Enabled   bool   `json:"enabled"`
}

// KeycloakGroup is a realm group
type KeycloakGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (o *KeycloakOptions) validate() error {
	if len(o.ServerURL) == 0 {
		return fmt.Errorf("empty ServerURL is invalid")
	}
	if len(o.Realm) == 0 {
		return fmt.Errorf("empty Realm is invalid")
	}
	if len(o.ClientID) == 0 {
		return fmt.Errorf("empty ClientID is invalid")
	}
	if len(o.ClientSecret) == 0 {
		return fmt.Errorf("empty ClientSecret is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	return nil
}

// NewKeycloak returns a client for the Keycloak admin API
func NewKeycloak(option KeycloakOptions) (*Keycloak, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	if option.HTTPClient == nil {
		option.HTTPClient = &http.Client{
			Timeout: time.Second * 10,
		}
	}
	return &Keycloak{
		KeycloakOptions: option,
	}, nil
}

func (k *Keycloak) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", k.ClientID)
	form.Set("client_secret", k.ClientSecret)

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", k.ServerURL, k.Realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := k.HTTPClient.Do(req)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot request Keycloak token")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(res.Body)
		return "", fmt.Errorf("Keycloak token request failed (%d): %s", res.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return "", extErrors.Wrap(err, "Cannot decode Keycloak token response")
	}

	k.mu.Lock()
	k.accessToken = token.AccessToken
	k.mu.Unlock()

	return token.AccessToken, nil
}

func (k *Keycloak) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	cached := k.accessToken
	k.mu.Unlock()
	if len(cached) > 0 {
		return cached, nil
	}
	return k.fetchToken(ctx)
}

// request performs an authenticated admin API call, refreshing the token once on 401
func (k *Keycloak) request(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	do := func(token string) (*http.Response, error) {
		var reader *bytes.Reader
		if body != nil {
			jsonBytes, err := json.Marshal(body)
			if err != nil {
				return nil, extErrors.Wrap(err, "Cannot encode request body")
			}
			reader = bytes.NewReader(jsonBytes)
		} else {
			reader = bytes.NewReader(nil)
		}
		adminURL := fmt.Sprintf("%s/admin/realms/%s%s", k.ServerURL, k.Realm, endpoint)
		req, err := http.NewRequestWithContext(ctx, method, adminURL, reader)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot create admin request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return k.HTTPClient.Do(req)
	}

	token, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	res, err := do(token)
	if err != nil {
		return nil, extErrors.Wrap(err, "Keycloak request failed")
	}
	if res.StatusCode == http.StatusUnauthorized {
		res.Body.Close()
		token, err = k.fetchToken(ctx)
		if err != nil {
			return nil, err
		}
		res, err = do(token)
		if err != nil {
			return nil, extErrors.Wrap(err, "Keycloak request failed after token refresh")
		}
	}
	return res, nil
}

// GetUserByEmail returns the user with an exact email match, or nil if not found
func (k *Keycloak) GetUserByEmail(ctx context.Context, email string) (*KeycloakUser, error) {
	res, err := k.request(ctx, http.MethodGet, "/users?exact=true&email="+url.QueryEscape(email), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Keycloak user lookup failed (%d)", res.StatusCode)
	}
	var users []KeycloakUser
	if err := json.NewDecoder(res.Body).Decode(&users); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode Keycloak users response")
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// CreateUserOptions describes the user to be created on Keycloak
type CreateUserOptions struct {
	Email     string
	Username  string
	FirstName string
	LastName  string
}

// EnsureUser will find a user by email, creating one if none exists.
// Returns the Keycloak user id and whether a new user was created.
func (k *Keycloak) EnsureUser(ctx context.Context, opt CreateUserOptions) (string, bool, error) {
	existing, err := k.GetUserByEmail(ctx, opt.Email)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	username := opt.Username
	if len(username) == 0 {
		username = strings.Split(opt.Email, "@")[0]
	}

	res, err := k.request(ctx, http.MethodPost, "/users", map[string]interface{}{
		"username":      username,
		"email":         opt.Email,
		"firstName":     opt.FirstName,
		"lastName":      opt.LastName,
		"emailVerified": true,
		"enabled":       true,
	})
	if err != nil {
		return "", false, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusCreated:
		// user id is only exposed via the Location header
		location := res.Header.Get("Location")
		parts := strings.Split(location, "/")
		if len(parts) == 0 || len(parts[len(parts)-1]) == 0 {
			return "", false, fmt.Errorf("Keycloak did not return the created user location")
		}
		return parts[len(parts)-1], true, nil
	case http.StatusConflict:
		// lost a race against another creation, look the user up again
		existing, err := k.GetUserByEmail(ctx, opt.Email)
		if err != nil {
			return "", false, err
		}
		if existing == nil {
			return "", false, fmt.Errorf("Keycloak reported conflict but user %s was not found", opt.Email)
		}
		return existing.ID, false, nil
	default:
		body, _ := ioutil.ReadAll(res.Body)
		return "", false, fmt.Errorf("Keycloak user creation failed (%d): %s", res.StatusCode, string(body))
	}
}

func (k *Keycloak) getUserRepresentation(ctx context.Context, userID string) (map[string]interface{}, error) {
	res, err := k.request(ctx, http.MethodGet, "/users/"+userID, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Keycloak user fetch failed (%d)", res.StatusCode)
	}
	var user map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&user); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode Keycloak user representation")
	}
	return user, nil
}

// SetUserEnabled will enable or disable a Keycloak user
func (k *Keycloak) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	user, err := k.getUserRepresentation(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("Keycloak user %s not found", userID)
	}
	user["enabled"] = enabled
	res, err := k.request(ctx, http.MethodPut, "/users/"+userID, user)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("Keycloak user update failed (%d)", res.StatusCode)
	}
	return nil
}

// LogoutSessions will terminate all active sessions for a user
func (k *Keycloak) LogoutSessions(ctx context.Context, userID string) error {
	res, err := k.request(ctx, http.MethodPost, "/users/"+userID+"/logout", nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("Keycloak session logout failed (%d)", res.StatusCode)
	}
	return nil
}

// SendPasswordResetEmail will send a set-password action email to the user
func (k *Keycloak) SendPasswordResetEmail(ctx context.Context, userID string) error {
	res, err := k.request(ctx, http.MethodPut, "/users/"+userID+"/execute-actions-email", []string{"UPDATE_PASSWORD"})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("Keycloak password reset email failed (%d)", res.StatusCode)
	}
	return nil
}

// UpdateUserAttributes will merge the given attributes into the user's
// existing attributes. An empty string value removes the attribute.
// Keycloak's PUT /users/{id} requires the full representation; sending
// only attributes can wipe other fields in some versions, so we GET the
// user, merge, then PUT the full representation back.
func (k *Keycloak) UpdateUserAttributes(ctx context.Context, userID string, attributes map[string]string) error {
	user, err := k.getUserRepresentation(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("Keycloak user %s not found", userID)
	}

	merged := make(map[string][]string)
	if existing, ok := user["attributes"].(map[string]interface{}); ok {
		for key, value := range existing {
			if list, ok := value.([]interface{}); ok {
				for _, item := range list {
					merged[key] = append(merged[key], fmt.Sprintf("%v", item))
				}
			}
		}
	}
	for key, value := range attributes {
		if len(value) == 0 {
			delete(merged, key)
			continue
		}
		merged[key] = []string{value}
	}

	// strip fields that trigger side effects (emails, credential resets) when echoed back
	for _, field := range []string{"requiredActions", "credentials"} {
		delete(user, field)
	}
	user["attributes"] = merged

	res, err := k.request(ctx, http.MethodPut, "/users/"+userID, user)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("Keycloak attribute update failed (%d)", res.StatusCode)
	}
	return nil
}

// GetGroupByName returns the realm group with an exact name match, or nil if not found
func (k *Keycloak) GetGroupByName(ctx context.Context, name string) (*KeycloakGroup, error) {
	res, err := k.request(ctx, http.MethodGet, "/groups?exact=true&search="+url.QueryEscape(name), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Keycloak group lookup failed (%d)", res.StatusCode)
	}
	var groups []KeycloakGroup
	if err := json.NewDecoder(res.Body).Decode(&groups); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode Keycloak groups response")
	}
	// search can be fuzzy in some Keycloak versions
	for k := range groups {
		if groups[k].Name == name {
			return &groups[k], nil
		}
	}
	return nil, nil
}

// AddUserToGroup will add a user to a group. Adding twice is a no-op.
func (k *Keycloak) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	res, err := k.request(ctx, http.MethodPut, "/users/"+userID+"/groups/"+groupID, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("Keycloak group add failed (%d)", res.StatusCode)
	}
	return nil
}

// RemoveUserFromGroup will remove a user from a group. Removing twice is a no-op.
func (k *Keycloak) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	res, err := k.request(ctx, http.MethodDelete, "/users/"+userID+"/groups/"+groupID, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("Keycloak group remove failed (%d)", res.StatusCode)
	}
	return nil
}
