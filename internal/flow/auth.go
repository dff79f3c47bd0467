package flow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yuunie/flow2api/internal/util"
)

// Session is the result of exchanging a session credential.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
	Email       string
	Name        string
}

// SessionToAccess exchanges the long-lived session credential for a
// short-lived access credential and the account identity behind it.
func (c *Client) SessionToAccess(ctx context.Context, sessionToken string) (*Session, error) {
	result, err := c.doJSON(ctx, http.MethodGet, c.labsBase+"/auth/session", authCookie, sessionToken, nil)
	if err != nil {
		return nil, err
	}
	accessToken := result.Get("access_token").String()
	if accessToken == "" {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Reason: "session exchange returned no access token"}
	}
	session := &Session{
		AccessToken: accessToken,
		Email:       result.Get("user.email").String(),
		Name:        result.Get("user.name").String(),
	}
	if expires := result.Get("expires").String(); expires != "" {
		parsed, errParse := time.Parse(time.RFC3339, expires)
		if errParse != nil {
			return nil, fmt.Errorf("flow: parse session expiry %q: %w", expires, errParse)
		}
		session.ExpiresAt = parsed.UTC()
	}
	return session, nil
}

// RefreshSessionToken requests the Flow tool page with the old session cookie
// and extracts the rotated cookie from the response. An unchanged value is
// treated as failure so callers never persist a credential that did not move.
func (c *Client) RefreshSessionToken(ctx context.Context, oldSessionToken, email string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.toolBase, nil)
	if err != nil {
		return "", fmt.Errorf("flow: build refresh request: %w", err)
	}
	cookie := SessionCookieName + "=" + oldSessionToken
	if email != "" {
		cookie += "; email=" + email
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("User-Agent", util.UserAgentFor(seedFrom(oldSessionToken)))
	for key, value := range defaultClientHeaders {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("flow: refresh session token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Reason: "session refresh rejected"}
	}

	for _, setCookie := range resp.Cookies() {
		if setCookie.Name != SessionCookieName {
			continue
		}
		if setCookie.Value == "" || setCookie.Value == oldSessionToken {
			return "", fmt.Errorf("flow: session refresh returned an unchanged token")
		}
		return setCookie.Value, nil
	}
	return "", fmt.Errorf("flow: session refresh returned no session cookie")
}

// GetCredits fetches the remaining credits; the lifecycle manager uses it as
// the lightweight probe that a freshly exchanged access credential works.
func (c *Client) GetCredits(ctx context.Context, accessToken string) (int64, error) {
	result, err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/credits", authBearer, accessToken, nil)
	if err != nil {
		return 0, err
	}
	return result.Get("credits").Int(), nil
}
