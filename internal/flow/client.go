package flow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/yuunie/flow2api/internal/config"
	"github.com/yuunie/flow2api/internal/util"
	log "github.com/sirupsen/logrus"
)

// SessionCookieName is the cookie carrying the long-lived session credential.
const SessionCookieName = "__Secure-next-auth.session-token"

// ToolName identifies the Flow frontend in labs API calls.
const ToolName = "PINHOLE"

// defaultClientHeaders mirror a real Chromium session; callers may override
// individual values but normal requests send them as-is.
var defaultClientHeaders = map[string]string{
	"sec-ch-ua-mobile":      "?0",
	"sec-fetch-dest":        "empty",
	"sec-fetch-mode":        "cors",
	"sec-fetch-site":        "cross-site",
	"x-browser-channel":     "stable",
	"x-browser-year":        "2026",
	"accept":                "*/*",
	"accept-language":       "en-US,en;q=0.9",
	"origin":                "https://labs.google",
	"referer":               "https://labs.google/",
}

// Client talks to the Google Flow backends. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	// noRedirect serves the session-refresh request; the refreshed cookie is
	// set on the first response, before any redirect.
	noRedirect *http.Client

	labsBase string
	apiBase  string
	toolBase string

	challenges ChallengeProvider
	// challengeRetryDelay overrides the pause between challenge retries.
	// Zero means the default one second.
	challengeRetryDelay time.Duration
}

// NewClient builds a client from configuration, wiring the proxy and the
// Chrome TLS fingerprint into the transport.
func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Flow.TimeoutSeconds) * time.Second
	httpClient := util.SetProxy(cfg, &http.Client{Timeout: timeout})
	if transport, ok := httpClient.Transport.(*http.Transport); ok || httpClient.Transport == nil {
		httpClient.Transport = wrapChromeTLS(transport)
	}
	noRedirect := &http.Client{
		Timeout:   timeout,
		Transport: httpClient.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		httpClient: httpClient,
		noRedirect: noRedirect,
		labsBase:   strings.TrimRight(cfg.Flow.LabsBaseURL, "/"),
		apiBase:    strings.TrimRight(cfg.Flow.APIBaseURL, "/"),
		toolBase:   strings.TrimRight(cfg.Flow.ToolBaseURL, "/"),
	}
}

// ProjectPageURL returns the browser URL of a Flow project.
func (c *Client) ProjectPageURL(projectID string) string {
	return c.toolBase + "/project/" + projectID
}

type authMode int

const (
	authNone authMode = iota
	// authCookie authenticates with the session credential cookie.
	authCookie
	// authBearer authenticates with the access credential.
	authBearer
)

// doJSON issues one upstream request and parses the JSON response. The
// credential doubles as the fingerprint seed so each account keeps a stable
// User-Agent.
func (c *Client) doJSON(ctx context.Context, method, url string, mode authMode, credential string, payload []byte) (gjson.Result, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("flow: build request: %w", err)
	}

	switch mode {
	case authCookie:
		req.Header.Set("Cookie", SessionCookieName+"="+credential)
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", util.UserAgentFor(seedFrom(credential)))
	for key, value := range defaultClientHeaders {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("flow: request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("flow: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := newAPIError(resp.StatusCode, data)
		log.WithField("error", apiErr.Reason).Debugf("flow: %s %s failed with status %d", method, url, resp.StatusCode)
		return gjson.Result{}, apiErr
	}
	return gjson.ParseBytes(data), nil
}

// seedFrom pins the fingerprint to a credential prefix; the full secret never
// feeds the hash.
func seedFrom(credential string) string {
	if len(credential) > 16 {
		return credential[:16]
	}
	return credential
}

// SessionID returns a fresh client session marker in the upstream format.
func SessionID() string {
	return fmt.Sprintf(";%d", time.Now().UnixMilli())
}
