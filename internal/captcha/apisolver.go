package captcha

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/yuunie/flow2api/internal/config"
)

const (
	resultPolls        = 40
	resultPollInterval = 3 * time.Second
)

type vendorProfile struct {
	taskType string
	baseURL  string
}

// Each vendor speaks the same createTask/getTaskResult protocol but expects
// its own task type string.
var vendorProfiles = map[string]vendorProfile{
	"yescaptcha": {taskType: "RecaptchaV3TaskProxylessM1", baseURL: "https://api.yescaptcha.com"},
	"capmonster": {taskType: "RecaptchaV3TaskProxyless", baseURL: "https://api.capmonster.cloud"},
	"ezcaptcha":  {taskType: "ReCaptchaV3TaskProxylessS9", baseURL: "https://api.ez-captcha.com"},
	"capsolver":  {taskType: "ReCaptchaV3EnterpriseTaskProxyLess", baseURL: "https://api.capsolver.com"},
}

// APISolver obtains challenge tokens from a commercial solving service.
type APISolver struct {
	vendor   string
	taskType string
	pageURL  func(projectID string) string

	// mu guards the fields a config reload may swap.
	mu        sync.RWMutex
	clientKey string
	baseURL   string
	siteKey   string

	httpClient *http.Client

	// shrunk by tests
	pollInterval time.Duration
}

// NewAPISolver builds a solver for one of the known vendors. The vendor's
// default endpoint can be overridden per vendor in the configuration.
func NewAPISolver(vendor string, cfg config.CaptchaConfig, pageURL func(projectID string) string) (*APISolver, error) {
	profile, ok := vendorProfiles[vendor]
	if !ok {
		return nil, fmt.Errorf("captcha: unknown solver vendor %q", vendor)
	}
	clientKey := cfg.ClientKeys[vendor]
	if clientKey == "" {
		return nil, fmt.Errorf("captcha: no client key configured for %s", vendor)
	}
	baseURL := profile.baseURL
	if override := cfg.VendorBaseURLs[vendor]; override != "" {
		baseURL = override
	}
	return &APISolver{
		vendor:       vendor,
		clientKey:    clientKey,
		baseURL:      baseURL,
		taskType:     profile.taskType,
		siteKey:      cfg.SiteKey,
		pageURL:      pageURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: resultPollInterval,
	}, nil
}

// Token creates a solving task and polls until the vendor returns the
// response. API solvers have no per-project state, so the handle is empty.
func (s *APISolver) Token(ctx context.Context, projectID, action string) (string, string, error) {
	s.mu.RLock()
	clientKey, baseURL, siteKey := s.clientKey, s.baseURL, s.siteKey
	s.mu.RUnlock()

	payload, _ := sjson.Set("", "clientKey", clientKey)
	payload, _ = sjson.Set(payload, "task.websiteURL", s.pageURL(projectID))
	payload, _ = sjson.Set(payload, "task.websiteKey", siteKey)
	payload, _ = sjson.Set(payload, "task.type", s.taskType)
	payload, _ = sjson.Set(payload, "task.pageAction", action)

	result, err := s.post(ctx, baseURL+"/createTask", payload)
	if err != nil {
		return "", "", err
	}
	taskID := result.Get("taskId")
	if !taskID.Exists() || taskID.String() == "" {
		desc := result.Get("errorDescription").String()
		if desc == "" {
			desc = "no task id in response"
		}
		return "", "", fmt.Errorf("captcha: %s createTask failed: %s", s.vendor, desc)
	}
	log.Debugf("captcha: %s task %s created for project %s", s.vendor, taskID.String(), projectID)

	poll, _ := sjson.Set("", "clientKey", clientKey)
	poll, _ = sjson.SetRaw(poll, "taskId", taskID.Raw)
	for i := 0; i < resultPolls; i++ {
		if err := sleep(ctx, s.pollInterval); err != nil {
			return "", "", err
		}
		result, err := s.post(ctx, baseURL+"/getTaskResult", poll)
		if err != nil {
			return "", "", err
		}
		if result.Get("status").String() == "ready" {
			response := result.Get("solution.gRecaptchaResponse").String()
			if response == "" {
				return "", "", fmt.Errorf("captcha: %s returned empty solution", s.vendor)
			}
			return response, "", nil
		}
	}
	return "", "", fmt.Errorf("captcha: %s task %s timed out", s.vendor, taskID.String())
}

// ApplyConfig swaps in reloaded solver settings. The vendor and task type
// are fixed at construction; only the key, endpoint and site key move.
func (s *APISolver) ApplyConfig(cfg config.CaptchaConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key := cfg.ClientKeys[s.vendor]; key != "" {
		s.clientKey = key
	}
	if override := cfg.VendorBaseURLs[s.vendor]; override != "" {
		s.baseURL = override
	}
	if cfg.SiteKey != "" {
		s.siteKey = cfg.SiteKey
	}
}

// ReportBad is a no-op: every Token call already creates a fresh task.
func (s *APISolver) ReportBad(context.Context, string) {}

func (s *APISolver) Close() error { return nil }

func (s *APISolver) post(ctx context.Context, url, payload string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("captcha: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("captcha: %s request failed: %w", s.vendor, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("captcha: read %s response: %w", s.vendor, err)
	}
	if resp.StatusCode >= 400 {
		return gjson.Result{}, fmt.Errorf("captcha: %s returned status %d", s.vendor, resp.StatusCode)
	}
	return gjson.ParseBytes(body), nil
}
