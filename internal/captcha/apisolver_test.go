package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuunie/flow2api/internal/config"
)

func solverConfig(baseURL string) config.CaptchaConfig {
	return config.CaptchaConfig{
		SiteKey:        "site-key",
		ClientKeys:     map[string]string{"yescaptcha": "client-key"},
		VendorBaseURLs: map[string]string{"yescaptcha": baseURL},
	}
}

func projectPage(projectID string) string {
	return "https://labs.google/fx/tools/flow/project/" + projectID
}

func TestAPISolverCreateAndPoll(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		switch r.URL.Path {
		case "/createTask":
			if body["clientKey"] != "client-key" {
				t.Errorf("clientKey = %v", body["clientKey"])
			}
			task := body["task"].(map[string]any)
			if task["type"] != "RecaptchaV3TaskProxylessM1" {
				t.Errorf("task type = %v", task["type"])
			}
			if task["websiteKey"] != "site-key" {
				t.Errorf("websiteKey = %v", task["websiteKey"])
			}
			if task["pageAction"] != "IMAGE_GENERATION" {
				t.Errorf("pageAction = %v", task["pageAction"])
			}
			if task["websiteURL"] != projectPage("p1") {
				t.Errorf("websiteURL = %v", task["websiteURL"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"taskId": "task-42"})
		case "/getTaskResult":
			if body["taskId"] != "task-42" {
				t.Errorf("taskId = %v", body["taskId"])
			}
			if polls.Add(1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "ready",
				"solution": map[string]any{"gRecaptchaResponse": "solved"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	s, err := NewAPISolver("yescaptcha", solverConfig(server.URL), projectPage)
	if err != nil {
		t.Fatalf("NewAPISolver: %v", err)
	}
	s.pollInterval = time.Millisecond

	token, handle, err := s.Token(context.Background(), "p1", "IMAGE_GENERATION")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "solved" {
		t.Fatalf("token = %q", token)
	}
	if handle != "" {
		t.Fatalf("handle = %q, api solvers carry no handle", handle)
	}
	if polls.Load() != 3 {
		t.Fatalf("polled %d times, want 3", polls.Load())
	}
}

func TestAPISolverCreateFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errorId":          1,
			"errorDescription": "invalid key",
		})
	}))
	defer server.Close()

	s, err := NewAPISolver("yescaptcha", solverConfig(server.URL), projectPage)
	if err != nil {
		t.Fatalf("NewAPISolver: %v", err)
	}
	if _, _, err := s.Token(context.Background(), "p1", "IMAGE_GENERATION"); err == nil {
		t.Fatal("expected createTask failure")
	}
}

func TestAPISolverUnknownVendor(t *testing.T) {
	if _, err := NewAPISolver("nosuch", solverConfig("http://x"), projectPage); err == nil {
		t.Fatal("expected unknown vendor error")
	}
}

func TestAPISolverMissingClientKey(t *testing.T) {
	cfg := config.CaptchaConfig{SiteKey: "site-key"}
	if _, err := NewAPISolver("capsolver", cfg, projectPage); err == nil {
		t.Fatal("expected missing client key error")
	}
}

func TestAPISolverApplyConfigRotatesKey(t *testing.T) {
	var lastKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if key, ok := body["clientKey"].(string); ok {
			lastKey.Store(key)
		}
		switch r.URL.Path {
		case "/createTask":
			_ = json.NewEncoder(w).Encode(map[string]any{"taskId": "task-1"})
		case "/getTaskResult":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "ready",
				"solution": map[string]any{"gRecaptchaResponse": "solved"},
			})
		}
	}))
	defer server.Close()

	s, err := NewAPISolver("yescaptcha", solverConfig(server.URL), projectPage)
	if err != nil {
		t.Fatalf("NewAPISolver: %v", err)
	}
	s.pollInterval = time.Millisecond

	if _, _, err = s.Token(context.Background(), "p1", "IMAGE_GENERATION"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if lastKey.Load() != "client-key" {
		t.Fatalf("clientKey = %v", lastKey.Load())
	}

	next := solverConfig(server.URL)
	next.ClientKeys["yescaptcha"] = "rotated-key"
	s.ApplyConfig(next)

	if _, _, err = s.Token(context.Background(), "p1", "IMAGE_GENERATION"); err != nil {
		t.Fatalf("Token after reload: %v", err)
	}
	if lastKey.Load() != "rotated-key" {
		t.Fatalf("clientKey after reload = %v", lastKey.Load())
	}
}

func TestVendorTaskTypes(t *testing.T) {
	want := map[string]string{
		"yescaptcha": "RecaptchaV3TaskProxylessM1",
		"capmonster": "RecaptchaV3TaskProxyless",
		"ezcaptcha":  "ReCaptchaV3TaskProxylessS9",
		"capsolver":  "ReCaptchaV3EnterpriseTaskProxyLess",
	}
	for vendor, taskType := range want {
		profile, ok := vendorProfiles[vendor]
		if !ok {
			t.Fatalf("vendor %s missing", vendor)
		}
		if profile.taskType != taskType {
			t.Fatalf("%s task type = %q, want %q", vendor, profile.taskType, taskType)
		}
	}
}
