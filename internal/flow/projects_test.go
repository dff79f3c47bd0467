package flow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"
)

func TestCreateProject(t *testing.T) {
	var captured []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fx/api/trpc/project.createProject" {
			t.Errorf("path = %q", r.URL.Path)
		}
		captured, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"result":{"data":{"json":{"result":{"projectId":"proj-123"}}}}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	projectID, err := c.CreateProject(context.Background(), "st-1", "Aug 28 - 09:30")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if projectID != "proj-123" {
		t.Fatalf("project id = %q", projectID)
	}
	body := gjson.ParseBytes(captured)
	if body.Get("json.projectTitle").String() != "Aug 28 - 09:30" {
		t.Fatalf("payload = %s", body.Raw)
	}
	if body.Get("json.toolName").String() != ToolName {
		t.Fatalf("tool name = %q", body.Get("json.toolName").String())
	}
}

func TestCreateProjectMissingIDFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if _, err := c.CreateProject(context.Background(), "st-1", "t"); err == nil {
		t.Fatal("expected error when response carries no project id")
	}
}

func TestDeleteProject(t *testing.T) {
	var captured []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.DeleteProject(context.Background(), "st-1", "proj-123"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if gjson.ParseBytes(captured).Get("json.projectToDeleteId").String() != "proj-123" {
		t.Fatalf("payload = %s", captured)
	}
}
