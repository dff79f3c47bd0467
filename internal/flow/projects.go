package flow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"
)

// CreateProject creates a Flow project for the account and returns its id.
// Projects are created with the session credential, not the access one.
func (c *Client) CreateProject(ctx context.Context, sessionToken, title string) (string, error) {
	payload, err := sjson.Set("", "json.projectTitle", title)
	if err != nil {
		return "", fmt.Errorf("flow: build create project payload: %w", err)
	}
	payload, _ = sjson.Set(payload, "json.toolName", ToolName)

	result, err := c.doJSON(ctx, http.MethodPost, c.labsBase+"/trpc/project.createProject", authCookie, sessionToken, []byte(payload))
	if err != nil {
		return "", err
	}
	projectID := result.Get("result.data.json.result.projectId").String()
	if projectID == "" {
		return "", fmt.Errorf("flow: create project response carried no project id")
	}
	return projectID, nil
}

// DeleteProject removes a Flow project.
func (c *Client) DeleteProject(ctx context.Context, sessionToken, projectID string) error {
	payload, err := sjson.Set("", "json.projectToDeleteId", projectID)
	if err != nil {
		return fmt.Errorf("flow: build delete project payload: %w", err)
	}
	_, err = c.doJSON(ctx, http.MethodPost, c.labsBase+"/trpc/project.deleteProject", authCookie, sessionToken, []byte(payload))
	return err
}
