package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	log "github.com/sirupsen/logrus"
)

// Challenge actions accepted by the upstream generation endpoints.
const (
	ActionImageGeneration = "IMAGE_GENERATION"
	ActionVideoGeneration = "VIDEO_GENERATION"
)

const (
	challengeMaxAttempts = 3
	challengeRetryDelay  = time.Second
)

// ChallengeProvider produces solved challenge tokens for generation calls.
// ReportBad flags the solver behind a failed token so browser-backed
// providers can rotate the session before the next acquisition.
type ChallengeProvider interface {
	Token(ctx context.Context, projectID, action string) (token string, handle string, err error)
	ReportBad(ctx context.Context, handle string)
}

// SetChallengeProvider wires the challenge backend into the client.
// Generation calls fail until one is set.
func (c *Client) SetChallengeProvider(provider ChallengeProvider) {
	c.challenges = provider
}

// withChallenge runs fn with a freshly solved challenge token, retrying up to
// challengeMaxAttempts times when the upstream rejection looks
// challenge-related. Any other failure surfaces immediately.
func (c *Client) withChallenge(ctx context.Context, projectID, action string, fn func(challengeToken string) (gjson.Result, error)) (gjson.Result, error) {
	if c.challenges == nil {
		return gjson.Result{}, fmt.Errorf("flow: no challenge provider configured")
	}

	var lastErr error
	for attempt := 0; attempt < challengeMaxAttempts; attempt++ {
		challengeToken, handle, err := c.challenges.Token(ctx, projectID, action)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("flow: failed to obtain challenge token: %w", err)
		}
		if challengeToken == "" {
			return gjson.Result{}, fmt.Errorf("flow: failed to obtain challenge token")
		}

		result, errCall := fn(challengeToken)
		if errCall == nil {
			return result, nil
		}
		lastErr = errCall
		if !IsRetryable(errCall) || attempt == challengeMaxAttempts-1 {
			return gjson.Result{}, errCall
		}

		log.WithFields(log.Fields{
			"project_id": projectID,
			"action":     action,
			"attempt":    attempt + 2,
		}).Warnf("flow: challenge-gated call rejected, retrying: %v", errCall)
		c.challenges.ReportBad(ctx, handle)
		select {
		case <-ctx.Done():
			return gjson.Result{}, ctx.Err()
		case <-time.After(c.retryDelay()):
		}
	}
	return gjson.Result{}, lastErr
}

func (c *Client) retryDelay() time.Duration {
	if c.challengeRetryDelay > 0 {
		return c.challengeRetryDelay
	}
	return challengeRetryDelay
}

// ImageInput references a previously uploaded image.
type ImageInput struct {
	MediaID        string `json:"mediaId,omitempty"`
	ImageUsageType string `json:"imageUsageType,omitempty"`
}

// ImageRequest describes one batchGenerateImages call.
type ImageRequest struct {
	Prompt      string
	ModelName   string
	AspectRatio string
	ImageInputs []ImageInput
}

// GenerateImage issues a synchronous image generation call.
func (c *Client) GenerateImage(ctx context.Context, accessToken, projectID string, req ImageRequest) (gjson.Result, error) {
	url := fmt.Sprintf("%s/projects/%s/flowMedia:batchGenerateImages", c.apiBase, projectID)
	return c.withChallenge(ctx, projectID, ActionImageGeneration, func(challengeToken string) (gjson.Result, error) {
		payload := clientContext(challengeToken, projectID)
		payload, _ = sjson.Set(payload, "requests.0.seed", rand.Intn(99999)+1)
		payload, _ = sjson.Set(payload, "requests.0.imageModelName", req.ModelName)
		payload, _ = sjson.Set(payload, "requests.0.imageAspectRatio", req.AspectRatio)
		payload, _ = sjson.Set(payload, "requests.0.prompt", req.Prompt)
		inputs, err := json.Marshal(req.ImageInputs)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("flow: marshal image inputs: %w", err)
		}
		if req.ImageInputs == nil {
			inputs = []byte("[]")
		}
		payload, _ = sjson.SetRaw(payload, "requests.0.imageInputs", string(inputs))
		return c.doJSON(ctx, http.MethodPost, url, authBearer, accessToken, []byte(payload))
	})
}

// VideoRequest describes one asynchronous video generation call.
type VideoRequest struct {
	Prompt          string
	ModelKey        string
	AspectRatio     string
	UserPaygateTier string
	// ReferenceImages switches the call onto the image-conditioned endpoint.
	ReferenceImages []ImageInput
}

// GenerateVideo starts an asynchronous video generation and returns the
// pending operations.
func (c *Client) GenerateVideo(ctx context.Context, accessToken, projectID string, req VideoRequest) (gjson.Result, error) {
	url := c.apiBase + "/video:batchAsyncGenerateVideoText"
	if len(req.ReferenceImages) > 0 {
		url = c.apiBase + "/video:batchAsyncGenerateVideoReferenceImages"
	}
	tier := req.UserPaygateTier
	if tier == "" {
		tier = "PAYGATE_TIER_ONE"
	}
	return c.withChallenge(ctx, projectID, ActionVideoGeneration, func(challengeToken string) (gjson.Result, error) {
		payload := clientContext(challengeToken, projectID)
		payload, _ = sjson.Set(payload, "clientContext.userPaygateTier", tier)
		payload, _ = sjson.Set(payload, "requests.0.aspectRatio", req.AspectRatio)
		payload, _ = sjson.Set(payload, "requests.0.seed", rand.Intn(99999)+1)
		payload, _ = sjson.Set(payload, "requests.0.textInput.prompt", req.Prompt)
		payload, _ = sjson.Set(payload, "requests.0.videoModelKey", req.ModelKey)
		payload, _ = sjson.Set(payload, "requests.0.metadata.sceneId", uuid.NewString())
		if len(req.ReferenceImages) > 0 {
			refs, err := json.Marshal(req.ReferenceImages)
			if err != nil {
				return gjson.Result{}, fmt.Errorf("flow: marshal reference images: %w", err)
			}
			payload, _ = sjson.SetRaw(payload, "requests.0.referenceImages", string(refs))
		}
		return c.doJSON(ctx, http.MethodPost, url, authBearer, accessToken, []byte(payload))
	})
}

// VideoOperation identifies a pending generation returned by GenerateVideo.
type VideoOperation struct {
	Name    string `json:"name"`
	SceneID string `json:"sceneId,omitempty"`
}

// CheckVideoStatus polls pending video generations. No challenge token is
// required for status checks.
func (c *Client) CheckVideoStatus(ctx context.Context, accessToken string, operations []VideoOperation) (gjson.Result, error) {
	payload := ""
	for i, op := range operations {
		payload, _ = sjson.Set(payload, fmt.Sprintf("operations.%d.operation.name", i), op.Name)
		if op.SceneID != "" {
			payload, _ = sjson.Set(payload, fmt.Sprintf("operations.%d.sceneId", i), op.SceneID)
		}
	}
	return c.doJSON(ctx, http.MethodPost, c.apiBase+"/video:batchCheckAsyncVideoGenerationStatus", authBearer, accessToken, []byte(payload))
}

// UploadImage stores a user image and returns its media generation id.
func (c *Client) UploadImage(ctx context.Context, accessToken, rawImageBase64, mimeType, aspectRatio string) (string, error) {
	payload, _ := sjson.Set("", "imageInput.rawImageBytes", rawImageBase64)
	payload, _ = sjson.Set(payload, "imageInput.mimeType", mimeType)
	payload, _ = sjson.Set(payload, "imageInput.isUserUploaded", true)
	payload, _ = sjson.Set(payload, "imageInput.aspectRatio", aspectRatio)
	payload, _ = sjson.Set(payload, "clientContext.sessionId", SessionID())
	payload, _ = sjson.Set(payload, "clientContext.tool", "ASSET_MANAGER")

	result, err := c.doJSON(ctx, http.MethodPost, c.apiBase+":uploadUserImage", authBearer, accessToken, []byte(payload))
	if err != nil {
		return "", err
	}
	mediaID := result.Get("mediaGenerationId.mediaGenerationId").String()
	if mediaID == "" {
		return "", fmt.Errorf("flow: upload returned no media id")
	}
	return mediaID, nil
}

// clientContext builds the shared request envelope carrying the solved
// challenge token.
func clientContext(challengeToken, projectID string) string {
	payload, _ := sjson.Set("", "clientContext.recaptchaContext.token", challengeToken)
	payload, _ = sjson.Set(payload, "clientContext.recaptchaContext.applicationType", "RECAPTCHA_APPLICATION_TYPE_WEB")
	payload, _ = sjson.Set(payload, "clientContext.sessionId", SessionID())
	payload, _ = sjson.Set(payload, "clientContext.projectId", projectID)
	payload, _ = sjson.Set(payload, "clientContext.tool", ToolName)
	return payload
}
