package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/live"
	"github.com/yourusername/nvr/internal/retention"
)

// APIError represents a non-2xx response from the NVR API
type APIError struct {
	StatusCode int
	Message    string
	Err        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s: %s", e.StatusCode, e.Message, e.Err)
}

// envelope is the common response body
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// CameraInput is the create/update request body
type CameraInput struct {
	Name       string `json:"name"`
	StreamURL  string `json:"streamUrl"`
	Location   string `json:"location,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	FPS        string `json:"fps,omitempty"`
}

// APIClient handles communication with the NVR HTTP API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do sends a JSON request and decodes the data field of the response into out
func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(raw))
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message, Err: env.Error}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}

	return nil
}

// Health returns the health check body
func (c *APIClient) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return health, nil
}

// CreateCamera registers a new camera
func (c *APIClient) CreateCamera(ctx context.Context, in CameraInput) (*core.Source, error) {
	var camera core.Source
	if err := c.do(ctx, http.MethodPost, "/api/v1/cameras", in, &camera); err != nil {
		return nil, err
	}
	return &camera, nil
}

// GetCamera retrieves a camera by id
func (c *APIClient) GetCamera(ctx context.Context, id string) (*core.Source, error) {
	var camera core.Source
	if err := c.do(ctx, http.MethodGet, "/api/v1/cameras/"+id, nil, &camera); err != nil {
		return nil, err
	}
	return &camera, nil
}

// UpdateCamera replaces a camera's fields
func (c *APIClient) UpdateCamera(ctx context.Context, id string, in CameraInput) (*core.Source, error) {
	var camera core.Source
	if err := c.do(ctx, http.MethodPut, "/api/v1/cameras/"+id, in, &camera); err != nil {
		return nil, err
	}
	return &camera, nil
}

// DeleteCamera removes a camera, stopping its sessions first
func (c *APIClient) DeleteCamera(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/cameras/"+id, nil, nil)
}

// ListCameras returns all cameras
func (c *APIClient) ListCameras(ctx context.Context) ([]*core.Source, error) {
	var items []struct {
		Camera *core.Source `json:"camera"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/cameras", nil, &items); err != nil {
		return nil, err
	}

	cameras := make([]*core.Source, 0, len(items))
	for _, item := range items {
		cameras = append(cameras, item.Camera)
	}
	return cameras, nil
}

// StartStream starts a camera's live session
func (c *APIClient) StartStream(ctx context.Context, id string) (*live.Status, error) {
	var status live.Status
	if err := c.do(ctx, http.MethodPost, "/api/v1/cameras/"+id+"/stream/start", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StopStream stops a camera's live session
func (c *APIClient) StopStream(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/cameras/"+id+"/stream/stop", nil, nil)
}

// StreamStatus returns a camera's live status
func (c *APIClient) StreamStatus(ctx context.Context, id string) (*live.Status, error) {
	var status live.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/cameras/"+id+"/stream/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StartRecording starts recording a live camera
func (c *APIClient) StartRecording(ctx context.Context, cameraID string, recordingType core.RecordingType) (*core.Recording, error) {
	in := map[string]string{"cameraId": cameraID, "type": string(recordingType)}

	var rec core.Recording
	if err := c.do(ctx, http.MethodPost, "/api/v1/recordings/start", in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StopRecording stops a camera's recording and returns the finalized record
func (c *APIClient) StopRecording(ctx context.Context, cameraID string) (*core.Recording, error) {
	var rec core.Recording
	if err := c.do(ctx, http.MethodPost, "/api/v1/recordings/"+cameraID+"/stop", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Storage returns the current storage snapshot
func (c *APIClient) Storage(ctx context.Context) (*core.StorageSnapshot, error) {
	var snapshot core.StorageSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/storage", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Cleanup triggers a retention run
func (c *APIClient) Cleanup(ctx context.Context) (*retention.Result, error) {
	var result retention.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/maintenance/cleanup", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
