package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/nvr/internal/core"
)

func TestClientDecodesData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/cameras", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in CameraInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "Lobby", in.Name)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": "cam-9", "name": in.Name, "streamUrl": in.StreamURL},
		})
	}))
	defer ts.Close()

	c := NewAPIClient(ts.URL)
	camera, err := c.CreateCamera(context.Background(), CameraInput{Name: "Lobby", StreamURL: "rtsp://10.0.0.9/live"})
	require.NoError(t, err)
	assert.Equal(t, "cam-9", camera.ID)
	assert.Equal(t, "rtsp://10.0.0.9/live", camera.StreamURL)
}

func TestClientReturnsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "Failed to start recording",
			"error":   core.ErrAlreadyRecording.Error(),
		})
	}))
	defer ts.Close()

	c := NewAPIClient(ts.URL)
	_, err := c.StartRecording(context.Background(), "cam-1", core.RecordingTypeManual)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, core.ErrAlreadyRecording.Error(), apiErr.Err)
}

func TestClientListCamerasUnwrapsItems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"camera": map[string]any{"id": "a"}, "recording": false},
				{"camera": map[string]any{"id": "b"}, "recording": true},
			},
		})
	}))
	defer ts.Close()

	cameras, err := NewAPIClient(ts.URL).ListCameras(context.Background())
	require.NoError(t, err)
	require.Len(t, cameras, 2)
	assert.Equal(t, "b", cameras[1].ID)
}
