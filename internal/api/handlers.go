package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/database"
	"github.com/yourusername/nvr/internal/recording"
	"go.uber.org/zap"
)

// ErrorResponse는 실패 응답 본문
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// CameraRequest는 카메라 생성/수정 요청
type CameraRequest struct {
	Name       string `json:"name" binding:"required"`
	StreamURL  string `json:"streamUrl" binding:"required"`
	Location   string `json:"location"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Resolution string `json:"resolution"`
	FPS        string `json:"fps"`
}

// StartRecordingRequest는 녹화 시작 요청
type StartRecordingRequest struct {
	CameraID   string `json:"cameraId" binding:"required"`
	OutputPath string `json:"outputPath"`
	Type       string `json:"type"`
}

// SettingsRequest는 보존 설정 변경 요청
type SettingsRequest struct {
	MaxSizeGB        int    `json:"maxSize" binding:"min=0"`
	CleanupThreshold int    `json:"cleanupThreshold" binding:"required,min=1,max=100"`
	RetentionDays    int    `json:"retentionDays" binding:"min=0"`
	Path             string `json:"path"`
}

// statusFor는 에러 종류를 HTTP 상태 코드로 변환합니다
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrAlreadyActive), errors.Is(err, core.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotActive), errors.Is(err, core.ErrNotRecording), errors.Is(err, core.ErrSourceNotLive):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrSourceNotFound), errors.Is(err, core.ErrRecordingNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSpawn), errors.Is(err, core.ErrSourceUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, ErrorResponse{Success: false, Message: message, Error: err.Error()})
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Success: false, Message: message, Error: err.Error()})
}

// handleHealth는 헬스 체크를 처리합니다
func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":           "ok",
		"time":             time.Now().UTC(),
		"uptime":           time.Since(s.startedAt).Round(time.Second).String(),
		"activeStreams":    len(s.live.ActiveSources()),
		"activeRecordings": len(s.recorder.Active()),
	}
	if s.viewerCount != nil {
		health["viewers"] = s.viewerCount()
	}

	c.JSON(http.StatusOK, health)
}

// handleListCameras는 카메라 목록과 라이브 상태를 반환합니다
func (s *Server) handleListCameras(c *gin.Context) {
	cameras, err := s.cameras.List(c.Request.Context())
	if err != nil {
		s.respondError(c, "Failed to list cameras", err)
		return
	}

	items := make([]gin.H, 0, len(cameras))
	for _, camera := range cameras {
		items = append(items, gin.H{
			"camera":    camera,
			"stream":    s.live.GetStatus(camera.ID),
			"recording": s.recorder.IsRecording(camera.ID),
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": items})
}

func (s *Server) handleCreateCamera(c *gin.Context) {
	var req CameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid camera request", err)
		return
	}

	camera := &core.Source{ID: uuid.NewString()}
	req.apply(camera)

	if err := s.cameras.Create(c.Request.Context(), camera); err != nil {
		s.respondError(c, "Failed to create camera", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": camera})
}

func (s *Server) handleGetCamera(c *gin.Context) {
	camera, err := s.cameras.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get camera", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      camera,
		"stream":    s.live.GetStatus(camera.ID),
		"recording": s.recorder.IsRecording(camera.ID),
	})
}

func (s *Server) handleUpdateCamera(c *gin.Context) {
	ctx := c.Request.Context()

	camera, err := s.cameras.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get camera", err)
		return
	}

	var req CameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid camera request", err)
		return
	}
	if req.Password == "" {
		req.Password = camera.Password
	}
	req.apply(camera)

	if err := s.cameras.Update(ctx, camera); err != nil {
		s.respondError(c, "Failed to update camera", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": camera})
}

// handleDeleteCamera는 진행 중인 녹화와 라이브 세션을 먼저 정리한 뒤 카메라를 삭제합니다
func (s *Server) handleDeleteCamera(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.cameras.Get(ctx, id); err != nil {
		s.respondError(c, "Failed to get camera", err)
		return
	}

	if s.recorder.IsRecording(id) {
		if _, err := s.recorder.StopRecording(ctx, id); err != nil && !errors.Is(err, core.ErrNotRecording) {
			s.logger.Warn("Failed to stop recording before camera delete", zap.String("camera_id", id), zap.Error(err))
		}
	}
	if err := s.live.StopLive(ctx, id); err != nil && !errors.Is(err, core.ErrNotActive) {
		s.logger.Warn("Failed to stop stream before camera delete", zap.String("camera_id", id), zap.Error(err))
	}

	if err := s.cameras.Delete(ctx, id); err != nil {
		s.respondError(c, "Failed to delete camera", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Camera deleted"})
}

func (s *Server) handleStartStream(c *gin.Context) {
	ctx := c.Request.Context()

	camera, err := s.cameras.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get camera", err)
		return
	}

	if err := s.live.StartLive(ctx, *camera); err != nil {
		s.respondError(c, "Failed to start stream", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Stream started",
		"data":    s.live.GetStatus(camera.ID),
	})
}

// handleStopStream은 라이브 세션을 종료합니다. 이미 종료된 세션도 성공으로 응답합니다.
func (s *Server) handleStopStream(c *gin.Context) {
	id := c.Param("id")

	err := s.live.StopLive(c.Request.Context(), id)
	if errors.Is(err, core.ErrNotActive) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Stream not active", "stopped": false})
		return
	}
	if err != nil {
		s.respondError(c, "Failed to stop stream", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Stream stopped", "stopped": true})
}

func (s *Server) handleStreamStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.live.GetStatus(c.Param("id"))})
}

// handleProbe는 카메라 소스의 미디어 포맷을 조회합니다
func (s *Server) handleProbe(c *gin.Context) {
	ctx := c.Request.Context()

	camera, err := s.cameras.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get camera", err)
		return
	}

	if s.prober == nil || !s.prober.Supports(camera.StreamURL) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "Probe not supported for this source",
			Error:   "only rtsp sources can be probed",
		})
		return
	}

	result, err := s.prober.Describe(ctx, camera.TransportURL())
	if err != nil {
		s.respondError(c, "Failed to probe source", errors.Join(core.ErrSourceUnreachable, err))
		return
	}
	// 응답에 자격 증명이 노출되지 않도록 원래 URL 사용
	result.URL = camera.StreamURL

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (s *Server) handleListRecordings(c *gin.Context) {
	filter := database.RecordingFilter{
		CameraID: c.Query("cameraId"),
		Status:   core.RecordingStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			badRequest(c, "Invalid limit", errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			badRequest(c, "Invalid offset", errors.New("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	recordings, err := s.recordings.ListRecordings(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, "Failed to list recordings", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": recordings})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	ctx := c.Request.Context()

	var req StartRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid recording request", err)
		return
	}

	recordingType := core.RecordingType(req.Type)
	switch recordingType {
	case "", core.RecordingTypeManual, core.RecordingTypeContinuous, core.RecordingTypeMotion, core.RecordingTypeScheduled:
	default:
		badRequest(c, "Invalid recording type", errors.New("unknown recording type: "+req.Type))
		return
	}

	camera, err := s.cameras.Get(ctx, req.CameraID)
	if err != nil {
		s.respondError(c, "Failed to get camera", err)
		return
	}

	rec, err := s.recorder.StartRecording(ctx, *camera, recording.Options{
		Type:       recordingType,
		OutputPath: req.OutputPath,
	})
	if err != nil {
		s.respondError(c, "Failed to start recording", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Recording started", "data": rec})
}

// handleStopRecording은 카메라의 진행 중인 녹화를 종료하고 최종 레코드를 반환합니다
func (s *Server) handleStopRecording(c *gin.Context) {
	rec, err := s.recorder.StopRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to stop recording", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Recording stopped", "data": rec})
}

func (s *Server) handleActiveRecordings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.recorder.Active()})
}

func (s *Server) handleGetRecording(c *gin.Context) {
	rec, err := s.recordings.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get recording", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

// handleDeleteRecording은 녹화 파일, 썸네일, 레코드를 삭제합니다. 진행 중이면 먼저 종료합니다.
func (s *Server) handleDeleteRecording(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	rec, err := s.recordings.GetRecording(ctx, id)
	if err != nil {
		s.respondError(c, "Failed to get recording", err)
		return
	}

	if rec.Status == core.RecordingStatusRecording && s.recorder.IsRecording(rec.CameraID) {
		if _, err := s.recorder.StopRecording(ctx, rec.CameraID); err != nil && !errors.Is(err, core.ErrNotRecording) {
			s.respondError(c, "Failed to stop recording", err)
			return
		}
	}

	freed, err := s.retention.DeleteRecording(ctx, id)
	if err != nil {
		s.respondError(c, "Failed to delete recording", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Recording deleted", "spaceFreed": freed})
}

func (s *Server) handleStorageInfo(c *gin.Context) {
	snapshot, err := s.retention.Snapshot(c.Request.Context())
	if err != nil {
		s.respondError(c, "Failed to get storage info", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": snapshot})
}

func (s *Server) handleStorageStats(c *gin.Context) {
	stats, err := s.recordings.Stats(c.Request.Context(), c.Query("cameraId"))
	if err != nil {
		s.respondError(c, "Failed to get storage stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	ctx := c.Request.Context()

	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid storage settings", err)
		return
	}

	current, err := s.settings.GetStorageSettings(ctx)
	if err != nil {
		s.respondError(c, "Failed to get storage settings", err)
		return
	}

	updated := core.StorageSettings{
		MaxSizeGB:        req.MaxSizeGB,
		CleanupThreshold: req.CleanupThreshold,
		RetentionDays:    req.RetentionDays,
		Path:             req.Path,
	}
	if updated.Path == "" {
		updated.Path = current.Path
	}

	if err := s.settings.UpdateStorageSettings(ctx, updated); err != nil {
		s.respondError(c, "Failed to update storage settings", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": updated})
}

// handleCleanup은 보존 정책에 따른 정리를 즉시 실행합니다
func (s *Server) handleCleanup(c *gin.Context) {
	result, err := s.retention.Cleanup(c.Request.Context())
	if err != nil {
		s.respondError(c, "Cleanup failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (r CameraRequest) apply(camera *core.Source) {
	camera.Name = r.Name
	camera.StreamURL = r.StreamURL
	camera.Location = r.Location
	camera.Username = r.Username
	camera.Password = r.Password
	camera.Resolution = r.Resolution
	camera.FPS = r.FPS
}
