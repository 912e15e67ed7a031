package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/database"
	"github.com/yourusername/nvr/internal/live"
	"github.com/yourusername/nvr/internal/recording"
	"github.com/yourusername/nvr/internal/retention"
	"github.com/yourusername/nvr/internal/rtsp"
	"go.uber.org/zap"
)

// CameraStore는 카메라 레코드 저장소 인터페이스
type CameraStore interface {
	Create(ctx context.Context, camera *core.Source) error
	Get(ctx context.Context, id string) (*core.Source, error)
	List(ctx context.Context) ([]*core.Source, error)
	Update(ctx context.Context, camera *core.Source) error
	Delete(ctx context.Context, id string) error
}

// RecordingStore는 녹화 레코드 조회 인터페이스
type RecordingStore interface {
	GetRecording(ctx context.Context, id string) (*core.Recording, error)
	ListRecordings(ctx context.Context, filter database.RecordingFilter) ([]*core.Recording, error)
	Stats(ctx context.Context, cameraID string) (core.RecordingStats, error)
}

// SettingsStore는 보존 설정 저장소 인터페이스
type SettingsStore interface {
	GetStorageSettings(ctx context.Context) (core.StorageSettings, error)
	UpdateStorageSettings(ctx context.Context, s core.StorageSettings) error
}

// LiveController는 라이브 세션 제어 인터페이스 (live.Manager)
type LiveController interface {
	StartLive(ctx context.Context, source core.Source) error
	StopLive(ctx context.Context, sourceID string) error
	IsActive(sourceID string) bool
	GetStatus(sourceID string) live.Status
	ActiveSources() []string
}

// RecordingController는 녹화 세션 제어 인터페이스 (recording.Manager)
type RecordingController interface {
	StartRecording(ctx context.Context, source core.Source, opts recording.Options) (*core.Recording, error)
	StopRecording(ctx context.Context, sourceID string) (*core.Recording, error)
	IsRecording(sourceID string) bool
	Active() []*core.Recording
}

// RetentionController는 저장소 정리 인터페이스 (retention.Engine)
type RetentionController interface {
	Snapshot(ctx context.Context) (core.StorageSnapshot, error)
	Cleanup(ctx context.Context) (*retention.Result, error)
	DeleteRecording(ctx context.Context, id string) (int64, error)
}

// SourceProber는 소스 미디어 포맷 조회 인터페이스 (rtsp.Prober)
type SourceProber interface {
	Supports(sourceURL string) bool
	Describe(ctx context.Context, sourceURL string) (*rtsp.ProbeResult, error)
}

// Server는 HTTP API 서버입니다
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	router     *gin.Engine
	handler    http.Handler
	port       int
	startedAt  time.Time

	cameras    CameraStore
	recordings RecordingStore
	settings   SettingsStore
	live       LiveController
	recorder   RecordingController
	retention  RetentionController
	prober     SourceProber

	// 핸들러
	websocketHandler func(http.ResponseWriter, *http.Request)
	viewerCount      func() int
}

// ServerConfig는 API 서버 설정
type ServerConfig struct {
	Port           int
	Production     bool
	AllowedOrigins []string
	Logger         *zap.Logger

	Cameras    CameraStore
	Recordings RecordingStore
	Settings   SettingsStore
	Live       LiveController
	Recorder   RecordingController
	Retention  RetentionController
	Prober     SourceProber // nil이면 probe 엔드포인트 비활성화

	WebSocketHandler func(http.ResponseWriter, *http.Request)
	ViewerCount      func() int
}

// NewServer는 새로운 API 서버를 생성합니다
func NewServer(config ServerConfig) *Server {
	if !config.Production {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(config.Logger))

	server := &Server{
		logger:           config.Logger,
		router:           router,
		handler:          corsHandler(config.AllowedOrigins).Handler(router),
		port:             config.Port,
		startedAt:        time.Now(),
		cameras:          config.Cameras,
		recordings:       config.Recordings,
		settings:         config.Settings,
		live:             config.Live,
		recorder:         config.Recorder,
		retention:        config.Retention,
		prober:           config.Prober,
		websocketHandler: config.WebSocketHandler,
		viewerCount:      config.ViewerCount,
	}

	server.setupRoutes()

	return server
}

// corsHandler는 허용 origin 설정으로 CORS 래퍼를 생성합니다
func corsHandler(allowed []string) *cors.Cors {
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Accept", "Origin", "Cache-Control", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// setupRoutes는 라우트를 설정합니다
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		cameras := v1.Group("/cameras")
		cameras.GET("", s.handleListCameras)
		cameras.POST("", s.handleCreateCamera)
		cameras.GET("/:id", s.handleGetCamera)
		cameras.PUT("/:id", s.handleUpdateCamera)
		cameras.DELETE("/:id", s.handleDeleteCamera)
		cameras.POST("/:id/stream/start", s.handleStartStream)
		cameras.POST("/:id/stream/stop", s.handleStopStream)
		cameras.GET("/:id/stream/status", s.handleStreamStatus)
		cameras.GET("/:id/probe", s.handleProbe)

		recordings := v1.Group("/recordings")
		recordings.GET("", s.handleListRecordings)
		recordings.POST("/start", s.handleStartRecording)
		recordings.POST("/:id/stop", s.handleStopRecording)
		recordings.GET("/active", s.handleActiveRecordings)
		recordings.GET("/:id", s.handleGetRecording)
		recordings.DELETE("/:id", s.handleDeleteRecording)

		storage := v1.Group("/storage")
		storage.GET("", s.handleStorageInfo)
		storage.GET("/stats", s.handleStorageStats)
		storage.PUT("/settings", s.handleUpdateSettings)

		v1.POST("/maintenance/cleanup", s.handleCleanup)
	}

	// WebSocket 뷰어
	if s.websocketHandler != nil {
		s.router.GET("/ws", gin.WrapF(s.websocketHandler))
	}
}

// Handler는 CORS가 적용된 HTTP 핸들러를 반환합니다
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start는 API 서버를 시작합니다
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("addr", addr),
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop은 API 서버를 종료합니다
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// loggerMiddleware는 로깅 미들웨어입니다
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request", fields...)
			return
		}
		logger.Info("HTTP request", fields...)
	}
}
