package main

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/nvr/internal/api"
	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/database"
	"github.com/yourusername/nvr/internal/live"
	"github.com/yourusername/nvr/internal/process"
	"github.com/yourusername/nvr/internal/recording"
	"github.com/yourusername/nvr/internal/retention"
	"github.com/yourusername/nvr/internal/rtsp"
	"github.com/yourusername/nvr/internal/signaling"
	"github.com/yourusername/nvr/internal/storage"
	"github.com/yourusername/nvr/pkg/logger"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// retentionStore는 녹화 저장소와 설정 저장소를 보존 엔진용으로 묶습니다
type retentionStore struct {
	*database.RecordingRepository
	*database.SettingsRepository
}

// Application은 애플리케이션 컴포넌트들을 관리합니다
type Application struct {
	config *core.Config

	db         *database.DB
	cameras    *database.CameraRepository
	recordings *database.RecordingRepository
	settings   *database.SettingsRepository
	files      *storage.Filesystem
	retention  *retention.Engine

	supervisor      *process.Supervisor
	broadcaster     *core.Broadcaster
	liveManager     *live.Manager
	recorder        *recording.Manager
	signalingServer *signaling.Server
	apiServer       *api.Server
}

// initializeStorage는 레코드 저장소, 파일시스템, 보존 엔진을 초기화합니다
func initializeStorage(config *core.Config) (*Application, error) {
	app := &Application{config: config}

	// 1. 데이터베이스
	db, err := database.New(config.Database.Driver, config.Database.DSN, logger.Named("database"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app.db = db
	app.cameras = database.NewCameraRepository(db, logger.Log)
	app.recordings = database.NewRecordingRepository(db, logger.Log)
	app.settings = database.NewSettingsRepository(db, config.SeedStorageSettings(), logger.Log)
	logger.Info("Database initialized", zap.String("driver", db.Driver()))

	// 2. 저장소 디렉토리
	app.files = storage.NewFilesystem(config.Storage.Path, logger.Named("storage"))
	if err := app.files.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// 3. 보존 엔진
	app.retention = retention.NewEngine(retention.Config{
		Store:   retentionStore{app.recordings, app.settings},
		Files:   app.files,
		Logger:  logger.Named("retention"),
		Root:    app.files.Root(),
		TempDir: app.files.Path(storage.DirTemp),
	})

	return app, nil
}

// initializeApplication은 애플리케이션을 초기화합니다
func initializeApplication(config *core.Config) (*Application, error) {
	app, err := initializeStorage(config)
	if err != nil {
		return nil, err
	}

	// 4. 프로세스 슈퍼바이저
	app.supervisor = process.NewSupervisor(process.SupervisorConfig{
		Binary:      config.FFmpeg.Binary,
		StderrLines: config.FFmpeg.StderrLines,
		Logger:      logger.Named("process"),
	})
	if err := app.supervisor.CheckInstallation(); err != nil {
		logger.Warn("FFmpeg not available, streams will fail to start", zap.Error(err))
	}

	// 5. 뷰어 브로드캐스터
	app.broadcaster = core.NewBroadcaster(core.BroadcasterConfig{
		Logger:           logger.Named("broadcaster"),
		TopicBuffer:      config.Viewer.TopicBuffer,
		SubscriberBuffer: config.Viewer.SubscriberBuffer,
	})

	// 6. 라이브 매니저
	liveConfig := live.Config{
		Spawner:   app.supervisor,
		Transport: app.broadcaster,
		Logger:    logger.Named("live"),
		Output: process.LiveOptions{
			Width:   config.Live.Width,
			Height:  config.Live.Height,
			FPS:     config.Live.FPS,
			Quality: config.Live.Quality,
		},
		GracePeriod:  config.LiveGracePeriod(),
		MaxFrameSize: config.Live.MaxFrameSize,
		FrameTimeout: time.Duration(config.Live.FrameTimeoutSec) * time.Second,
		ProbeTimeout: time.Duration(config.Live.ProbeTimeoutSec) * time.Second,
	}
	prober := rtsp.NewProber(rtsp.ProberConfig{
		Timeout: time.Duration(config.Live.ProbeTimeoutSec) * time.Second,
		Logger:  logger.Named("rtsp"),
	})
	if config.Live.Probe {
		liveConfig.Prober = prober
	}
	app.liveManager = live.NewManager(liveConfig)

	// 7. 녹화 매니저
	app.recorder = recording.NewManager(recording.Config{
		Spawner:     app.supervisor,
		Live:        app.liveManager,
		Store:       app.recordings,
		Files:       app.files,
		Logger:      logger.Named("recording"),
		GracePeriod: config.RecordingGracePeriod(),
		StorageRoot: config.Storage.Path,
		Directory:   config.Recording.Directory,
	})

	// 8. 뷰어 WebSocket 서버
	app.signalingServer = signaling.NewServer(signaling.ServerConfig{
		Logger:         logger.Named("viewer"),
		Hub:            app.broadcaster,
		AllowedOrigins: config.Server.AllowedOrigins,
	})

	// 9. API 서버
	app.apiServer = api.NewServer(api.ServerConfig{
		Port:             config.Server.HTTPPort,
		Production:       config.Server.Production,
		AllowedOrigins:   config.Server.AllowedOrigins,
		Logger:           logger.Named("api"),
		Cameras:          app.cameras,
		Recordings:       app.recordings,
		Settings:         app.settings,
		Live:             app.liveManager,
		Recorder:         app.recorder,
		Retention:        app.retention,
		Prober:           prober,
		WebSocketHandler: app.signalingServer.HandleWebSocket,
		ViewerCount:      app.signalingServer.GetClientCount,
	})

	return app, nil
}

// start는 API 서버와 보존 스케줄러를 시작합니다
func (app *Application) start(ctx context.Context) error {
	if err := app.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logger.Info("API server started")

	go app.retention.Run(ctx,
		time.Duration(app.config.Storage.CleanupIntervalSec)*time.Second,
		time.Duration(app.config.Storage.TempMaxAgeSec)*time.Second,
	)

	return nil
}

// cleanup은 애플리케이션 리소스를 정리합니다.
// 녹화를 먼저 마무리한 뒤 라이브 세션을 종료하고 저장소를 닫습니다.
func (app *Application) cleanup() {
	logger.Info("Cleaning up application resources")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app.apiServer != nil {
		if err := app.apiServer.Stop(ctx); err != nil {
			logger.Warn("API server shutdown error", zap.Error(err))
		}
	}

	if app.recorder != nil {
		app.recorder.StopAll(ctx)
	}

	if app.liveManager != nil {
		app.liveManager.StopAll(ctx)
	}

	if app.signalingServer != nil {
		app.signalingServer.Close()
	}

	if app.broadcaster != nil {
		app.broadcaster.Close()
	}

	app.closeDatabase()

	logger.Info("Cleanup completed")
}

func (app *Application) closeDatabase() {
	if app.db == nil {
		return
	}
	if err := app.db.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
	app.db = nil
}
