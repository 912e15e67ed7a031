package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/pkg/logger"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/config.yaml"
	version           = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "nvr",
		Usage:   "Network video recorder: live MJPEG fanout, recording and storage retention",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "설정 파일 경로",
				EnvVars: []string{"NVR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			cleanupCommand(),
			versionCommand(),
		},
		Action: runServe,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the HTTP API, viewer websocket and retention scheduler",
		Action: runServe,
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Run storage retention once and exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "temp",
				Value: true,
				Usage: "임시 파일도 정리",
			},
		},
		Action: runCleanup,
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("NVR Server v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}

// setup은 설정을 로드하고 로거를 초기화합니다
func setup(c *cli.Context) (*core.Config, error) {
	config, err := core.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.InitLogger(logger.LogConfig{
		Level:      config.Logging.Level,
		Output:     config.Logging.Output,
		FilePath:   config.Logging.FilePath,
		MaxSize:    config.Logging.MaxSize,
		MaxBackups: config.Logging.MaxBackups,
		MaxAge:     config.Logging.MaxAge,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return config, nil
}

func runServe(c *cli.Context) error {
	config, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Close()

	// 시작 로그
	logger.Info("Starting NVR server",
		zap.String("version", version),
		zap.String("go_version", runtime.Version()),
		zap.Int("num_cpu", runtime.NumCPU()),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
	)

	// 설정 정보 출력
	logger.Info("Server configuration",
		zap.Int("http_port", config.Server.HTTPPort),
		zap.Bool("production", config.Server.Production),
		zap.String("database_driver", config.Database.Driver),
		zap.String("storage_path", config.Storage.Path),
		zap.Bool("rtsp_probe", config.Live.Probe),
	)

	// 서버 컴포넌트 초기화
	app, err := initializeApplication(config)
	if err != nil {
		logger.Error("Failed to initialize application", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.start(ctx); err != nil {
		app.cleanup()
		return err
	}

	logger.Info("All components initialized successfully")

	// 종료 시그널 대기
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	logger.Info("Received shutdown signal",
		zap.String("signal", sig.String()),
	)

	cancel()
	app.cleanup()

	logger.Info("Server stopped gracefully")
	return nil
}

func runCleanup(c *cli.Context) error {
	config, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Close()

	app, err := initializeStorage(config)
	if err != nil {
		return err
	}
	defer app.closeDatabase()

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Minute)
	defer cancel()

	result, err := app.retention.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Printf("Usage: %.1f%% -> %.1f%% (threshold %d%%)\n", result.UsedPercentBefore, result.UsedPercentAfter, result.Threshold)
	if result.Skipped {
		fmt.Println(result.Message)
	}
	fmt.Printf("Deleted %d recordings, freed %d bytes\n", result.FilesDeleted, result.SpaceFreed)
	for _, itemErr := range result.Errors {
		fmt.Printf("  failed: %s\n", itemErr.Error())
	}

	if c.Bool("temp") {
		removed, err := app.retention.CleanupTemp(ctx, time.Duration(config.Storage.TempMaxAgeSec)*time.Second)
		if err != nil {
			return fmt.Errorf("temp cleanup failed: %w", err)
		}
		fmt.Printf("Removed %d temp files\n", removed)
	}

	return nil
}
