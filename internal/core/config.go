package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config는 전체 애플리케이션 설정을 담는 구조체
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Live      LiveConfig      `yaml:"live"`
	Recording RecordingConfig `yaml:"recording"`
	Storage   StorageConfig   `yaml:"storage"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	HTTPPort       int      `yaml:"http_port"`
	Production     bool     `yaml:"production"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite 또는 postgres
	DSN    string `yaml:"dsn"`
}

type FFmpegConfig struct {
	Binary      string `yaml:"binary"`
	StderrLines int    `yaml:"stderr_lines"`
}

type LiveConfig struct {
	Width           int  `yaml:"width"`
	Height          int  `yaml:"height"`
	FPS             int  `yaml:"fps"`
	Quality         int  `yaml:"quality"`
	GracePeriodMs   int  `yaml:"grace_period_ms"`
	MaxFrameSize    int  `yaml:"max_frame_size"`
	FrameTimeoutSec int  `yaml:"frame_timeout_sec"`
	Probe           bool `yaml:"probe"`
	ProbeTimeoutSec int  `yaml:"probe_timeout_sec"`
}

type RecordingConfig struct {
	GracePeriodMs int    `yaml:"grace_period_ms"`
	Directory     string `yaml:"directory"` // 저장소 루트 기준 상대 경로
}

type StorageConfig struct {
	Path               string `yaml:"path"`
	CleanupIntervalSec int    `yaml:"cleanup_interval_sec"`
	TempMaxAgeSec      int    `yaml:"temp_max_age_sec"`

	// 설정 테이블이 비어 있을 때 사용하는 초기값
	MaxSizeGB        int `yaml:"max_size_gb"`
	CleanupThreshold int `yaml:"cleanup_threshold"`
	RetentionDays    int `yaml:"retention_days"`
}

type ViewerConfig struct {
	TopicBuffer      int `yaml:"topic_buffer"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// LoadConfig는 YAML 파일에서 설정을 로드합니다
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig는 YAML 바이트를 파싱하고 기본값을 채운 뒤 검증합니다
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	// 설정 검증
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// ApplyDefaults는 비어 있는 설정값에 기본값을 채웁니다
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 5000
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/nvr.db"
	}
	if c.FFmpeg.Binary == "" {
		c.FFmpeg.Binary = "ffmpeg"
	}
	if c.FFmpeg.StderrLines <= 0 {
		c.FFmpeg.StderrLines = 20
	}

	if c.Live.Width <= 0 {
		c.Live.Width = 800
	}
	if c.Live.Height <= 0 {
		c.Live.Height = 600
	}
	if c.Live.FPS <= 0 {
		c.Live.FPS = 15
	}
	if c.Live.Quality <= 0 {
		c.Live.Quality = 2
	}
	if c.Live.GracePeriodMs <= 0 {
		c.Live.GracePeriodMs = 3000
	}
	if c.Live.MaxFrameSize <= 0 {
		c.Live.MaxFrameSize = 8 << 20
	}
	if c.Live.ProbeTimeoutSec <= 0 {
		c.Live.ProbeTimeoutSec = 5
	}

	if c.Recording.GracePeriodMs <= 0 {
		c.Recording.GracePeriodMs = 5000
	}
	if c.Recording.Directory == "" {
		c.Recording.Directory = "recordings"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "storage"
	}
	if c.Storage.CleanupIntervalSec <= 0 {
		c.Storage.CleanupIntervalSec = 3600
	}
	if c.Storage.TempMaxAgeSec <= 0 {
		c.Storage.TempMaxAgeSec = 24 * 3600
	}
	if c.Storage.MaxSizeGB <= 0 {
		c.Storage.MaxSizeGB = 100
	}
	if c.Storage.CleanupThreshold <= 0 {
		c.Storage.CleanupThreshold = 90
	}
	if c.Storage.RetentionDays <= 0 {
		c.Storage.RetentionDays = 30
	}

	if c.Viewer.TopicBuffer <= 0 {
		c.Viewer.TopicBuffer = 30
	}
	if c.Viewer.SubscriberBuffer <= 0 {
		c.Viewer.SubscriberBuffer = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "console"
	}
}

// Validate는 설정값의 유효성을 검증합니다
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must be specified")
	}

	if c.Storage.CleanupThreshold > 100 {
		return fmt.Errorf("cleanup_threshold must be a percentage: %d", c.Storage.CleanupThreshold)
	}

	if c.Live.Quality > 31 {
		return fmt.Errorf("invalid live quality: %d", c.Live.Quality)
	}

	return nil
}

// LiveGracePeriod는 라이브 프로세스 종료 유예 시간
func (c *Config) LiveGracePeriod() time.Duration {
	return time.Duration(c.Live.GracePeriodMs) * time.Millisecond
}

// RecordingGracePeriod는 녹화 프로세스 종료 유예 시간
func (c *Config) RecordingGracePeriod() time.Duration {
	return time.Duration(c.Recording.GracePeriodMs) * time.Millisecond
}

// SeedStorageSettings는 설정 테이블 초기값을 반환합니다
func (c *Config) SeedStorageSettings() StorageSettings {
	return StorageSettings{
		MaxSizeGB:        c.Storage.MaxSizeGB,
		CleanupThreshold: c.Storage.CleanupThreshold,
		RetentionDays:    c.Storage.RetentionDays,
		Path:             c.Storage.Path,
	}
}
