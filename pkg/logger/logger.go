package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Log는 전역 로거 인스턴스
	Log *zap.Logger = zap.NewNop()
	// level은 런타임에 변경 가능한 로그 레벨
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	// fileWriter는 현재 날짜별 파일 writer
	fileWriter *dailyWriter
)

// LogConfig는 로거 설정
type LogConfig struct {
	Level      string
	Output     string // console, file, both
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// InitLogger는 zap 로거를 초기화합니다
func InitLogger(cfg LogConfig) error {
	if cfg.FilePath == "" {
		cfg.FilePath = "logs/nvr.log"
	}

	if err := SetLevel(cfg.Level); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	// 콘솔은 컬러 레벨, 파일(JSON)은 일반 레벨
	consoleConfig := zap.NewProductionEncoderConfig()
	consoleConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	fileConfig := zap.NewProductionEncoderConfig()
	fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	consoleCore := func() zapcore.Core {
		return zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stdout), level)
	}
	fileCore := func() (zapcore.Core, error) {
		w, err := newDailyWriter(cfg)
		if err != nil {
			return nil, err
		}
		fileWriter = w
		return zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), w, level), nil
	}

	var core zapcore.Core
	switch cfg.Output {
	case "file":
		fc, err := fileCore()
		if err != nil {
			return err
		}
		core = fc
	case "both":
		fc, err := fileCore()
		if err != nil {
			return err
		}
		core = zapcore.NewTee(consoleCore(), fc)
	default:
		core = consoleCore()
	}

	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return nil
}

// SetLevel은 로그 레벨을 변경합니다
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// Named는 컴포넌트 이름이 붙은 자식 로거를 반환합니다
func Named(component string) *zap.Logger {
	return Log.Named(component)
}

// dailyWriter는 날짜가 바뀌면 새 날짜 파일로 전환하는 lumberjack writer
type dailyWriter struct {
	mu  sync.Mutex
	cfg LogConfig
	day string
	out *lumberjack.Logger
	now func() time.Time
}

func newDailyWriter(cfg LogConfig) (*dailyWriter, error) {
	// 로그 디렉토리 생성
	logDir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &dailyWriter{cfg: cfg, now: time.Now}
	w.rotate(w.now())

	absFilePath, err := filepath.Abs(w.out.Filename)
	if err != nil {
		absFilePath = w.out.Filename
	}
	fmt.Printf("Log file path: %s (max_size=%dMB, max_backups=%d, max_age=%ddays)\n",
		absFilePath, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)

	return w, nil
}

// rotate는 날짜별 파일로 writer를 교체합니다. mu를 잡은 상태에서 호출합니다.
func (w *dailyWriter) rotate(now time.Time) {
	if w.out != nil {
		_ = w.out.Close()
	}
	w.day = now.Format("2006-01-02")
	w.out = &lumberjack.Logger{
		Filename:   getDailyFilePath(w.cfg.FilePath, now),
		MaxSize:    w.cfg.MaxSize,    // MB
		MaxBackups: w.cfg.MaxBackups, // 보관할 최대 파일 개수
		MaxAge:     w.cfg.MaxAge,     // 일 단위
		LocalTime:  true,
		Compress:   true,
	}
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Format("2006-01-02") != w.day {
		w.rotate(now)
	}
	return w.out.Write(p)
}

func (w *dailyWriter) Sync() error {
	return nil
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	return w.out.Close()
}

func (w *dailyWriter) filename() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Filename
}

// getDailyFilePath는 날짜를 포함한 로그 파일 경로를 생성합니다
// 예: logs/nvr.log -> logs/nvr-2025-11-17.log
func getDailyFilePath(basePath string, now time.Time) string {
	ext := filepath.Ext(basePath)
	nameWithoutExt := strings.TrimSuffix(basePath, ext)
	return fmt.Sprintf("%s-%s%s", nameWithoutExt, now.Format("2006-01-02"), ext)
}

// Close는 로거를 종료하고 리소스를 정리합니다
func Close() {
	_ = Log.Sync()
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
}

// Sync는 로거 버퍼를 플러시합니다
func Sync() {
	_ = Log.Sync()
}

// Info는 info 레벨 로그를 출력합니다
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn는 warn 레벨 로그를 출력합니다
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error는 error 레벨 로그를 출력합니다
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal는 fatal 레벨 로그를 출력하고 프로그램을 종료합니다
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}
