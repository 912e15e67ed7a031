package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
)

// Store는 보존 정책이 사용하는 레코드 저장소 인터페이스
type Store interface {
	GetStorageSettings(ctx context.Context) (core.StorageSettings, error)
	ListRecordingsOlderThan(ctx context.Context, before time.Time, status core.RecordingStatus) ([]*core.Recording, error)
	GetRecording(ctx context.Context, id string) (*core.Recording, error)
	DeleteRecording(ctx context.Context, id string) error
}

// Filesystem은 파일 조회/삭제와 디스크 사용량 인터페이스
type Filesystem interface {
	Stat(path string) (core.FileInfo, error)
	Remove(path string) error
	DiskUsage(path string) (core.DiskUsage, error)
	ListOlderThan(dir string, before time.Time) ([]string, error)
}

// Result는 정리 실행 결과
type Result struct {
	Skipped           bool                    `json:"skipped"`
	Message           string                  `json:"message,omitempty"`
	SpaceFreed        int64                   `json:"spaceFreed"`
	FilesDeleted      int                     `json:"filesDeleted"`
	Errors            []core.CleanupItemError `json:"errors"`
	UsedPercentBefore float64                 `json:"usedPercentBefore"`
	UsedPercentAfter  float64                 `json:"usedPercentAfter"`
	Threshold         int                     `json:"threshold"`
}

// Config는 보존 엔진 설정
type Config struct {
	Store  Store
	Files  Filesystem
	Logger *zap.Logger
	// Root는 설정에 경로가 없을 때 사용량을 조회할 저장소 루트
	Root string
	// TempDir은 임시 파일 정리 대상 디렉토리
	TempDir string
}

// Engine은 디스크 사용률이 임계치를 넘으면 오래된 완료 녹화를 삭제합니다
type Engine struct {
	store   Store
	files   Filesystem
	logger  *zap.Logger
	root    string
	tempDir string
	now     func() time.Time
}

// NewEngine은 새로운 보존 엔진을 생성합니다
func NewEngine(config Config) *Engine {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Engine{
		store:   config.Store,
		files:   config.Files,
		logger:  config.Logger,
		root:    config.Root,
		tempDir: config.TempDir,
		now:     time.Now,
	}
}

// Snapshot은 현재 디스크 사용량과 보존 설정을 반환합니다
func (e *Engine) Snapshot(ctx context.Context) (core.StorageSnapshot, error) {
	settings, err := e.store.GetStorageSettings(ctx)
	if err != nil {
		return core.StorageSnapshot{}, fmt.Errorf("failed to get storage settings: %w", err)
	}

	usage, err := e.files.DiskUsage(e.mountPath(settings))
	if err != nil {
		return core.StorageSnapshot{}, fmt.Errorf("failed to get disk usage: %w", err)
	}

	return core.StorageSnapshot{
		Disk:        usage,
		UsedPercent: usage.UsedPercent(),
		Settings:    settings,
		TakenAt:     e.now(),
	}, nil
}

func (e *Engine) mountPath(settings core.StorageSettings) string {
	if settings.Path != "" {
		return settings.Path
	}
	return e.root
}

// Cleanup은 사용률이 임계치 이상일 때 보존 기간이 지난 완료 녹화를 오래된 순으로 삭제합니다.
// 개별 삭제 실패는 결과에 모으고 다음 항목을 계속 처리합니다.
func (e *Engine) Cleanup(ctx context.Context) (*Result, error) {
	snapshot, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	settings := snapshot.Settings
	total := snapshot.Disk.Total
	used := snapshot.Disk.Used
	threshold := float64(settings.CleanupThreshold)

	result := &Result{
		Errors:            []core.CleanupItemError{},
		UsedPercentBefore: snapshot.UsedPercent,
		UsedPercentAfter:  snapshot.UsedPercent,
		Threshold:         settings.CleanupThreshold,
	}

	if snapshot.UsedPercent < threshold {
		result.Skipped = true
		result.Message = "Storage usage below threshold"
		e.logger.Debug("Cleanup not needed",
			zap.Float64("used_percent", snapshot.UsedPercent),
			zap.Int("threshold", settings.CleanupThreshold),
		)
		return result, nil
	}

	cutoff := settings.RetentionCutoff(e.now())
	candidates, err := e.store.ListRecordingsOlderThan(ctx, cutoff, core.RecordingStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings for cleanup: %w", err)
	}

	e.logger.Info("Storage cleanup started",
		zap.Float64("used_percent", snapshot.UsedPercent),
		zap.Int("threshold", settings.CleanupThreshold),
		zap.Time("cutoff", cutoff),
		zap.Int("candidates", len(candidates)),
	)

	for _, rec := range candidates {
		if projectedPercent(total, used, result.SpaceFreed) < threshold {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		// 저장소가 조건을 어겨도 완료/보존 기간 조건은 여기서 다시 확인
		if rec.Status != core.RecordingStatusCompleted || !rec.StartTime.Before(cutoff) {
			continue
		}

		freed, removed, itemErr := e.deleteRecording(ctx, rec)
		if itemErr != nil {
			result.Errors = append(result.Errors, *itemErr)
		}
		if removed {
			result.SpaceFreed += freed
			result.FilesDeleted++
		}
	}

	result.UsedPercentAfter = projectedPercent(total, used, result.SpaceFreed)
	result.Message = fmt.Sprintf("Deleted %d recordings", result.FilesDeleted)

	e.logger.Info("Storage cleanup finished",
		zap.Int64("space_freed", result.SpaceFreed),
		zap.Int("files_deleted", result.FilesDeleted),
		zap.Int("errors", len(result.Errors)),
		zap.Float64("used_percent_after", result.UsedPercentAfter),
	)

	return result, nil
}

// projectedPercent는 삭제된 바이트를 반영한 예상 사용률입니다
func projectedPercent(total, used uint64, freed int64) float64 {
	if total == 0 {
		return 0
	}
	remaining := float64(used) - float64(freed)
	if remaining < 0 {
		remaining = 0
	}
	return remaining / float64(total) * 100
}

// deleteRecording은 파일, 썸네일, 레코드 순으로 삭제합니다.
// 파일이 이미 없으면 에러로 기록하되 고아 레코드는 삭제합니다.
func (e *Engine) deleteRecording(ctx context.Context, rec *core.Recording) (int64, bool, *core.CleanupItemError) {
	logger := e.logger.With(
		zap.String("recording_id", rec.ID),
		zap.String("camera_id", rec.CameraID),
	)

	var itemErr *core.CleanupItemError
	var freed int64
	var removed bool

	info, err := e.files.Stat(rec.FilePath)
	switch {
	case err != nil:
		logger.Warn("Failed to stat recording file", zap.String("path", rec.FilePath), zap.Error(err))
		return 0, false, &core.CleanupItemError{RecordingID: rec.ID, Path: rec.FilePath, Err: err}
	case !info.Exists:
		itemErr = &core.CleanupItemError{
			RecordingID: rec.ID,
			Path:        rec.FilePath,
			Err:         fmt.Errorf("recording file missing: %w", os.ErrNotExist),
		}
	default:
		if err := e.files.Remove(rec.FilePath); err != nil {
			logger.Warn("Failed to delete recording file", zap.String("path", rec.FilePath), zap.Error(err))
			return 0, false, &core.CleanupItemError{RecordingID: rec.ID, Path: rec.FilePath, Err: err}
		}
		freed = info.Size
		removed = true
	}

	if rec.ThumbnailPath != "" {
		if err := e.files.Remove(rec.ThumbnailPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to delete thumbnail", zap.String("path", rec.ThumbnailPath), zap.Error(err))
		}
	}

	if err := e.store.DeleteRecording(ctx, rec.ID); err != nil {
		logger.Warn("Failed to delete recording record", zap.Error(err))
		return freed, removed, &core.CleanupItemError{RecordingID: rec.ID, Path: rec.FilePath, Err: err}
	}

	if itemErr != nil {
		logger.Warn("Recording file was already missing, record removed", zap.String("path", rec.FilePath))
	} else {
		logger.Info("Recording deleted", zap.Int64("size", freed))
	}

	return freed, removed, itemErr
}

// DeleteRecording은 녹화 하나를 명시적으로 삭제합니다 (파일, 썸네일, 레코드)
func (e *Engine) DeleteRecording(ctx context.Context, id string) (int64, error) {
	rec, err := e.store.GetRecording(ctx, id)
	if err != nil {
		return 0, err
	}

	freed, _, itemErr := e.deleteRecording(ctx, rec)
	if itemErr != nil && !errors.Is(itemErr, os.ErrNotExist) {
		return freed, itemErr
	}
	return freed, nil
}

// CleanupTemp는 임시 디렉토리에서 maxAge보다 오래된 파일을 삭제합니다
func (e *Engine) CleanupTemp(ctx context.Context, maxAge time.Duration) (int, error) {
	if e.tempDir == "" {
		return 0, nil
	}

	paths, err := e.files.ListOlderThan(e.tempDir, e.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to list temp files: %w", err)
	}

	removed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := e.files.Remove(path); err != nil {
			e.logger.Warn("Failed to delete temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		e.logger.Info("Temp files cleaned", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run은 ctx가 취소될 때까지 주기적으로 정리를 실행합니다
func (e *Engine) Run(ctx context.Context, interval, tempMaxAge time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Retention scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Retention scheduler stopped")
			return
		case <-ticker.C:
			e.runOnce(ctx, tempMaxAge)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, tempMaxAge time.Duration) {
	if _, err := e.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("Scheduled cleanup failed", zap.Error(err))
	}
	if tempMaxAge > 0 {
		if _, err := e.CleanupTemp(ctx, tempMaxAge); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Temp cleanup failed", zap.Error(err))
		}
	}
}
