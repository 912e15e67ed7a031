package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
)

const settingsRowID = 1

// SettingsRepository는 저장소 보존 설정 데이터 액세스 레이어입니다.
// 설정은 단일 행이며, 없으면 시드 값으로 생성합니다.
type SettingsRepository struct {
	db     *DB
	seed   core.StorageSettings
	logger *zap.Logger
}

// NewSettingsRepository는 새로운 SettingsRepository를 생성합니다
func NewSettingsRepository(db *DB, seed core.StorageSettings, logger *zap.Logger) *SettingsRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsRepository{
		db:     db,
		seed:   seed,
		logger: logger,
	}
}

// GetStorageSettings는 보존 설정을 조회합니다
func (r *SettingsRepository) GetStorageSettings(ctx context.Context) (core.StorageSettings, error) {
	query := `
		SELECT max_size_gb, cleanup_threshold, retention_days, path
		FROM storage_settings
		WHERE id = ?
	`

	var s core.StorageSettings
	err := r.db.queryRow(ctx, query, settingsRowID).Scan(
		&s.MaxSizeGB,
		&s.CleanupThreshold,
		&s.RetentionDays,
		&s.Path,
	)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.UpdateStorageSettings(ctx, r.seed); err != nil {
			return core.StorageSettings{}, err
		}
		return r.seed, nil
	}
	if err != nil {
		return core.StorageSettings{}, fmt.Errorf("failed to get storage settings: %w", err)
	}

	return s, nil
}

// UpdateStorageSettings는 보존 설정을 저장합니다
func (r *SettingsRepository) UpdateStorageSettings(ctx context.Context, s core.StorageSettings) error {
	if s.CleanupThreshold <= 0 || s.CleanupThreshold > 100 {
		return fmt.Errorf("invalid cleanup threshold: %d", s.CleanupThreshold)
	}
	if s.RetentionDays < 0 || s.MaxSizeGB < 0 {
		return fmt.Errorf("invalid storage settings: retention_days=%d max_size_gb=%d", s.RetentionDays, s.MaxSizeGB)
	}

	query := `
		INSERT INTO storage_settings (id, max_size_gb, cleanup_threshold, retention_days, path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			max_size_gb = excluded.max_size_gb,
			cleanup_threshold = excluded.cleanup_threshold,
			retention_days = excluded.retention_days,
			path = excluded.path,
			updated_at = excluded.updated_at
	`

	_, err := r.db.exec(ctx, query,
		settingsRowID,
		s.MaxSizeGB,
		s.CleanupThreshold,
		s.RetentionDays,
		s.Path,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update storage settings: %w", err)
	}

	r.logger.Info("Storage settings updated",
		zap.Int("max_size_gb", s.MaxSizeGB),
		zap.Int("cleanup_threshold", s.CleanupThreshold),
		zap.Int("retention_days", s.RetentionDays),
	)

	return nil
}
