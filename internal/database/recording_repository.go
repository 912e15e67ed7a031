package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
)

// RecordingFilter는 녹화 목록 조회 조건
type RecordingFilter struct {
	CameraID string
	Status   core.RecordingStatus
	Limit    int
	Offset   int
}

// RecordingRepository는 녹화 레코드 데이터 액세스 레이어입니다
type RecordingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRecordingRepository는 새로운 RecordingRepository를 생성합니다
func NewRecordingRepository(db *DB, logger *zap.Logger) *RecordingRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingRepository{
		db:     db,
		logger: logger,
	}
}

const recordingColumns = `id, camera_id, type, status, start_time, end_time, duration, file_path, file_size,
	thumbnail_path, resolution, fps, error_message, error_code, error_time, created_at, updated_at`

// CreateRecording은 새로운 녹화 레코드를 생성합니다
func (r *RecordingRepository) CreateRecording(ctx context.Context, rec *core.Recording) error {
	query := `
		INSERT INTO recordings (` + recordingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	errMessage, errCode, errTime := recordingErrorArgs(rec.Error)

	_, err := r.db.exec(ctx, query,
		rec.ID,
		rec.CameraID,
		string(rec.Type),
		string(rec.Status),
		rec.StartTime.UTC(),
		nullTime(rec.EndTime),
		rec.Duration,
		rec.FilePath,
		rec.FileSize,
		rec.ThumbnailPath,
		rec.Resolution,
		rec.FPS,
		errMessage,
		errCode,
		errTime,
		rec.CreatedAt.UTC(),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}

	r.logger.Debug("Recording record created",
		zap.String("id", rec.ID),
		zap.String("camera_id", rec.CameraID),
	)

	return nil
}

// UpdateRecording은 녹화 레코드의 가변 필드를 업데이트합니다
func (r *RecordingRepository) UpdateRecording(ctx context.Context, rec *core.Recording) error {
	query := `
		UPDATE recordings
		SET status = ?, end_time = ?, duration = ?, file_path = ?, file_size = ?, thumbnail_path = ?,
			error_message = ?, error_code = ?, error_time = ?, updated_at = ?
		WHERE id = ?
	`

	rec.UpdatedAt = time.Now().UTC()
	errMessage, errCode, errTime := recordingErrorArgs(rec.Error)

	result, err := r.db.exec(ctx, query,
		string(rec.Status),
		nullTime(rec.EndTime),
		rec.Duration,
		rec.FilePath,
		rec.FileSize,
		rec.ThumbnailPath,
		errMessage,
		errCode,
		errTime,
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update recording: %w", err)
	}

	return requireAffected(result, core.ErrRecordingNotFound, rec.ID)
}

// GetRecording은 ID로 녹화 레코드를 조회합니다
func (r *RecordingRepository) GetRecording(ctx context.Context, id string) (*core.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = ?`

	rec, err := scanRecording(r.db.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrRecordingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}

	return rec, nil
}

// DeleteRecording은 녹화 레코드를 삭제합니다
func (r *RecordingRepository) DeleteRecording(ctx context.Context, id string) error {
	result, err := r.db.exec(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}

	return requireAffected(result, core.ErrRecordingNotFound, id)
}

// ListRecordings는 조건에 맞는 녹화 목록을 최신순으로 조회합니다
func (r *RecordingRepository) ListRecordings(ctx context.Context, filter RecordingFilter) ([]*core.Recording, error) {
	where, args := filter.where()

	query := `SELECT ` + recordingColumns + ` FROM recordings` + where + ` ORDER BY start_time DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	return r.list(ctx, query, args...)
}

// ListRecordingsOlderThan은 before 이전에 시작한 특정 상태의 녹화를 오래된 순으로 조회합니다
func (r *RecordingRepository) ListRecordingsOlderThan(ctx context.Context, before time.Time, status core.RecordingStatus) ([]*core.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE status = ? AND start_time < ?
		ORDER BY start_time ASC`

	return r.list(ctx, query, string(status), before.UTC())
}

// Stats는 녹화 저장 통계를 반환합니다. cameraID가 비어 있으면 전체 통계입니다.
func (r *RecordingRepository) Stats(ctx context.Context, cameraID string) (core.RecordingStats, error) {
	where, args := RecordingFilter{CameraID: cameraID}.where()
	query := `SELECT COUNT(*), COALESCE(SUM(file_size), 0), COALESCE(SUM(duration), 0) FROM recordings` + where

	var stats core.RecordingStats
	if err := r.db.queryRow(ctx, query, args...).Scan(&stats.Count, &stats.TotalSize, &stats.TotalDuration); err != nil {
		return core.RecordingStats{}, fmt.Errorf("failed to get recording stats: %w", err)
	}
	return stats, nil
}

func (f RecordingFilter) where() (string, []any) {
	var conds []string
	var args []any

	if f.CameraID != "" {
		conds = append(conds, "camera_id = ?")
		args = append(args, f.CameraID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *RecordingRepository) list(ctx context.Context, query string, args ...any) ([]*core.Recording, error) {
	rows, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	recordings := []*core.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recordings = append(recordings, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recordings: %w", err)
	}

	return recordings, nil
}

func scanRecording(row rowScanner) (*core.Recording, error) {
	rec := &core.Recording{}
	var (
		recType, status string
		endTime         sql.NullTime
		errMessage      sql.NullString
		errCode         sql.NullString
		errTime         sql.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.CameraID,
		&recType,
		&status,
		&rec.StartTime,
		&endTime,
		&rec.Duration,
		&rec.FilePath,
		&rec.FileSize,
		&rec.ThumbnailPath,
		&rec.Resolution,
		&rec.FPS,
		&errMessage,
		&errCode,
		&errTime,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = core.RecordingType(recType)
	rec.Status = core.RecordingStatus(status)
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	if errMessage.Valid {
		rec.Error = &core.RecordingError{
			Message:   errMessage.String,
			Code:      errCode.String,
			Timestamp: errTime.Time,
		}
	}

	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func recordingErrorArgs(e *core.RecordingError) (sql.NullString, sql.NullString, sql.NullTime) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullTime{}
	}
	return sql.NullString{String: e.Message, Valid: true},
		sql.NullString{String: e.Code, Valid: e.Code != ""},
		sql.NullTime{Time: e.Timestamp.UTC(), Valid: !e.Timestamp.IsZero()}
}
