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

// CameraRepository는 카메라 데이터 액세스 레이어입니다
type CameraRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCameraRepository는 새로운 CameraRepository를 생성합니다
func NewCameraRepository(db *DB, logger *zap.Logger) *CameraRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CameraRepository{
		db:     db,
		logger: logger,
	}
}

const cameraColumns = `id, name, stream_url, location, username, password, resolution, fps, created_at, updated_at`

// Create는 새로운 카메라를 생성합니다
func (r *CameraRepository) Create(ctx context.Context, camera *core.Source) error {
	query := `
		INSERT INTO cameras (` + cameraColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	camera.CreatedAt = now
	camera.UpdatedAt = now

	_, err := r.db.exec(ctx, query,
		camera.ID,
		camera.Name,
		camera.StreamURL,
		camera.Location,
		camera.Username,
		camera.Password,
		camera.Resolution,
		camera.FPS,
		camera.CreatedAt,
		camera.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create camera: %w", err)
	}

	r.logger.Info("Camera created",
		zap.String("id", camera.ID),
		zap.String("name", camera.Name),
	)

	return nil
}

// Get은 ID로 카메라를 조회합니다
func (r *CameraRepository) Get(ctx context.Context, id string) (*core.Source, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras WHERE id = ?`

	camera, err := scanCamera(r.db.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrSourceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}

	return camera, nil
}

// FindSource는 Get의 별칭입니다
func (r *CameraRepository) FindSource(ctx context.Context, id string) (*core.Source, error) {
	return r.Get(ctx, id)
}

// List는 모든 카메라를 조회합니다
func (r *CameraRepository) List(ctx context.Context) ([]*core.Source, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras ORDER BY created_at DESC`

	rows, err := r.db.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	cameras := []*core.Source{}
	for rows.Next() {
		camera, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, camera)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cameras: %w", err)
	}

	return cameras, nil
}

// Update는 카메라를 업데이트합니다
func (r *CameraRepository) Update(ctx context.Context, camera *core.Source) error {
	query := `
		UPDATE cameras
		SET name = ?, stream_url = ?, location = ?, username = ?, password = ?, resolution = ?, fps = ?, updated_at = ?
		WHERE id = ?
	`

	camera.UpdatedAt = time.Now().UTC()

	result, err := r.db.exec(ctx, query,
		camera.Name,
		camera.StreamURL,
		camera.Location,
		camera.Username,
		camera.Password,
		camera.Resolution,
		camera.FPS,
		camera.UpdatedAt,
		camera.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update camera: %w", err)
	}

	if err := requireAffected(result, core.ErrSourceNotFound, camera.ID); err != nil {
		return err
	}

	r.logger.Info("Camera updated",
		zap.String("id", camera.ID),
		zap.String("name", camera.Name),
	)

	return nil
}

// Delete는 카메라를 삭제합니다
func (r *CameraRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.exec(ctx, `DELETE FROM cameras WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}

	if err := requireAffected(result, core.ErrSourceNotFound, id); err != nil {
		return err
	}

	r.logger.Info("Camera deleted", zap.String("id", id))

	return nil
}

// Count는 카메라 개수를 반환합니다
func (r *CameraRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM cameras`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cameras: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(row rowScanner) (*core.Source, error) {
	camera := &core.Source{}
	err := row.Scan(
		&camera.ID,
		&camera.Name,
		&camera.StreamURL,
		&camera.Location,
		&camera.Username,
		&camera.Password,
		&camera.Resolution,
		&camera.FPS,
		&camera.CreatedAt,
		&camera.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return camera, nil
}

func requireAffected(result sql.Result, notFound error, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
