package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// 지원 드라이버
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB는 데이터베이스 연결을 관리합니다
type DB struct {
	conn   *sql.DB
	driver string
	logger *zap.Logger
}

// New는 새로운 데이터베이스 연결을 생성하고 스키마를 초기화합니다
func New(driver, dsn string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch driver {
	case DriverSQLite:
		// 데이터베이스 디렉토리 생성
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 연결 테스트
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		// 단일 writer
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	}

	db := &DB{
		conn:   conn,
		driver: driver,
		logger: logger,
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Database initialized successfully",
		zap.String("driver", driver),
	)

	return db, nil
}

// sqlitePath는 DSN에서 파일 경로를 추출합니다 (메모리 DB는 빈 문자열)
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// migrate는 데이터베이스 스키마를 초기화합니다
func (db *DB) migrate() error {
	timestamp := "TIMESTAMP"
	if db.driver == DriverPostgres {
		timestamp = "TIMESTAMP WITH TIME ZONE"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			stream_url TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			fps TEXT NOT NULL DEFAULT '',
			created_at ` + timestamp + ` NOT NULL,
			updated_at ` + timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cameras_name ON cameras(name)`,

		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time ` + timestamp + ` NOT NULL,
			end_time ` + timestamp + `,
			duration BIGINT NOT NULL DEFAULT 0,
			file_path TEXT NOT NULL,
			file_size BIGINT NOT NULL DEFAULT 0,
			thumbnail_path TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			fps TEXT NOT NULL DEFAULT '',
			error_message TEXT,
			error_code TEXT,
			error_time ` + timestamp + `,
			created_at ` + timestamp + ` NOT NULL,
			updated_at ` + timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_camera_id ON recordings(camera_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_status_start ON recordings(status, start_time)`,

		`CREATE TABLE IF NOT EXISTS storage_settings (
			id INTEGER PRIMARY KEY,
			max_size_gb INTEGER NOT NULL,
			cleanup_threshold INTEGER NOT NULL,
			retention_days INTEGER NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			updated_at ` + timestamp + ` NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info("Database schema migrated successfully")
	return nil
}

// rebind는 ? 플레이스홀더를 드라이버 형식으로 변환합니다
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// Driver는 드라이버 이름을 반환합니다
func (db *DB) Driver() string {
	return db.driver
}

// Close는 데이터베이스 연결을 닫습니다
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn은 기본 SQL 연결을 반환합니다
func (db *DB) Conn() *sql.DB {
	return db.conn
}
