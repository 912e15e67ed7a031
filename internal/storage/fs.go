package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// 저장소 하위 디렉토리
const (
	DirRecordings = "recordings"
	DirThumbnails = "thumbnails"
	DirTemp       = "temp"
)

// Filesystem은 로컬 디스크 어댑터입니다
type Filesystem struct {
	root   string
	logger *zap.Logger
}

// NewFilesystem은 저장소 루트 기준 파일시스템 어댑터를 생성합니다
func NewFilesystem(root string, logger *zap.Logger) *Filesystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filesystem{root: root, logger: logger}
}

// Root는 저장소 루트 경로를 반환합니다
func (f *Filesystem) Root() string {
	return f.root
}

// Path는 저장소 루트 하위 경로를 반환합니다
func (f *Filesystem) Path(elem ...string) string {
	return filepath.Join(append([]string{f.root}, elem...)...)
}

// Initialize는 저장소 디렉토리 구조를 생성합니다
func (f *Filesystem) Initialize() error {
	for _, dir := range []string{DirRecordings, DirThumbnails, DirTemp} {
		path := f.Path(dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", path, err)
		}
	}

	f.logger.Info("Storage initialized", zap.String("root", f.root))
	return nil
}

// Stat은 파일 크기와 존재 여부를 반환합니다. 파일이 없으면 에러가 아닙니다.
func (f *Filesystem) Stat(path string) (core.FileInfo, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return core.FileInfo{}, nil
	}
	if err != nil {
		return core.FileInfo{}, err
	}
	if fi.IsDir() {
		return core.FileInfo{}, fmt.Errorf("%s is a directory", path)
	}
	return core.FileInfo{Size: fi.Size(), Exists: true}, nil
}

// Remove는 파일을 삭제합니다
func (f *Filesystem) Remove(path string) error {
	return os.Remove(path)
}

// DiskUsage는 경로가 속한 파일시스템의 사용량을 반환합니다.
// 경로가 아직 없으면 가장 가까운 상위 디렉토리를 조회합니다.
func (f *Filesystem) DiskUsage(path string) (core.DiskUsage, error) {
	if path == "" {
		path = f.root
	}
	path = existingAncestor(path)

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return core.DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	used := total - st.Bfree*bsize

	return core.DiskUsage{Total: total, Used: used, Free: free}, nil
}

func existingAncestor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return abs
		}
		abs = parent
	}
}

// ListOlderThan은 디렉토리에서 수정 시각이 before 이전인 일반 파일 목록을 반환합니다
func (f *Filesystem) ListOlderThan(dir string, before time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(before) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out, nil
}
