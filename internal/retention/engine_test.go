package retention

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/nvr/internal/core"
)

const gb = 1 << 30

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	settings core.StorageSettings
	records  map[string]*core.Recording
	deleted  []string
}

func newFakeStore(recs ...*core.Recording) *fakeStore {
	s := &fakeStore{
		settings: core.StorageSettings{MaxSizeGB: 100, CleanupThreshold: 90, RetentionDays: 30, Path: "/data"},
		records:  make(map[string]*core.Recording),
	}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) GetStorageSettings(ctx context.Context) (core.StorageSettings, error) {
	return s.settings, nil
}

// ListRecordingsOlderThan은 저장소 계약대로 시작 시각 오름차순으로 반환합니다
func (s *fakeStore) ListRecordingsOlderThan(ctx context.Context, before time.Time, status core.RecordingStatus) ([]*core.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Recording
	for _, r := range s.records {
		if r.Status == status && r.StartTime.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *fakeStore) GetRecording(ctx context.Context, id string) (*core.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, core.ErrRecordingNotFound
	}
	return r, nil
}

func (s *fakeStore) DeleteRecording(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeFS struct {
	mu        sync.Mutex
	usage     core.DiskUsage
	files     map[string]int64
	removeErr map[string]error
	removed   []string
	old       []string
}

func newFakeFS(total, used uint64) *fakeFS {
	return &fakeFS{
		usage:     core.DiskUsage{Total: total, Used: used, Free: total - used},
		files:     make(map[string]int64),
		removeErr: make(map[string]error),
	}
}

func (f *fakeFS) Stat(path string) (core.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.files[path]
	return core.FileInfo{Size: size, Exists: ok}, nil
}

func (f *fakeFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[path]; err != nil {
		return err
	}
	if _, ok := f.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeFS) DiskUsage(path string) (core.DiskUsage, error) {
	return f.usage, nil
}

func (f *fakeFS) ListOlderThan(dir string, before time.Time) ([]string, error) {
	return f.old, nil
}

func completed(id string, age time.Duration, size int64) *core.Recording {
	end := now.Add(-age).Add(time.Minute)
	return &core.Recording{
		ID:        id,
		CameraID:  "cam-1",
		Status:    core.RecordingStatusCompleted,
		StartTime: now.Add(-age),
		EndTime:   &end,
		FilePath:  "/data/recordings/" + id + ".mp4",
		FileSize:  size,
	}
}

func newTestEngine(store *fakeStore, fs *fakeFS) *Engine {
	e := NewEngine(Config{Store: store, Files: fs, Root: "/data", TempDir: "/data/temp"})
	e.now = func() time.Time { return now }
	return e
}

func TestCleanupBelowThresholdIsNoop(t *testing.T) {
	rec := completed("old", 60*24*time.Hour, gb)
	store := newFakeStore(rec)
	fs := newFakeFS(100*gb, 50*gb)
	fs.files[rec.FilePath] = gb

	result, err := newTestEngine(store, fs).Cleanup(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Zero(t, result.FilesDeleted)
	assert.Empty(t, fs.removed)
	assert.Empty(t, store.deleted)
}

// TestCleanupFreesExactBytes: 사용률 95%, 임계치 90%, 대상 하나(크기 X)는 정확히 X 바이트를 확보
func TestCleanupFreesExactBytes(t *testing.T) {
	const size = 3 * gb
	rec := completed("old", 45*24*time.Hour, size)
	store := newFakeStore(rec)
	fs := newFakeFS(100*gb, 95*gb)
	fs.files[rec.FilePath] = size

	result, err := newTestEngine(store, fs).Cleanup(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, int64(size), result.SpaceFreed)
	assert.Equal(t, 1, result.FilesDeleted)
	assert.Empty(t, result.Errors)
	assert.InDelta(t, 95.0, result.UsedPercentBefore, 0.001)
	assert.InDelta(t, 92.0, result.UsedPercentAfter, 0.001)
	assert.Equal(t, []string{"old"}, store.deleted)
}

func TestCleanupRespectsStatusAndRetentionWindow(t *testing.T) {
	recent := completed("recent", 5*24*time.Hour, gb)
	failed := completed("failed", 60*24*time.Hour, gb)
	failed.Status = core.RecordingStatusFailed
	active := completed("active", 60*24*time.Hour, gb)
	active.Status = core.RecordingStatusRecording

	store := newFakeStore(recent, failed, active)
	fs := newFakeFS(100*gb, 99*gb)
	for _, r := range []*core.Recording{recent, failed, active} {
		fs.files[r.FilePath] = gb
	}

	result, err := newTestEngine(store, fs).Cleanup(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.FilesDeleted)
	assert.Empty(t, fs.removed)
	assert.Empty(t, store.deleted)
}

func TestCleanupStopsOnceBelowThreshold(t *testing.T) {
	a := completed("a", 90*24*time.Hour, 3*gb)
	b := completed("b", 80*24*time.Hour, 3*gb)
	c := completed("c", 70*24*time.Hour, 3*gb)

	store := newFakeStore(c, a, b)
	fs := newFakeFS(100*gb, 95*gb)
	for _, r := range []*core.Recording{a, b, c} {
		fs.files[r.FilePath] = r.FileSize
	}

	result, err := newTestEngine(store, fs).Cleanup(context.Background())
	require.NoError(t, err)

	// 95 -> 92 -> 89: 두 번째 삭제 후 임계치 미만이므로 c는 남음
	assert.Equal(t, 2, result.FilesDeleted)
	assert.Equal(t, []string{"a", "b"}, store.deleted, "oldest first")
	assert.Contains(t, fs.files, c.FilePath)
	assert.InDelta(t, 89.0, result.UsedPercentAfter, 0.001)
}

func TestCleanupContinuesPastItemErrors(t *testing.T) {
	missing := completed("missing", 90*24*time.Hour, gb)
	locked := completed("locked", 80*24*time.Hour, gb)
	ok := completed("ok", 70*24*time.Hour, 2*gb)

	store := newFakeStore(missing, locked, ok)
	fs := newFakeFS(100*gb, 99*gb)
	fs.files[locked.FilePath] = gb
	fs.files[ok.FilePath] = 2 * gb
	fs.removeErr[locked.FilePath] = os.ErrPermission

	result, err := newTestEngine(store, fs).Cleanup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesDeleted)
	assert.Equal(t, int64(2*gb), result.SpaceFreed)
	require.Len(t, result.Errors, 2)

	assert.Equal(t, "missing", result.Errors[0].RecordingID)
	assert.True(t, errors.Is(&result.Errors[0], os.ErrNotExist))
	assert.Equal(t, "locked", result.Errors[1].RecordingID)
	assert.True(t, errors.Is(&result.Errors[1], os.ErrPermission))

	// 파일이 없던 레코드는 삭제, 파일 삭제에 실패한 레코드는 유지
	assert.ElementsMatch(t, []string{"missing", "ok"}, store.deleted)
	_, err = store.GetRecording(context.Background(), "locked")
	assert.NoError(t, err)
}

func TestCleanupDeletesThumbnail(t *testing.T) {
	rec := completed("thumb", 40*24*time.Hour, gb)
	rec.ThumbnailPath = "/data/thumbnails/thumb.jpg"

	store := newFakeStore(rec)
	fs := newFakeFS(100*gb, 95*gb)
	fs.files[rec.FilePath] = gb
	fs.files[rec.ThumbnailPath] = 1024

	_, err := newTestEngine(store, fs).Cleanup(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{rec.FilePath, rec.ThumbnailPath}, fs.removed)
}

func TestDeleteRecording(t *testing.T) {
	rec := completed("r1", time.Hour, gb)
	store := newFakeStore(rec)
	fs := newFakeFS(100*gb, 10*gb)
	fs.files[rec.FilePath] = gb

	e := newTestEngine(store, fs)

	freed, err := e.DeleteRecording(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(gb), freed)
	assert.Equal(t, []string{"r1"}, store.deleted)

	_, err = e.DeleteRecording(context.Background(), "r1")
	assert.True(t, errors.Is(err, core.ErrRecordingNotFound))
}

func TestSnapshot(t *testing.T) {
	store := newFakeStore()
	fs := newFakeFS(200*gb, 50*gb)

	snap, err := newTestEngine(store, fs).Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25.0, snap.UsedPercent, 0.001)
	assert.Equal(t, 90, snap.Settings.CleanupThreshold)
	assert.Equal(t, now, snap.TakenAt)
}

func TestCleanupTemp(t *testing.T) {
	fs := newFakeFS(100*gb, 10*gb)
	fs.files["/data/temp/a.tmp"] = 10
	fs.files["/data/temp/b.tmp"] = 10
	fs.old = []string{"/data/temp/a.tmp", "/data/temp/b.tmp", "/data/temp/gone.tmp"}

	removed, err := newTestEngine(newFakeStore(), fs).CleanupTemp(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(newFakeStore(), newFakeFS(100*gb, 10*gb))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, 10*time.Millisecond, time.Hour)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
