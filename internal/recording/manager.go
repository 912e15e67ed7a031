package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/process"
	"go.uber.org/zap"
)

// 실패 코드
const (
	CodeSpawnFailed    = "SPAWN_FAILED"
	CodeProcessError   = "PROCESS_ERROR"
	CodeUnexpectedExit = "UNEXPECTED_EXIT"
	CodeOutputMissing  = "OUTPUT_MISSING"
)

const storeTimeout = 10 * time.Second

// Spawner는 프로세스 슈퍼바이저 인터페이스
type Spawner interface {
	Spawn(opts process.SpawnOptions) (*process.Handle, error)
	Terminate(h *process.Handle, grace time.Duration)
}

// LiveChecker는 라이브 세션 활성 여부를 조회합니다
type LiveChecker interface {
	IsActive(sourceID string) bool
}

// Store는 녹화 레코드 저장소
type Store interface {
	CreateRecording(ctx context.Context, rec *core.Recording) error
	UpdateRecording(ctx context.Context, rec *core.Recording) error
}

// FileStater는 출력 파일 크기를 조회합니다
type FileStater interface {
	Stat(path string) (core.FileInfo, error)
}

// session은 한 카메라의 녹화 런타임 상태
type session struct {
	sourceID string

	// ready는 프로세스 생성 결과가 확정되면 닫힘
	ready    chan struct{}
	startErr error
	handle   *process.Handle

	mu        sync.Mutex
	recording *core.Recording

	stopRequested atomic.Bool

	// done은 레코드 최종 상태가 저장된 뒤 닫힘
	done   chan struct{}
	result *core.Recording
}

func (s *session) snapshot() *core.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *s.recording
	return &rec
}

// Options는 녹화 시작 옵션
type Options struct {
	Type       core.RecordingType
	OutputPath string // 비어 있으면 기본 경로 사용
}

// Config는 녹화 매니저 설정
type Config struct {
	Spawner     Spawner
	Live        LiveChecker
	Store       Store
	Files       FileStater
	Logger      *zap.Logger
	GracePeriod time.Duration
	StorageRoot string
	Directory   string
}

// Manager는 카메라별 녹화 세션을 관리합니다
type Manager struct {
	spawner     Spawner
	live        LiveChecker
	store       Store
	files       FileStater
	logger      *zap.Logger
	gracePeriod time.Duration
	storageRoot string
	directory   string

	sessions map[string]*session
	mu       sync.Mutex
}

// NewManager는 새로운 녹화 매니저를 생성합니다
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}
	if config.Directory == "" {
		config.Directory = "recordings"
	}

	return &Manager{
		spawner:     config.Spawner,
		live:        config.Live,
		store:       config.Store,
		files:       config.Files,
		logger:      config.Logger,
		gracePeriod: config.GracePeriod,
		storageRoot: config.StorageRoot,
		directory:   config.Directory,
		sessions:    make(map[string]*session),
	}
}

// StartRecording은 카메라 녹화를 시작합니다. 같은 카메라의 라이브 세션이
// Active 상태여야 하며, 녹화 프로세스는 소스를 독립적으로 엽니다.
func (m *Manager) StartRecording(ctx context.Context, source core.Source, opts Options) (*core.Recording, error) {
	s := &session{
		sourceID: source.ID,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[source.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("camera %s: %w", source.ID, core.ErrAlreadyRecording)
	}
	if !m.live.IsActive(source.ID) {
		m.mu.Unlock()
		return nil, fmt.Errorf("camera %s: %w", source.ID, core.ErrSourceNotLive)
	}
	m.sessions[source.ID] = s
	m.mu.Unlock()

	rec, err := m.start(ctx, s, source, opts)
	if err != nil {
		s.startErr = err
		m.remove(s)
		close(s.ready)
		close(s.done)
		return nil, err
	}

	close(s.ready)
	return rec, nil
}

func (m *Manager) start(ctx context.Context, s *session, source core.Source, opts Options) (*core.Recording, error) {
	logger := m.logger.With(zap.String("camera_id", source.ID))
	now := time.Now()

	outputPath := m.resolvePath(source.ID, opts.OutputPath, now)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	recType := opts.Type
	if recType == "" {
		recType = core.RecordingTypeManual
	}

	rec := &core.Recording{
		ID:         uuid.NewString(),
		CameraID:   source.ID,
		Type:       recType,
		Status:     core.RecordingStatusRecording,
		StartTime:  now,
		FilePath:   outputPath,
		Resolution: source.Resolution,
		FPS:        source.FPS,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateRecording(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create recording record: %w", err)
	}
	s.recording = rec

	sourceURL := source.TransportURL()
	handle, err := m.spawner.Spawn(process.SpawnOptions{
		SourceID:  source.ID,
		SourceURL: sourceURL,
		Kind:      process.KindRecording,
		Args:      process.RecordingArgs(sourceURL, outputPath),
		OnExit: func(ev process.ExitEvent) {
			m.finalize(s, ev)
		},
	})
	if err != nil {
		s.mu.Lock()
		s.recording.Fail(time.Now(), err.Error(), CodeSpawnFailed)
		failed := *s.recording
		s.mu.Unlock()

		if uerr := m.updateRecord(&failed); uerr != nil {
			logger.Error("Failed to mark recording failed", zap.String("recording_id", rec.ID), zap.Error(uerr))
		}
		logger.Error("Failed to start recording", zap.Error(err))

		if !errors.Is(err, core.ErrSpawn) {
			err = fmt.Errorf("%w: %v", core.ErrSpawn, err)
		}
		return nil, fmt.Errorf("camera %s: %w", source.ID, err)
	}
	s.handle = handle

	logger.Info("Recording started",
		zap.String("recording_id", rec.ID),
		zap.String("file", outputPath),
		zap.Int("pid", handle.PID),
	)

	return s.snapshot(), nil
}

// resolvePath는 출력 경로를 저장소 루트 기준으로 해석합니다
func (m *Manager) resolvePath(sourceID, outputPath string, now time.Time) string {
	if outputPath == "" {
		name := fmt.Sprintf("%s_%d.mp4", sourceID, now.UnixMilli())
		outputPath = filepath.Join(m.directory, name)
	}
	if filepath.IsAbs(outputPath) || m.storageRoot == "" {
		return outputPath
	}
	return filepath.Join(m.storageRoot, outputPath)
}

// StopRecording은 녹화를 종료하고 프로세스 종료가 확인된 뒤 최종 레코드를 반환합니다
func (m *Manager) StopRecording(ctx context.Context, sourceID string) (*core.Recording, error) {
	m.mu.Lock()
	s, exists := m.sessions[sourceID]
	m.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("camera %s: %w", sourceID, core.ErrNotRecording)
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.startErr != nil {
		return nil, fmt.Errorf("camera %s: %w", sourceID, core.ErrNotRecording)
	}

	if s.stopRequested.CompareAndSwap(false, true) {
		m.logger.Info("Stopping recording",
			zap.String("camera_id", sourceID),
			zap.String("recording_id", s.recording.ID),
		)
		go m.spawner.Terminate(s.handle, m.gracePeriod)
	}

	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finalize는 녹화 프로세스 종료 이벤트를 처리하고 레코드를 최종 상태로 전이시킵니다
func (m *Manager) finalize(s *session, ev process.ExitEvent) {
	// 프로세스가 생성 직후 종료되어도 레코드 생성은 끝난 상태
	now := time.Now()
	requested := s.stopRequested.Load()

	s.mu.Lock()
	rec := s.recording
	switch {
	case requested && ev.Graceful():
		info, err := m.stat(rec.FilePath)
		if err != nil || !info.Exists {
			msg := "output file not found"
			if err != nil {
				msg = err.Error()
			}
			rec.Fail(now, msg, CodeOutputMissing)
		} else {
			rec.Complete(now, info.Size)
		}
	case requested:
		rec.Fail(now, exitMessage(s.sourceID, ev), CodeProcessError)
	default:
		rec.Fail(now, exitMessage(s.sourceID, ev), CodeUnexpectedExit)
	}
	rec.UpdatedAt = now
	final := *rec
	s.mu.Unlock()

	logger := m.logger.With(
		zap.String("camera_id", s.sourceID),
		zap.String("recording_id", final.ID),
	)

	if err := m.updateRecord(&final); err != nil {
		logger.Error("Failed to update recording record", zap.Error(err))
	}

	if final.Status == core.RecordingStatusCompleted {
		logger.Info("Recording completed",
			zap.Int64("duration_sec", final.Duration),
			zap.Int64("file_size", final.FileSize),
		)
	} else {
		logger.Error("Recording failed",
			zap.Bool("requested", requested),
			zap.Int("exit_code", ev.ExitCode),
			zap.String("error", final.Error.Message),
		)
	}

	m.remove(s)
	s.result = &final
	close(s.done)
}

func (m *Manager) stat(path string) (core.FileInfo, error) {
	if m.files != nil {
		return m.files.Stat(path)
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.FileInfo{}, nil
	}
	if err != nil {
		return core.FileInfo{}, err
	}
	return core.FileInfo{Size: fi.Size(), Exists: true}, nil
}

func (m *Manager) updateRecord(rec *core.Recording) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return m.store.UpdateRecording(ctx, rec)
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.sourceID]; ok && cur == s {
		delete(m.sessions, s.sourceID)
	}
	m.mu.Unlock()
}

// exitMessage는 종료 코드, 시그널, 마지막 stderr 줄을 포함한 에러 메시지를 만듭니다
func exitMessage(sourceID string, ev process.ExitEvent) string {
	exitErr := &core.ProcessExitError{
		SourceID:       sourceID,
		Kind:           string(process.KindRecording),
		ExitCode:       ev.ExitCode,
		Signal:         ev.Signal,
		LastErrorLines: ev.LastErrorLines,
	}
	return exitErr.Error()
}

// IsRecording은 카메라가 녹화 중인지 확인합니다
func (m *Manager) IsRecording(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.sessions[sourceID]
	return exists
}

// Active는 진행 중인 녹화 레코드 목록을 반환합니다
func (m *Manager) Active() []*core.Recording {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]*core.Recording, 0, len(sessions))
	for _, s := range sessions {
		select {
		case <-s.ready:
		default:
			continue
		}
		if s.startErr == nil {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// ActiveRecordingID는 카메라의 진행 중인 녹화 ID를 반환합니다
func (m *Manager) ActiveRecordingID(sourceID string) (string, bool) {
	m.mu.Lock()
	s, exists := m.sessions[sourceID]
	m.mu.Unlock()
	if !exists {
		return "", false
	}

	select {
	case <-s.ready:
	default:
		return "", false
	}
	if s.startErr != nil {
		return "", false
	}
	return s.recording.ID, true
}

// StopAll은 모든 녹화를 종료하고 레코드를 최종 상태로 저장합니다
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.StopRecording(ctx, id); err != nil && !errors.Is(err, core.ErrNotRecording) {
				m.logger.Error("Failed to stop recording", zap.String("camera_id", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}
