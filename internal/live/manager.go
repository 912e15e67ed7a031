package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/mjpeg"
	"github.com/yourusername/nvr/internal/process"
	"go.uber.org/zap"
)

// State는 라이브 세션 상태
type State string

const (
	StateStarting State = "Starting"
	StateActive   State = "Active"
	StateError    State = "Error"
	StateStopped  State = "Stopped"
)

// Spawner는 프로세스 슈퍼바이저 인터페이스
type Spawner interface {
	Spawn(opts process.SpawnOptions) (*process.Handle, error)
	Terminate(h *process.Handle, grace time.Duration)
}

// ViewerTransport는 카메라 ID를 토픽으로 하는 발행/구독 채널
type ViewerTransport interface {
	Publish(topic string, payload []byte)
	PublishError(topic string, info core.ErrorInfo)
	SubscriberCount(topic string) int
}

// Prober는 디코드 프로세스를 띄우기 전에 소스 도달 가능 여부를 확인합니다
type Prober interface {
	Supports(sourceURL string) bool
	Probe(ctx context.Context, sourceURL string) error
}

// Session은 한 카메라의 라이브 디코드/배포 런타임 상태
type Session struct {
	sourceID  string
	sourceURL string
	startedAt time.Time

	mu       sync.Mutex
	state    State
	handle   *process.Handle
	failure  error
	failOnce sync.Once

	lastActivity    atomic.Int64 // unix nano
	framesPublished atomic.Uint64
	bytesPublished  atomic.Uint64

	// 파이프라인 고루틴 전용 (단일 소유)
	demuxer *mjpeg.Demuxer

	watchdogStop chan struct{}
	stopOnce     sync.Once
}

func (s *Session) stopWatchdog() {
	s.stopOnce.Do(func() { close(s.watchdogStop) })
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Status는 카메라 라이브 상태 조회 결과
type Status struct {
	CameraID        string     `json:"cameraId"`
	Active          bool       `json:"active"`
	State           State      `json:"state,omitempty"`
	Viewers         int        `json:"viewers"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	LastActivity    *time.Time `json:"lastActivity,omitempty"`
	FramesPublished uint64     `json:"framesPublished"`
	LastError       string     `json:"lastError,omitempty"`
}

// terminalRecord는 종료된 세션의 마지막 상태 (다음 start 전까지 조회용)
type terminalRecord struct {
	state State
	err   string
	at    time.Time
}

// Config는 라이브 매니저 설정
type Config struct {
	Spawner      Spawner
	Transport    ViewerTransport
	Prober       Prober
	Logger       *zap.Logger
	Output       process.LiveOptions
	GracePeriod  time.Duration
	MaxFrameSize int
	FrameTimeout time.Duration // 0이면 정지 감시 비활성화
	ProbeTimeout time.Duration
}

// Manager는 카메라별 라이브 세션을 관리합니다
type Manager struct {
	spawner   Spawner
	transport ViewerTransport
	prober    Prober
	logger    *zap.Logger

	output       process.LiveOptions
	gracePeriod  time.Duration
	maxFrameSize int
	frameTimeout time.Duration
	probeTimeout time.Duration

	sessions map[string]*Session
	terminal map[string]terminalRecord
	mu       sync.Mutex
}

// NewManager는 새로운 라이브 매니저를 생성합니다
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 3 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.Output.Width <= 0 {
		config.Output = process.LiveOptions{Width: 800, Height: 600, FPS: 15, Quality: 2}
	}

	return &Manager{
		spawner:      config.Spawner,
		transport:    config.Transport,
		prober:       config.Prober,
		logger:       config.Logger,
		output:       config.Output,
		gracePeriod:  config.GracePeriod,
		maxFrameSize: config.MaxFrameSize,
		frameTimeout: config.FrameTimeout,
		probeTimeout: config.ProbeTimeout,
		sessions:     make(map[string]*Session),
		terminal:     make(map[string]terminalRecord),
	}
}

// StartLive는 카메라의 라이브 세션을 시작합니다.
// 프로세스 생성이 확인되면 반환하며 첫 프레임은 기다리지 않습니다.
func (m *Manager) StartLive(ctx context.Context, source core.Source) error {
	session := &Session{
		sourceID:     source.ID,
		sourceURL:    source.TransportURL(),
		startedAt:    time.Now(),
		state:        StateStarting,
		demuxer:      mjpeg.NewDemuxer(m.maxFrameSize),
		watchdogStop: make(chan struct{}),
	}
	session.touch()

	// 생성 시점에 카메라당 세션 하나를 예약
	m.mu.Lock()
	if _, exists := m.sessions[source.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("camera %s: %w", source.ID, core.ErrAlreadyActive)
	}
	m.sessions[source.ID] = session
	delete(m.terminal, source.ID)
	m.mu.Unlock()

	logger := m.logger.With(zap.String("camera_id", source.ID))

	if m.prober != nil && m.prober.Supports(session.sourceURL) {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.prober.Probe(probeCtx, session.sourceURL)
		cancel()
		if err != nil {
			m.abortStart(session, err)
			logger.Warn("Source probe failed", zap.Error(err))
			return fmt.Errorf("camera %s: %w: %v", source.ID, core.ErrSourceUnreachable, err)
		}
	}

	handle, err := m.spawner.Spawn(process.SpawnOptions{
		SourceID:  source.ID,
		SourceURL: session.sourceURL,
		Kind:      process.KindLive,
		Args:      process.LiveArgs(session.sourceURL, m.output),
		OnOutput: func(chunk []byte) {
			m.handleOutput(session, chunk)
		},
		OnExit: func(ev process.ExitEvent) {
			m.handleExit(session, ev)
		},
	})
	if err != nil {
		m.abortStart(session, err)
		logger.Error("Failed to start live stream", zap.Error(err))
		if !errors.Is(err, core.ErrSpawn) {
			err = fmt.Errorf("%w: %v", core.ErrSpawn, err)
		}
		return fmt.Errorf("camera %s: %w", source.ID, err)
	}

	session.mu.Lock()
	session.handle = handle
	if session.state == StateStarting {
		session.state = StateActive
	}
	stopped := session.state == StateStopped
	failed := session.failure != nil
	session.mu.Unlock()

	// 생성 중에 StopLive가 호출된 경우
	if stopped {
		go m.spawner.Terminate(handle, m.gracePeriod)
		return fmt.Errorf("camera %s: %w", source.ID, core.ErrNotActive)
	}
	// 핸들 설정 전에 스트림 에러가 난 경우 fail이 종료하지 못했으므로 여기서 종료
	if failed {
		go m.spawner.Terminate(handle, m.gracePeriod)
	}

	if m.frameTimeout > 0 {
		go m.watch(session)
	}

	logger.Info("Live stream started",
		zap.String("source", process.MaskURL(session.sourceURL)),
		zap.Int("pid", handle.PID),
	)

	return nil
}

// abortStart는 시작 실패 시 예약된 세션을 제거합니다
func (m *Manager) abortStart(session *Session, cause error) {
	session.setState(StateError)
	session.stopWatchdog()

	m.mu.Lock()
	if cur, ok := m.sessions[session.sourceID]; ok && cur == session {
		delete(m.sessions, session.sourceID)
	}
	m.terminal[session.sourceID] = terminalRecord{state: StateError, err: cause.Error(), at: time.Now()}
	m.mu.Unlock()
}

// StopLive는 라이브 세션을 종료합니다. 세션이 없으면 ErrNotActive를 반환합니다.
func (m *Manager) StopLive(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	session, exists := m.sessions[sourceID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("camera %s: %w", sourceID, core.ErrNotActive)
	}
	delete(m.sessions, sourceID)
	m.terminal[sourceID] = terminalRecord{state: StateStopped, at: time.Now()}
	m.mu.Unlock()

	session.setState(StateStopped)
	session.stopWatchdog()

	session.mu.Lock()
	handle := session.handle
	session.mu.Unlock()

	// 세션 맵에서 이미 제거했으므로 이후 도착하는 종료 이벤트는 무시됨
	m.spawner.Terminate(handle, m.gracePeriod)

	m.logger.Info("Live stream stopped",
		zap.String("camera_id", sourceID),
		zap.Uint64("frames_published", session.framesPublished.Load()),
	)

	return nil
}

// handleOutput은 프로세스 stdout 청크를 디먹서에 넣고 완성된 프레임을 발행합니다.
// 슈퍼바이저의 단일 읽기 고루틴에서만 호출됩니다.
func (m *Manager) handleOutput(session *Session, chunk []byte) {
	frames, err := session.demuxer.Feed(chunk)

	for _, frame := range frames {
		m.transport.Publish(session.sourceID, frame)
		session.framesPublished.Add(1)
		session.bytesPublished.Add(uint64(len(frame)))
		session.touch()
	}

	if err != nil {
		m.fail(session, err)
	}
}

// fail은 스트림 에러로 세션을 종료시킵니다. 정리는 종료 이벤트에서 이루어집니다.
func (m *Manager) fail(session *Session, cause error) {
	session.failOnce.Do(func() {
		session.mu.Lock()
		session.failure = cause
		handle := session.handle
		session.mu.Unlock()

		m.logger.Warn("Live stream error, terminating decode process",
			zap.String("camera_id", session.sourceID),
			zap.Error(cause),
		)

		// 출력 콜백 안에서 호출될 수 있으므로 비동기로 종료
		go m.spawner.Terminate(handle, m.gracePeriod)
	})
}

// handleExit은 라이브 프로세스 종료 이벤트를 처리합니다
func (m *Manager) handleExit(session *Session, ev process.ExitEvent) {
	m.mu.Lock()
	cur, exists := m.sessions[session.sourceID]
	if !exists || cur != session {
		// StopLive가 먼저 처리함
		m.mu.Unlock()
		return
	}
	delete(m.sessions, session.sourceID)

	session.mu.Lock()
	cause := session.failure
	session.state = StateError
	session.mu.Unlock()

	if cause == nil {
		cause = &core.ProcessExitError{
			SourceID:       session.sourceID,
			Kind:           string(process.KindLive),
			ExitCode:       ev.ExitCode,
			Signal:         ev.Signal,
			LastErrorLines: ev.LastErrorLines,
		}
	}
	m.terminal[session.sourceID] = terminalRecord{state: StateError, err: cause.Error(), at: time.Now()}
	m.mu.Unlock()

	session.stopWatchdog()

	m.logger.Error("Live stream died",
		zap.String("camera_id", session.sourceID),
		zap.Int("exit_code", ev.ExitCode),
		zap.String("stderr", strings.Join(ev.LastErrorLines, " | ")),
		zap.Error(cause),
	)

	// 현재 뷰어 모두에게 피드 종료 알림
	m.transport.PublishError(session.sourceID, core.ErrorInfo{
		Type:    "error",
		Message: "Stream error occurred",
		Error:   cause.Error(),
	})
}

// watch는 프레임이 일정 시간 동안 발행되지 않으면 세션을 에러로 처리합니다
func (m *Manager) watch(session *Session) {
	interval := m.frameTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-session.watchdogStop:
			return
		case <-ticker.C:
			if idle := session.idleFor(); idle > m.frameTimeout {
				m.fail(session, fmt.Errorf("%w: no frame for %s", core.ErrStreamStalled, idle.Round(time.Millisecond)))
				return
			}
		}
	}
}

// IsActive는 카메라의 라이브 세션이 Active 상태인지 확인합니다
func (m *Manager) IsActive(sourceID string) bool {
	m.mu.Lock()
	session, exists := m.sessions[sourceID]
	m.mu.Unlock()

	return exists && session.getState() == StateActive
}

// GetStatus는 세션 활성 여부와 뷰어 수를 반환합니다.
// 뷰어 수는 로컬에 두지 않고 전송 계층에서 조회합니다.
func (m *Manager) GetStatus(sourceID string) Status {
	status := Status{
		CameraID: sourceID,
		Viewers:  m.transport.SubscriberCount(sourceID),
	}

	m.mu.Lock()
	session, exists := m.sessions[sourceID]
	last, hasLast := m.terminal[sourceID]
	m.mu.Unlock()

	if exists {
		state := session.getState()
		startedAt := session.startedAt
		lastActivity := time.Unix(0, session.lastActivity.Load())

		status.Active = state == StateActive || state == StateStarting
		status.State = state
		status.StartedAt = &startedAt
		status.LastActivity = &lastActivity
		status.FramesPublished = session.framesPublished.Load()
		return status
	}

	if hasLast {
		status.State = last.state
		status.LastError = last.err
	}

	return status
}

// ActiveSources는 세션이 있는 카메라 ID 목록을 반환합니다
func (m *Manager) ActiveSources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll은 모든 라이브 세션을 종료합니다
func (m *Manager) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.ActiveSources() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopLive(ctx, id); err != nil && !errors.Is(err, core.ErrNotActive) {
				m.logger.Error("Failed to stop live stream", zap.String("camera_id", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}
