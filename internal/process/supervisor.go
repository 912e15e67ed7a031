package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
)

// Kind는 프로세스 용도
type Kind string

const (
	KindLive      Kind = "live"
	KindRecording Kind = "recording"
)

const readChunkSize = 32 * 1024

// Handle은 실행 중인 외부 프로세스 핸들
type Handle struct {
	ID        string
	SourceID  string
	Kind      Kind
	PID       int
	StartedAt time.Time

	cmd        *exec.Cmd
	done       chan struct{}
	stderr     *lineRing
	requested  atomic.Bool
	killed     atomic.Bool
	terminated sync.Once
}

// Done은 프로세스 종료 이벤트 전달이 끝나면 닫히는 채널을 반환합니다
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitEvent는 프로세스당 정확히 한 번 전달되는 종료 이벤트
type ExitEvent struct {
	Handle         *Handle
	ExitCode       int
	Signal         string
	LastErrorLines []string
	Requested      bool // Terminate로 요청된 종료
	Killed         bool // 유예 시간 초과로 강제 종료됨
	Err            error
}

// Graceful은 요청된 종료에 프로세스가 스스로 정상 종료했는지 확인합니다.
// ffmpeg는 SIGTERM을 받으면 출력을 마무리한 뒤 255로 종료합니다.
func (e ExitEvent) Graceful() bool {
	if e.Killed {
		return false
	}
	if e.ExitCode == 0 && e.Err == nil {
		return true
	}
	if !e.Requested {
		return false
	}
	return e.ExitCode == 255 || e.Signal == syscall.SIGTERM.String() || e.Signal == syscall.SIGINT.String()
}

// SpawnOptions는 프로세스 생성 옵션
type SpawnOptions struct {
	SourceID  string
	SourceURL string
	Kind      Kind
	Args      []string

	// OnOutput은 단일 고루틴에서 도착 순서대로 호출됩니다. nil이면 stdout은 버립니다.
	OnOutput func(chunk []byte)
	// OnExit은 프로세스당 정확히 한 번 호출됩니다
	OnExit func(ExitEvent)
}

// Supervisor는 카메라별 외부 디코드/인코드 프로세스의 수명을 관리합니다
type Supervisor struct {
	binary      string
	stderrLines int

	processes map[string]*Handle
	mu        sync.RWMutex
	logger    *zap.Logger
}

// SupervisorConfig는 슈퍼바이저 설정
type SupervisorConfig struct {
	Binary      string
	StderrLines int
	Logger      *zap.Logger
}

// NewSupervisor는 새로운 프로세스 슈퍼바이저를 생성합니다
func NewSupervisor(config SupervisorConfig) *Supervisor {
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	if config.StderrLines <= 0 {
		config.StderrLines = 20
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Supervisor{
		binary:      config.Binary,
		stderrLines: config.StderrLines,
		processes:   make(map[string]*Handle),
		logger:      config.Logger,
	}
}

// CheckInstallation은 실행 파일이 PATH에 있는지 확인합니다
func (s *Supervisor) CheckInstallation() error {
	if _, err := exec.LookPath(s.binary); err != nil {
		return fmt.Errorf("%w: %s is not installed or not in PATH: %v", core.ErrSpawn, s.binary, err)
	}
	return nil
}

// Spawn은 새로운 프로세스를 시작합니다. 프로세스 생성까지만 블로킹하고
// 출력과 종료는 비동기로 전달합니다.
func (s *Supervisor) Spawn(opts SpawnOptions) (*Handle, error) {
	if len(opts.Args) == 0 {
		return nil, fmt.Errorf("%w: no arguments given", core.ErrSpawn)
	}
	for i, arg := range opts.Args {
		if arg == "" {
			return nil, fmt.Errorf("%w: empty argument at position %d", core.ErrSpawn, i)
		}
	}

	path, err := exec.LookPath(s.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSpawn, err)
	}

	cmd := exec.Command(path, opts.Args...)

	var stdout io.ReadCloser
	if opts.OnOutput != nil {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdout pipe: %v", core.ErrSpawn, err)
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", core.ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSpawn, err)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		SourceID:  opts.SourceID,
		Kind:      opts.Kind,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		stderr:    newLineRing(s.stderrLines),
	}

	s.mu.Lock()
	s.processes[h.ID] = h
	s.mu.Unlock()

	logger := s.logger.With(
		zap.String("camera_id", opts.SourceID),
		zap.String("kind", string(opts.Kind)),
		zap.Int("pid", h.PID),
	)

	logger.Info("Process started", zap.String("source", MaskURL(opts.SourceURL)))

	// 프로세스 감시 고루틴 시작
	go s.monitor(h, stdout, stderr, opts, logger)

	return h, nil
}

// monitor는 출력을 읽고, 종료를 기다린 뒤 종료 이벤트를 한 번 전달합니다
func (s *Supervisor) monitor(h *Handle, stdout, stderr io.ReadCloser, opts SpawnOptions, logger *zap.Logger) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 4096), 64*1024)
		for scanner.Scan() {
			line := scanner.Text()
			h.stderr.add(line)
			logger.Debug("Process stderr", zap.String("line", line))
		}
		if err := scanner.Err(); err != nil {
			logger.Debug("Stopped parsing stderr", zap.Error(err))
		}
		// 파이프가 가득 차 프로세스가 멈추지 않도록 나머지는 버림
		io.Copy(io.Discard, stderr)
	}()

	if stdout != nil {
		buf := make([]byte, readChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				opts.OnOutput(chunk)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					logger.Debug("Process stdout read ended", zap.Error(err))
				}
				break
			}
		}
	}

	// Wait 전에 파이프를 모두 읽어야 함
	wg.Wait()
	waitErr := h.cmd.Wait()

	event := ExitEvent{
		Handle:         h,
		ExitCode:       -1,
		LastErrorLines: h.stderr.lines(),
		Requested:      h.requested.Load(),
		Killed:         h.killed.Load(),
	}
	if state := h.cmd.ProcessState; state != nil {
		event.ExitCode = state.ExitCode()
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			event.Signal = status.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		event.Err = waitErr
	}

	s.mu.Lock()
	delete(s.processes, h.ID)
	s.mu.Unlock()

	logger.Info("Process exited",
		zap.Int("exit_code", event.ExitCode),
		zap.String("signal", event.Signal),
		zap.Bool("requested", event.Requested),
		zap.Bool("killed", event.Killed),
		zap.Duration("uptime", time.Since(h.StartedAt)),
	)

	// 이벤트 전달 후 done을 닫아 Terminate 호출자가 처리 완료를 관찰할 수 있게 함
	if opts.OnExit != nil {
		opts.OnExit(event)
	}
	close(h.done)
}

// Terminate는 정상 종료 신호를 보내고, 유예 시간 내에 종료되지 않으면 강제 종료합니다.
// 종료 이벤트 전달이 끝날 때까지 블로킹합니다.
func (s *Supervisor) Terminate(h *Handle, grace time.Duration) {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	h.terminated.Do(func() {
		h.requested.Store(true)
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("Failed to signal process",
				zap.String("camera_id", h.SourceID),
				zap.Int("pid", h.PID),
				zap.Error(err),
			)
		}
	})

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return
	case <-timer.C:
	}

	s.logger.Warn("Process did not exit within grace period, killing",
		zap.String("camera_id", h.SourceID),
		zap.Int("pid", h.PID),
		zap.Duration("grace", grace),
	)

	h.killed.Store(true)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill process",
			zap.String("camera_id", h.SourceID),
			zap.Int("pid", h.PID),
			zap.Error(err),
		)
	}

	<-h.done
}

// IsRunning은 프로세스가 실행 중인지 확인합니다
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.processes[id]
	return exists
}

// Count는 실행 중인 프로세스 수를 반환합니다
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// StopAll은 모든 프로세스를 병렬로 종료합니다
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.RLock()
	handles := make([]*Handle, 0, len(s.processes))
	for _, h := range s.processes {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			s.Terminate(h, grace)
		}(h)
	}
	wg.Wait()
}

// lineRing은 마지막 N개의 stderr 라인을 보관합니다
type lineRing struct {
	mu    sync.Mutex
	buf   []string
	limit int
}

func newLineRing(limit int) *lineRing {
	return &lineRing{limit: limit}
}

func (r *lineRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, line)
	if len(r.buf) > r.limit {
		r.buf = r.buf[len(r.buf)-r.limit:]
	}
}

func (r *lineRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.buf))
	copy(out, r.buf)
	return out
}
