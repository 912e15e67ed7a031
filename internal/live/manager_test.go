package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/nvr/internal/core"
	"github.com/yourusername/nvr/internal/process"
)

// fakeSpawner는 실제 프로세스 없이 출력과 종료를 수동으로 주입합니다
type fakeSpawner struct {
	mu         sync.Mutex
	spawnErr   error
	spawned    []process.SpawnOptions
	handles    map[string]*process.Handle
	opts       map[*process.Handle]process.SpawnOptions
	terminated []string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		handles: make(map[string]*process.Handle),
		opts:    make(map[*process.Handle]process.SpawnOptions),
	}
}

func (f *fakeSpawner) Spawn(opts process.SpawnOptions) (*process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	h := &process.Handle{ID: opts.SourceID + "-h", SourceID: opts.SourceID, Kind: opts.Kind, PID: 100 + len(f.spawned)}
	f.spawned = append(f.spawned, opts)
	f.handles[opts.SourceID] = h
	f.opts[h] = opts
	return h, nil
}

// Terminate는 실제 슈퍼바이저처럼 요청된 종료 이벤트를 전달합니다
func (f *fakeSpawner) Terminate(h *process.Handle, grace time.Duration) {
	if h == nil {
		return
	}
	f.mu.Lock()
	opts, ok := f.opts[h]
	delete(f.opts, h)
	f.terminated = append(f.terminated, h.SourceID)
	f.mu.Unlock()

	if ok && opts.OnExit != nil {
		opts.OnExit(process.ExitEvent{Handle: h, ExitCode: 255, Requested: true})
	}
}

func (f *fakeSpawner) output(t *testing.T, sourceID string, chunk []byte) {
	t.Helper()
	f.mu.Lock()
	opts := f.opts[f.handles[sourceID]]
	f.mu.Unlock()
	require.NotNil(t, opts.OnOutput)
	opts.OnOutput(chunk)
}

// crash는 요청되지 않은 종료를 시뮬레이션합니다
func (f *fakeSpawner) crash(sourceID string, code int, lines ...string) {
	f.mu.Lock()
	h := f.handles[sourceID]
	opts, ok := f.opts[h]
	delete(f.opts, h)
	f.mu.Unlock()

	if ok {
		opts.OnExit(process.ExitEvent{Handle: h, ExitCode: code, LastErrorLines: lines})
	}
}

func (f *fakeSpawner) terminatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

type fakeTransport struct {
	mu      sync.Mutex
	frames  map[string][][]byte
	errs    map[string][]core.ErrorInfo
	viewers map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:  make(map[string][][]byte),
		errs:    make(map[string][]core.ErrorInfo),
		viewers: make(map[string]int),
	}
}

func (f *fakeTransport) Publish(topic string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[topic] = append(f.frames[topic], payload)
}

func (f *fakeTransport) PublishError(topic string, info core.ErrorInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[topic] = append(f.errs[topic], info)
}

func (f *fakeTransport) SubscriberCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewers[topic]
}

func (f *fakeTransport) frameCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames[topic])
}

func (f *fakeTransport) errorsFor(topic string) []core.ErrorInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ErrorInfo(nil), f.errs[topic]...)
}

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Supports(sourceURL string) bool { return true }

func (p *fakeProber) Probe(ctx context.Context, sourceURL string) error {
	p.calls++
	return p.err
}

func jpeg(payload ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

func newTestManager(spawner *fakeSpawner, transport *fakeTransport) *Manager {
	return NewManager(Config{
		Spawner:      spawner,
		Transport:    transport,
		GracePeriod:  100 * time.Millisecond,
		MaxFrameSize: 64,
	})
}

func testSource(id string) core.Source {
	return core.Source{ID: id, Name: id, StreamURL: "rtsp://10.0.0.1/" + id}
}

func TestStartLive(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := newTestManager(spawner, transport)

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))
	assert.True(t, m.IsActive("cam-1"))

	require.Len(t, spawner.spawned, 1)
	opts := spawner.spawned[0]
	assert.Equal(t, process.KindLive, opts.Kind)
	assert.Contains(t, opts.Args, "image2pipe")
	assert.Contains(t, opts.Args, "scale=800:600")

	status := m.GetStatus("cam-1")
	assert.True(t, status.Active)
	assert.Equal(t, StateActive, status.State)
	assert.NotNil(t, status.StartedAt)
}

func TestStartLiveRejectsDuplicate(t *testing.T) {
	spawner := newFakeSpawner()
	m := newTestManager(spawner, newFakeTransport())

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))

	err := m.StartLive(context.Background(), testSource("cam-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAlreadyActive))
	assert.Len(t, spawner.spawned, 1, "no second decode process")
}

// TestStartLiveConcurrentSingleWinner는 동시에 여러 번 시작해도 한 번만 성공하는지 확인합니다
func TestStartLiveConcurrentSingleWinner(t *testing.T) {
	spawner := newFakeSpawner()
	m := newTestManager(spawner, newFakeTransport())

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.StartLive(context.Background(), testSource("cam-1"))
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, core.ErrAlreadyActive):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
	assert.Len(t, spawner.spawned, 1)
}

func TestStartLiveSpawnFailure(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.spawnErr = errors.New("exec: not found")
	m := newTestManager(spawner, newFakeTransport())

	err := m.StartLive(context.Background(), testSource("cam-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSpawn))
	assert.False(t, m.IsActive("cam-1"))

	status := m.GetStatus("cam-1")
	assert.False(t, status.Active)
	assert.Equal(t, StateError, status.State)

	// 실패 후 재시도 가능
	spawner.spawnErr = nil
	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))
}

func TestStartLiveProbeFailure(t *testing.T) {
	spawner := newFakeSpawner()
	prober := &fakeProber{err: errors.New("connection refused")}
	m := NewManager(Config{Spawner: spawner, Transport: newFakeTransport(), Prober: prober})

	err := m.StartLive(context.Background(), testSource("cam-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSourceUnreachable))
	assert.Equal(t, 1, prober.calls)
	assert.Empty(t, spawner.spawned)
	assert.False(t, m.IsActive("cam-1"))
}

func TestFramesArePublished(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := newTestManager(spawner, transport)

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))

	frame := jpeg(0x01, 0x02)
	spawner.output(t, "cam-1", frame[:3])
	assert.Equal(t, 0, transport.frameCount("cam-1"))

	spawner.output(t, "cam-1", append(frame[3:], jpeg(0x03)...))
	assert.Equal(t, 2, transport.frameCount("cam-1"))
	assert.Equal(t, uint64(2), m.GetStatus("cam-1").FramesPublished)
}

func TestStopLive(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := newTestManager(spawner, transport)

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))
	require.NoError(t, m.StopLive(context.Background(), "cam-1"))

	assert.False(t, m.IsActive("cam-1"))
	assert.Equal(t, 1, spawner.terminatedCount())
	assert.Empty(t, transport.errorsFor("cam-1"), "requested stop is not a stream error")

	status := m.GetStatus("cam-1")
	assert.False(t, status.Active)
	assert.Equal(t, StateStopped, status.State)

	err := m.StopLive(context.Background(), "cam-1")
	assert.True(t, errors.Is(err, core.ErrNotActive))
}

func TestUnexpectedExitPublishesError(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := newTestManager(spawner, transport)

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))
	spawner.crash("cam-1", 1, "Connection timed out")

	assert.False(t, m.IsActive("cam-1"))

	errs := transport.errorsFor("cam-1")
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0].Type)
	assert.Equal(t, "Stream error occurred", errs[0].Message)
	assert.Contains(t, errs[0].Error, "Connection timed out")

	status := m.GetStatus("cam-1")
	assert.Equal(t, StateError, status.State)
	assert.NotEmpty(t, status.LastError)

	// 명시적인 재시작만 허용
	assert.Len(t, spawner.spawned, 1)
	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))
	assert.True(t, m.IsActive("cam-1"))
}

// TestStopLiveRacesUnexpectedExit는 종료 요청과 프로세스 종료가 겹쳐도 한쪽만 세션을 정리하는지 확인합니다
func TestStopLiveRacesUnexpectedExit(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := newTestManager(spawner, transport)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("cam-%d", i)
		require.NoError(t, m.StartLive(context.Background(), testSource(id)))

		var wg sync.WaitGroup
		var stopErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			stopErr = m.StopLive(context.Background(), id)
		}()
		go func() {
			defer wg.Done()
			<-start
			spawner.crash(id, 1, "Connection reset by peer")
		}()
		close(start)
		wg.Wait()

		assert.False(t, m.IsActive(id))
		errs := transport.errorsFor(id)
		state := m.GetStatus(id).State

		if stopErr == nil {
			assert.Empty(t, errs, "stop won, exit event ignored")
			assert.Equal(t, StateStopped, state)
		} else {
			assert.True(t, errors.Is(stopErr, core.ErrNotActive))
			assert.Len(t, errs, 1, "exit won, single stream_error")
			assert.Equal(t, StateError, state)
		}
	}
}

func TestFrameTooLargeTerminatesSession(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := newTestManager(spawner, transport)

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))

	oversized := append([]byte{0xFF, 0xD8}, make([]byte, 128)...)
	spawner.output(t, "cam-1", oversized)

	require.Eventually(t, func() bool { return !m.IsActive("cam-1") }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(transport.errorsFor("cam-1")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, transport.errorsFor("cam-1")[0].Error, "frame exceeds")
}

func TestStalledStreamIsTerminated(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	m := NewManager(Config{
		Spawner:      spawner,
		Transport:    transport,
		GracePeriod:  50 * time.Millisecond,
		FrameTimeout: 200 * time.Millisecond,
	})

	require.NoError(t, m.StartLive(context.Background(), testSource("cam-1")))

	require.Eventually(t, func() bool { return !m.IsActive("cam-1") }, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(transport.errorsFor("cam-1")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, m.GetStatus("cam-1").LastError, "no frame")
}

func TestViewersComeFromTransport(t *testing.T) {
	spawner := newFakeSpawner()
	transport := newFakeTransport()
	transport.viewers["cam-1"] = 3
	m := newTestManager(spawner, transport)

	assert.Equal(t, 3, m.GetStatus("cam-1").Viewers)
	assert.False(t, m.GetStatus("cam-1").Active)
}

func TestStopAll(t *testing.T) {
	spawner := newFakeSpawner()
	m := newTestManager(spawner, newFakeTransport())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.StartLive(context.Background(), testSource(id)))
	}
	assert.Len(t, m.ActiveSources(), 3)

	m.StopAll(context.Background())
	assert.Empty(t, m.ActiveSources())
	assert.Equal(t, 3, spawner.terminatedCount())
}
