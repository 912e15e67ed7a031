package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	id    string
	delay time.Duration

	mu       sync.Mutex
	messages []*Message
	count    atomic.Int32
}

func (s *recordingSubscriber) OnMessage(msg *Message) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.count.Add(1)
	return nil
}

func (s *recordingSubscriber) GetID() string { return s.id }

func (s *recordingSubscriber) received() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.messages...)
}

func TestBroadcasterDeliversFramesAndErrors(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	sub := &recordingSubscriber{id: "viewer-1"}
	require.NoError(t, b.Subscribe("cam-1", sub))
	assert.Equal(t, 1, b.SubscriberCount("cam-1"))

	b.Publish("cam-1", []byte{0xFF, 0xD8, 0xFF, 0xD9})
	b.PublishError("cam-1", ErrorInfo{Type: "error", Message: "Stream error occurred", Error: "exit 1"})

	require.Eventually(t, func() bool { return sub.count.Load() == 2 }, time.Second, 5*time.Millisecond)

	msgs := sub.received()
	assert.Equal(t, MessageFrame, msgs[0].Type)
	assert.Equal(t, "cam-1", msgs[0].Topic)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, msgs[0].Payload)

	assert.Equal(t, MessageError, msgs[1].Type)
	require.NotNil(t, msgs[1].Error)
	assert.Equal(t, "Stream error occurred", msgs[1].Error.Message)
}

func TestBroadcasterTopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	a := &recordingSubscriber{id: "a"}
	other := &recordingSubscriber{id: "b"}
	require.NoError(t, b.Subscribe("cam-1", a))
	require.NoError(t, b.Subscribe("cam-2", other))

	b.Publish("cam-1", []byte("x"))

	require.Eventually(t, func() bool { return a.count.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, other.count.Load())
}

// TestSlowSubscriberDoesNotStallOthers는 느린 뷰어가 다른 뷰어의 전달을 막지 않는지 확인합니다
func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{TopicBuffer: 8, SubscriberBuffer: 2})
	defer b.Close()

	slow := &recordingSubscriber{id: "slow", delay: 200 * time.Millisecond}
	fast := &recordingSubscriber{id: "fast"}
	require.NoError(t, b.Subscribe("cam-1", slow))
	require.NoError(t, b.Subscribe("cam-1", fast))

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish("cam-1", []byte{byte(i)})
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return fast.count.Load() >= n-2 }, time.Second, 5*time.Millisecond)
	assert.Less(t, slow.count.Load(), int32(n), "slow viewer loses its own frames")
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	b.Publish("cam-1", []byte("x"))
	assert.Empty(t, b.Topics())
	assert.Zero(t, b.SubscriberCount("cam-1"))
}

func TestUnsubscribeRemovesEmptyTopic(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{})
	defer b.Close()

	sub := &recordingSubscriber{id: "viewer-1"}
	require.NoError(t, b.Subscribe("cam-1", sub))
	assert.Error(t, b.Subscribe("cam-1", sub), "duplicate subscriber id")

	require.NoError(t, b.Unsubscribe("cam-1", "viewer-1"))
	assert.Zero(t, b.SubscriberCount("cam-1"))
	assert.Empty(t, b.Topics())

	assert.Error(t, b.Unsubscribe("cam-1", "viewer-1"))

	// 다시 구독하면 새 토픽 생성
	require.NoError(t, b.Subscribe("cam-1", sub))
	b.Publish("cam-1", []byte("y"))
	require.Eventually(t, func() bool { return sub.count.Load() == 1 }, time.Second, 5*time.Millisecond)
}

type gatedSubscriber struct {
	id   string
	gate chan struct{}

	mu    sync.Mutex
	types []MessageType
}

func (s *gatedSubscriber) OnMessage(msg *Message) error {
	<-s.gate
	s.mu.Lock()
	s.types = append(s.types, msg.Type)
	s.mu.Unlock()
	return nil
}

func (s *gatedSubscriber) GetID() string { return s.id }

func (s *gatedSubscriber) received() []MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageType(nil), s.types...)
}

// TestStreamErrorSurvivesFullViewerBuffer는 버퍼가 가득 찬 뷰어도 에러 알림을 받는지 확인합니다
func TestStreamErrorSurvivesFullViewerBuffer(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{TopicBuffer: 64, SubscriberBuffer: 4})
	defer b.Close()

	sub := &gatedSubscriber{id: "blocked", gate: make(chan struct{})}
	require.NoError(t, b.Subscribe("cam-1", sub))

	for i := 0; i < 40; i++ {
		b.Publish("cam-1", []byte{byte(i)})
	}
	b.PublishError("cam-1", ErrorInfo{Type: "error", Message: "Stream error occurred", Error: "exit 1"})

	b.mutex.RLock()
	topic := b.topics["cam-1"]
	b.mutex.RUnlock()
	require.NotNil(t, topic)

	// 워커가 하나를 붙잡고 버퍼에 4개, 나머지 프레임과 밀려난 메시지 하나는 드롭
	require.Eventually(t, func() bool {
		_, _, dropped := topic.GetStats()
		return dropped >= 36
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	close(sub.gate)

	require.Eventually(t, func() bool {
		types := sub.received()
		return len(types) > 0 && types[len(types)-1] == MessageError
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sub.received(), MessageError)
}
