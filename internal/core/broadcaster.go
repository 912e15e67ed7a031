package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MessageType은 뷰어에게 전달되는 메시지 채널 이름
type MessageType string

const (
	MessageFrame MessageType = "stream"
	MessageError MessageType = "stream_error"
)

// ErrorInfo는 스트림 에러 알림 페이로드
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Message는 토픽으로 발행되는 단일 메시지 (프레임 또는 에러 알림)
type Message struct {
	Type      MessageType
	Topic     string
	Payload   []byte
	Error     *ErrorInfo
	Timestamp time.Time
}

// Subscriber는 토픽 구독자 인터페이스
type Subscriber interface {
	OnMessage(msg *Message) error
	GetID() string
}

// Broadcaster는 카메라 ID를 토픽으로 하는 뷰어 전송 계층입니다.
// 발행은 블로킹하지 않으며, 느린 구독자는 자신의 메시지만 잃습니다.
type Broadcaster struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	logger    *zap.Logger

	topics map[string]*Topic
	mutex  sync.RWMutex

	topicBuffer      int
	subscriberBuffer int
}

// subscriberWorker는 구독자와 전용 워커를 관리합니다
type subscriberWorker struct {
	sub     Subscriber
	msgChan chan *Message
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	dropped atomic.Uint64
}

// Topic은 단일 카메라의 구독자 집합입니다
type Topic struct {
	id     string
	logger *zap.Logger

	subscribers map[string]*subscriberWorker
	subMutex    sync.RWMutex

	// 통계 (atomic으로 lock-free)
	messagesPublished atomic.Uint64
	messagesDropped   atomic.Uint64
	messagesSent      atomic.Uint64

	buffer chan *Message

	ctx    context.Context
	cancel context.CancelFunc
}

// BroadcasterConfig는 브로드캐스터 설정
type BroadcasterConfig struct {
	Logger           *zap.Logger
	TopicBuffer      int
	SubscriberBuffer int
}

// NewBroadcaster는 새로운 브로드캐스터를 생성합니다
func NewBroadcaster(config BroadcasterConfig) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())

	if config.TopicBuffer <= 0 {
		config.TopicBuffer = 30
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 10
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Broadcaster{
		ctx:              ctx,
		ctxCancel:        cancel,
		logger:           config.Logger,
		topics:           make(map[string]*Topic),
		topicBuffer:      config.TopicBuffer,
		subscriberBuffer: config.SubscriberBuffer,
	}
}

// Publish는 프레임을 토픽에 발행합니다 (fire-and-forget)
func (b *Broadcaster) Publish(topic string, payload []byte) {
	b.publish(&Message{
		Type:      MessageFrame,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// PublishError는 에러 알림을 토픽에 발행합니다
func (b *Broadcaster) PublishError(topic string, info ErrorInfo) {
	b.publish(&Message{
		Type:      MessageError,
		Topic:     topic,
		Error:     &info,
		Timestamp: time.Now(),
	})
}

// SubscriberCount는 토픽의 현재 구독자 수를 반환합니다
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mutex.RLock()
	t, exists := b.topics[topic]
	b.mutex.RUnlock()

	if !exists {
		return 0
	}
	return t.GetSubscriberCount()
}

func (b *Broadcaster) publish(msg *Message) {
	b.mutex.RLock()
	t, exists := b.topics[msg.Topic]
	b.mutex.RUnlock()

	// 구독자가 없는 토픽은 버림
	if !exists {
		return
	}

	t.enqueue(msg)
}

// Subscribe는 구독자를 토픽에 등록합니다. 토픽이 없으면 생성합니다.
func (b *Broadcaster) Subscribe(topic string, subscriber Subscriber) error {
	// Unsubscribe의 빈 토픽 정리와 경합하지 않도록 락을 유지
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, exists := b.topics[topic]
	if !exists {
		t = b.newTopic(topic)
		b.topics[topic] = t
	}

	if err := t.subscribe(subscriber, b.subscriberBuffer); err != nil {
		if !exists {
			t.cancel()
			delete(b.topics, topic)
		}
		return err
	}
	return nil
}

// Unsubscribe는 구독을 제거하고, 비어 있는 토픽은 정리합니다
func (b *Broadcaster) Unsubscribe(topic, subscriberID string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, exists := b.topics[topic]
	if !exists {
		return fmt.Errorf("topic %s not found", topic)
	}

	if err := t.unsubscribe(subscriberID); err != nil {
		return err
	}

	if t.GetSubscriberCount() == 0 {
		t.cancel()
		delete(b.topics, topic)
		b.logger.Debug("Topic removed", zap.String("camera_id", topic))
	}

	return nil
}

// Topics는 구독자가 있는 토픽 목록을 반환합니다
func (b *Broadcaster) Topics() []string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	return ids
}

// Close는 모든 토픽과 워커를 종료합니다
func (b *Broadcaster) Close() {
	b.logger.Info("Closing broadcaster")
	b.ctxCancel()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	for id := range b.topics {
		delete(b.topics, id)
	}
}

func (b *Broadcaster) newTopic(id string) *Topic {
	ctx, cancel := context.WithCancel(b.ctx)
	t := &Topic{
		id:          id,
		logger:      b.logger.With(zap.String("camera_id", id)),
		subscribers: make(map[string]*subscriberWorker),
		buffer:      make(chan *Message, b.topicBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}

	// 배포 고루틴 시작 (토픽당 1개)
	go t.distribute()

	b.logger.Debug("Topic created", zap.String("camera_id", id))
	return t
}

// enqueue는 토픽 버퍼에 메시지를 넣습니다. 가득 차면 가장 오래된 메시지를 버립니다.
func (t *Topic) enqueue(msg *Message) {
	t.messagesPublished.Add(1)

	select {
	case t.buffer <- msg:
		return
	default:
	}

	select {
	case <-t.buffer:
		t.messagesDropped.Add(1)
	default:
	}

	select {
	case t.buffer <- msg:
	default:
		// 다른 발행자와 경합한 경우 그냥 버림
		t.messagesDropped.Add(1)
	}
}

func (t *Topic) subscribe(subscriber Subscriber, bufferSize int) error {
	t.subMutex.Lock()
	defer t.subMutex.Unlock()

	id := subscriber.GetID()
	if _, exists := t.subscribers[id]; exists {
		return fmt.Errorf("subscriber %s already exists", id)
	}

	// 구독자별 전용 워커 생성
	ctx, cancel := context.WithCancel(t.ctx)
	worker := &subscriberWorker{
		sub:     subscriber,
		msgChan: make(chan *Message, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  t.logger.With(zap.String("subscriber_id", id)),
	}

	t.subscribers[id] = worker

	go worker.run(t)

	t.logger.Info("Viewer subscribed",
		zap.String("subscriber_id", id),
		zap.Int("total_subscribers", len(t.subscribers)),
	)

	return nil
}

func (t *Topic) unsubscribe(subscriberID string) error {
	t.subMutex.Lock()
	defer t.subMutex.Unlock()

	worker, exists := t.subscribers[subscriberID]
	if !exists {
		return fmt.Errorf("subscriber %s not found", subscriberID)
	}

	// 채널은 닫지 않음 (배포 고루틴과의 send-on-closed 경합 방지)
	worker.cancel()
	delete(t.subscribers, subscriberID)

	t.logger.Info("Viewer unsubscribed",
		zap.String("subscriber_id", subscriberID),
		zap.Int("total_subscribers", len(t.subscribers)),
		zap.Uint64("dropped", worker.dropped.Load()),
	)

	return nil
}

// distribute는 메시지를 모든 구독자 워커에게 배포합니다
func (t *Topic) distribute() {
	workers := make([]*subscriberWorker, 0, 16)

	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.buffer:
			workers = workers[:0]

			// 구독자 워커 목록 복사 (읽기 락 최소화)
			t.subMutex.RLock()
			for _, worker := range t.subscribers {
				workers = append(workers, worker)
			}
			t.subMutex.RUnlock()

			for _, worker := range workers {
				t.deliver(worker, msg)
			}
		}
	}
}

// deliver는 워커 버퍼에 메시지를 넣습니다. 버퍼가 가득 차면 프레임은 버리고,
// 에러 알림은 가장 오래된 메시지를 밀어내고 넣습니다.
func (t *Topic) deliver(worker *subscriberWorker, msg *Message) {
	select {
	case worker.msgChan <- msg:
		return
	default:
	}

	if msg.Type == MessageError {
		select {
		case <-worker.msgChan:
			worker.dropped.Add(1)
			t.messagesDropped.Add(1)
		default:
		}

		// msgChan에 쓰는 쪽은 distribute 하나뿐이므로 빈 자리가 유지됨
		select {
		case worker.msgChan <- msg:
			return
		default:
		}
	}

	worker.dropped.Add(1)
	t.messagesDropped.Add(1)
}

// run은 구독자 워커의 메인 루프
func (w *subscriberWorker) run(t *Topic) {
	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug("Worker stopped")
			return
		case msg := <-w.msgChan:
			if err := w.sub.OnMessage(msg); err != nil {
				w.logger.Debug("Failed to deliver message to viewer", zap.Error(err))
				continue
			}
			t.messagesSent.Add(1)
		}
	}
}

// GetStats는 토픽 통계를 반환합니다
func (t *Topic) GetStats() (published, sent, dropped uint64) {
	return t.messagesPublished.Load(), t.messagesSent.Load(), t.messagesDropped.Load()
}

// GetSubscriberCount는 구독자 수를 반환합니다
func (t *Topic) GetSubscriberCount() int {
	t.subMutex.RLock()
	defer t.subMutex.RUnlock()
	return len(t.subscribers)
}
