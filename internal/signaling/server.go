package signaling

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// ErrClientClosed는 연결이 끊긴 클라이언트로 전송할 때 반환됩니다
var ErrClientClosed = errors.New("client closed")

var errBufferFull = errors.New("send buffer full")

// Hub는 카메라 ID 토픽 구독 인터페이스 (core.Broadcaster)
type Hub interface {
	Subscribe(topic string, subscriber core.Subscriber) error
	Unsubscribe(topic, subscriberID string) error
}

// Server는 WebSocket 기반 뷰어 서버입니다
type Server struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	hub      Hub

	clients map[*Client]bool
	mutex   sync.RWMutex

	sendBuffer int
}

// Client는 WebSocket 뷰어 하나를 나타냅니다
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	server *Server
	logger *zap.Logger

	topics    map[string]bool
	topicsMu  sync.Mutex
	closeOnce sync.Once
}

// Message는 클라이언트가 보내는 제어 메시지
type Message struct {
	Type    string          `json:"type"` // "subscribe", "unsubscribe", "ping"
	Payload json.RawMessage `json:"payload"`
}

// SubscribePayload는 구독 요청 페이로드
type SubscribePayload struct {
	CameraID string `json:"cameraId"`
}

// OutgoingMessage는 뷰어에게 보내는 메시지
type OutgoingMessage struct {
	Type     string `json:"type"` // "stream", "stream_error", "subscribed", "unsubscribed", "pong", "error"
	CameraID string `json:"cameraId,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// ServerConfig는 뷰어 서버 설정
type ServerConfig struct {
	Logger         *zap.Logger
	Hub            Hub
	AllowedOrigins []string
	SendBuffer     int
}

// NewServer는 새로운 뷰어 서버를 생성합니다
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	return &Server{
		logger: config.Logger,
		hub:    config.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(config.AllowedOrigins),
		},
		clients:    make(map[*Client]bool),
		sendBuffer: config.SendBuffer,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		// 개발 모드: 모든 origin 허용
		return func(r *http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWebSocket은 WebSocket 연결을 처리합니다. ?camera=<id>로 즉시 구독할 수 있습니다.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			zap.Error(err),
		)
		return
	}

	clientID := uuid.NewString()
	client := &Client{
		id:     clientID,
		conn:   conn,
		send:   make(chan []byte, s.sendBuffer),
		done:   make(chan struct{}),
		server: s,
		logger: s.logger.With(zap.String("client_id", clientID)),
		topics: make(map[string]bool),
	}

	s.registerClient(client)

	// 읽기/쓰기 고루틴 시작
	go client.writePump()
	go client.readPump()

	client.logger.Info("WebSocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
	)

	if cameraID := r.URL.Query().Get("camera"); cameraID != "" {
		client.subscribe(cameraID)
	}
}

// registerClient는 클라이언트를 등록합니다
func (s *Server) registerClient(client *Client) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[client] = true

	s.logger.Debug("Client registered",
		zap.String("client_id", client.id),
		zap.Int("total_clients", len(s.clients)),
	)
}

// unregisterClient는 클라이언트를 등록 해제하고 모든 구독을 해지합니다
func (s *Server) unregisterClient(client *Client) {
	s.mutex.Lock()
	_, exists := s.clients[client]
	delete(s.clients, client)
	total := len(s.clients)
	s.mutex.Unlock()

	if !exists {
		return
	}

	client.closeOnce.Do(func() { close(client.done) })

	client.topicsMu.Lock()
	topics := make([]string, 0, len(client.topics))
	for topic := range client.topics {
		topics = append(topics, topic)
	}
	client.topics = make(map[string]bool)
	client.topicsMu.Unlock()

	for _, topic := range topics {
		if err := s.hub.Unsubscribe(topic, client.id); err != nil {
			client.logger.Debug("Unsubscribe on close failed", zap.String("camera_id", topic), zap.Error(err))
		}
	}

	s.logger.Info("Client unregistered",
		zap.String("client_id", client.id),
		zap.Int("total_clients", total),
	)
}

// readPump은 WebSocket에서 메시지를 읽습니다
func (c *Client) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump은 WebSocket으로 메시지를 쓰고 주기적으로 ping을 보냅니다
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handleMessage는 클라이언트 메시지를 처리합니다
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to parse message", zap.Error(err))
		c.sendJSON(OutgoingMessage{Type: "error", Payload: "invalid message"})
		return
	}

	c.logger.Debug("Received message",
		zap.String("type", msg.Type),
	)

	switch msg.Type {
	case "subscribe", "unsubscribe":
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.CameraID == "" {
			c.sendJSON(OutgoingMessage{Type: "error", Payload: "cameraId is required"})
			return
		}
		if msg.Type == "subscribe" {
			c.subscribe(payload.CameraID)
		} else {
			c.unsubscribe(payload.CameraID)
		}
	case "ping":
		c.sendJSON(OutgoingMessage{Type: "pong"})
	default:
		c.logger.Warn("Unknown message type", zap.String("type", msg.Type))
		c.sendJSON(OutgoingMessage{Type: "error", Payload: "unknown message type"})
	}
}

func (c *Client) subscribe(cameraID string) {
	c.topicsMu.Lock()
	if c.topics[cameraID] {
		c.topicsMu.Unlock()
		return
	}
	c.topics[cameraID] = true
	c.topicsMu.Unlock()

	if err := c.server.hub.Subscribe(cameraID, c); err != nil {
		c.topicsMu.Lock()
		delete(c.topics, cameraID)
		c.topicsMu.Unlock()

		c.logger.Error("Failed to subscribe", zap.String("camera_id", cameraID), zap.Error(err))
		c.sendJSON(OutgoingMessage{Type: "error", CameraID: cameraID, Payload: err.Error()})
		return
	}

	c.logger.Info("Viewer subscribed", zap.String("camera_id", cameraID))
	c.sendJSON(OutgoingMessage{Type: "subscribed", CameraID: cameraID})
}

func (c *Client) unsubscribe(cameraID string) {
	c.topicsMu.Lock()
	subscribed := c.topics[cameraID]
	delete(c.topics, cameraID)
	c.topicsMu.Unlock()

	if subscribed {
		if err := c.server.hub.Unsubscribe(cameraID, c.id); err != nil {
			c.logger.Debug("Unsubscribe failed", zap.String("camera_id", cameraID), zap.Error(err))
		}
	}
	c.sendJSON(OutgoingMessage{Type: "unsubscribed", CameraID: cameraID})
}

// OnMessage는 브로드캐스터 워커에서 호출됩니다. 전송 버퍼가 가득 차면 프레임을 버립니다.
func (c *Client) OnMessage(msg *core.Message) error {
	out := OutgoingMessage{Type: string(msg.Type), CameraID: msg.Topic}
	switch msg.Type {
	case core.MessageFrame:
		out.Payload = base64.StdEncoding.EncodeToString(msg.Payload)
	case core.MessageError:
		out.Payload = msg.Error
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if msg.Type == core.MessageError {
		return c.enqueueEvicting(data)
	}
	return c.enqueue(data)
}

func (c *Client) sendJSON(out OutgoingMessage) {
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Debug("Dropping control message", zap.String("type", out.Type), zap.Error(err))
	}
}

func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// enqueueEvicting은 버퍼가 가득 차면 가장 오래된 메시지를 버리고 넣습니다
func (c *Client) enqueueEvicting(data []byte) error {
	err := c.enqueue(data)
	if !errors.Is(err, errBufferFull) {
		return err
	}

	select {
	case <-c.send:
	default:
	}
	return c.enqueue(data)
}

// GetID는 클라이언트 ID를 반환합니다
func (c *Client) GetID() string {
	return c.id
}

// GetClientCount는 연결된 클라이언트 수를 반환합니다
func (s *Server) GetClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// Close는 모든 클라이언트 연결을 종료합니다
func (s *Server) Close() {
	s.logger.Info("Closing viewer server")

	s.mutex.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mutex.RUnlock()

	for _, client := range clients {
		s.unregisterClient(client)
		client.conn.Close()
	}
}
