package signaling

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/nvr/internal/core"
	"go.uber.org/zap"
)

type incoming struct {
	Type     string          `json:"type"`
	CameraID string          `json:"cameraId"`
	Payload  json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*core.Broadcaster, *Server, *httptest.Server) {
	t.Helper()

	hub := core.NewBroadcaster(core.BroadcasterConfig{})
	server := NewServer(ServerConfig{Hub: hub})
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))

	t.Cleanup(func() {
		server.Close()
		ts.Close()
		hub.Close()
	})
	return hub, server, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) incoming {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg incoming
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestViewerReceivesFramesAsBase64(t *testing.T) {
	hub, _, ts := newTestServer(t)
	conn := dial(t, ts, "?camera=cam-1")

	msg := readMessage(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "cam-1", msg.CameraID)
	require.Equal(t, 1, hub.SubscriberCount("cam-1"))

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	hub.Publish("cam-1", frame)

	msg = readMessage(t, conn)
	assert.Equal(t, "stream", msg.Type)
	assert.Equal(t, "cam-1", msg.CameraID)

	var encoded string
	require.NoError(t, json.Unmarshal(msg.Payload, &encoded))
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}

func TestViewerReceivesStreamError(t *testing.T) {
	hub, _, ts := newTestServer(t)
	conn := dial(t, ts, "?camera=cam-1")
	require.Equal(t, "subscribed", readMessage(t, conn).Type)

	hub.PublishError("cam-1", core.ErrorInfo{Type: "error", Message: "Stream error occurred", Error: "exit status 1"})

	msg := readMessage(t, conn)
	assert.Equal(t, "stream_error", msg.Type)

	var info core.ErrorInfo
	require.NoError(t, json.Unmarshal(msg.Payload, &info))
	assert.Equal(t, "Stream error occurred", info.Message)
	assert.Equal(t, "exit status 1", info.Error)
}

func TestControlMessages(t *testing.T) {
	hub, server, ts := newTestServer(t)
	conn := dial(t, ts, "")

	require.Eventually(t, func() bool { return server.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", Payload: json.RawMessage(`{"cameraId":"cam-2"}`)}))
	msg := readMessage(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "cam-2", msg.CameraID)
	assert.Equal(t, 1, hub.SubscriberCount("cam-2"))

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", Payload: json.RawMessage(`{}`)}))
	assert.Equal(t, "error", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "dance"}))
	assert.Equal(t, "error", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "unsubscribe", Payload: json.RawMessage(`{"cameraId":"cam-2"}`)}))
	assert.Equal(t, "unsubscribed", readMessage(t, conn).Type)
	assert.Zero(t, hub.SubscriberCount("cam-2"))
}

func TestDisconnectUnsubscribes(t *testing.T) {
	hub, server, ts := newTestServer(t)
	conn := dial(t, ts, "?camera=cam-1")
	require.Equal(t, "subscribed", readMessage(t, conn).Type)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("cam-1") == 0 && server.GetClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}

// TestStreamErrorEvictsQueuedFrame는 전송 버퍼가 가득 차도 에러 알림이 큐에 들어가는지 확인합니다
func TestStreamErrorEvictsQueuedFrame(t *testing.T) {
	client := &Client{
		id:     "viewer-1",
		send:   make(chan []byte, 2),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
		topics: make(map[string]bool),
	}

	for i := 0; i < 3; i++ {
		err := client.OnMessage(&core.Message{Type: core.MessageFrame, Topic: "cam-1", Payload: []byte{byte(i)}})
		if i < 2 {
			require.NoError(t, err)
		} else {
			assert.Error(t, err, "frames are dropped when the buffer is full")
		}
	}

	require.NoError(t, client.OnMessage(&core.Message{
		Type:  core.MessageError,
		Topic: "cam-1",
		Error: &core.ErrorInfo{Type: "error", Message: "Stream error occurred", Error: "exit 1"},
	}))
	require.Len(t, client.send, 2)

	var types []string
	for len(client.send) > 0 {
		var msg incoming
		require.NoError(t, json.Unmarshal(<-client.send, &msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{"stream", "stream_error"}, types)
}
