package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWebSocketServer is a scripted peer for client tests.
type TestWebSocketServer struct {
	server           *httptest.Server
	upgrader         websocket.Upgrader
	mu               sync.RWMutex
	connections      []*websocket.Conn
	receivedMessages [][]byte
	pingCount        atomic.Int64
	closeCount       atomic.Int64
	handlerFunc      func(conn *websocket.Conn)
	shouldRejectConn atomic.Bool
	requestHeaders   atomic.Value // http.Header
}

func NewTestWebSocketServer() *TestWebSocketServer {
	ts := &TestWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handleWebSocket))
	return ts
}

func (ts *TestWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if ts.shouldRejectConn.Load() {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	ts.requestHeaders.Store(r.Header.Clone())

	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetPingHandler(func(appData string) error {
		ts.pingCount.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	ts.mu.Lock()
	ts.connections = append(ts.connections, conn)
	handler := ts.handlerFunc
	ts.mu.Unlock()

	if handler != nil {
		handler(conn)
		return
	}
	ts.recordingHandler(conn)
}

// recordingHandler stores every text frame and echoes it back.
func (ts *TestWebSocketServer) recordingHandler(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		ts.closeCount.Add(1)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.receivedMessages = append(ts.receivedMessages, data)
		ts.mu.Unlock()

		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (ts *TestWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *TestWebSocketServer) Close() {
	ts.mu.Lock()
	for _, conn := range ts.connections {
		conn.Close()
	}
	ts.mu.Unlock()
	ts.server.Close()
}

func (ts *TestWebSocketServer) SetCustomHandler(handler func(conn *websocket.Conn)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlerFunc = handler
}

func (ts *TestWebSocketServer) DropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.connections {
		conn.Close()
	}
}

func (ts *TestWebSocketServer) GetReceivedMessages() [][]byte {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	result := make([][]byte, len(ts.receivedMessages))
	copy(result, ts.receivedMessages)
	return result
}

// collectingHandler records every frame on a channel.
func collectingHandler(out chan<- []byte) Handler {
	return func(data []byte, _ Replier) error {
		out <- data
		return nil
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:     "empty endpoint",
			config:   Config{Handler: func([]byte, Replier) error { return nil }},
			errorMsg: "endpoint URL is required",
		},
		{
			name:     "nil handler",
			config:   Config{Endpoint: "ws://localhost:1/ws"},
			errorMsg: "message handler is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewWebsocketClient(context.Background(), tt.config)
			assert.Nil(t, client)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestNewWebsocketClient_Defaults(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler:  func([]byte, Replier) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, defaultPingPeriod, client.cfg.PingPeriod)
	assert.Equal(t, defaultSendTimeout, client.cfg.SendTimeout)
	assert.True(t, client.IsOpen())
}

func TestNewWebsocketClient_ServerRejects(t *testing.T) {
	server := NewTestWebSocketServer()
	server.shouldRejectConn.Store(true)
	defer server.Close()

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler:  func([]byte, Replier) error { return nil },
	})
	assert.Nil(t, client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial dial failed")
}

func TestClient_OpenMessagesAndHeaders(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	received := make(chan []byte, 4)
	header := http.Header{}
	header.Set("Authorization", "Bearer abc")

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:     server.URL(),
		Handler:      collectingHandler(received),
		Header:       header,
		OpenMessages: [][]byte{[]byte(`{"trnm":"LOGIN"}`)},
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case data := <-received:
		assert.JSONEq(t, `{"trnm":"LOGIN"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("opening frame was not echoed")
	}

	got, _ := server.requestHeaders.Load().(http.Header)
	assert.Equal(t, "Bearer abc", got.Get("Authorization"))
}

func TestClient_SendAndReply(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	var replies atomic.Int64
	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler: func(data []byte, reply Replier) error {
			if string(data) == "ping-me" {
				replies.Add(1)
				return reply.Send([]byte("pong-you"))
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("ping-me")))

	assert.Eventually(t, func() bool {
		msgs := server.GetReceivedMessages()
		return len(msgs) == 2 && string(msgs[1]) == "pong-you"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), replies.Load())
}

func TestClient_ConcurrentSends(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler:  func([]byte, Replier) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Send([]byte(`{"n":1}`)))
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return len(server.GetReceivedMessages()) == 20
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_HandlerErrorsAndPanicsDoNotStopReading(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	var calls atomic.Int64
	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler: func(data []byte, _ Replier) error {
			calls.Add(1)
			switch string(data) {
			case "panic":
				panic("handler panic")
			case "error":
				return errors.New("handler error")
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("panic")))
	require.NoError(t, client.Send([]byte("error")))
	require.NoError(t, client.Send([]byte("fine")))

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.IsOpen())
}

func TestClient_PingLoop(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:   server.URL(),
		Handler:    func([]byte, Replier) error { return nil },
		PingPeriod: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Eventually(t, func() bool { return server.pingCount.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_PeerDisconnect(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler:  func([]byte, Replier) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Eventually(t, func() bool {
		server.mu.RLock()
		defer server.mu.RUnlock()
		return len(server.connections) == 1
	}, time.Second, 5*time.Millisecond)
	server.DropAll()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not signalled")
	}

	assert.False(t, client.IsOpen())
	assert.ErrorIs(t, client.Send([]byte("late")), ErrClientClosed)

	select {
	case err := <-client.ErrChan():
		assert.Error(t, err)
	default:
		t.Fatal("expected a terminal error")
	}
}

func TestClient_CloseIsIdempotentAndPrompt(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint: server.URL(),
		Handler:  func([]byte, Replier) error { return nil },
	})
	require.NoError(t, err)

	start := time.Now()
	client.Close()
	client.Close()
	assert.Less(t, time.Since(start), 2*time.Second)

	<-client.DisconnectChan()
	assert.False(t, client.IsOpen())
}

func TestClient_ContextCancellationClosesSocket(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client, err := NewWebsocketClient(ctx, Config{
		Endpoint: server.URL(),
		Handler:  func([]byte, Replier) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	cancel()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not close the client")
	}
}
