package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// drain reads until the connection fails.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) ClientConfig {
	return ClientConfig{
		URL:               url,
		ReconnectBaseWait: 10 * time.Millisecond,
		ReconnectMaxWait:  50 * time.Millisecond,
		ReconnectJitter:   -1,
		WriteTimeout:      time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)

	var mu sync.Mutex
	var states []State
	client.OnStatusChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if got := client.State(); got != StateIdle {
		t.Errorf("initial State() = %v, want %v", got, StateIdle)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := client.State(); got != StateOpen {
		t.Errorf("State() after Connect = %v, want %v", got, StateOpen)
	}

	// Second Connect while open is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second Connect returned %v", err)
	}

	client.Disconnect()
	if got := client.State(); got != StateClosed {
		t.Errorf("State() after Disconnect = %v, want %v", got, StateClosed)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateClosing, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestClient_QueuedFramesFlushInOrder(t *testing.T) {
	received := make(chan []byte, 10)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	defer client.Disconnect()

	if _, err := client.Send("first", map[string]int{"n": 1}, SendOptions{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := client.SendRaw(map[string]any{"t": "start_stream", "symbol": "BTCUSD"}); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}
	if _, err := client.Send("third", nil, SendOptions{RequestID: "req-3"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := client.Stats().Queued; got != 3 {
		t.Errorf("Queued = %d, want 3", got)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var frames []map[string]any
	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("frame %d not JSON: %v", i, err)
			}
			frames = append(frames, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}

	if frames[0]["type"] != "first" {
		t.Errorf("frame 0 type = %v, want first", frames[0]["type"])
	}
	if frames[0]["v"] != float64(1) {
		t.Errorf("frame 0 v = %v, want 1", frames[0]["v"])
	}
	if id, _ := frames[0]["requestId"].(string); id == "" {
		t.Error("frame 0 missing generated requestId")
	}
	if frames[1]["t"] != "start_stream" {
		t.Errorf("frame 1 t = %v, want start_stream", frames[1]["t"])
	}
	if _, ok := frames[1]["v"]; ok {
		t.Error("raw frame should not be wrapped in an envelope")
	}
	if frames[2]["requestId"] != "req-3" {
		t.Errorf("frame 2 requestId = %v, want req-3", frames[2]["requestId"])
	}
	if got := client.Stats().Queued; got != 0 {
		t.Errorf("Queued after flush = %d, want 0", got)
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	// Never connected: the frame stays queued and the reply never arrives.
	client := NewClient(testConfig("ws://127.0.0.1:1"), nil)

	start := time.Now()
	replies, err := client.Send("ping-test", map[string]string{"x": "y"}, SendOptions{
		ExpectReply: true,
		Timeout:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case r := <-replies:
		elapsed := time.Since(start)
		if !errors.Is(r.Err, ErrRequestTimeout) {
			t.Errorf("Err = %v, want ErrRequestTimeout", r.Err)
		}
		if elapsed < 50*time.Millisecond {
			t.Errorf("rejected after %v, want >= 50ms", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("request never timed out")
	}

	if got := client.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

// echoReplyServer answers every envelope with a reply correlated to its requestId.
func echoReplyServer(t *testing.T, withError bool) *httptest.Server {
	return mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.RequestID == "" {
				continue
			}
			reply := map[string]any{
				"type":          env.Type + "_reply",
				"correlationId": env.RequestID,
				"payload":       map[string]bool{"ok": true},
			}
			if withError {
				reply["error"] = "bad request"
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	})
}

func TestClient_Request(t *testing.T) {
	server := echoReplyServer(t, false)
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := client.Request(ctx, "subscribe", map[string]string{"topic": "bars"}, time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var got struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("reply payload not JSON: %v", err)
	}
	if !got.OK {
		t.Errorf("reply payload = %s, want ok=true", payload)
	}
}

func TestClient_RequestReplyError(t *testing.T) {
	server := echoReplyServer(t, true)
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := client.Request(context.Background(), "subscribe", nil, time.Second)
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("err = %v, want *ReplyError", err)
	}
	if replyErr.Error() != "reply error: bad request" {
		t.Errorf("Error() = %q", replyErr.Error())
	}
}

func TestClient_RequestContextCanceled(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Request(ctx, "subscribe", nil, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got := client.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestClient_DuplicateRequestID(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), nil)

	first, _ := client.Send("a", nil, SendOptions{RequestID: "dup", ExpectReply: true, Timeout: time.Minute})
	second, _ := client.Send("a", nil, SendOptions{RequestID: "dup", ExpectReply: true, Timeout: 20 * time.Millisecond})

	select {
	case r := <-first:
		if !errors.Is(r.Err, ErrDuplicateRequest) {
			t.Errorf("first Err = %v, want ErrDuplicateRequest", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("first request not rejected")
	}

	select {
	case r := <-second:
		if !errors.Is(r.Err, ErrRequestTimeout) {
			t.Errorf("second Err = %v, want ErrRequestTimeout", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("second request never timed out")
	}
}

func TestClient_Dispatch(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"type":"pong","ts":1}`,
			`not json`,
			`[1,2,3]`,
			`{"type":"tick","payload":{"price":1}}`,
			`{"t":"partial_bar","symbol":"BTCUSD"}`,
			`{"type":"done"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	defer client.Disconnect()

	var mu sync.Mutex
	var raw, typed, anyTypes []string
	done := make(chan struct{})

	client.SubscribeRaw(func(m TimestampedMessage) {
		mu.Lock()
		raw = append(raw, string(m.Data))
		mu.Unlock()
	})
	client.Subscribe("tick", func(e Envelope) {
		mu.Lock()
		typed = append(typed, e.Type)
		mu.Unlock()
	})
	client.Subscribe("pong", func(e Envelope) {
		t.Error("pong must not reach typed listeners")
	})
	client.SubscribeAll(func(e Envelope) {
		mu.Lock()
		anyTypes = append(anyTypes, e.Type)
		mu.Unlock()
		if e.Type == "done" {
			close(done)
		}
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()

	// pong, array, tick, partial_bar, done
	if len(raw) != 5 {
		t.Errorf("raw listener got %d frames, want 5: %v", len(raw), raw)
	}
	if len(typed) != 1 || typed[0] != "tick" {
		t.Errorf("typed listener got %v, want [tick]", typed)
	}
	wantAny := []string{"tick", "", "done"}
	if len(anyTypes) != len(wantAny) {
		t.Fatalf("any listener got %v, want %v", anyTypes, wantAny)
	}
	for i := range wantAny {
		if anyTypes[i] != wantAny[i] {
			t.Errorf("any[%d] = %q, want %q", i, anyTypes[i], wantAny[i])
		}
	}
}

func TestClient_ListenerPanicIsolated(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick"}`))
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	defer client.Disconnect()

	got := make(chan struct{}, 1)
	client.Subscribe("tick", func(Envelope) { panic("boom") })
	client.Subscribe("tick", func(Envelope) { got <- struct{}{} })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second listener not called after first panicked")
	}
	if got := client.State(); got != StateOpen {
		t.Errorf("State() = %v, want %v", got, StateOpen)
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), nil)

	calls := 0
	unsub := client.Subscribe("tick", func(Envelope) { calls++ })
	client.handleMessage([]byte(`{"type":"tick"}`), time.Now())

	unsub()
	unsub()
	client.handleMessage([]byte(`{"type":"tick"}`), time.Now())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if got := client.typed.count(); got != 0 {
		t.Errorf("topics after unsubscribe = %d, want 0", got)
	}
}

// countingServer accepts sockets, records the request, and hands each
// connection to handler.
type countingServer struct {
	*httptest.Server
	conns    atomic.Int32
	mu       sync.Mutex
	requests []*http.Request
}

func newCountingServer(t *testing.T, subprotocols []string, handler func(n int32, conn *websocket.Conn)) *countingServer {
	cs := &countingServer{}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: subprotocols,
	}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.requests = append(cs.requests, r)
		cs.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(cs.conns.Add(1), conn)
	}))
	return cs
}

func (cs *countingServer) request(i int) *http.Request {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests[i]
}

func TestClient_ReconnectAfterServerClose(t *testing.T) {
	server := newCountingServer(t, nil, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			return // drop the first connection immediately
		}
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server.Server)), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return server.conns.Load() >= 2 && client.State() == StateOpen
	})

	if got := client.Stats().ReconnectAttempts; got != 0 {
		t.Errorf("ReconnectAttempts after reopen = %d, want 0", got)
	}
}

func TestClient_DisconnectSuppressesReconnect(t *testing.T) {
	server := newCountingServer(t, nil, func(_ int32, conn *websocket.Conn) { drain(conn) })
	defer server.Close()

	client := NewClient(testConfig(wsURL(server.Server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	client.Disconnect()
	time.Sleep(150 * time.Millisecond)

	if got := server.conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
	if got := client.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}

	// Explicit Connect re-enables the client.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer client.Disconnect()
	if got := client.State(); got != StateOpen {
		t.Errorf("State() = %v, want %v", got, StateOpen)
	}
}

func TestClient_PendingRejectedOnClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		// close without replying
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.ReconnectBaseWait = time.Second
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	replies, err := client.Send("subscribe", nil, SendOptions{ExpectReply: true, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case r := <-replies:
		if !errors.Is(r.Err, ErrSocketClosed) {
			t.Errorf("Err = %v, want ErrSocketClosed", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on close")
	}
}

func TestClient_DisconnectRejectsPending(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), nil)

	replies, _ := client.Send("subscribe", nil, SendOptions{ExpectReply: true, Timeout: time.Minute})
	client.Disconnect()

	select {
	case r := <-replies:
		if !errors.Is(r.Err, ErrSocketClosed) {
			t.Errorf("Err = %v, want ErrSocketClosed", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected by Disconnect")
	}

	// Queued frame survives Disconnect.
	if got := client.Stats().Queued; got != 1 {
		t.Errorf("Queued = %d, want 1", got)
	}
}

func TestClient_TokenPlacement(t *testing.T) {
	tokens := TokenFunc(func(context.Context) (string, error) { return "secret", nil })

	tests := []struct {
		name       string
		protocols  []string
		wantQuery  string
		wantHeader string
	}{
		{"no protocols uses query", nil, "secret", "Bearer secret"},
		{"protocols keep query clean", []string{"bars.v1"}, "", "Bearer secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newCountingServer(t, tt.protocols, func(_ int32, conn *websocket.Conn) { drain(conn) })
			defer server.Close()

			cfg := testConfig(wsURL(server.Server))
			cfg.Protocols = tt.protocols
			cfg.TokenProvider = tokens
			client := NewClient(cfg, nil)
			defer client.Disconnect()

			if err := client.Connect(context.Background()); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}

			r := server.request(0)
			if got := r.URL.Query().Get("token"); got != tt.wantQuery {
				t.Errorf("token query = %q, want %q", got, tt.wantQuery)
			}
			if got := r.Header.Get("Authorization"); got != tt.wantHeader {
				t.Errorf("Authorization = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestClient_TokenProviderErrorStillDials(t *testing.T) {
	server := newCountingServer(t, nil, func(_ int32, conn *websocket.Conn) { drain(conn) })
	defer server.Close()

	cfg := testConfig(wsURL(server.Server))
	cfg.TokenProvider = TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("signer unavailable")
	})
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := server.request(0).Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty", got)
	}
}

func TestClient_DialFailureSchedulesReconnect(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	cfg := testConfig(url)
	cfg.ReconnectBaseWait = time.Minute
	cfg.ReconnectMaxWait = time.Minute
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if got := client.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if got := client.Stats().ReconnectAttempts; got != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", got)
	}
}

func TestClient_HeartbeatPing(t *testing.T) {
	pings := make(chan Envelope, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == "ping" {
				select {
				case pings <- env:
				default:
				}
			}
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case env := <-pings:
		if env.V != 1 || env.Ts == 0 {
			t.Errorf("ping = %+v, want v=1 and ts set", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat ping received")
	}
}

func TestClient_IdleTimeoutForcesReconnect(t *testing.T) {
	// Server never sends anything, so the idle clock runs out.
	server := newCountingServer(t, nil, func(_ int32, conn *websocket.Conn) { drain(conn) })
	defer server.Close()

	cfg := testConfig(wsURL(server.Server))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.IdleTimeout = 50 * time.Millisecond
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return server.conns.Load() >= 2 })
}

func TestClient_ReplyWithFractionalTimestamp(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1/unused"), nil)

	replies, err := client.Send("q", nil, SendOptions{RequestID: "r1", ExpectReply: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var typed int
	client.Subscribe("reply", func(e Envelope) { typed++ })

	client.handleMessage([]byte(`{"type":"reply","correlationId":"r1","payload":{"ok":true},"ts":1700000000.123}`), time.Now())

	select {
	case r := <-replies:
		if r.Err != nil {
			t.Fatalf("reply err = %v, want nil", r.Err)
		}
		if string(r.Payload) != `{"ok":true}` {
			t.Errorf("payload = %s, want {\"ok\":true}", r.Payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("reply not resolved")
	}
	if typed != 1 {
		t.Errorf("typed deliveries = %d, want 1", typed)
	}
}

func TestDecodeEnvelope_Tolerant(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Envelope
	}{
		{
			name: "well formed",
			data: `{"v":1,"type":"tick","requestId":"a","correlationId":"b","ts":1700000000123,"topic":"bars"}`,
			want: Envelope{V: 1, Type: "tick", RequestID: "a", CorrelationID: "b", Ts: 1700000000123, Topic: "bars"},
		},
		{
			name: "fractional ts",
			data: `{"type":"reply","correlationId":"r1","ts":1700000000.123}`,
			want: Envelope{Type: "reply", CorrelationID: "r1", Ts: 1700000000},
		},
		{
			name: "string version",
			data: `{"v":"1","type":"tick"}`,
			want: Envelope{V: 1, Type: "tick"},
		},
		{
			name: "numeric topic and object ts",
			data: `{"type":"tick","topic":5,"ts":{"s":1}}`,
			want: Envelope{Type: "tick"},
		},
		{
			name: "non-string type",
			data: `{"type":7,"correlationId":"r2"}`,
			want: Envelope{CorrelationID: "r2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEnvelope([]byte(tt.data))
			if err != nil {
				t.Fatalf("decodeEnvelope failed: %v", err)
			}
			if got.V != tt.want.V || got.Type != tt.want.Type || got.RequestID != tt.want.RequestID ||
				got.CorrelationID != tt.want.CorrelationID || got.Ts != tt.want.Ts || got.Topic != tt.want.Topic {
				t.Errorf("decodeEnvelope = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClient_ArrayFrameReachesRawOnly(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1/unused"), nil)

	var raw, envelopes int
	client.SubscribeRaw(func(TimestampedMessage) { raw++ })
	client.SubscribeAll(func(Envelope) { envelopes++ })

	client.handleMessage([]byte(` [{"type":"tick"}]`), time.Now())
	client.handleMessage([]byte(`42`), time.Now())

	if raw != 1 {
		t.Errorf("raw deliveries = %d, want 1", raw)
	}
	if envelopes != 0 {
		t.Errorf("envelope deliveries = %d, want 0", envelopes)
	}
}

func TestClient_WriteFailureRequeuesInOrder(t *testing.T) {
	var mu sync.Mutex
	var received []string

	server := newCountingServer(t, nil, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			drain(conn)
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, string(data))
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server.Server)), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Break the socket underneath the open session.
	client.mu.Lock()
	sess := client.sess
	client.mu.Unlock()
	sess.conn.UnderlyingConn().Close()

	if err := client.SendRaw(`{"n":1}`); err != nil {
		t.Fatalf("SendRaw 1 failed: %v", err)
	}
	if err := client.SendRaw(`{"n":2}`); err != nil {
		t.Fatalf("SendRaw 2 failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{`{"n":1}`, `{"n":2}`}
	for i := range want {
		if received[i] != want[i] {
			t.Errorf("received[%d] = %s, want %s", i, received[i], want[i])
		}
	}
	if got := server.conns.Load(); got < 2 {
		t.Errorf("connections = %d, want reconnect", got)
	}
}
