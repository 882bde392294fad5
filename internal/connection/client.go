package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client owns one logical WebSocket connection to the bar stream server.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	dialer  *websocket.Dialer
	backoff Backoff

	// Connection state
	mu             sync.Mutex
	state          State
	sess           *session
	outbox         *outbox
	pending        map[string]*pendingRequest
	attempts       int
	userClosed     bool
	reconnectTimer *time.Timer

	// Unix nanos of the last inbound frame (idle detection)
	lastMessageAt atomic.Int64

	// Listeners
	typed  *topicRegistry
	any    registry[Handler]
	raw    registry[RawHandler]
	status registry[StatusHandler]
}

// session is one physical socket. A new session is created per successful dial.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	done         chan struct{}
	stopOnce     sync.Once
}

// pendingRequest waits for the reply matching its id.
type pendingRequest struct {
	id      string
	replies chan Reply
	timer   *time.Timer
}

// NewClient creates a new client. It does not dial until Connect is called.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     cfg.Protocols,
		},
		backoff: Backoff{
			Base:   cfg.ReconnectBaseWait,
			Max:    cfg.ReconnectMaxWait,
			Jitter: cfg.ReconnectJitter,
		},
		state:   StateIdle,
		outbox:  newOutbox(cfg.OutboxSize),
		pending: make(map[string]*pendingRequest),
		typed:   newTopicRegistry(),
	}
	c.lastMessageAt.Store(time.Now().UnixNano())
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns current client statistics.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		State:             c.state,
		Queued:            c.outbox.Len(),
		Pending:           len(c.pending),
		ReconnectAttempts: c.attempts,
		Requeued:          c.outbox.totalRequeued,
		OutboxResizes:     c.outbox.resizeCount,
	}
}

// Connect establishes the WebSocket connection. It is a no-op while the
// client is already connecting or open. A dial failure is logged, returned,
// and handled like a close: a reconnect is scheduled.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// Disconnect closes the connection and suppresses auto-reconnect until the
// next Connect. Outstanding requests are rejected with ErrSocketClosed;
// queued frames stay in the outbox.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.attempts = 0
	c.stopReconnectTimerLocked()

	sess := c.sess
	c.sess = nil
	if sess != nil {
		sess.stop()
	}
	active := c.state == StateConnecting || c.state == StateOpen
	if active {
		c.state = StateClosing
	}
	pending := c.takePendingLocked()
	c.mu.Unlock()

	if active {
		c.notifyStatus(StateClosing)
	}
	if sess != nil {
		sess.close()
	}
	if active {
		c.mu.Lock()
		closed := c.state == StateClosing
		if closed {
			c.state = StateClosed
		}
		c.mu.Unlock()
		if closed {
			c.notifyStatus(StateClosed)
		}
	}

	rejectAll(pending, ErrSocketClosed)
	c.logger.Info("websocket disconnected", "url", c.cfg.URL)
}

// Subscribe registers handler for envelopes whose type equals msgType.
func (c *Client) Subscribe(msgType string, handler Handler) func() {
	return c.typed.add(msgType, handler)
}

// SubscribeAll registers handler for every envelope, typed or not.
func (c *Client) SubscribeAll(handler Handler) func() {
	return c.any.add(handler)
}

// SubscribeRaw registers handler for every parsed inbound JSON object or array.
func (c *Client) SubscribeRaw(handler RawHandler) func() {
	return c.raw.add(handler)
}

// OnStatusChange registers fn for every state transition.
func (c *Client) OnStatusChange(fn StatusHandler) func() {
	return c.status.add(fn)
}

// Send wraps payload in a {v:1,type,requestId,payload,ts} envelope and
// enqueues it. With ExpectReply the returned channel receives exactly one
// Reply: the payload of the frame whose correlationId matches, or an error
// on reply error, timeout, or connection loss. Without it the channel is nil.
func (c *Client) Send(msgType string, payload any, opts SendOptions) (<-chan Reply, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	data, err := json.Marshal(outboundEnvelope{
		V:         1,
		Type:      msgType,
		RequestID: requestID,
		Payload:   payload,
		Ts:        time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	var replies chan Reply
	if opts.ExpectReply {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = c.cfg.RequestTimeout
		}
		replies = make(chan Reply, 1)
		c.addPending(requestID, replies, timeout)
	}

	c.enqueue(data)

	if !opts.ExpectReply {
		return nil, nil
	}
	return replies, nil
}

// Request sends an envelope and waits for its reply, the request timeout,
// connection loss, or ctx cancellation.
func (c *Client) Request(ctx context.Context, msgType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	requestID := uuid.NewString()
	replies, err := c.Send(msgType, payload, SendOptions{
		RequestID:   requestID,
		ExpectReply: true,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-replies:
		return r.Payload, r.Err
	case <-ctx.Done():
		c.dropPending(requestID)
		return nil, ctx.Err()
	}
}

// SendRaw enqueues frame verbatim, bypassing the envelope. Byte slices,
// strings, and json.RawMessage are sent as-is; anything else is marshaled.
func (c *Client) SendRaw(frame any) error {
	var data []byte
	switch f := frame.(type) {
	case []byte:
		data = bytes.Clone(f)
	case json.RawMessage:
		data = bytes.Clone(f)
	case string:
		data = []byte(f)
	default:
		var err error
		data, err = json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal raw frame: %w", err)
		}
	}

	c.enqueue(data)
	return nil
}

// connect dials unless already connecting/open. Reconnect timers call it
// with explicit=false so a concurrent Disconnect wins.
func (c *Client) connect(ctx context.Context, explicit bool) error {
	c.mu.Lock()
	if explicit {
		c.userClosed = false
	} else if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnectTimerLocked()
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyStatus(StateConnecting)

	target, header, err := c.dialTarget(ctx)
	if err != nil {
		c.logger.Error("invalid websocket url", "url", c.cfg.URL, "error", err)
		c.handleClose(nil, err)
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		c.logger.Error("failed to create websocket", "url", c.cfg.URL, "error", err)
		c.handleClose(nil, err)
		return fmt.Errorf("dial: %w", err)
	}

	c.handleOpen(conn)
	return nil
}

// dialTarget resolves the bearer token and builds the dial URL and headers.
func (c *Client) dialTarget(ctx context.Context) (string, http.Header, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", nil, fmt.Errorf("parse url: %w", err)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	token := c.resolveToken(ctx)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
		if len(c.cfg.Protocols) == 0 {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}

	return u.String(), header, nil
}

func (c *Client) resolveToken(ctx context.Context) string {
	if c.cfg.TokenProvider == nil {
		return ""
	}
	token, err := c.cfg.TokenProvider.Token(ctx)
	if err != nil {
		c.logger.Warn("token provider failed, connecting without token", "error", err)
		return ""
	}
	return token
}

// handleOpen installs a freshly dialed socket and flushes the outbox.
func (c *Client) handleOpen(conn *websocket.Conn) {
	sess := &session{
		conn:         conn,
		writeTimeout: c.cfg.WriteTimeout,
		done:         make(chan struct{}),
	}

	c.mu.Lock()
	if c.userClosed || c.state != StateConnecting {
		// Disconnect won the race with the dial.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.sess = sess
	c.state = StateOpen
	c.attempts = 0
	c.touch(time.Now())
	queued := c.outbox.Len()
	c.flushLocked()
	c.mu.Unlock()

	c.logger.Info("websocket open", "url", c.cfg.URL, "flushed", queued)
	c.notifyStatus(StateOpen)

	go c.readLoop(sess)
	go c.heartbeatLoop(sess)
}

// handleClose runs when a socket dies (sess != nil) or a dial fails (sess == nil).
func (c *Client) handleClose(sess *session, cause error) {
	c.mu.Lock()
	if sess != nil {
		if c.sess != sess {
			// Already detached by Disconnect.
			c.mu.Unlock()
			return
		}
		c.sess = nil
		sess.stop()
	} else if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	pending := c.takePendingLocked()
	reconnect := !c.userClosed
	c.mu.Unlock()

	if sess != nil {
		sess.conn.Close()
	}

	c.logger.Info("websocket closed", "error", cause, "pending_rejected", len(pending))
	c.notifyStatus(StateClosed)
	rejectAll(pending, ErrSocketClosed)

	if reconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer with the next backoff delay.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userClosed || c.state != StateClosed {
		return
	}

	c.attempts++
	delay := c.backoff.Delay(c.attempts)
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if err := c.connect(context.Background(), false); err != nil {
			c.logger.Debug("reconnect attempt failed", "error", err)
		}
	})

	c.logger.Info("reconnect scheduled",
		"attempt", c.attempts,
		"delay", delay,
	)
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// enqueue writes data now when the socket is open and nothing is queued
// ahead of it; otherwise it joins the outbox.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.sess == nil || c.outbox.Len() > 0 {
		c.outbox.PushBack(data)
		return
	}

	if err := c.sess.write(data); err != nil {
		c.logger.Warn("send failed, frame re-queued", "error", err)
		c.outbox.PushFront(data)
		c.sess.conn.Close()
	}
}

// flushLocked drains the outbox in order, stopping at the first failure.
func (c *Client) flushLocked() {
	for c.sess != nil {
		data, ok := c.outbox.PopFront()
		if !ok {
			return
		}
		if err := c.sess.write(data); err != nil {
			c.outbox.PushFront(data)
			c.logger.Warn("failed flushing frame, re-queued",
				"error", err,
				"queued", c.outbox.Len(),
			)
			c.sess.conn.Close()
			return
		}
	}
}

// readLoop reads frames until the socket fails, then runs the close path.
func (c *Client) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			c.handleClose(sess, err)
			return
		}

		c.handleMessage(data, receivedAt)
	}
}

// heartbeatLoop pings the server and force-closes idle sockets.
func (c *Client) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			idle := time.Since(c.lastMessage())
			if idle > c.cfg.IdleTimeout {
				c.logger.Warn("idle timeout, forcing reconnect",
					"idle", idle,
					"timeout", c.cfg.IdleTimeout,
				)
				sess.conn.Close()
				return
			}

			if !c.isCurrent(sess) {
				return
			}

			ping, _ := json.Marshal(outboundEnvelope{V: 1, Type: "ping", Ts: time.Now().UnixMilli()})
			if err := sess.write(ping); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

func (c *Client) isCurrent(sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess && c.state == StateOpen
}

func (c *Client) touch(t time.Time) {
	c.lastMessageAt.Store(t.UnixNano())
}

func (c *Client) lastMessage() time.Time {
	return time.Unix(0, c.lastMessageAt.Load())
}

// addPending registers a reply waiter with its timeout.
func (c *Client) addPending(id string, replies chan Reply, timeout time.Duration) {
	p := &pendingRequest{id: id, replies: replies}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.pending[id]; ok {
		old.timer.Stop()
		old.replies <- Reply{Err: ErrDuplicateRequest}
	}
	p.timer = time.AfterFunc(timeout, func() { c.expire(p) })
	c.pending[id] = p
}

// expire rejects p with ErrRequestTimeout if it is still pending.
func (c *Client) expire(p *pendingRequest) {
	c.mu.Lock()
	cur, ok := c.pending[p.id]
	if !ok || cur != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.id)
	c.mu.Unlock()

	c.logger.Debug("request timed out", "request_id", p.id)
	p.replies <- Reply{Err: ErrRequestTimeout}
}

// dropPending forgets a request whose caller stopped waiting.
func (c *Client) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

// takePendingLocked empties the pending table and stops every timer.
func (c *Client) takePendingLocked() []*pendingRequest {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		out = append(out, p)
		delete(c.pending, id)
	}
	return out
}

func rejectAll(pending []*pendingRequest, err error) {
	for _, p := range pending {
		p.replies <- Reply{Err: err}
	}
}

func (c *Client) notifyStatus(s State) {
	for _, fn := range c.status.snapshot() {
		c.invoke("status", func() { fn(s) })
	}
}

// invoke runs a listener, isolating panics from the caller and other listeners.
func (c *Client) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("listener panicked", "listener", kind, "panic", r)
		}
	}()
	fn()
}

// write sends one text frame with the write deadline applied.
func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// close sends a normal-closure control frame and closes the socket.
func (s *session) close() {
	s.writeMu.Lock()
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	s.conn.Close()
}
