package chatwire

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the real-time channel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	// RequestTimeout bounds socket request/response operations before callers
	// fall back to REST.
	RequestTimeout time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// ConnState is the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// EventHandler receives a server-pushed event.
type EventHandler func(event string, payload json.RawMessage)

// Unsubscribe removes a previously registered handler. Safe to call more
// than once.
type Unsubscribe func()

// ============================================================================
// Dispatcher
// ============================================================================

// dispatcher routes envelopes to registered handlers. Handlers are keyed so a
// subscription can be removed exactly; without removal, re-subscribing after
// a teardown stacks handlers and every event gets applied twice.
type dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]EventHandler
	state    map[int]func(ConnState)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string]map[int]EventHandler),
		state:    make(map[int]func(ConnState)),
	}
}

func (d *dispatcher) subscribe(event string, h EventHandler) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]EventHandler)
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[event], id)
	}
}

func (d *dispatcher) onState(h func(ConnState)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.state[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.state, id)
	}
}

// dispatch runs handlers synchronously on the read loop, so each handler runs
// to completion before the next event is applied.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	hs := make([]EventHandler, 0, len(d.handlers[env.Event]))
	for _, h := range d.handlers[env.Event] {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(env.Event, env.Payload)
	}
}

func (d *dispatcher) dispatchState(s ConnState) {
	d.mu.Lock()
	hs := make([]func(ConnState), 0, len(d.state))
	for _, h := range d.state {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single real-time connection of the process. All
// consumers share it, each holding its own Unsubscribe handles.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	disp  *dispatcher
	recon *reconnector

	reqCounter int
	pendingMu  sync.Mutex
	pending    map[string]chan json.RawMessage
}

func newRealtimeClient(baseURL string, cfg *RealtimeConfig, log *zap.Logger) *RealtimeClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeClient{
		baseURL: baseURL,
		config:  cfg,
		log:     log,
		state:   StateDisconnected,
		disp:    newDispatcher(),
		recon:   newReconnector(cfg),
		pending: make(map[string]chan json.RawMessage),
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Subscribe registers a handler for a named server-pushed event. Multiple
// handlers per event are allowed; the returned Unsubscribe must be invoked on
// teardown before any re-subscription.
func (rt *RealtimeClient) Subscribe(event string, h EventHandler) Unsubscribe {
	return rt.disp.subscribe(event, h)
}

// OnStateChange registers a handler for connection state transitions.
func (rt *RealtimeClient) OnStateChange(h func(ConnState)) Unsubscribe {
	return rt.disp.onState(h)
}

// Connect establishes the websocket connection. Re-entrant: if a connection
// is live or already being established, it is reused.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	if rt.config.Token == "" {
		return &AuthError{Reason: "missing credential"}
	}

	rt.mu.Lock()
	switch rt.state {
	case StateConnected, StateConnecting, StateReconnecting:
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()
	rt.disp.dispatchState(StateConnecting)

	if err := rt.dial(ctx); err != nil {
		rt.setState(StateDisconnected)
		return err
	}
	return nil
}

// dial performs one connection attempt: websocket handshake, auth frame,
// then starts the read and heartbeat loops. It only mutates state on success.
func (rt *RealtimeClient) dial(ctx context.Context) error {
	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return &NetworkError{Op: "websocket dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	// The server's first frame acknowledges authentication or rejects the
	// credential.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return &NetworkError{Op: "read auth frame", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return &AuthError{Reason: fmt.Sprintf("expected 'authenticated', got %q", env.Event)}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()
	rt.log.Info("realtime connected")
	rt.disp.dispatchState(StateConnected)

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection and suppresses reconnection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPending()
	rt.disp.dispatchState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a fire-and-forget event. It silently no-ops when the connection
// is down; callers must not rely on delivery.
func (rt *RealtimeClient) Emit(ctx context.Context, event string, payload interface{}) {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		rt.log.Warn("emit payload not serializable", zap.String("event", event), zap.Error(err))
		return
	}
	data, _ := json.Marshal(Envelope{Event: event, Payload: raw})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		rt.log.Debug("emit dropped", zap.String("event", event), zap.Error(err))
	}
}

// Request sends an event carrying a request id and waits for the server's
// reply to that id, up to the configured RequestTimeout. Callers fall back to
// REST on timeout.
func (rt *RealtimeClient) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	rt.mu.Lock()
	conn := rt.conn
	rt.reqCounter++
	requestID := fmt.Sprintf("req-%d", rt.reqCounter)
	rt.mu.Unlock()
	if conn == nil {
		return nil, &NetworkError{Op: "request " + event, Err: fmt.Errorf("not connected")}
	}

	ch := make(chan json.RawMessage, 1)
	rt.pendingMu.Lock()
	rt.pending[requestID] = ch
	rt.pendingMu.Unlock()
	drop := func() {
		rt.pendingMu.Lock()
		delete(rt.pending, requestID)
		rt.pendingMu.Unlock()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		drop()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data, _ := json.Marshal(Envelope{Event: event, Payload: raw, RequestID: requestID})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		drop()
		return nil, &NetworkError{Op: "request " + event, Err: err}
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, &NetworkError{Op: "request " + event, Err: fmt.Errorf("connection lost")}
		}
		return reply, nil
	case <-time.After(rt.config.RequestTimeout):
		drop()
		return nil, &NetworkError{Op: "request " + event, Err: fmt.Errorf("timeout after %s", rt.config.RequestTimeout)}
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.conn = nil
			}
			retry := !intentional && rt.config.AutoReconnect && rt.recon.shouldReconnect()
			if !intentional {
				if retry {
					rt.state = StateReconnecting
				} else {
					rt.state = StateDisconnected
				}
			}
			rt.mu.Unlock()
			rt.clearPending()
			if intentional {
				return
			}

			rt.log.Warn("realtime connection lost", zap.Error(err))
			if retry {
				rt.disp.dispatchState(StateReconnecting)
				rt.reconnectLoop()
			} else {
				rt.disp.dispatchState(StateDisconnected)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.RequestID != "" {
			rt.pendingMu.Lock()
			ch, ok := rt.pending[env.RequestID]
			if ok {
				delete(rt.pending, env.RequestID)
			}
			rt.pendingMu.Unlock()
			if ok {
				ch <- env.Payload
				continue
			}
		}

		rt.disp.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if _, err := rt.Request(ctx, "ping", map[string]string{}); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// reconnectLoop retries dial with backoff until it succeeds or attempts are
// exhausted, at which point the state settles on disconnected and consumers
// fall back to polling.
func (rt *RealtimeClient) reconnectLoop() {
	for rt.recon.shouldReconnect() {
		delay := rt.recon.nextDelay()
		rt.log.Info("realtime reconnecting",
			zap.Int("attempt", rt.recon.attempt),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.mu.Unlock()

		if err := rt.dial(context.Background()); err == nil {
			return
		}
	}
	rt.setState(StateDisconnected)
	rt.log.Warn("realtime reconnect attempts exhausted")
}

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	changed := rt.state != s
	rt.state = s
	rt.mu.Unlock()
	if changed {
		rt.disp.dispatchState(s)
	}
}

func (rt *RealtimeClient) clearPending() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pending {
		close(ch)
		delete(rt.pending, k)
	}
	rt.pendingMu.Unlock()
}
