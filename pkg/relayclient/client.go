// Package relayclient is the client driver for the snippet relay. It keeps
// one WebSocket connection to the broker, answers role negotiation as a
// client, multiplexes concurrent calls over the connection and dispatches
// worker push events to subscribers.
//
// Example:
//
//	c := relayclient.New("ws://localhost:5234/ws")
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//	c.OnSingleSample(func(p protocol.PushPayload) { ... })
//	ok, err := c.AddSnippet(ctx, "foo")
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"snippet-relay/internal/domain"
	"snippet-relay/internal/usecase/eventbus"
	"snippet-relay/pkg/protocol"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is reported to OnStatusChange handlers whenever either field changes.
type Status struct {
	State           State
	Connected       bool
	WorkerAvailable bool
}

// Client is a relay client driver. It is safe for concurrent use.
type Client struct {
	url          string
	token        string
	readLimit    int64
	writeTimeout time.Duration
	reconnect    bool
	minBackoff   time.Duration
	maxBackoff   time.Duration
	logger       *slog.Logger

	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	bus     *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex
	notifyMu  sync.Mutex // serializes status transitions and their callbacks

	mu              sync.Mutex
	sess            *session
	state           State
	workerAvailable bool
	statusHandlers  []func(Status)
}

// New creates a client for the broker at url (for example ws://host:5234/ws).
// It does not connect until Connect is called.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		readLimit:    1 << 20,
		writeTimeout: 5 * time.Second,
		minBackoff:   500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.bus = eventbus.New(c.logger, eventbus.WithSynchronous())
	c.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "relay-dial",
		MaxRequests: 1,
		Timeout:     c.maxBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// Status returns the current connection and worker state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	return Status{
		State:           c.state,
		Connected:       c.state == StateConnected,
		WorkerAvailable: c.workerAvailable,
	}
}

// OnStatusChange registers fn to be called after every status change.
// Handlers must not call Connect or Close.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	c.statusHandlers = append(c.statusHandlers, fn)
	c.mu.Unlock()
}

// update applies mutate and notifies handlers if the visible status changed.
func (c *Client) update(mutate func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	before := c.statusLocked()
	mutate()
	after := c.statusLocked()
	handlers := append([]func(Status){}, c.statusHandlers...)
	c.mu.Unlock()

	if before == after {
		return
	}
	for _, h := range handlers {
		h(after)
	}
}

// Connect dials the broker and returns once role negotiation has finished
// and the worker state is known. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.ctx.Err() != nil {
		return domain.ErrConnectionClosed
	}
	c.mu.Lock()
	connected := c.sess != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	c.update(func() { c.state = StateConnecting })

	ws, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		return c.dial(ctx)
	})
	if err != nil {
		c.update(func() { c.state = StateDisconnected })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("relayclient: dial %s: circuit open: %w", c.url, err)
		}
		return fmt.Errorf("relayclient: dial %s: %w", c.url, err)
	}

	sess := newSession(ws)
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	go c.readLoop(sess)

	select {
	case <-sess.ready:
		c.logger.Info("connected to broker", "url", c.url, "worker_available", c.Status().WorkerAvailable)
		return nil
	case <-sess.done:
		return domain.WrapOp("relayclient.Connect", domain.ErrConnectionClosed)
	case <-ctx.Done():
		ws.Close(websocket.StatusNormalClosure, "connect cancelled")
		<-sess.done
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{}
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(c.readLimit)
	return ws, nil
}

// Close disconnects and stops reconnecting. In-flight calls fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		sess.ws.Close(websocket.StatusNormalClosure, "")
		<-sess.done
	}
	c.bus.Close()
	return nil
}

// Call invokes fn on the worker with args and returns the worker's result.
// Calls are independent: many may be in flight and complete in any order.
func (c *Client) Call(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("relayclient: encode %q args: %w", fn, err)
	}
	return c.request(ctx, protocol.MethodAction, protocol.Call{Fn: fn, Args: raw})
}

func (c *Client) request(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil, domain.ErrConnectionClosed
	}
	return c.requestOn(ctx, sess, method, payload)
}

func (c *Client) requestOn(ctx context.Context, sess *session, method string, payload any) (json.RawMessage, error) {
	id, ch, err := sess.register()
	if err != nil {
		return nil, err
	}
	f, err := protocol.NewRequest(id, method, payload)
	if err != nil {
		sess.unregister(id)
		return nil, err
	}
	if err := c.write(sess, f); err != nil {
		sess.unregister(id)
		return nil, fmt.Errorf("relayclient: send %s: %w", method, domain.ErrConnectionClosed)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, domain.ErrConnectionClosed
		}
		if resp.Failed() {
			return nil, domain.ErrorFromWire(resp.Code, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		sess.unregister(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(sess *session, f protocol.Frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, sess.ws, f)
}

func (c *Client) readLoop(sess *session) {
	var err error
	for {
		var f protocol.Frame
		if err = wsjson.Read(c.ctx, sess.ws, &f); err != nil {
			break
		}
		switch f.Type {
		case protocol.FrameTypeRequest:
			c.handleRequest(sess, f)
		case protocol.FrameTypeResponse:
			if !sess.deliver(f) {
				c.logger.Debug("unmatched response ignored", "id", f.ID, "method", f.Method)
			}
		case protocol.FrameTypeEvent:
			c.handleEvent(f)
		}
	}
	c.drop(sess, err)
}

func (c *Client) handleRequest(sess *session, f protocol.Frame) {
	if f.Method != protocol.MethodRole {
		resp := protocol.NewErrorResponse(f, string(domain.CodeRPCMethodNotFound), domain.ErrRPCMethodNotFound.Error())
		if err := c.write(sess, resp); err != nil {
			c.logger.Debug("error response not sent", "method", f.Method, "error", err)
		}
		return
	}

	answer, _ := json.Marshal(protocol.RoleClient)
	if err := c.write(sess, protocol.NewResponse(f, answer)); err != nil {
		c.logger.Warn("role answer not sent", "error", err)
		sess.ws.CloseNow()
		return
	}
	go c.initStatus(sess)
}

// initStatus asks the broker whether a worker is present. The reply is
// ordered after the role answer, so the session is fully negotiated once
// it arrives. A session whose status is unknown is closed, which ends the
// pending Connect.
func (c *Client) initStatus(sess *session) {
	raw, err := c.requestOn(c.ctx, sess, protocol.MethodStatus, nil)
	if err != nil {
		c.logger.Warn("status query failed, closing connection", "error", err)
		sess.ws.CloseNow()
		return
	}
	var st protocol.StatusResult
	if err := json.Unmarshal(raw, &st); err != nil {
		c.logger.Warn("invalid status reply, closing connection", "error", err)
		sess.ws.CloseNow()
		return
	}
	c.update(func() {
		c.state = StateConnected
		c.workerAvailable = st.WorkerAvailable
	})
	sess.markReady()
}

func (c *Client) handleEvent(f protocol.Frame) {
	switch f.Method {
	case protocol.EventServerOK:
		c.update(func() { c.workerAvailable = true })
	case protocol.EventNoServer:
		c.update(func() { c.workerAvailable = false })
	default:
		if !c.bus.HasSubscribers(domain.EventType(f.Method)) {
			c.logger.Debug("push dropped, no subscriber", "event", f.Method)
			return
		}
		c.bus.Publish(c.ctx, domain.Event{
			Type:      domain.EventType(f.Method),
			Timestamp: time.Now(),
			Payload:   f.Payload,
		})
	}
}

// drop tears down a finished session and fails its pending calls.
func (c *Client) drop(sess *session, cause error) {
	n := sess.failAll()
	sess.ws.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	c.update(func() {
		c.state = StateDisconnected
		c.workerAvailable = false
	})
	close(sess.done)

	closing := c.ctx.Err() != nil
	if !closing {
		c.logger.Warn("disconnected from broker", "pending", n, "error", cause)
	}
	// A session that never became ready is retried by whoever called Connect.
	if c.reconnect && !closing && sess.isReady() {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	delay := c.minBackoff
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		err := c.Connect(c.ctx)
		if err == nil || c.ctx.Err() != nil {
			return
		}
		c.logger.Debug("reconnect failed", "error", err, "retry_in", delay)
		delay = min(delay*2, c.maxBackoff)
	}
}

// Subscribe registers handler for push events named event. Events without
// a subscriber are dropped. Handlers run in arrival order on the read loop
// and must not block.
func (c *Client) Subscribe(event string, handler func(payload json.RawMessage)) (unsubscribe func()) {
	return c.bus.Subscribe(domain.EventType(event), func(_ context.Context, e domain.Event) {
		handler(e.Payload)
	})
}

// OnSingleSample subscribes to incremental sampler results.
func (c *Client) OnSingleSample(handler func(protocol.PushPayload)) (unsubscribe func()) {
	return c.subscribePush(protocol.EventSingleSample, handler)
}

// OnSamplerComplete subscribes to the terminal sampler result.
func (c *Client) OnSamplerComplete(handler func(protocol.PushPayload)) (unsubscribe func()) {
	return c.subscribePush(protocol.EventSamplerComplete, handler)
}

func (c *Client) subscribePush(event string, handler func(protocol.PushPayload)) func() {
	return c.Subscribe(event, func(raw json.RawMessage) {
		var p protocol.PushPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Warn("invalid push payload", "event", event, "error", err)
			return
		}
		handler(p)
	})
}
