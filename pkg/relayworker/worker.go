// Package relayworker is the worker side of the snippet relay. A Worker
// connects to the broker, claims the worker role and serves calls from a
// table of named handlers. It can push events to every connected client.
//
// Example:
//
//	w := relayworker.New("ws://localhost:5234/ws")
//	w.Handle(protocol.FnSamplerRunning, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
//	    return json.Marshal(false)
//	})
//	err := w.Run(ctx)
package relayworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"snippet-relay/internal/domain"
	"snippet-relay/pkg/protocol"
)

// Handler serves one call. A returned error is reported to the caller.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Worker serves relay calls from registered handlers.
type Worker struct {
	url       string
	token     string
	readLimit int64
	logger    *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	ws        *websocket.Conn
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a worker for the broker at url.
func New(url string, opts ...Option) *Worker {
	w := &Worker{
		url:       url,
		readLimit: 1 << 20,
		logger:    slog.Default(),
		handlers:  make(map[string]Handler),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the handler for fn, replacing any previous one.
func (w *Worker) Handle(fn string, h Handler) {
	w.mu.Lock()
	w.handlers[fn] = h
	w.mu.Unlock()
	w.logger.Debug("handler registered", "fn", fn)
}

// Functions returns the registered function names, sorted.
func (w *Worker) Functions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.handlers))
	for fn := range w.handlers {
		names = append(names, fn)
	}
	sort.Strings(names)
	return names
}

// Ready is closed once the worker has answered the broker's role query.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Run connects and serves calls until ctx is cancelled or the connection
// drops. In-flight handlers see their context cancelled when Run returns.
// If the broker already has a worker, Run returns an error wrapping
// ErrRoleConflict.
func (w *Worker) Run(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if w.token != "" {
		opts.HTTPHeader = http.Header{}
		opts.HTTPHeader.Set("Authorization", "Bearer "+w.token)
	}
	ws, _, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		return fmt.Errorf("relayworker: dial %s: %w", w.url, err)
	}
	ws.SetReadLimit(w.readLimit)
	defer ws.Close(websocket.StatusNormalClosure, "")

	w.mu.Lock()
	w.ws = ws
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.ws = nil
		w.mu.Unlock()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("relayworker: read: %w", err)
		}
		if f.Type == protocol.FrameTypeEvent && f.Method == protocol.EventRoleRejected {
			var rej protocol.RoleRejection
			if err := json.Unmarshal(f.Payload, &rej); err != nil {
				return fmt.Errorf("relayworker: role rejected: %w", domain.ErrRoleConflict)
			}
			return fmt.Errorf("relayworker: %w", domain.ErrorFromWire(rej.Code, rej.Error))
		}
		if f.Type != protocol.FrameTypeRequest {
			continue
		}

		switch f.Method {
		case protocol.MethodRole:
			answer, _ := json.Marshal(protocol.RoleWorker)
			if err := w.send(ctx, ws, protocol.NewResponse(f, answer)); err != nil {
				return err
			}
			w.readyOnce.Do(func() { close(w.ready) })
			w.logger.Info("role answered", "role", protocol.RoleWorker, "url", w.url)
		case protocol.MethodAction:
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.serve(ctx, ws, f)
			}()
		default:
			resp := protocol.NewErrorResponse(f, string(domain.CodeRPCMethodNotFound), domain.ErrRPCMethodNotFound.Error())
			if err := w.send(ctx, ws, resp); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) serve(ctx context.Context, ws *websocket.Conn, req protocol.Frame) {
	var call protocol.Call
	if err := json.Unmarshal(req.Payload, &call); err != nil {
		w.reply(ctx, ws, protocol.NewErrorResponse(req, string(domain.CodeRPCInvalidPayload), err.Error()))
		return
	}

	w.mu.RLock()
	h, ok := w.handlers[call.Fn]
	w.mu.RUnlock()
	if !ok {
		w.reply(ctx, ws, protocol.NewErrorResponse(req, string(domain.CodeRPCMethodNotFound),
			fmt.Sprintf("function %q not registered", call.Fn)))
		return
	}

	start := time.Now()
	result, err := h(ctx, call.Args)
	if err != nil {
		code := domain.ErrorCodeOf(err)
		if code == domain.CodeUnknown {
			code = domain.CodeWorkerCallFailed
		}
		w.logger.Debug("call failed", "fn", call.Fn, "error", err)
		w.reply(ctx, ws, protocol.NewErrorResponse(req, string(code), err.Error()))
		return
	}
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	w.logger.Debug("call served", "fn", call.Fn, "duration", time.Since(start))
	w.reply(ctx, ws, protocol.NewResponse(req, result))
}

func (w *Worker) reply(ctx context.Context, ws *websocket.Conn, f protocol.Frame) {
	if err := w.send(ctx, ws, f); err != nil {
		w.logger.Warn("reply not sent", "id", f.ID, "error", err)
	}
}

func (w *Worker) send(ctx context.Context, ws *websocket.Conn, f protocol.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws, f)
}

// Push sends a push event to every client through the broker.
func (w *Worker) Push(ctx context.Context, event string, p protocol.PushPayload) error {
	w.mu.RLock()
	ws := w.ws
	w.mu.RUnlock()
	if ws == nil {
		return domain.ErrConnectionClosed
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("relayworker: encode %q: %w", event, err)
	}
	if err := w.send(ctx, ws, protocol.NewEvent(event, raw)); err != nil {
		return errors.Join(domain.ErrConnectionClosed, err)
	}
	return nil
}
