// Package router forwards client calls to the worker and correlates replies.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"snippet-relay/internal/domain"
	"snippet-relay/internal/infra/tracer"
	"snippet-relay/internal/usecase/registry"
	"snippet-relay/pkg/protocol"
)

// Config holds router settings.
type Config struct {
	// CallTimeout fails a call that has not been answered in time. Zero disables it.
	CallTimeout time.Duration
}

// Router owns the table of pending calls keyed by correlation ID.
type Router struct {
	registry *registry.Registry
	bus      domain.EventBus
	config   Config
	logger   *slog.Logger

	// mu guards pending and serialises the worker lookup in Route against
	// FailWorker, so a call is either failed fast or failed on disconnect.
	mu      sync.Mutex
	pending map[uint64]*PendingCall
	nextID  atomic.Uint64

	routed   atomic.Uint64
	resolved atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Router. bus may be nil.
func New(reg *registry.Registry, bus domain.EventBus, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		registry: reg,
		bus:      bus,
		config:   cfg,
		logger:   logger,
		pending:  make(map[uint64]*PendingCall),
	}
}

// Route forwards call from callerID to the current worker. The returned
// PendingCall completes exactly once: with the worker's reply, with
// ErrWorkerDisconnected if the worker drops first, or with ErrTimeout when a
// call timeout is configured.
func (r *Router) Route(ctx context.Context, callerID string, call protocol.Call) (*PendingCall, error) {
	if role := r.registry.Role(callerID); role != domain.RoleClient {
		return nil, domain.NewDomainError("Router.Route", domain.ErrRoleRequired, callerID)
	}

	r.mu.Lock()
	worker, ok := r.registry.Worker()
	if !ok {
		r.mu.Unlock()
		r.failed.Add(1)
		r.logger.Warn("call rejected, no worker", "conn_id", callerID, "fn", call.Fn)
		return nil, domain.NewDomainError("Router.Route", domain.ErrNoWorkerAvailable, call.Fn)
	}
	id := r.nextID.Add(1)
	pc := newPendingCall(id, callerID, worker.ID(), call.Fn, call.Args)
	_, pc.span = tracer.StartCall(ctx, tracer.Call{
		ID:        id,
		Fn:        call.Fn,
		CallerID:  callerID,
		WorkerID:  worker.ID(),
		ArgsBytes: len(call.Args),
	})
	r.pending[id] = pc
	if r.config.CallTimeout > 0 {
		pc.timer = time.AfterFunc(r.config.CallTimeout, func() { r.expire(id) })
	}
	r.mu.Unlock()

	r.routed.Add(1)
	r.logger.Debug("call routed", "call_id", id, "conn_id", callerID, "worker_id", worker.ID(), "fn", call.Fn)
	r.publishEvent(ctx, domain.EventCallRouted, pc, nil)

	payload, err := json.Marshal(call)
	if err == nil {
		err = worker.Request(id, protocol.MethodAction, payload)
	}
	if err != nil {
		r.finish(id, Result{Err: domain.NewDomainError("Router.Route", domain.ErrWorkerDisconnected, err.Error())})
	}
	return pc, nil
}

// Resolve completes the call a worker response refers to. Responses from a
// connection other than the call's worker, or for unknown IDs, are ignored.
func (r *Router) Resolve(workerID string, f protocol.Frame) bool {
	r.mu.Lock()
	pc, ok := r.pending[f.ID]
	if !ok || pc.WorkerID != workerID {
		r.mu.Unlock()
		r.logger.Debug("unmatched response ignored", "call_id", f.ID, "conn_id", workerID)
		return false
	}
	delete(r.pending, f.ID)
	r.mu.Unlock()

	res := Result{Payload: f.Payload}
	if f.Failed() {
		res = Result{Err: domain.ErrorFromWire(f.Code, f.Error)}
	}
	return r.complete(pc, res)
}

// FailWorker fails every call routed to workerID with ErrWorkerDisconnected
// and returns how many were pending.
func (r *Router) FailWorker(workerID string) int {
	r.mu.Lock()
	var calls []*PendingCall
	for id, pc := range r.pending {
		if pc.WorkerID == workerID {
			calls = append(calls, pc)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, pc := range calls {
		r.complete(pc, Result{Err: domain.NewDomainError("Router.FailWorker", domain.ErrWorkerDisconnected, workerID)})
	}
	if len(calls) > 0 {
		r.logger.Warn("worker disconnected with pending calls", "worker_id", workerID, "pending", len(calls))
	}
	return len(calls)
}

// DropCaller discards every call originated by callerID. Nobody is waiting
// for their replies any more.
func (r *Router) DropCaller(callerID string) int {
	r.mu.Lock()
	var calls []*PendingCall
	for id, pc := range r.pending {
		if pc.CallerID == callerID {
			calls = append(calls, pc)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, pc := range calls {
		r.complete(pc, Result{Err: domain.NewDomainError("Router.DropCaller", domain.ErrConnectionClosed, callerID)})
	}
	if len(calls) > 0 {
		r.logger.Debug("caller gone, pending calls discarded", "conn_id", callerID, "pending", len(calls))
	}
	return len(calls)
}

// Pending returns the number of calls awaiting a reply.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Counters returns lifetime routed, resolved and failed call counts.
func (r *Router) Counters() (routed, resolved, failed uint64) {
	return r.routed.Load(), r.resolved.Load(), r.failed.Load()
}

func (r *Router) expire(id uint64) {
	r.logger.Warn("call timed out", "call_id", id, "timeout", r.config.CallTimeout)
	r.finish(id, Result{Err: domain.NewDomainError("Router.Route", domain.ErrTimeout, fmt.Sprintf("no reply after %s", r.config.CallTimeout))})
}

// finish removes id from the table and completes it, if still pending.
func (r *Router) finish(id uint64, res Result) {
	r.mu.Lock()
	pc, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		r.complete(pc, res)
	}
}

func (r *Router) complete(pc *PendingCall, res Result) bool {
	if !pc.complete(res) {
		return false
	}
	if res.Err != nil {
		r.failed.Add(1)
		r.publishEvent(context.Background(), domain.EventCallFailed, pc, res.Err)
	} else {
		r.resolved.Add(1)
		r.publishEvent(context.Background(), domain.EventCallResolved, pc, nil)
	}
	tracer.EndCall(pc.span, res.Err)
	return true
}

func (r *Router) publishEvent(ctx context.Context, eventType domain.EventType, pc *PendingCall, callErr error) {
	if r.bus == nil {
		return
	}
	detail := map[string]string{
		"call_id":   strconv.FormatUint(pc.ID, 10),
		"fn":        pc.Fn,
		"worker_id": pc.WorkerID,
	}
	if callErr != nil {
		detail["error"] = callErr.Error()
		detail["code"] = string(domain.ErrorCodeOf(callErr))
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ConnID:    pc.CallerID,
		Payload:   payload,
	})
}
