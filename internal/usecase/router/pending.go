package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Result is the single outcome of a relayed call.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// PendingCall is one in-flight call. Its result slot is written at most once.
type PendingCall struct {
	ID        uint64
	CallerID  string
	WorkerID  string
	Fn        string
	Args      json.RawMessage
	StartedAt time.Time

	done  chan Result
	once  sync.Once
	timer *time.Timer
	span  trace.Span
}

func newPendingCall(id uint64, callerID, workerID, fn string, args json.RawMessage) *PendingCall {
	return &PendingCall{
		ID:        id,
		CallerID:  callerID,
		WorkerID:  workerID,
		Fn:        fn,
		Args:      args,
		StartedAt: time.Now(),
		done:      make(chan Result, 1),
	}
}

// Done returns a channel that receives the call's result exactly once.
func (pc *PendingCall) Done() <-chan Result {
	return pc.done
}

// Wait blocks until the call completes or ctx is done.
func (pc *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-pc.done:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete fills the result slot. It reports false if the call was already completed.
func (pc *PendingCall) complete(res Result) bool {
	completed := false
	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- res
		completed = true
	})
	return completed
}
