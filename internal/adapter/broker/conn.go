package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"snippet-relay/internal/domain"
	"snippet-relay/pkg/protocol"
)

// conn is one WebSocket session. All outbound frames go through sendCh,
// which the write loop drains. Events are dropped when the queue is full;
// replies wait up to writeTimeout for room and otherwise end the session.
type conn struct {
	id           string
	remoteAddr   string
	client       *ClientInfo
	ws           *websocket.Conn
	sendCh       chan protocol.Frame
	done         chan struct{}
	closeOnce    sync.Once
	limiter      *rate.Limiter // nil when call rate limiting is off
	writeTimeout time.Duration
	dropped      *atomic.Uint64
	logger       *slog.Logger
}

func (c *conn) ID() string         { return c.id }
func (c *conn) RemoteAddr() string { return c.remoteAddr }

// Notify enqueues an event frame.
func (c *conn) Notify(event string, payload json.RawMessage) error {
	return c.enqueue(protocol.NewEvent(event, payload))
}

// Request enqueues a request frame.
func (c *conn) Request(id uint64, method string, payload json.RawMessage) error {
	return c.enqueue(protocol.Frame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Payload: payload})
}

func (c *conn) respond(req protocol.Frame, result json.RawMessage) {
	c.reply(protocol.NewResponse(req, result), c.writeTimeout)
}

func (c *conn) respondError(req protocol.Frame, err error) {
	c.reply(protocol.NewErrorResponse(req, string(domain.ErrorCodeOf(err)), err.Error()), c.writeTimeout)
}

// reply queues a response frame. A response is never discarded while the
// session lives: if no room frees up within wait the session is closed, so
// the peer fails its outstanding requests instead of waiting on them.
// A zero wait gives up at once, for callers holding a lock.
func (c *conn) reply(f protocol.Frame, wait time.Duration) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.sendCh <- f:
		return
	default:
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case c.sendCh <- f:
			return
		case <-c.done:
			return
		case <-timer.C:
		}
	}
	c.logger.Warn("reply queue stalled, closing connection",
		"conn_id", c.id, "frame_id", f.ID, "method", f.Method, "queue", cap(c.sendCh))
	c.close()
	c.ws.CloseNow()
}

func (c *conn) enqueue(f protocol.Frame) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("send queue full (%d frames)", cap(c.sendCh))
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
