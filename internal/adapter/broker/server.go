// Package broker is the WebSocket side of the relay. It negotiates each
// connection's role, hands client calls to the router and relays worker
// replies, push events and presence changes back to clients.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"snippet-relay/internal/domain"
	"snippet-relay/internal/infra/middleware"
	"snippet-relay/internal/usecase/presence"
	"snippet-relay/internal/usecase/registry"
	"snippet-relay/internal/usecase/router"
	"snippet-relay/pkg/protocol"
)

// roleQueryID is the request ID of the role query sent on connect.
const roleQueryID = 1

// defaultMaxMessage is the read limit applied when Config.MaxMessage is zero.
const defaultMaxMessage = 1 << 20

// Config holds broker transport settings.
type Config struct {
	Addr           string
	Path           string
	SendQueue      int
	WriteTimeout   time.Duration
	MaxMessage     int64
	AllowedOrigins []string

	// CallRate and CallBurst bound calls per connection. Zero disables the limit.
	CallRate  float64
	CallBurst int

	// ConnectLimit bounds upgrades per client IP. Nil disables the limit.
	ConnectLimit *middleware.ConnectLimitConfig
}

// Deps are the use-case components the broker drives.
type Deps struct {
	Registry *registry.Registry
	Router   *router.Router
	Presence *presence.Broadcaster
	Auth     Authenticator // nil accepts every connection
}

// Server accepts relay connections over WebSocket.
type Server struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	conns     sync.Map // conn ID -> *conn
	httpSrv   *http.Server
	boundAddr atomic.Value
	ready     chan struct{}
	startTime time.Time
	dropped   atomic.Uint64
	accepted  atomic.Uint64
}

// NewServer creates a broker server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = protocol.DefaultPath
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = defaultMaxMessage
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		ready:     make(chan struct{}),
		startTime: time.Now(),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if s.cfg.ConnectLimit != nil {
		upgrade = middleware.NewConnectLimiter(ctx, *s.cfg.ConnectLimit).Middleware(upgrade)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, upgrade)
	mux.Handle("/api/v1/status", middleware.SecurityHeaders(s.statusHandler()))
	mux.Handle("/metrics", middleware.SecurityHeaders(s.metricsHandler()))

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	close(s.ready)

	s.logger.Info("broker started", "addr", s.BoundAddr(), "path", s.cfg.Path)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("broker serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.conns.Range(func(_, value any) bool {
		cc := value.(*conn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "broker shutting down")
		return true
	})

	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var info *ClientInfo
	if s.deps.Auth != nil {
		var err error
		info, err = s.deps.Auth.Authenticate(requestToken(r))
		if err != nil {
			s.logger.Warn("connection rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: append([]string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		}, s.cfg.AllowedOrigins...),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessage)

	cc := &conn{
		id:           ulid.Make().String(),
		remoteAddr:   r.RemoteAddr,
		client:       info,
		ws:           ws,
		sendCh:       make(chan protocol.Frame, s.cfg.SendQueue),
		done:         make(chan struct{}),
		dropped:      &s.dropped,
		writeTimeout: s.cfg.WriteTimeout,
		logger:       s.logger,
	}
	if s.cfg.CallRate > 0 {
		cc.limiter = rate.NewLimiter(rate.Limit(s.cfg.CallRate), max(s.cfg.CallBurst, 1))
	}

	ctx := r.Context()
	if err := s.deps.Registry.Add(ctx, cc); err != nil {
		s.logger.Error("register connection failed", "conn_id", cc.id, "error", err)
		ws.Close(websocket.StatusInternalError, "")
		return
	}
	s.conns.Store(cc.id, cc)
	s.accepted.Add(1)
	s.logger.Info("connection opened", "conn_id", cc.id, "remote_addr", cc.remoteAddr, "client", clientName(info))

	go s.writeLoop(cc)

	if err := cc.Request(roleQueryID, protocol.MethodRole, nil); err != nil {
		s.logger.Warn("role query not sent", "conn_id", cc.id, "error", err)
	}

	s.readLoop(ctx, cc)

	s.disconnect(context.WithoutCancel(ctx), cc)
	ws.Close(websocket.StatusNormalClosure, "")
}

// disconnect removes cc and settles every call that depended on it.
func (s *Server) disconnect(ctx context.Context, cc *conn) {
	cc.close()
	s.conns.Delete(cc.id)

	role, _ := s.deps.Registry.Remove(ctx, cc.id)
	switch role {
	case domain.RoleWorker:
		s.deps.Router.FailWorker(cc.id)
	case domain.RoleClient:
		s.deps.Router.DropCaller(cc.id)
	}
	s.logger.Info("connection closed", "conn_id", cc.id, "role", role.String())
}

func (s *Server) readLoop(ctx context.Context, cc *conn) {
	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, cc.ws, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("read failed", "conn_id", cc.id, "error", err)
			}
			return
		}

		switch f.Type {
		case protocol.FrameTypeRequest:
			s.handleRequest(ctx, cc, f)
		case protocol.FrameTypeResponse:
			s.handleResponse(ctx, cc, f)
		case protocol.FrameTypeEvent:
			s.handleEvent(cc, f)
		default:
			s.logger.Debug("unknown frame type ignored", "conn_id", cc.id, "type", string(f.Type))
		}
	}
}

func (s *Server) writeLoop(cc *conn) {
	for {
		select {
		case <-cc.done:
			return
		case f := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			err := wsjson.Write(ctx, cc.ws, f)
			cancel()
			if err != nil {
				s.logger.Debug("write failed", "conn_id", cc.id, "error", err)
				cc.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, cc *conn, f protocol.Frame) {
	switch f.Method {
	case protocol.MethodAction:
		s.handleCall(ctx, cc, f)
	case protocol.MethodStatus:
		// Answered under the registry lock so the reply is ordered with
		// respect to presence events on this connection's queue.
		s.deps.Registry.WithPresence(func(available bool) {
			payload, _ := json.Marshal(protocol.StatusResult{WorkerAvailable: available})
			cc.reply(protocol.NewResponse(f, payload), 0)
		})
	default:
		cc.respondError(f, domain.NewDomainError("Broker.Request", domain.ErrRPCMethodNotFound, f.Method))
	}
}

func (s *Server) handleCall(ctx context.Context, cc *conn, f protocol.Frame) {
	if cc.limiter != nil && !cc.limiter.Allow() {
		cc.respondError(f, domain.NewDomainError("Broker.Call", domain.ErrRateLimit, cc.id))
		return
	}

	var call protocol.Call
	if err := json.Unmarshal(f.Payload, &call); err != nil || call.Fn == "" {
		cc.respondError(f, domain.NewDomainError("Broker.Call", domain.ErrRPCInvalidPayload, "action needs a non-empty fn"))
		return
	}

	pc, err := s.deps.Router.Route(ctx, cc.id, call)
	if err != nil {
		cc.respondError(f, err)
		return
	}

	go func() {
		select {
		case res := <-pc.Done():
			if res.Err != nil {
				cc.respondError(f, res.Err)
				return
			}
			cc.respond(f, res.Payload)
		case <-cc.done:
		}
	}()
}

func (s *Server) handleResponse(ctx context.Context, cc *conn, f protocol.Frame) {
	if f.Method == protocol.MethodRole {
		s.handleRoleAnswer(ctx, cc, f)
		return
	}
	if s.deps.Registry.Role(cc.id) != domain.RoleWorker {
		s.logger.Debug("response from non-worker ignored", "conn_id", cc.id, "frame_id", f.ID)
		return
	}
	s.deps.Router.Resolve(cc.id, f)
}

func (s *Server) handleRoleAnswer(ctx context.Context, cc *conn, f protocol.Frame) {
	if f.Failed() {
		s.logger.Warn("role query refused", "conn_id", cc.id, "error", f.Error)
		return
	}
	var answer string
	if err := json.Unmarshal(f.Payload, &answer); err != nil {
		s.logger.Warn("invalid role answer", "conn_id", cc.id, "payload", string(f.Payload))
		return
	}
	role, ok := domain.ParseRole(answer)
	if !ok {
		s.logger.Warn("invalid role answer", "conn_id", cc.id, "answer", answer)
		return
	}
	err := s.deps.Registry.AssignRole(ctx, cc.id, role)
	switch {
	case errors.Is(err, domain.ErrRoleConflict):
		payload, _ := json.Marshal(protocol.RoleRejection{Code: string(domain.CodeRoleConflict), Error: err.Error()})
		if nerr := cc.Notify(protocol.EventRoleRejected, payload); nerr != nil {
			s.logger.Warn("role rejection not sent", "conn_id", cc.id, "error", nerr)
		}
	case err != nil:
		s.logger.Warn("role not assigned", "conn_id", cc.id, "error", err)
	}
}

func (s *Server) handleEvent(cc *conn, f protocol.Frame) {
	if s.deps.Registry.Role(cc.id) != domain.RoleWorker {
		s.logger.Debug("event from non-worker ignored", "conn_id", cc.id, "event", f.Method)
		return
	}
	n := s.deps.Registry.BroadcastToClients(f.Method, f.Payload)
	s.logger.Debug("push relayed", "event", f.Method, "delivered", n)
}

func clientName(info *ClientInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}
