package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"snippet-relay/internal/domain"
	"snippet-relay/internal/usecase/eventbus"
	"snippet-relay/internal/usecase/presence"
	"snippet-relay/internal/usecase/registry"
	"snippet-relay/internal/usecase/router"
	"snippet-relay/pkg/protocol"
)

func startTestServer(t *testing.T, auth Authenticator) *Server {
	t.Helper()
	logger := slog.Default()
	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	pres := presence.New(logger)
	reg := registry.New(pres, bus, logger)
	rt := router.New(reg, bus, router.Config{}, logger)

	srv := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{Registry: reg, Router: rt, Presence: pres, Auth: auth}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server did not start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}
	return srv
}

type endpoint struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *Server, opts *websocket.DialOptions) *endpoint {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", opts)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return &endpoint{t: t, ws: ws}
}

func (e *endpoint) read() protocol.Frame {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f protocol.Frame
	require.NoError(e.t, wsjson.Read(ctx, e.ws, &f))
	return f
}

func (e *endpoint) write(f protocol.Frame) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(e.t, wsjson.Write(ctx, e.ws, f))
}

// negotiate answers the broker's role query.
func (e *endpoint) negotiate(role string) {
	e.t.Helper()
	q := e.read()
	require.Equal(e.t, protocol.FrameTypeRequest, q.Type)
	require.Equal(e.t, protocol.MethodRole, q.Method)
	answer, _ := json.Marshal(role)
	e.write(protocol.NewResponse(q, answer))
}

func (e *endpoint) call(id uint64, fn string, args any) {
	e.t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(e.t, err)
	f, err := protocol.NewRequest(id, protocol.MethodAction, protocol.Call{Fn: fn, Args: raw})
	require.NoError(e.t, err)
	e.write(f)
}

func (e *endpoint) status() bool {
	e.t.Helper()
	e.write(protocol.Frame{Type: protocol.FrameTypeRequest, ID: 99, Method: protocol.MethodStatus})
	resp := e.read()
	require.Equal(e.t, protocol.MethodStatus, resp.Method)
	var st protocol.StatusResult
	require.NoError(e.t, json.Unmarshal(resp.Payload, &st))
	return st.WorkerAvailable
}

func TestRelayScenario(t *testing.T) {
	srv := startTestServer(t, nil)

	client := dial(t, srv, nil)
	client.negotiate(protocol.RoleClient)
	assert.False(t, client.status())

	// No worker yet.
	client.call(7, protocol.FnListSnippets, map[string]any{})
	resp := client.read()
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, string(domain.CodeNoWorker), resp.Code)

	worker := dial(t, srv, nil)
	worker.negotiate(protocol.RoleWorker)

	ev := client.read()
	assert.Equal(t, protocol.FrameTypeEvent, ev.Type)
	assert.Equal(t, protocol.EventServerOK, ev.Method)
	assert.True(t, client.status())

	// Call relayed with the router's ID, reply relayed with the client's ID.
	client.call(8, protocol.FnAddSnippet, map[string]string{"name": "a"})
	req := worker.read()
	require.Equal(t, protocol.MethodAction, req.Method)
	var call protocol.Call
	require.NoError(t, json.Unmarshal(req.Payload, &call))
	assert.Equal(t, protocol.FnAddSnippet, call.Fn)
	assert.JSONEq(t, `{"name":"a"}`, string(call.Args))
	worker.write(protocol.NewResponse(req, json.RawMessage(`true`)))

	resp = client.read()
	assert.Equal(t, uint64(8), resp.ID)
	assert.Equal(t, protocol.MethodAction, resp.Method)
	assert.False(t, resp.Failed())
	assert.JSONEq(t, `true`, string(resp.Payload))

	// Worker error is relayed as a failed response.
	client.call(9, protocol.FnSnippetTrain, map[string]string{"name": "missing"})
	req = worker.read()
	worker.write(protocol.NewErrorResponse(req, "", "no such snippet"))
	resp = client.read()
	assert.Equal(t, uint64(9), resp.ID)
	assert.Equal(t, string(domain.CodeWorkerCallFailed), resp.Code)
	assert.Equal(t, "no such snippet", resp.Error)

	// Push events reach clients untouched.
	push, _ := json.Marshal(protocol.PushPayload{Name: "a", Data: json.RawMessage(`[1,2]`)})
	worker.write(protocol.NewEvent(protocol.EventSingleSample, push))
	ev = client.read()
	assert.Equal(t, protocol.EventSingleSample, ev.Method)
	assert.JSONEq(t, string(push), string(ev.Payload))

	// A second worker is told it was rejected and cannot originate calls.
	rival := dial(t, srv, nil)
	rival.negotiate(protocol.RoleWorker)
	ev = rival.read()
	require.Equal(t, protocol.FrameTypeEvent, ev.Type)
	require.Equal(t, protocol.EventRoleRejected, ev.Method)
	var rejection protocol.RoleRejection
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, string(domain.CodeRoleConflict), rejection.Code)
	assert.ErrorIs(t, domain.ErrorFromWire(rejection.Code, rejection.Error), domain.ErrRoleConflict)
	rival.call(1, protocol.FnReset, map[string]any{})
	resp = rival.read()
	assert.Equal(t, string(domain.CodeRoleRequired), resp.Code)

	// Worker leaves with one call in flight.
	client.call(10, protocol.FnSamplerRunning, map[string]any{})
	worker.read()
	worker.ws.Close(websocket.StatusNormalClosure, "")

	var sawNoServer, sawFailure bool
	for range 2 {
		f := client.read()
		switch f.Type {
		case protocol.FrameTypeEvent:
			assert.Equal(t, protocol.EventNoServer, f.Method)
			sawNoServer = true
		case protocol.FrameTypeResponse:
			assert.Equal(t, uint64(10), f.ID)
			assert.Equal(t, string(domain.CodeWorkerDisconnected), f.Code)
			sawFailure = true
		}
	}
	assert.True(t, sawNoServer, "expected no server event")
	assert.True(t, sawFailure, "expected failed call")
	assert.False(t, client.status())
}

func TestNewServerDefaults(t *testing.T) {
	srv := NewServer(Config{}, Deps{}, slog.Default())
	assert.Equal(t, "/ws", srv.cfg.Path)
	assert.Equal(t, int64(1<<20), srv.cfg.MaxMessage)
	assert.Equal(t, 64, srv.cfg.SendQueue)
	assert.Equal(t, 5*time.Second, srv.cfg.WriteTimeout)

	srv = NewServer(Config{MaxMessage: 4096}, Deps{}, slog.Default())
	assert.Equal(t, int64(4096), srv.cfg.MaxMessage)
}

func TestLargePushIsRelayed(t *testing.T) {
	srv := startTestServer(t, nil)

	client := dial(t, srv, nil)
	client.ws.SetReadLimit(1 << 20)
	client.negotiate(protocol.RoleClient)
	worker := dial(t, srv, nil)
	worker.negotiate(protocol.RoleWorker)
	require.Equal(t, protocol.EventServerOK, client.read().Method)

	// Well past the 32 KiB the websocket library allows by default.
	samples := make([]int, 40_000)
	for i := range samples {
		samples[i] = i
	}
	data, err := json.Marshal(samples)
	require.NoError(t, err)
	require.Greater(t, len(data), 200_000)
	push, _ := json.Marshal(protocol.PushPayload{Name: "big", Data: data})
	worker.write(protocol.NewEvent(protocol.EventSamplerComplete, push))

	ev := client.read()
	assert.Equal(t, protocol.EventSamplerComplete, ev.Method)
	assert.JSONEq(t, string(push), string(ev.Payload))
	assert.True(t, worker.status(), "worker connection survives a large push")
}

func TestClientsJoiningLateSeePresenceViaStatus(t *testing.T) {
	srv := startTestServer(t, nil)

	worker := dial(t, srv, nil)
	worker.negotiate(protocol.RoleWorker)
	require.True(t, worker.status())

	client := dial(t, srv, nil)
	client.negotiate(protocol.RoleClient)
	assert.True(t, client.status())
}

func TestUnknownMethod(t *testing.T) {
	srv := startTestServer(t, nil)
	client := dial(t, srv, nil)
	client.negotiate(protocol.RoleClient)

	client.write(protocol.Frame{Type: protocol.FrameTypeRequest, ID: 3, Method: "bogus"})
	resp := client.read()
	assert.Equal(t, uint64(3), resp.ID)
	assert.Equal(t, string(domain.CodeRPCMethodNotFound), resp.Code)

	client.write(protocol.Frame{Type: protocol.FrameTypeRequest, ID: 4, Method: protocol.MethodAction, Payload: json.RawMessage(`{}`)})
	resp = client.read()
	assert.Equal(t, string(domain.CodeRPCInvalidPayload), resp.Code)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv := startTestServer(t, NewStaticTokenAuth([]TokenEntry{{Token: "s3cret", Name: "ops"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer s3cret")
	client := dial(t, srv, &websocket.DialOptions{HTTPHeader: header})
	client.negotiate(protocol.RoleClient)
	assert.False(t, client.status())
}

func TestStatusEndpoint(t *testing.T) {
	srv := startTestServer(t, nil)
	worker := dial(t, srv, nil)
	worker.negotiate(protocol.RoleWorker)
	require.True(t, worker.status())
	client := dial(t, srv, nil)
	client.negotiate(protocol.RoleClient)
	require.True(t, client.status())

	resp, err := http.Get("http://" + srv.BoundAddr() + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Stats.Connections)
	assert.Equal(t, 1, body.Stats.Clients)
	assert.True(t, body.Stats.WorkerAvailable)
	assert.Len(t, body.Connections, 2)
}
