package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"snippet-relay/internal/domain"
)

// Version is reported by the status endpoint. Overridden at link time.
var Version = "dev"

type statusResponse struct {
	Broker      brokerInfo        `json:"broker"`
	Stats       domain.RelayStats `json:"stats"`
	Connections []domain.ConnInfo `json:"connections"`
	Calls       callCounters      `json:"calls"`
}

type brokerInfo struct {
	Version       string `json:"version"`
	Addr          string `json:"addr"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type callCounters struct {
	Routed   uint64 `json:"routed"`
	Resolved uint64 `json:"resolved"`
	Failed   uint64 `json:"failed"`
}

// Stats returns a snapshot of the relay with the router's pending count filled in.
func (s *Server) Stats() domain.RelayStats {
	stats := s.deps.Registry.Stats()
	stats.PendingCalls = s.deps.Router.Pending()
	return stats
}

func (s *Server) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		routed, resolved, failed := s.deps.Router.Counters()
		resp := statusResponse{
			Broker: brokerInfo{
				Version:       Version,
				Addr:          s.BoundAddr(),
				UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
			},
			Stats:       s.Stats(),
			Connections: s.deps.Registry.Conns(),
			Calls:       callCounters{Routed: routed, Resolved: resolved, Failed: failed},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Debug("status encode failed", "error", err)
		}
	})
}

func (s *Server) metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		stats := s.Stats()
		routed, resolved, failed := s.deps.Router.Counters()
		var delivered, undelivered uint64
		if s.deps.Presence != nil {
			delivered, undelivered = s.deps.Presence.Counts()
		}

		var b strings.Builder
		gauge(&b, "relay_connections", "Open WebSocket connections.", stats.Connections)
		gauge(&b, "relay_clients", "Connections holding the client role.", stats.Clients)
		gauge(&b, "relay_worker_available", "1 when a worker is registered.", boolGauge(stats.WorkerAvailable))
		gauge(&b, "relay_pending_calls", "Calls awaiting a worker reply.", stats.PendingCalls)
		counter(&b, "relay_connections_accepted_total", "WebSocket upgrades accepted.", s.accepted.Load())
		counter(&b, "relay_calls_routed_total", "Calls forwarded to the worker.", routed)
		counter(&b, "relay_calls_resolved_total", "Calls answered by the worker.", resolved)
		counter(&b, "relay_calls_failed_total", "Calls that ended in an error.", failed)
		counter(&b, "relay_events_delivered_total", "Presence events enqueued to clients.", delivered)
		counter(&b, "relay_events_failed_total", "Presence events that could not be enqueued.", undelivered)
		counter(&b, "relay_frames_dropped_total", "Frames dropped on full send queues.", s.dropped.Load())
		gauge(&b, "relay_uptime_seconds", "Seconds since the broker started.", int(time.Since(s.startTime).Seconds()))
		gauge(&b, "go_goroutines", "Number of goroutines.", runtime.NumGoroutine())

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	})
}

func gauge(b *strings.Builder, name, help string, v int) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

func counter(b *strings.Builder, name, help string, v uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}
