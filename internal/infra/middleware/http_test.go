package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/status", nil))

	want := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
	}
	for header, v := range want {
		if got := w.Header().Get(header); got != v {
			t.Errorf("Header %s = %q, want %q", header, got, v)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestConnectLimiter_BlocksAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := NewConnectLimiter(ctx, ConnectLimitConfig{PerMinute: 6, Burst: 3}).Middleware(okHandler())

	ok, blocked := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
		}
	}
	if ok != 3 || blocked != 7 {
		t.Errorf("ok=%d blocked=%d, want 3 and 7", ok, blocked)
	}
}

func TestConnectLimiter_SeparatesIPs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewConnectLimiter(ctx, ConnectLimitConfig{PerMinute: 6, Burst: 1})

	if !l.Allow("10.0.0.1") {
		t.Fatal("first attempt should pass")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second attempt from same IP should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other IP should not be limited")
	}
}

func TestConnectLimiter_Evict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewConnectLimiter(ctx, ConnectLimitConfig{PerMinute: 60, Burst: 1, IdleTTL: time.Minute})

	l.Allow("10.0.0.1")
	l.evict(time.Now())
	if l.tracked() != 1 {
		t.Fatalf("fresh entry evicted")
	}
	l.evict(time.Now().Add(2 * time.Minute))
	if l.tracked() != 0 {
		t.Errorf("idle entry not evicted, %d tracked", l.tracked())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{"direct", "192.168.1.1:12345", "", "", nil, "192.168.1.1"},
		{"ipv6", "[::1]:5234", "", "", nil, "::1"},
		{"spoofed xff ignored", "203.0.113.9:1", "1.2.3.4", "", nil, "203.0.113.9"},
		{"trusted xff", "10.0.0.1:1", "203.0.113.1, 198.51.100.1", "", []string{"10.0.0.1"}, "203.0.113.1"},
		{"trusted real ip", "10.0.0.1:1", "", "203.0.113.7", []string{"10.0.0.1"}, "203.0.113.7"},
		{"trusted no headers", "10.0.0.1:1", "", "", []string{"10.0.0.1"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
