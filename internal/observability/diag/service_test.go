package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pulse/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pulse_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := New(Config{}, logx.Nop(),
		WithGatherer(reg),
		WithStatus(func() any { return map[string]any{"count": 42, "server_id": "a"} }),
	)
	h := s.Handler("")

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if doc["server_id"] != "a" || doc["count"] != float64(42) {
		t.Fatalf("status doc = %v", doc)
	}

	rec = get(t, h, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pulse_test_total 1") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	if rec := get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestHandlerWithoutSources(t *testing.T) {
	t.Parallel()

	h := New(Config{}, logx.Nop()).Handler("")
	if rec := get(t, h, "/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status code = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics code = %d", rec.Code)
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{}, logx.Nop()).Handler("s3cret")

	tests := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"wrong query", "/healthz?token=x", "Bearer s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, h, tt.target, tt.auth)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Fatal("missing WWW-Authenticate")
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()

	base := Config{Enabled: true, Addr: "127.0.0.1:1"}
	if needsRestart(base, base) {
		t.Fatal("identical configs need restart")
	}
	next := base
	next.Token = "x"
	if !needsRestart(base, next) {
		t.Fatal("token change must restart")
	}
	next = base
	next.IdleTimeout = time.Second
	if !needsRestart(base, next) {
		t.Fatal("timeout change must restart")
	}
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("diag server did not start")
	return ""
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // idempotent

	addr := waitAddr(t, s)
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still recorded after stop")
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	if s.Addr() != "" {
		t.Fatal("disabled service started")
	}
}
