package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "greenbox/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9108": true,
		"localhost:9108": true,
		"[::1]:9108":     true,
		":9108":          false,
		"0.0.0.0:9108":   false,
		"10.0.0.5:9108":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestMuxRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "greenbox_sweeps_total 1\n")
	})
	unhealthy := errors.New("controller stopped")
	var healthErr error
	s := New(Config{}, metrics, func() error { return healthErr }, logx.Nop())

	get := func(mux http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	mux := s.mux(Config{})
	if rec := get(mux, "/metrics", nil); rec.Code != http.StatusOK || rec.Body.String() != "greenbox_sweeps_total 1\n" {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(mux, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d", rec.Code)
	}
	healthErr = unhealthy
	if rec := get(mux, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz unhealthy = %d", rec.Code)
	}
	if rec := get(mux, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", rec.Code)
	}

	secured := s.mux(Config{Token: "s3cret", Pprof: true})
	if rec := get(secured, "/metrics", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /metrics = %d", rec.Code)
	}
	if rec := get(secured, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer /metrics = %d", rec.Code)
	}
	if rec := get(secured, "/metrics?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token /metrics = %d", rec.Code)
	}
	if rec := get(secured, "/debug/pprof/?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestStartServeStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("still bound after Stop")
	}
}
