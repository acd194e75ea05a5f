package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/workqueue/pkg/health"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/metrics"
)

type fakeHealthStore struct{ err error }

func (p *fakeHealthStore) HealthCheck(context.Context) error { return p.err }

func TestManagementServer_Health(t *testing.T) {
	s := NewManagementServer(Config{Address: ":0"}, logger.Nop(), nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestManagementServer_Ready(t *testing.T) {
	store := &fakeHealthStore{}
	registry := health.NewRegistry(health.NewStoreChecker("queue-store", store, time.Second))
	s := NewManagementServer(Config{}, logger.Nop(), registry, nil)

	tests := []struct {
		name     string
		err      error
		wantCode int
		want     health.Status
	}{
		{name: "store reachable", wantCode: http.StatusOK, want: health.StatusHealthy},
		{name: "store down", err: errors.New("dial tcp: connection refused"), wantCode: http.StatusServiceUnavailable, want: health.StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.err = tt.err
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var result health.AggregatedResult
			if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if result.Status != tt.want || len(result.Checks) != 1 {
				t.Fatalf("unexpected result %+v", result)
			}
		})
	}
}

func TestManagementServer_Metrics(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "workqueue_test_total", Help: "test"})
	counter.Inc()
	s := NewManagementServer(Config{}, logger.Nop(), nil, metrics.NewRegistry(counter))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "workqueue_test_total 1") {
		t.Fatalf("expected metric in body, got %s", rec.Body.String())
	}

	noMetrics := NewManagementServer(Config{}, logger.Nop(), nil, nil)
	rec = httptest.NewRecorder()
	noMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without registry, got %d", rec.Code)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewManagementServer(Config{Address: "127.0.0.1:0"}, logger.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	first := NewServer(Config{Address: "127.0.0.1:0"}, http.NotFoundHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for first.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := NewServer(Config{Address: first.Addr()}, http.NotFoundHandler(), nil)
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("expected error binding a busy address")
	}
}
