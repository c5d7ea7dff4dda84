package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockHealthProbe struct {
	name  string
	err   error
	delay time.Duration
	panic bool
}

func (m *mockHealthProbe) Name() string { return m.name }

func (m *mockHealthProbe) Check(ctx context.Context) error {
	if m.panic {
		panic("probe exploded")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func runHealth(t *testing.T, probes ...HealthProbe) (int, healthResponse) {
	t.Helper()
	srv := newTestServer(t)
	srv.HealthProbes = probes
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, body := runHealth(t)
	if code != http.StatusOK || body.Status != "healthy" {
		t.Errorf("got %d %+v", code, body)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	code, body := runHealth(t, PingProbe{Component: "database", Pinger: pinger{}}, &mockHealthProbe{name: "queue"})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Components["database"].Status != "healthy" || body.Components["queue"].Status != "healthy" {
		t.Errorf("unexpected components %+v", body.Components)
	}
}

func TestHandleHealth_FailureHidesErrorText(t *testing.T) {
	code, body := runHealth(t, PingProbe{Component: "database", Pinger: pinger{err: errors.New("password authentication failed")}})
	if code != http.StatusServiceUnavailable || body.Status != "unhealthy" {
		t.Fatalf("got %d %+v", code, body)
	}
	if body.Components["database"].Message != "check failed" {
		t.Errorf("message = %q", body.Components["database"].Message)
	}
}

func TestHandleHealth_PanicIsUnhealthy(t *testing.T) {
	code, body := runHealth(t, &mockHealthProbe{name: "flaky", panic: true}, &mockHealthProbe{name: "ok"})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", code)
	}
	if body.Components["ok"].Status != "healthy" || body.Components["flaky"].Status != "unhealthy" {
		t.Errorf("unexpected components %+v", body.Components)
	}
}

func TestHandleHealth_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health timeout")
	}
	start := time.Now()
	code, body := runHealth(t, &mockHealthProbe{name: "slow", delay: 10 * time.Second})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", code)
	}
	if time.Since(start) > healthCheckTimeout+time.Second {
		t.Errorf("health check did not honor its timeout")
	}
	if body.Components["slow"].Status != "unhealthy" {
		t.Errorf("unexpected components %+v", body.Components)
	}
}
