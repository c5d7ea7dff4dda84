package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the service cannot run without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// PingProbe adapts anything with Ping, such as the database pool.
type PingProbe struct {
	Component string
	Pinger    interface{ Ping(ctx context.Context) error }
}

func (p PingProbe) Name() string                    { return p.Component }
func (p PingProbe) Check(ctx context.Context) error { return p.Pinger.Ping(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

var errProbeTimeout = fmt.Errorf("health check timed out")

// HandleHealth runs every probe concurrently under healthCheckTimeout. It
// answers 200 when all pass and 503 when any fails, panics or times out.
// Probe error text is logged, not exposed.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu      sync.Mutex
		results = make([]error, len(s.HealthProbes))
		wg      sync.WaitGroup
	)
	for i := range results {
		results[i] = errProbeTimeout
	}
	for i, p := range s.HealthProbes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runProbe(ctx, p)
			mu.Lock()
			results[i] = err
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	status := http.StatusOK
	for i, p := range s.HealthProbes {
		if err := results[i]; err != nil {
			s.Logger.Warn("health probe failed", "component", p.Name(), "error", err)
			msg := "check failed"
			if err == errProbeTimeout {
				msg = err.Error()
			}
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: msg}
			status = http.StatusServiceUnavailable
			resp.Status = "unhealthy"
			continue
		}
		resp.Components[p.Name()] = componentStatus{Status: "healthy"}
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}
