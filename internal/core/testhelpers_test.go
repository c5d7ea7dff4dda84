package core

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"briefing/internal/config"
	"briefing/internal/types"
)

const testOpsKey = "ops-key-0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	cfg.Security.OpsAPIKey = types.SecretString(testOpsKey)
	cfg.Server.RequestTimeout = 5 * time.Second
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}
