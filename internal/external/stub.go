package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"briefing/internal/types"
)

// StubEmailProvider logs messages instead of sending them. Local runs and
// tests use it; Sent exposes what would have gone out.
type StubEmailProvider struct {
	logger *slog.Logger
	seq    atomic.Int64

	mu   sync.Mutex
	sent []types.SendInput
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

// Send records input and returns a synthetic message id.
func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("stub-msg-%d", s.seq.Add(1))

	s.mu.Lock()
	s.sent = append(s.sent, input)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub email send",
		"to", input.To,
		"subject", input.Subject,
		"reference_id", input.ReferenceID,
		"message_id", id,
	)
	return id, nil
}

// Sent returns a copy of every message accepted so far.
func (s *StubEmailProvider) Sent() []types.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SendInput(nil), s.sent...)
}

var _ types.EmailProvider = (*StubEmailProvider)(nil)
