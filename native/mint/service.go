package mint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"halloffame/native/sale"
	"halloffame/observability"
)

// Service adapts a Registry to sale.TokenService. Requests complete on a
// separate goroutine after an optional delay.
type Service struct {
	registry *Registry
	caller   string
	delay    time.Duration
	logger   *slog.Logger
	metrics  *observability.MintdMetrics

	wg sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDelay postpones every completion, simulating a remote round trip.
func WithDelay(d time.Duration) ServiceOption {
	return func(s *Service) { s.delay = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *observability.MintdMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService mints on registry as caller, which must be the registry owner or
// an operator.
func NewService(registry *Registry, caller string, opts ...ServiceOption) *Service {
	s := &Service{registry: registry, caller: caller, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RequestMint implements sale.TokenService.
func (s *Service) RequestMint(ctx context.Context, req sale.MintRequest, complete func(sale.Outcome)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				complete(sale.Failed(ctx.Err()))
				return
			}
		}
		complete(s.Mint(req))
	}()
}

// Mint performs the request synchronously and reports the outcome.
func (s *Service) Mint(req sale.MintRequest) sale.Outcome {
	tokens, err := s.registry.MintFor(s.caller, req.SettlementID, req.Buyer, req.Amount)
	if err != nil {
		s.logger.Warn("mint request failed",
			"settlement_id", req.SettlementID,
			"receiver", req.Buyer,
			"amount", req.Amount,
			"error", err)
		s.metrics.RecordMint("failed", 0, s.registry.Remaining())
		return sale.Failed(err)
	}
	outcome := "fulfilled"
	if len(tokens) < int(req.Amount) {
		outcome = "partial"
	}
	s.logger.Info("mint request fulfilled",
		"settlement_id", req.SettlementID,
		"receiver", req.Buyer,
		"requested", req.Amount,
		"issued", len(tokens))
	s.metrics.RecordMint(outcome, len(tokens), s.registry.Remaining())
	return sale.Succeeded(tokens)
}

// Wait blocks until every outstanding request has completed.
func (s *Service) Wait() { s.wg.Wait() }

var _ sale.TokenService = (*Service)(nil)
