package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/repositories"
)

const (
	// MinScanInterval bounds how often a scanner may hit the database.
	MinScanInterval = 30 * time.Second
	// DefaultScanBatchSize caps the candidates processed per cycle when none is configured.
	DefaultScanBatchSize = 100

	scannerMeterName = "github.com/portal-agro/api/internal/services"
)

// ScannerKind selects which waiting status a scanner reconciles.
type ScannerKind string

const (
	ScannerExpiry       ScannerKind = "expiry"
	ScannerAutoComplete ScannerKind = "auto_complete"
)

// ScannerConfig controls one scanner's cadence and side effects.
type ScannerConfig struct {
	Interval   time.Duration
	BatchSize  int
	SendEmails bool
}

// ScanResult tallies the outcome of one cycle.
type ScanResult struct {
	Selected  int
	Advanced  int
	Skipped   int
	Conflicts int
	Failed    int
}

// OrderScannerDeps bundles collaborators required to construct a scanner.
type OrderScannerDeps struct {
	Kind       ScannerKind
	Orders     repositories.OrderRepository
	Reconciler OrderReconciler
	Config     ScannerConfig
	Clock      func() time.Time
	Meter      metric.Meter
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// OrderScanner periodically selects orders whose waiting deadline elapsed and reconciles them
// one at a time.
type OrderScanner struct {
	kind       ScannerKind
	orders     repositories.OrderRepository
	reconciler OrderReconciler
	interval   time.Duration
	batchSize  int
	sendEmails bool
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)

	items    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOrderScanner validates deps and applies the interval floor and batch default.
func NewOrderScanner(deps OrderScannerDeps) (*OrderScanner, error) {
	if deps.Kind != ScannerExpiry && deps.Kind != ScannerAutoComplete {
		return nil, fmt.Errorf("order scanner: unknown kind %q", deps.Kind)
	}
	if deps.Orders == nil {
		return nil, errors.New("order scanner: order repository is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("order scanner: reconciler is required")
	}

	interval := deps.Config.Interval
	if interval < MinScanInterval {
		interval = MinScanInterval
	}
	batchSize := deps.Config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultScanBatchSize
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(scannerMeterName)
	}

	items, err := meter.Int64Counter(
		"orders.scanner.items",
		metric.WithDescription("Orders visited by background scanners, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("order scanner: create item counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"orders.scanner.cycle.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of one scanner cycle in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("order scanner: create cycle histogram: %w", err)
	}

	return &OrderScanner{
		kind:       deps.Kind,
		orders:     deps.Orders,
		reconciler: deps.Reconciler,
		interval:   interval,
		batchSize:  batchSize,
		sendEmails: deps.Config.SendEmails,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		items:    items,
		duration: duration,
	}, nil
}

// Kind reports which scanner this is.
func (s *OrderScanner) Kind() ScannerKind { return s.kind }

// Interval reports the effective tick interval.
func (s *OrderScanner) Interval() time.Duration { return s.interval }

// Run scans on every tick until ctx is cancelled. The first cycle runs one interval after start.
// Cancellation lets the order being processed finish and is not reported as an error.
func (s *OrderScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger(ctx, "order.scanner.started", map[string]any{
		"scanner":   string(s.kind),
		"interval":  s.interval.String(),
		"batchSize": s.batchSize,
	})
	for {
		select {
		case <-ctx.Done():
			s.logger(context.WithoutCancel(ctx), "order.scanner.stopped", map[string]any{"scanner": string(s.kind)})
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger(ctx, "order.scanner.cycle.failed", map[string]any{
					"scanner": string(s.kind),
					"error":   err.Error(),
				})
			}
		}
	}
}

// RunOnce processes a single batch. Only a failure to select candidates is returned; per-order
// failures are logged and counted.
func (s *OrderScanner) RunOnce(ctx context.Context) (ScanResult, error) {
	started := time.Now()
	var result ScanResult
	defer func() {
		s.duration.Record(context.WithoutCancel(ctx), float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.String("scanner", string(s.kind))))
	}()

	ids, err := s.orders.SelectCandidateIDs(ctx, s.candidateQuery(s.clock()))
	if err != nil {
		if ctx.Err() != nil {
			return result, nil
		}
		return result, fmt.Errorf("order scanner %s: select candidates: %w", s.kind, err)
	}
	result.Selected = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		// The current item runs to completion even when shutdown starts mid-way.
		s.processOne(context.WithoutCancel(ctx), id, &result)
	}

	if result.Selected > 0 {
		s.logger(ctx, "order.scanner.cycle", map[string]any{
			"scanner":   string(s.kind),
			"summary":   fmt.Sprintf("processed %d / batch %d", result.Advanced, result.Selected),
			"advanced":  result.Advanced,
			"skipped":   result.Skipped,
			"conflicts": result.Conflicts,
			"failed":    result.Failed,
		})
	}
	return result, nil
}

func (s *OrderScanner) candidateQuery(now time.Time) repositories.CandidateQuery {
	query := repositories.CandidateQuery{DueAt: now, Limit: s.batchSize}
	switch s.kind {
	case ScannerExpiry:
		query.Status = domain.OrderStatusAcceptedAwaitingPayment
		query.RequireNoPaymentImage = true
	case ScannerAutoComplete:
		query.Status = domain.OrderStatusDeliveredPendingBuyerConfirm
	}
	return query
}

func (s *OrderScanner) processOne(ctx context.Context, id int64, result *ScanResult) {
	cmd := ReconcileOrderCommand{OrderID: id, Notify: s.sendEmails}

	var (
		applied bool
		err     error
	)
	switch s.kind {
	case ScannerExpiry:
		applied, err = s.reconciler.ExpireAwaitingPayment(ctx, cmd)
	case ScannerAutoComplete:
		applied, err = s.reconciler.AutoCompleteDelivered(ctx, cmd)
	}

	outcome := s.advancedOutcome()
	switch {
	case err != nil && errors.Is(err, ErrOrderConflict):
		outcome = "conflict"
		result.Conflicts++
	case err != nil:
		outcome = "failed"
		result.Failed++
		s.logger(ctx, "order.scanner.item.failed", map[string]any{
			"scanner": string(s.kind),
			"orderId": id,
			"error":   err.Error(),
		})
	case !applied:
		outcome = "skipped"
		result.Skipped++
	default:
		result.Advanced++
	}
	s.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scanner", string(s.kind)),
		attribute.String("outcome", outcome),
	))
}

func (s *OrderScanner) advancedOutcome() string {
	if s.kind == ScannerExpiry {
		return "expired"
	}
	return "completed"
}
