// Package backfill periodically sweeps the commerce platform for orders
// updated since the last sweep and re-reconciles them, catching webhooks
// that were dropped or never delivered.
package backfill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

// Reconciler is the slice of the reconciliation surface the sweeper needs.
type Reconciler interface {
	ReconcileUpdate(ctx context.Context, order ordersync.ForeignOrder) (*ordersync.Result, error)
}

// Lister pages recently updated orders out of the commerce platform.
type Lister interface {
	ListOrdersUpdatedSince(ctx context.Context, since time.Time, limit int) ([]ordersync.ForeignOrder, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type SweeperOptions struct {
	Interval  time.Duration
	PageSize  int
	Overlap   time.Duration
	StartFrom time.Time
	Logger    Logger
}

type Sweeper struct {
	reconciler Reconciler
	lister     Lister
	interval   time.Duration
	pageSize   int
	overlap    time.Duration
	watermark  time.Time
	logger     Logger
}

func NewSweeper(reconciler Reconciler, lister Lister, opts SweeperOptions) (*Sweeper, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if lister == nil {
		return nil, fmt.Errorf("lister is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	overlap := opts.Overlap
	if overlap <= 0 {
		overlap = time.Minute
	}
	watermark := opts.StartFrom
	if watermark.IsZero() {
		watermark = time.Now().UTC().Add(-interval)
	}
	return &Sweeper{
		reconciler: reconciler,
		lister:     lister,
		interval:   interval,
		pageSize:   pageSize,
		overlap:    overlap,
		watermark:  watermark,
		logger:     opts.Logger,
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logf("sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce lists orders updated since the watermark and reconciles each.
// A failing order is logged and skipped so one bad order cannot stall the
// sweep. The watermark advances only when the listing itself succeeded.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	since := s.watermark.Add(-s.overlap)
	sweepStart := time.Now().UTC()

	orders, err := s.lister.ListOrdersUpdatedSince(ctx, since, s.pageSize)
	if err != nil {
		return fmt.Errorf("list updated orders: %w", err)
	}

	var failed int
	for _, order := range orders {
		if strings.TrimSpace(order.ID) == "" {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.reconciler.ReconcileUpdate(ctx, order); err != nil {
			failed++
			s.logf("backfill for order %s failed: %v", order.ID, err)
		}
	}
	s.watermark = sweepStart
	if len(orders) > 0 {
		s.logf("backfill swept %d orders, %d failed", len(orders), failed)
	}
	return nil
}

// Watermark returns the lower bound the next sweep will list from, before
// the overlap is applied.
func (s *Sweeper) Watermark() time.Time {
	return s.watermark
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
