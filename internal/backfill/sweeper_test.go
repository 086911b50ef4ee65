package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

type fakeReconciler struct {
	mu      sync.Mutex
	seen    []string
	failFor map[string]error
}

func (f *fakeReconciler) ReconcileUpdate(ctx context.Context, order ordersync.ForeignOrder) (*ordersync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, order.ID)
	if err, ok := f.failFor[order.ID]; ok {
		return nil, err
	}
	return &ordersync.Result{DealID: "deal_" + order.ID, Operation: ordersync.OperationUpdate}, nil
}

type fakeLister struct {
	mu     sync.Mutex
	orders []ordersync.ForeignOrder
	err    error
	sinces []time.Time
	limits []int
}

func (f *fakeLister) ListOrdersUpdatedSince(ctx context.Context, since time.Time, limit int) ([]ordersync.ForeignOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return append([]ordersync.ForeignOrder(nil), f.orders...), nil
}

func TestSweepOnceReconcilesEachOrder(t *testing.T) {
	reconciler := &fakeReconciler{}
	lister := &fakeLister{orders: []ordersync.ForeignOrder{{ID: "1"}, {ID: "2"}, {ID: ""}, {ID: "3"}}}
	sweeper, err := NewSweeper(reconciler, lister, SweeperOptions{PageSize: 25})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(reconciler.seen) != 3 {
		t.Fatalf("expected 3 reconciled orders, got %v", reconciler.seen)
	}
	if lister.limits[0] != 25 {
		t.Fatalf("expected page size 25, got %d", lister.limits[0])
	}
}

func TestSweepOnceIsolatesPerOrderFailures(t *testing.T) {
	reconciler := &fakeReconciler{failFor: map[string]error{"2": errors.New("crm down")}}
	lister := &fakeLister{orders: []ordersync.ForeignOrder{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	sweeper, err := NewSweeper(reconciler, lister, SweeperOptions{})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("expected sweep to continue past failures, got %v", err)
	}
	if len(reconciler.seen) != 3 {
		t.Fatalf("expected all 3 attempted, got %v", reconciler.seen)
	}
}

func TestSweepOnceKeepsWatermarkOnListFailure(t *testing.T) {
	reconciler := &fakeReconciler{}
	lister := &fakeLister{err: errors.New("commerce down")}
	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	sweeper, err := NewSweeper(reconciler, lister, SweeperOptions{StartFrom: start})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := sweeper.SweepOnce(context.Background()); err == nil {
		t.Fatalf("expected error from failed listing")
	}
	if !sweeper.Watermark().Equal(start) {
		t.Fatalf("expected watermark unchanged, got %v", sweeper.Watermark())
	}
}

func TestSweepOnceAdvancesWatermarkWithOverlap(t *testing.T) {
	reconciler := &fakeReconciler{}
	lister := &fakeLister{}
	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	sweeper, err := NewSweeper(reconciler, lister, SweeperOptions{StartFrom: start, Overlap: time.Minute})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !lister.sinces[0].Equal(start.Add(-time.Minute)) {
		t.Fatalf("expected overlap applied, got %v", lister.sinces[0])
	}
	if !sweeper.Watermark().After(start) {
		t.Fatalf("expected watermark advanced, got %v", sweeper.Watermark())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reconciler := &fakeReconciler{}
	lister := &fakeLister{}
	sweeper, err := NewSweeper(reconciler, lister, SweeperOptions{Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestNewSweeperRequiresDependencies(t *testing.T) {
	if _, err := NewSweeper(nil, &fakeLister{}, SweeperOptions{}); err == nil {
		t.Fatalf("expected error for nil reconciler")
	}
	if _, err := NewSweeper(&fakeReconciler{}, nil, SweeperOptions{}); err == nil {
		t.Fatalf("expected error for nil lister")
	}
}
