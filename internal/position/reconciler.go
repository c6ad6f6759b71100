package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrBalanceTimeout = errors.New("timed out waiting for position balance")

const fetchTimeout = 10 * time.Second

// Reconciler fetches and caches the hedge position pair. Both venues are
// queried concurrently; a single venue failing degrades to its last cached
// value instead of failing the whole snapshot.
type Reconciler struct {
	maker venue.Client
	taker venue.Client
	ttl   time.Duration
	log   *zap.Logger

	mu       sync.Mutex
	snapshot HedgePosition
	hasSnap  bool
	fetched  time.Time
}

func NewReconciler(maker, taker venue.Client, ttl time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{maker: maker, taker: taker, ttl: ttl, log: log}
}

// Positions returns the current hedge position pair, serving a cached
// snapshot while it is fresh unless forceRefresh is set.
func (r *Reconciler) Positions(ctx context.Context, forceRefresh bool) (HedgePosition, error) {
	if !forceRefresh {
		if snap, ok := r.cached(); ok {
			return snap, nil
		}
	}

	var makerPos, takerPos decimal.Decimal
	var makerErr, takerErr error
	g, fetchCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		makerPos, makerErr = r.fetchVenue(fetchCtx, r.maker)
		return nil
	})
	g.Go(func() error {
		takerPos, takerErr = r.fetchVenue(fetchCtx, r.taker)
		return nil
	})
	_ = g.Wait()

	if makerErr != nil && takerErr != nil {
		r.log.Error("all venue position fetches failed",
			zap.NamedError("maker_err", makerErr),
			zap.NamedError("taker_err", takerErr),
		)
		// Last known snapshot beats no answer: safety checks still need
		// something to evaluate.
		r.mu.Lock()
		snap := r.snapshot
		r.mu.Unlock()
		return snap, nil
	}

	r.mu.Lock()
	last := r.snapshot
	r.mu.Unlock()
	if makerErr != nil {
		r.log.Warn("maker position fetch failed, using last known value",
			zap.String("venue", r.maker.Name()), zap.Error(makerErr))
		makerPos = last.Maker
	}
	if takerErr != nil {
		r.log.Warn("taker position fetch failed, using last known value",
			zap.String("venue", r.taker.Name()), zap.Error(takerErr))
		takerPos = last.Taker
	}

	snap := HedgePosition{Maker: makerPos, Taker: takerPos}
	r.mu.Lock()
	r.snapshot = snap
	r.hasSnap = true
	r.fetched = time.Now()
	r.mu.Unlock()

	r.log.Debug("positions reconciled",
		zap.String("maker_venue", r.maker.Name()),
		zap.String("taker_venue", r.taker.Name()),
		zap.String("maker", makerPos.String()),
		zap.String("taker", takerPos.String()),
		zap.String("imbalance", snap.Imbalance().String()),
	)
	return snap, nil
}

// Invalidate drops the cached snapshot. Call after trades so the next read
// hits the venues.
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	r.hasSnap = false
	r.fetched = time.Time{}
	r.mu.Unlock()
}

// WaitForBalance polls fresh positions until the imbalance is inside
// tolerance or maxWait elapses. Used after a correcting trade to confirm
// settlement.
func (r *Reconciler) WaitForBalance(ctx context.Context, tolerance decimal.Decimal, maxWait, poll time.Duration) error {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		snap, err := r.Positions(ctx, true)
		if err == nil && snap.IsBalanced(tolerance) {
			return nil
		}
		r.log.Debug("waiting for balance", zap.String("imbalance", snap.Imbalance().String()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrBalanceTimeout
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) cached() (HedgePosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasSnap && time.Since(r.fetched) < r.ttl {
		return r.snapshot, true
	}
	return HedgePosition{}, false
}

func (r *Reconciler) fetchVenue(ctx context.Context, client venue.Client) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return client.AccountPosition(ctx)
}
