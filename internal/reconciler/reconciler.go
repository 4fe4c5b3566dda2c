// Package reconciler runs the deposit detection loop: expire stale orders,
// pull the external feed once, match pending orders by disambiguated amount
// inside their time window, and credit each matched order exactly once.
package reconciler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/antwallet/antwallet/internal/feed"
	"github.com/antwallet/antwallet/internal/storage"
	"github.com/antwallet/antwallet/libs/kafka"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const depositSettledEventType = "wallet.deposit.settled"

// OrderRegistry is the slice of the store the reconciler drives.
type OrderRegistry interface {
	ExpireStaleDepositOrders(ctx context.Context, now time.Time) (int64, error)
	ListPendingDepositOrders(ctx context.Context) ([]storage.DepositOrder, error)
	SettleDepositOrder(ctx context.Context, orderID uuid.UUID) (*storage.SettleResult, error)
}

// FeedSource yields recent transfers to the collection address.
type FeedSource interface {
	RecentTransfers(ctx context.Context) ([]feed.TokenTransfer, error)
}

type Config struct {
	Interval time.Duration
	// FeedTimeout bounds one feed round-trip so a slow upstream cannot
	// stall the cycle past the next tick.
	FeedTimeout time.Duration
	// Tolerance is the absolute match tolerance against the disambiguated
	// amount, in the feed's unit.
	Tolerance decimal.Decimal
	// SettledTopic, when non-empty, receives a notification event per
	// settled order.
	SettledTopic string
}

func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		FeedTimeout: 10 * time.Second,
		Tolerance:   decimal.RequireFromString("0.001"),
	}
}

// DepositSettledEvent notifies the front-end that a deposit was credited.
type DepositSettledEvent struct {
	kafka.Envelope
	OrderID         string `json:"order_id"`
	UserID          int64  `json:"user_id"`
	AmountRequested string `json:"amount_requested"`
	AmountReceived  string `json:"amount_received"`
	USDTBalance     string `json:"usdt_balance"`
}

// CycleStats summarizes one reconciliation pass.
type CycleStats struct {
	Expired   int64
	Pending   int
	Events    int
	Settled   int
	Duplicate int
	Failed    int
}

type Reconciler struct {
	cfg      Config
	registry OrderRegistry
	feed     FeedSource
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics

	inFlight atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, registry OrderRegistry, source FeedSource, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 10 * time.Second
	}
	if cfg.Tolerance.LessThanOrEqual(decimal.Zero) {
		cfg.Tolerance = decimal.RequireFromString("0.001")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:      cfg,
		registry: registry,
		feed:     source,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(runCtx)

	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "tolerance", r.cfg.Tolerance.String())
}

// Stop cancels the loop and waits for the current cycle to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one cycle unless the previous one is still in flight.
func (r *Reconciler) tick(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Warn("skipping cycle, previous still running")
		if r.metrics != nil {
			r.metrics.CyclesSkipped.Inc()
		}
		return
	}
	defer r.inFlight.Store(false)

	start := time.Now()
	stats, err := r.RunCycle(ctx)
	if r.metrics != nil {
		r.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.Error("reconcile cycle failed", "error", err)
		return
	}
	if stats.Settled > 0 || stats.Expired > 0 || stats.Failed > 0 {
		r.logger.Info("reconcile cycle",
			"expired", stats.Expired,
			"pending", stats.Pending,
			"events", stats.Events,
			"settled", stats.Settled,
			"duplicate", stats.Duplicate,
			"failed", stats.Failed,
		)
	}
}

// RunCycle executes one reconciliation pass. Exported so operators and
// tests can trigger a pass outside the schedule.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	// Expiry runs before matching so an order past its window is never
	// settled off a stale feed event.
	expired, err := r.registry.ExpireStaleDepositOrders(ctx, time.Now().UTC())
	if err != nil {
		if r.metrics != nil {
			r.metrics.CycleErrors.WithLabelValues("expire").Inc()
		}
		return stats, err
	}
	stats.Expired = expired
	if r.metrics != nil && expired > 0 {
		r.metrics.OrdersExpired.Add(float64(expired))
	}

	pending, err := r.registry.ListPendingDepositOrders(ctx)
	if err != nil {
		if r.metrics != nil {
			r.metrics.CycleErrors.WithLabelValues("list").Inc()
		}
		return stats, err
	}
	stats.Pending = len(pending)
	if len(pending) == 0 {
		return stats, nil
	}

	// One feed call per cycle, bounded so a slow upstream cannot hang the
	// loop past the next tick.
	feedCtx, cancel := context.WithTimeout(ctx, r.cfg.FeedTimeout)
	events, err := r.feed.RecentTransfers(feedCtx)
	cancel()
	if err != nil {
		// No new information this cycle. Orders stay pending; expiry
		// already ran and must not be influenced by feed failures.
		r.logger.Warn("feed unavailable, skipping match pass", "error", err)
		if r.metrics != nil {
			r.metrics.FeedErrors.Inc()
		}
		return stats, nil
	}
	stats.Events = len(events)

	used := make(map[string]bool, len(events))
	for _, order := range pending {
		idx, ok := r.findMatch(order, events, used)
		if !ok {
			continue
		}
		used[eventKey(events[idx], idx)] = true

		result, err := r.registry.SettleDepositOrder(ctx, order.OrderID)
		if err != nil {
			// Left pending; retried naturally on the next cycle.
			stats.Failed++
			r.logger.Error("settle failed, will retry next cycle", "order_id", order.OrderID, "error", err)
			if r.metrics != nil {
				r.metrics.CycleErrors.WithLabelValues("settle").Inc()
			}
			continue
		}
		if result.AlreadySettled {
			stats.Duplicate++
			r.logger.Warn("order no longer pending, credit skipped", "order_id", order.OrderID, "status", result.Order.Status)
			continue
		}

		stats.Settled++
		if r.metrics != nil {
			r.metrics.OrdersSettled.Inc()
		}
		r.logger.Info("deposit settled",
			"order_id", order.OrderID,
			"user_id", order.UserID,
			"amount", order.AmountRequested.String(),
			"paid", events[idx].Value.String(),
			"tx_id", events[idx].TxID,
		)
		r.publishSettled(ctx, result, events[idx])
	}

	return stats, nil
}

// findMatch scans events for the first unconsumed transfer whose value is
// within tolerance of the order's disambiguated amount and whose block time
// falls inside the order window, bounds inclusive. Consuming events at most
// once per cycle makes allocator collisions resolve to the oldest order;
// the younger one stays pending until its own event or expiry.
func (r *Reconciler) findMatch(order storage.DepositOrder, events []feed.TokenTransfer, used map[string]bool) (int, bool) {
	for i, ev := range events {
		if used[eventKey(ev, i)] {
			continue
		}
		if ev.Value.Sub(order.AmountExpected).Abs().GreaterThan(r.cfg.Tolerance) {
			continue
		}
		if ev.BlockTime.Before(order.CreatedAt) || ev.BlockTime.After(order.ExpiresAt) {
			continue
		}
		return i, true
	}
	return 0, false
}

func (r *Reconciler) publishSettled(ctx context.Context, result *storage.SettleResult, ev feed.TokenTransfer) {
	if r.producer == nil || r.cfg.SettledTopic == "" {
		return
	}
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(depositSettledEventType, result.Order.OrderID.String()),
		depositSettledEventType, 1, "",
	)
	if err != nil {
		r.logger.Error("build settled event", "error", err)
		return
	}
	event := DepositSettledEvent{
		Envelope:        envelope,
		OrderID:         result.Order.OrderID.String(),
		UserID:          result.Order.UserID,
		AmountRequested: result.Order.AmountRequested.String(),
		AmountReceived:  ev.Value.String(),
		USDTBalance:     result.Account.USDTBalance.String(),
	}
	// Publish failures never undo ledger state; the ledger is the source
	// of truth and the notification is best-effort.
	key := strconv.FormatInt(result.Order.UserID, 10)
	if _, _, err := r.producer.PublishJSON(ctx, r.cfg.SettledTopic, key, event); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("publish settled event", "order_id", result.Order.OrderID, "error", err)
	}
}

func eventKey(ev feed.TokenTransfer, idx int) string {
	if ev.TxID != "" {
		return ev.TxID
	}
	return "idx:" + strconv.Itoa(idx)
}
