/**
 * @description
 * Package limits implements the tiered limit engine. For every attempted money
 * movement it resolves the user's current tier, selects the caps for the
 * transaction type and checks the per-transaction cap, the outstanding and
 * weekly count caps, the platform-wide weekly USD breaker and the rolling
 * daily/weekly/monthly sums.
 *
 * @notes
 * - Every check runs inside the lock `limit:{user}:{currency}:{type}` so the
 *   read-then-compare sequence is atomic for concurrent requests of one user.
 * - Amounts are smallest-unit integers. Debit lines are stored negative; sums are
 *   compared by absolute value.
 */

package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/lock"
	"github.com/transfa/wallet-service/internal/store"
)

const (
	dailyWindow   = 24 * time.Hour
	weeklyWindow  = 7 * 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// Request is one attempted money movement.
type Request struct {
	UserID   uuid.UUID
	Amount   int64
	Currency string
	Type     domain.TransactionType
}

// LockKey is the critical-section key shared by every check for the same user,
// currency and type.
func (r Request) LockKey() string {
	return fmt.Sprintf("limit:%s:%s:%s", r.UserID, domain.NormalizeCurrency(r.Currency), r.Type)
}

// PlatformLimits is the provider-wide weekly circuit breaker for USD. A zero limit
// disables the check for that direction.
type PlatformLimits struct {
	Provider                 string
	WeeklyUSDDepositLimit    int64
	WeeklyUSDWithdrawalLimit int64
}

// Engine decides whether a request may be admitted.
type Engine struct {
	tiers    store.TierRepository
	quotas   store.QuotaRepository
	locker   lock.Locker
	cache    *TierCache
	platform PlatformLimits
	now      func() time.Time
	onReject func(kind domain.LimitKind)
}

type Option func(*Engine)

func WithTierCache(c *TierCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithPlatformLimits(p PlatformLimits) Option {
	return func(e *Engine) { e.platform = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRejectionHook registers a callback for every limit rejection, used for metrics.
func WithRejectionHook(hook func(kind domain.LimitKind)) Option {
	return func(e *Engine) { e.onReject = hook }
}

func NewEngine(tiers store.TierRepository, quotas store.QuotaRepository, locker lock.Locker, opts ...Option) *Engine {
	e := &Engine{
		tiers:  tiers,
		quotas: quotas,
		locker: locker,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateLimit checks req under the limit lock and returns nil when it may proceed.
func (e *Engine) ValidateLimit(ctx context.Context, req Request) error {
	return e.Admit(ctx, req, nil)
}

// Admit checks req and, when it passes, runs fn inside the same critical section so
// the caller's ledger write is covered by the lock that guarded the check. Failure to
// take the lock is reported as a transient error, never as a limit rejection.
func (e *Engine) Admit(ctx context.Context, req Request, fn func(ctx context.Context) error) error {
	if req.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", domain.ErrInvalidAmount, req.Amount)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("unsupported transaction type %q", req.Type)
	}
	req.Currency = domain.NormalizeCurrency(req.Currency)

	// Non-fiat assets carry no tier limits.
	if _, ok := domain.LookupFiat(req.Currency); !ok {
		if fn == nil {
			return nil
		}
		return fn(ctx)
	}

	err := e.locker.WithLock(ctx, req.LockKey(), func(ctx context.Context) error {
		if err := e.check(ctx, req); err != nil {
			return err
		}
		if fn == nil {
			return nil
		}
		return fn(ctx)
	})
	if err != nil {
		var transient *domain.TransientError
		if errors.Is(err, lock.ErrNotAcquired) && !errors.As(err, &transient) {
			return domain.Transient("acquire limit lock", err)
		}
		return err
	}
	return nil
}

func (e *Engine) check(ctx context.Context, req Request) error {
	country, _ := domain.CountryForCurrency(req.Currency)
	cfg, err := e.resolveConfig(ctx, req.UserID, country)
	if err != nil {
		return err
	}
	c := capsFor(cfg, req.Type)

	if req.Amount > c.single {
		return e.reject(req, domain.LimitSingleTransaction, req.Amount, c.single)
	}

	if c.pendingCount != nil {
		n, err := e.quotas.CountPending(ctx, req.UserID, req.Type, req.Currency)
		if err != nil {
			return fmt.Errorf("count pending %s: %w", req.Type, err)
		}
		if n >= *c.pendingCount {
			return e.reject(req, domain.LimitPendingCount, n, *c.pendingCount)
		}
	}

	if c.weeklyCount != nil {
		n, err := e.quotas.CountInPastWeek(ctx, req.UserID, req.Type, req.Currency)
		if err != nil {
			return fmt.Errorf("count weekly %s: %w", req.Type, err)
		}
		if n >= *c.weeklyCount {
			return e.reject(req, domain.LimitWeeklyCount, n, *c.weeklyCount)
		}
	}

	if err := e.checkPlatform(ctx, req); err != nil {
		return err
	}

	now := e.now()
	windows := []struct {
		kind  domain.LimitKind
		span  time.Duration
		limit int64
	}{
		{domain.LimitDaily, dailyWindow, c.daily},
		{domain.LimitWeekly, weeklyWindow, c.weekly},
		{domain.LimitMonthly, monthlyWindow, c.monthly},
	}
	for _, w := range windows {
		sums, err := e.quotas.SumTransactions(ctx, req.UserID, req.Currency, domain.QuotaStatuses, now.Add(-w.span))
		if err != nil {
			return fmt.Errorf("sum %s window: %w", w.kind, err)
		}
		current := domain.AbsInt64(sums[req.Type])
		if exceeds(current, req.Amount, w.limit) {
			return e.reject(req, w.kind, current, w.limit)
		}
	}
	return nil
}

func (e *Engine) checkPlatform(ctx context.Context, req Request) error {
	if req.Currency != "USD" {
		return nil
	}
	var limit int64
	switch req.Type {
	case domain.TypeDeposit:
		limit = e.platform.WeeklyUSDDepositLimit
	case domain.TypeWithdrawal:
		limit = e.platform.WeeklyUSDWithdrawalLimit
	default:
		return nil
	}
	if limit <= 0 {
		return nil
	}
	current, err := e.quotas.SumProviderTransactions(ctx, e.platform.Provider, req.Currency, req.Type, e.now().Add(-weeklyWindow))
	if err != nil {
		return fmt.Errorf("sum platform weekly %s: %w", req.Type, err)
	}
	if exceeds(current, req.Amount, limit) {
		return e.reject(req, domain.LimitPlatformWeekly, current, limit)
	}
	return nil
}

// exceeds reports whether current+amount > limit without overflowing.
func exceeds(current, amount, limit int64) bool {
	return current > limit || amount > limit-current
}

func (e *Engine) reject(req Request, kind domain.LimitKind, current, limit int64) error {
	logrus.WithFields(logrus.Fields{
		"component": "limits",
		"user_id":   req.UserID,
		"currency":  req.Currency,
		"type":      req.Type,
		"kind":      kind,
		"current":   current,
		"limit":     limit,
		"amount":    req.Amount,
	}).Info("limit check rejected")
	if e.onReject != nil {
		e.onReject(kind)
	}
	return &domain.LimitExceededError{
		Kind:     kind,
		Type:     req.Type,
		Currency: req.Currency,
		Current:  current,
		Limit:    limit,
	}
}

// resolveConfig returns the config for country of the highest-level active tier whose
// (tier, country) requirements are all approved.
func (e *Engine) resolveConfig(ctx context.Context, userID uuid.UUID, country string) (*domain.TierConfig, error) {
	snap, err := e.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		best      *domain.TierConfig
		bestLevel int
	)
	for i := range snap.assignments {
		a := &snap.assignments[i]
		if a.Tier.Status == domain.TierInactive {
			continue
		}
		cfg := approvedConfigFor(a.Configs, country, snap.approved)
		if cfg == nil {
			continue
		}
		if best == nil || a.Tier.Level > bestLevel {
			best, bestLevel = cfg, a.Tier.Level
		}
	}
	if best == nil {
		return nil, domain.Reject(domain.ReasonTierConfigNotFound, "tier configuration not found for %s", country)
	}
	out := *best
	return &out, nil
}

// approvedConfigFor returns the config for country when every requirement attached to
// it is approved. A config with no requirements is satisfied.
func approvedConfigFor(configs []domain.TierConfigRequirements, country string, approved map[uuid.UUID]struct{}) *domain.TierConfig {
	for i := range configs {
		c := &configs[i]
		if c.Config.Country != country {
			continue
		}
		for _, id := range c.RequirementIDs {
			if _, found := approved[id]; !found {
				return nil
			}
		}
		return &c.Config
	}
	return nil
}

func (e *Engine) snapshot(ctx context.Context, userID uuid.UUID) (*tierSnapshot, error) {
	if snap, ok := e.cache.get(userID); ok {
		return snap, nil
	}
	assignments, err := e.tiers.ListUserTierAssignments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user tiers: %w", err)
	}
	ids, err := e.tiers.ListApprovedRequirementIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load approved requirements: %w", err)
	}
	snap := &tierSnapshot{
		assignments: assignments,
		approved:    make(map[uuid.UUID]struct{}, len(ids)),
	}
	for _, id := range ids {
		snap.approved[id] = struct{}{}
	}
	e.cache.set(userID, snap)
	return snap, nil
}

type caps struct {
	single, daily, weekly, monthly int64
	pendingCount, weeklyCount      *int64
}

// capsFor selects caps by direction. Transfers and exchanges share the generic
// transaction caps and have no count caps.
func capsFor(c *domain.TierConfig, t domain.TransactionType) caps {
	switch t {
	case domain.TypeDeposit:
		return caps{
			single:       c.MaximumSingleDeposit,
			daily:        c.MaximumDailyDeposit,
			weekly:       c.MaximumWeeklyDeposit,
			monthly:      c.MaximumMonthlyDeposit,
			pendingCount: c.MaximumPendingDepositsCount,
			weeklyCount:  c.MaximumWeeklyDepositCount,
		}
	case domain.TypeWithdrawal:
		return caps{
			single:       c.MaximumSingleWithdrawal,
			daily:        c.MaximumDailyWithdrawal,
			weekly:       c.MaximumWeeklyWithdrawal,
			monthly:      c.MaximumMonthlyWithdrawal,
			pendingCount: c.MaximumPendingWithdrawalsCount,
			weeklyCount:  c.MaximumWeeklyWithdrawalCount,
		}
	default:
		return caps{
			single:  c.MaximumSingleTransaction,
			daily:   c.MaximumDailyTransaction,
			weekly:  c.MaximumWeeklyTransaction,
			monthly: c.MaximumMonthlyTransaction,
		}
	}
}
