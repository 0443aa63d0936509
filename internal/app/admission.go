/**
 * @description
 * This file contains the synchronous exchange admission path. `InitiateExchange`
 * runs every gate in order (verification, tier limits, pair routing, rate
 * snapshot, rail account, then one database unit of work holding the duplicate
 * guard, balance validation, ledger pair, virtual account and job enqueue) and
 * returns "processing" once the job has been handed to the queue.
 *
 * Key features:
 * - The limit check and everything after it run inside the limit lock, and the
 *   unit of work additionally runs inside `exchange:{userId}:{from}-{to}`.
 * - A failed or id-less enqueue aborts the unit of work, so no ledger rows are
 *   left behind without a job to drive them.
 *
 * @dependencies
 * - internal/limits, internal/lock, internal/queue, internal/store.
 * - github.com/sirupsen/logrus: structured logs.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/limits"
	"github.com/transfa/wallet-service/internal/lock"
	"github.com/transfa/wallet-service/internal/queue"
	"github.com/transfa/wallet-service/internal/store"
)

const StatusProcessing = "processing"

// LimitAdmitter runs fn only when the limit check for req passes, under the limit lock.
type LimitAdmitter interface {
	Admit(ctx context.Context, req limits.Request, fn func(ctx context.Context) error) error
}

// ExchangeStrategy executes currency pairs that do not use the default rail flow.
// It runs under the limit lock and must not re-enter the limit engine for the same
// user, currency and type.
type ExchangeStrategy interface {
	InitiateExchange(ctx context.Context, userID uuid.UUID, req domain.ExchangeRequest) (*domain.ExchangeInitiation, error)
}

// VirtualAccountProvider returns the receiving account scoped to one transaction,
// creating it on first use.
type VirtualAccountProvider interface {
	FindOrCreate(ctx context.Context, accounts store.VirtualAccountRepository, params VirtualAccountParams) (*domain.VirtualAccount, error)
}

// ExchangeConfig holds the admission settings.
type ExchangeConfig struct {
	Provider string
	// Queue defaults to domain.ExchangeQueue.
	Queue string
	// DefaultPairs run on the rail flow, e.g. "NGN-USD".
	DefaultPairs []string
	// Strategies handle the remaining supported pairs.
	Strategies map[string]ExchangeStrategy
	JobOptions queue.Options
	LockTTL    time.Duration
}

// ExchangeService is the exchange admission orchestrator.
type ExchangeService struct {
	verifications   store.VerificationRepository
	rates           store.ExchangeRateRepository
	railAccounts    store.RailAccountRepository
	ledger          store.LedgerRepository
	uow             store.UnitOfWork
	limits          LimitAdmitter
	locker          lock.Locker
	virtualAccounts VirtualAccountProvider
	jobs            queue.Enqueuer
	metrics         *Metrics
	cfg             ExchangeConfig
	defaultPairs    map[string]bool
	now             func() time.Time
}

// ExchangeDeps groups the collaborators of ExchangeService.
type ExchangeDeps struct {
	Verifications   store.VerificationRepository
	Rates           store.ExchangeRateRepository
	RailAccounts    store.RailAccountRepository
	Ledger          store.LedgerRepository
	UnitOfWork      store.UnitOfWork
	Limits          LimitAdmitter
	Locker          lock.Locker
	VirtualAccounts VirtualAccountProvider
	Jobs            queue.Enqueuer
	Metrics         *Metrics
}

// NewExchangeService creates a new exchange admission service.
func NewExchangeService(deps ExchangeDeps, cfg ExchangeConfig) *ExchangeService {
	if cfg.Queue == "" {
		cfg.Queue = domain.ExchangeQueue
	}
	pairs := make(map[string]bool, len(cfg.DefaultPairs))
	for _, p := range cfg.DefaultPairs {
		pairs[strings.ToUpper(strings.TrimSpace(p))] = true
	}
	return &ExchangeService{
		verifications:   deps.Verifications,
		rates:           deps.Rates,
		railAccounts:    deps.RailAccounts,
		ledger:          deps.Ledger,
		uow:             deps.UnitOfWork,
		limits:          deps.Limits,
		locker:          deps.Locker,
		virtualAccounts: deps.VirtualAccounts,
		jobs:            deps.Jobs,
		metrics:         deps.Metrics,
		cfg:             cfg,
		defaultPairs:    pairs,
		now:             time.Now,
	}
}

// InitiateExchange admits an exchange and enqueues its execution. Admission errors
// propagate to the caller unchanged.
func (s *ExchangeService) InitiateExchange(ctx context.Context, userID uuid.UUID, req domain.ExchangeRequest) (*domain.ExchangeInitiation, error) {
	req.FromCurrency = domain.NormalizeCurrency(req.FromCurrency)
	req.ToCurrency = domain.NormalizeCurrency(req.ToCurrency)
	log := logrus.WithFields(logrus.Fields{
		"component": "exchange_admission",
		"user_id":   userID,
		"pair":      req.Pair(),
		"amount":    req.Amount,
	})

	result, err := s.initiate(ctx, userID, req)
	if err != nil {
		s.metrics.admission(admissionOutcome(err))
		log.WithError(err).Warn("exchange admission failed")
		return nil, err
	}
	s.metrics.admission("accepted")
	log.WithFields(logrus.Fields{"transaction_ref": result.TransactionRef, "job_id": result.JobID}).Info("exchange admitted")
	return result, nil
}

func admissionOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, domain.ErrAdmissionRejected):
		return "rejected"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func (s *ExchangeService) initiate(ctx context.Context, userID uuid.UUID, req domain.ExchangeRequest) (*domain.ExchangeInitiation, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}

	verification, err := s.verifications.FindApprovedVerification(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up verification: %w", err)
	}
	if verification == nil {
		return nil, domain.Reject(domain.ReasonKYCRequired, "identity verification is required before exchanging")
	}

	pair := req.Pair()
	strategy, isAlternate := s.cfg.Strategies[pair]
	if !s.defaultPairs[pair] && !isAlternate {
		return nil, domain.Reject(domain.ReasonUnsupportedCurrency, "exchange from %s to %s is not supported", req.FromCurrency, req.ToCurrency)
	}

	var result *domain.ExchangeInitiation
	limitReq := limits.Request{UserID: userID, Amount: req.Amount, Currency: req.FromCurrency, Type: domain.TypeExchange}
	err = s.limits.Admit(ctx, limitReq, func(ctx context.Context) error {
		if isAlternate {
			r, err := strategy.InitiateExchange(ctx, userID, req)
			result = r
			return err
		}

		key := fmt.Sprintf("exchange:%s:%s", userID, pair)
		var opts []lock.Option
		if s.cfg.LockTTL > 0 {
			opts = append(opts, lock.WithTTL(s.cfg.LockTTL))
		}
		lockErr := s.locker.WithLock(ctx, key, func(ctx context.Context) error {
			r, err := s.admitLocked(ctx, userID, req)
			result = r
			return err
		}, opts...)
		var transient *domain.TransientError
		if errors.Is(lockErr, lock.ErrNotAcquired) && !errors.As(lockErr, &transient) {
			return domain.Transient("acquire exchange lock", lockErr)
		}
		return lockErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// admitLocked runs with the exchange lock held.
func (s *ExchangeService) admitLocked(ctx context.Context, userID uuid.UUID, req domain.ExchangeRequest) (*domain.ExchangeInitiation, error) {
	rate, err := s.rates.FindExchangeRateByID(ctx, req.RateID)
	if err != nil {
		if errors.Is(err, store.ErrExchangeRateNotFound) {
			return nil, domain.Reject(domain.ReasonRateInvalid, "exchange rate %s not found", req.RateID)
		}
		return nil, fmt.Errorf("failed to load exchange rate: %w", err)
	}
	if err := rate.Validate(req, req.Amount, s.now()); err != nil {
		return nil, err
	}

	railAccount, err := s.railAccounts.FindRailAccount(ctx, userID, s.cfg.Provider)
	if err != nil {
		if errors.Is(err, store.ErrRailAccountNotFound) {
			return nil, domain.Reject(domain.ReasonRailAccountMissing, "no %s account linked for this user", s.cfg.Provider)
		}
		return nil, fmt.Errorf("failed to load rail account: %w", err)
	}

	var result *domain.ExchangeInitiation
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		outstanding, err := tx.HasOutstandingExchange(ctx, userID, s.cfg.Provider)
		if err != nil {
			return fmt.Errorf("failed to check outstanding exchanges: %w", err)
		}
		if outstanding {
			return domain.Reject(domain.ReasonDuplicatePending, "another exchange is still being processed")
		}

		wallet, err := tx.GetUserWallet(ctx, userID, req.FromCurrency)
		if err != nil {
			if errors.Is(err, store.ErrWalletNotFound) {
				return domain.Reject(domain.ReasonUnsupportedCurrency, "no %s wallet found", req.FromCurrency)
			}
			return fmt.Errorf("failed to load wallet: %w", err)
		}
		balance, err := domain.ParseStoredBalance(wallet.Balance)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", wallet.ID, err)
		}
		if balance < req.Amount {
			return domain.Reject(domain.ReasonInsufficientBalance, "insufficient %s balance", req.FromCurrency)
		}

		converted, err := domain.Convert(req.Amount, rate.Rate, req.FromCurrency, req.ToCurrency)
		if err != nil {
			return err
		}
		parent := &domain.Transaction{
			ID:            uuid.New(),
			UserID:        userID,
			Reference:     newExchangeReference(),
			Type:          domain.TypeExchange,
			Category:      domain.CategoryFiat,
			Scope:         domain.ScopeExternal,
			Status:        domain.StatusInitiated,
			Amount:        req.Amount,
			Asset:         req.FromCurrency,
			BalanceBefore: balance,
			BalanceAfter:  balance - req.Amount,
			Description:   fmt.Sprintf("Exchange %s to %s", req.FromCurrency, req.ToCurrency),
			Metadata: map[string]any{
				"rate_id":          rate.ID.String(),
				"rate":             rate.Rate.String(),
				"to_currency":      req.ToCurrency,
				"converted_amount": converted,
			},
		}
		line := &domain.FiatWalletTransaction{
			ID:            uuid.New(),
			UserID:        userID,
			WalletID:      wallet.ID,
			Type:          domain.TypeExchange,
			Status:        domain.StatusInitiated,
			Amount:        -req.Amount,
			Currency:      req.FromCurrency,
			BalanceBefore: balance,
			BalanceAfter:  balance - req.Amount,
			Provider:      s.cfg.Provider,
			ProviderMetadata: map[string]any{
				"rate_id":     rate.ID.String(),
				"rate":        rate.Rate.String(),
				"fee_percent": rate.FeePercent.String(),
				"side":        string(rate.Side),
			},
		}
		if err := tx.CreateLedgerPair(ctx, parent, line); err != nil {
			return fmt.Errorf("failed to create ledger entries: %w", err)
		}

		account, err := s.virtualAccounts.FindOrCreate(ctx, tx, VirtualAccountParams{
			UserID:        userID,
			TransactionID: parent.ID,
			Reference:     parent.Reference,
			RailAccount:   railAccount.AccountRef,
			Currency:      req.ToCurrency,
			Type:          domain.VirtualAccountExchange,
		})
		if err != nil {
			return fmt.Errorf("failed to provision virtual account: %w", err)
		}
		if missing := account.MissingFields(domain.VirtualAccountExchange); len(missing) > 0 {
			return domain.Reject(domain.ReasonVirtualAccountInvalid, "virtual account is missing %s", strings.Join(missing, ", "))
		}

		destination, err := resolveDestination(req.ToCurrency)
		if err != nil {
			return err
		}

		job := domain.ExchangeJob{
			UserID:            userID,
			TransactionID:     parent.ID,
			FiatTransactionID: line.ID,
			TransactionRef:    parent.Reference,
			Provider:          s.cfg.Provider,
			RailAccountRef:    railAccount.AccountRef,
			Destination:       destination,
			Request:           req,
			RateID:            rate.ID,
			Rate:              rate.Rate,
			FeePercent:        rate.FeePercent,
			LocalAmount:       req.Amount,
			ConvertedAmount:   converted,
			VirtualAccount:    *account,
			CreatedAt:         s.now().UTC(),
		}
		jobID, err := s.jobs.Enqueue(ctx, s.cfg.Queue, domain.ExchangeJobType, job, s.cfg.JobOptions)
		if err != nil {
			return domain.Transient("enqueue exchange job", err)
		}
		if jobID == "" {
			return domain.Transient("enqueue exchange job", queue.ErrNoJobID)
		}

		result = &domain.ExchangeInitiation{
			Status:         StatusProcessing,
			TransactionID:  parent.ID,
			TransactionRef: parent.Reference,
			JobID:          jobID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetExchange returns an exchange owned by userID.
func (s *ExchangeService) GetExchange(ctx context.Context, userID uuid.UUID, reference string) (*domain.Transaction, error) {
	tx, err := s.ledger.FindTransactionByReference(ctx, userID, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, fmt.Errorf("exchange %s: %w", reference, domain.ErrNotFound)
		}
		return nil, err
	}
	if tx.Type != domain.TypeExchange {
		return nil, fmt.Errorf("exchange %s: %w", reference, domain.ErrNotFound)
	}
	return tx, nil
}

func newExchangeReference() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "EXC-" + id[:20]
}

// resolveDestination picks the payout channel for the destination currency. It is
// informational for fee and limit display.
func resolveDestination(currency string) (domain.Destination, error) {
	country, ok := domain.CountryForCurrency(currency)
	if !ok {
		return domain.Destination{}, domain.Reject(domain.ReasonUnsupportedCurrency, "unsupported destination currency %s", currency)
	}
	d := domain.Destination{Country: country, Channel: "bank_transfer", Network: "local"}
	switch currency {
	case "USD":
		d.Network = "ach"
	case "EUR":
		d.Network = "sepa"
	case "GBP":
		d.Network = "faster_payments"
	case "KES", "GHS":
		d.Channel = "mobile_money"
	}
	return d, nil
}
