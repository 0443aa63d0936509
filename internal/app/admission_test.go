package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/queue"
)

func requireRejection(t *testing.T, err error, reason domain.RejectionReason) {
	t.Helper()
	var admErr *domain.AdmissionError
	require.True(t, errors.As(err, &admErr), "expected admission error, got %v", err)
	assert.Equal(t, reason, admErr.Reason)
	assert.ErrorIs(t, err, domain.ErrAdmissionRejected)
}

func TestInitiateExchange_WritesLedgerPairAndEnqueuesJob(t *testing.T) {
	f := newFixture()
	svc := f.service(f.jobs, ExchangeConfig{})

	res, err := svc.InitiateExchange(context.Background(), f.userID, domain.ExchangeRequest{
		FromCurrency: "ngn", ToCurrency: "usd", Amount: 150025, RateID: f.rateID,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, "job-1", res.JobID)
	assert.True(t, strings.HasPrefix(res.TransactionRef, "EXC-"))
	assert.Len(t, res.TransactionRef, 24)

	parent, line := f.store.onlyTransaction()
	assert.Equal(t, res.TransactionID, parent.ID)
	assert.Equal(t, domain.StatusInitiated, parent.Status)
	assert.Equal(t, int64(150025), parent.Amount)
	assert.Equal(t, int64(1000000), parent.BalanceBefore)
	assert.Equal(t, int64(1000000-150025), parent.BalanceAfter)
	assert.Equal(t, int64(-150025), line.Amount)
	assert.Equal(t, domain.StatusInitiated, line.Status)
	assert.Equal(t, testProvider, line.Provider)

	require.Len(t, f.jobs.jobs, 1)
	job := f.jobs.jobs[0]
	assert.Equal(t, parent.ID, job.TransactionID)
	assert.Equal(t, line.ID, job.FiatTransactionID)
	assert.Equal(t, "acct-1", job.RailAccountRef)
	assert.Equal(t, domain.Destination{Country: "US", Channel: "bank_transfer", Network: "ach"}, job.Destination)
	assert.True(t, job.Rate.Equal(decimal.RequireFromString("0.00065")))
	converted, err := domain.Convert(150025, job.Rate, "NGN", "USD")
	require.NoError(t, err)
	assert.Equal(t, converted, job.ConvertedAmount)
	assert.Equal(t, "1234567890", job.VirtualAccount.AccountNumber)
	assert.Equal(t, 1, f.rail.accountCalls)
	assert.Equal(t, 1, f.store.accountCount())

	require.Len(t, f.limits.calls, 1)
	assert.Equal(t, "NGN", f.limits.calls[0].Currency)
	assert.Equal(t, domain.TypeExchange, f.limits.calls[0].Type)
}

func TestInitiateExchange_EnqueueFailureRollsBackLedger(t *testing.T) {
	cases := map[string]*recordingEnqueuer{
		"enqueue error": {err: errors.New("broker unavailable")},
		"empty job id":  {id: ""},
	}
	for name, jobs := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			svc := f.service(jobs, ExchangeConfig{})

			_, err := svc.InitiateExchange(context.Background(), f.userID, f.request(150025))

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrTransient)
			assert.NotErrorIs(t, err, domain.ErrAdmissionRejected)
			assert.Equal(t, 0, f.store.txCount())
			assert.Equal(t, 0, f.store.accountCount())
		})
	}
}

func TestInitiateExchange_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *fixture, req *domain.ExchangeRequest)
		reason domain.RejectionReason
	}{
		{
			name:   "unverified user",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) { f.store.verified[f.userID] = false },
			reason: domain.ReasonKYCRequired,
		},
		{
			name:   "unsupported pair",
			mutate: func(_ *fixture, req *domain.ExchangeRequest) { req.ToCurrency = "ZAR" },
			reason: domain.ReasonUnsupportedCurrency,
		},
		{
			name:   "insufficient balance",
			mutate: func(_ *fixture, req *domain.ExchangeRequest) { req.Amount = 1000001 },
			reason: domain.ReasonInsufficientBalance,
		},
		{
			name:   "missing source wallet",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) { delete(f.store.wallets, walletKey(f.userID, "NGN")) },
			reason: domain.ReasonUnsupportedCurrency,
		},
		{
			name:   "unknown rate",
			mutate: func(_ *fixture, req *domain.ExchangeRequest) { req.RateID = uuid.New() },
			reason: domain.ReasonRateInvalid,
		},
		{
			name: "expired rate",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) {
				f.store.rates[f.rateID].ExpiresAt = time.Now().Add(-time.Minute)
			},
			reason: domain.ReasonRateInvalid,
		},
		{
			name: "rate quoted for another amount",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) {
				locked := int64(5000)
				f.store.rates[f.rateID].LockedAmount = &locked
			},
			reason: domain.ReasonRateInvalid,
		},
		{
			name:   "no rail account",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) { delete(f.store.railAccounts, f.userID) },
			reason: domain.ReasonRailAccountMissing,
		},
		{
			name:   "virtual account without name",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) { f.rail.account.AccountName = "" },
			reason: domain.ReasonVirtualAccountInvalid,
		},
		{
			name:   "virtual account of wrong type",
			mutate: func(f *fixture, _ *domain.ExchangeRequest) { f.rail.account.Type = "deposit" },
			reason: domain.ReasonVirtualAccountInvalid,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			req := f.request(150025)
			tc.mutate(f, &req)
			svc := f.service(f.jobs, ExchangeConfig{})

			_, err := svc.InitiateExchange(context.Background(), f.userID, req)

			requireRejection(t, err, tc.reason)
			assert.Equal(t, 0, f.store.txCount())
			assert.Empty(t, f.jobs.jobs)
		})
	}
}

func TestInitiateExchange_OutstandingExchangeIsDuplicate(t *testing.T) {
	f := newFixture()
	f.seedExchange(5000)
	svc := f.service(f.jobs, ExchangeConfig{})

	_, err := svc.InitiateExchange(context.Background(), f.userID, f.request(150025))

	requireRejection(t, err, domain.ReasonDuplicatePending)
	assert.Equal(t, 1, f.store.txCount())
	assert.Empty(t, f.jobs.jobs)
}

func TestInitiateExchange_FailedExchangeDoesNotBlock(t *testing.T) {
	f := newFixture()
	job := f.seedExchange(5000)
	require.NoError(t, f.store.MarkExchangeFailed(context.Background(), job.TransactionID, "rail down"))
	svc := f.service(f.jobs, ExchangeConfig{})

	_, err := svc.InitiateExchange(context.Background(), f.userID, f.request(150025))

	require.NoError(t, err)
	assert.Equal(t, 2, f.store.txCount())
}

func TestInitiateExchange_LimitRejectionWritesNothing(t *testing.T) {
	f := newFixture()
	f.limits.err = &domain.LimitExceededError{
		Kind: domain.LimitDaily, Type: domain.TypeExchange, Currency: "NGN", Current: 900000, Limit: 1000000,
	}
	svc := f.service(f.jobs, ExchangeConfig{})

	_, err := svc.InitiateExchange(context.Background(), f.userID, f.request(150025))

	var limitErr *domain.LimitExceededError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, domain.LimitDaily, limitErr.Kind)
	assert.Equal(t, 0, f.store.txCount())
	assert.Equal(t, 0, f.rail.accountCalls)
}

func TestInitiateExchange_NonPositiveAmount(t *testing.T) {
	f := newFixture()
	svc := f.service(f.jobs, ExchangeConfig{})

	_, err := svc.InitiateExchange(context.Background(), f.userID, f.request(0))

	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, f.limits.calls)
}

type stubStrategy struct {
	calls int
}

func (s *stubStrategy) InitiateExchange(ctx context.Context, userID uuid.UUID, req domain.ExchangeRequest) (*domain.ExchangeInitiation, error) {
	s.calls++
	return &domain.ExchangeInitiation{Status: "completed", TransactionRef: "ALT-1"}, nil
}

func TestInitiateExchange_AlternatePairUsesStrategyUnderLimit(t *testing.T) {
	f := newFixture()
	strategy := &stubStrategy{}
	svc := f.service(f.jobs, ExchangeConfig{Strategies: map[string]ExchangeStrategy{"USD-NGN": strategy}})

	res, err := svc.InitiateExchange(context.Background(), f.userID, domain.ExchangeRequest{
		FromCurrency: "USD", ToCurrency: "NGN", Amount: 10000, RateID: f.rateID,
	})

	require.NoError(t, err)
	assert.Equal(t, "ALT-1", res.TransactionRef)
	assert.Equal(t, 1, strategy.calls)
	require.Len(t, f.limits.calls, 1)
	assert.Equal(t, "USD", f.limits.calls[0].Currency)
	assert.Equal(t, 0, f.store.txCount())
}

func TestInitiateExchange_ThroughMemoryQueueAndSaga(t *testing.T) {
	f := newFixture()
	q := queue.NewMemoryQueue(8)
	svc := f.service(q, ExchangeConfig{JobOptions: queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffFixed, Delay: 10 * time.Millisecond},
	}})
	saga := NewExchangeSaga(f.store, f.rail, nil)

	res, err := svc.InitiateExchange(context.Background(), f.userID, f.request(150025))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Consume(ctx, domain.ExchangeQueue, domain.ExchangeJobType, saga.Handle, 2))

	require.Eventually(t, func() bool {
		return f.store.transaction(res.TransactionID).Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := svc.GetExchange(context.Background(), f.userID, res.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, "payin-1", *got.ExternalReference)
	assert.Empty(t, q.Failed())
}

func TestGetExchange_UnknownReferenceIsNotFound(t *testing.T) {
	f := newFixture()
	svc := f.service(f.jobs, ExchangeConfig{})

	_, err := svc.GetExchange(context.Background(), f.userID, "EXC-MISSING")

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveDestination(t *testing.T) {
	d, err := resolveDestination("KES")
	require.NoError(t, err)
	assert.Equal(t, domain.Destination{Country: "KE", Channel: "mobile_money", Network: "local"}, d)

	d, err = resolveDestination("EUR")
	require.NoError(t, err)
	assert.Equal(t, "sepa", d.Network)

	_, err = resolveDestination("BTC")
	requireRejection(t, err, domain.ReasonUnsupportedCurrency)
}
