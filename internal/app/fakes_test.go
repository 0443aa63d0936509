package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/limits"
	"github.com/transfa/wallet-service/internal/lock"
	"github.com/transfa/wallet-service/internal/queue"
	"github.com/transfa/wallet-service/internal/store"
	"github.com/transfa/wallet-service/pkg/railclient"
)

const testProvider = "rail"

// memStore is an in-memory stand-in for the Postgres repository. Ledger pairs written
// inside WithinTx only become visible when fn returns nil.
type memStore struct {
	mu sync.Mutex

	verified     map[uuid.UUID]bool
	wallets      map[string]*domain.Wallet
	rates        map[uuid.UUID]*domain.ExchangeRate
	railAccounts map[uuid.UUID]*domain.RailAccount
	txs          map[uuid.UUID]*domain.Transaction
	lines        map[uuid.UUID]*domain.FiatWalletTransaction
	accounts     map[uuid.UUID]*domain.VirtualAccount

	failedCalls       int
	completeErrs      []error
	recordTransferErr error
	stale             []domain.StaleExchange
	staleErr          error
	staleBefore       time.Time
}

func newMemStore() *memStore {
	return &memStore{
		verified:     map[uuid.UUID]bool{},
		wallets:      map[string]*domain.Wallet{},
		rates:        map[uuid.UUID]*domain.ExchangeRate{},
		railAccounts: map[uuid.UUID]*domain.RailAccount{},
		txs:          map[uuid.UUID]*domain.Transaction{},
		lines:        map[uuid.UUID]*domain.FiatWalletTransaction{},
		accounts:     map[uuid.UUID]*domain.VirtualAccount{},
	}
}

func walletKey(userID uuid.UUID, currency string) string {
	return userID.String() + "|" + currency
}

func (s *memStore) txCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

func (s *memStore) transaction(id uuid.UUID) domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.txs[id]
}

func (s *memStore) line(id uuid.UUID) domain.FiatWalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.lines[id]
}

func (s *memStore) onlyTransaction() (domain.Transaction, domain.FiatWalletTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		for _, l := range s.lines {
			if l.TransactionID == tx.ID {
				return *tx, *l
			}
		}
	}
	panic("no ledger pair stored")
}

func (s *memStore) FindApprovedVerification(ctx context.Context, userID uuid.UUID) (*domain.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.verified[userID] {
		return nil, nil
	}
	return &domain.Verification{ID: uuid.New(), UserID: userID, Status: "approved", ApprovedAt: time.Now()}, nil
}

func (s *memStore) FindExchangeRateByID(ctx context.Context, id uuid.UUID) (*domain.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rates[id]
	if !ok {
		return nil, store.ErrExchangeRateNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) FindRailAccount(ctx context.Context, userID uuid.UUID, provider string) (*domain.RailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.railAccounts[userID]
	if !ok || a.Provider != provider {
		return nil, store.ErrRailAccountNotFound
	}
	cp := *a
	return &cp, nil
}

type memTx struct {
	s        *memStore
	parents  []*domain.Transaction
	lines    []*domain.FiatWalletTransaction
	accounts []*domain.VirtualAccount
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range tx.parents {
		s.txs[p.ID] = p
	}
	for _, l := range tx.lines {
		s.lines[l.ID] = l
	}
	for _, a := range tx.accounts {
		s.accounts[a.TransactionID] = a
	}
	return nil
}

func (s *memStore) accountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (t *memTx) FindVirtualAccountByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.VirtualAccount, error) {
	for _, a := range t.accounts {
		if a.TransactionID == transactionID {
			cp := *a
			return &cp, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.accounts[transactionID]
	if !ok {
		return nil, store.ErrVirtualAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) CreateVirtualAccount(ctx context.Context, account *domain.VirtualAccount) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	cp := *account
	t.accounts = append(t.accounts, &cp)
	return nil
}

func (t *memTx) HasOutstandingExchange(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, l := range t.s.lines {
		if l.UserID != userID || l.Type != domain.TypeExchange || l.Provider != provider {
			continue
		}
		if l.Status == domain.StatusInitiated || l.Status == domain.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) GetUserWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	w, ok := t.s.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) CreateLedgerPair(ctx context.Context, parent *domain.Transaction, line *domain.FiatWalletTransaction) error {
	now := time.Now().UTC()
	parent.CreatedAt, parent.UpdatedAt = now, now
	line.CreatedAt, line.UpdatedAt = now, now
	line.TransactionID = parent.ID
	t.parents = append(t.parents, parent)
	t.lines = append(t.lines, line)
	return nil
}

func (s *memStore) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *memStore) FindTransactionByReference(ctx context.Context, userID uuid.UUID, reference string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.UserID == userID && tx.Reference == reference {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (s *memStore) RecordPayInReference(ctx context.Context, transactionID uuid.UUID, externalReference string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[transactionID]
	if !ok || tx.Status == domain.StatusCompleted {
		return store.ErrTransactionNotFound
	}
	ref := externalReference
	tx.ExternalReference = &ref
	tx.Metadata = mergeMeta(tx.Metadata, metadata)
	return nil
}

func (s *memStore) RecordTransferReference(ctx context.Context, transactionID, fiatTransactionID uuid.UUID, transferReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordTransferErr != nil {
		return s.recordTransferErr
	}
	tx, ok := s.txs[transactionID]
	line, lok := s.lines[fiatTransactionID]
	if !ok || !lok || tx.Status == domain.StatusCompleted {
		return store.ErrTransactionNotFound
	}
	tx.Metadata = mergeMeta(tx.Metadata, map[string]any{domain.MetaTransferReference: transferReference})
	ref := transferReference
	line.ProviderReference = &ref
	return nil
}

func (s *memStore) UpdateTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[transactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	tx.Metadata = mergeMeta(tx.Metadata, metadata)
	return nil
}

func (s *memStore) MarkExchangePending(ctx context.Context, transactionID, fiatTransactionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[transactionID]
	if !ok || tx.Status == domain.StatusCompleted {
		return fmt.Errorf("mark transaction %s pending: %w", transactionID, store.ErrTransactionNotFound)
	}
	line, ok := s.lines[fiatTransactionID]
	if !ok || line.Status == domain.StatusCompleted {
		return fmt.Errorf("mark fiat transaction %s pending: %w", fiatTransactionID, store.ErrTransactionNotFound)
	}
	tx.Status, tx.FailureReason = domain.StatusPending, nil
	line.Status, line.FailureReason = domain.StatusPending, nil
	return nil
}

func (s *memStore) CompleteExchange(ctx context.Context, p store.CompleteExchangeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completeErrs) > 0 {
		err := s.completeErrs[0]
		s.completeErrs = s.completeErrs[1:]
		return err
	}
	tx, ok := s.txs[p.TransactionID]
	if !ok || tx.Status != domain.StatusPending {
		return fmt.Errorf("complete transaction %s: %w", p.TransactionID, store.ErrTransactionNotFound)
	}
	line, ok := s.lines[p.FiatTransactionID]
	if !ok || line.Status != domain.StatusPending {
		return fmt.Errorf("complete fiat transaction %s: %w", p.FiatTransactionID, store.ErrTransactionNotFound)
	}
	tx.Status = domain.StatusCompleted
	tx.Metadata = mergeMeta(tx.Metadata, map[string]any{
		"total_fee_local":   p.TotalFeeLocal,
		"total_fee_usd":     p.TotalFeeUSD,
		"credited_amount":   p.CreditedAmount,
		"local_amount_paid": p.LocalAmountPaid,
	})
	tx.Metadata = mergeMeta(tx.Metadata, p.Metadata)
	ref := p.ProviderReference
	line.Status = domain.StatusCompleted
	line.ProviderReference = &ref
	line.ProviderMetadata = mergeMeta(line.ProviderMetadata, p.ProviderMetadata)
	return nil
}

func (s *memStore) MarkExchangeFailed(ctx context.Context, transactionID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCalls++
	tx, ok := s.txs[transactionID]
	if !ok || tx.Status == domain.StatusCompleted {
		return nil
	}
	r := reason
	tx.Status, tx.FailureReason = domain.StatusFailed, &r
	for _, l := range s.lines {
		if l.TransactionID == transactionID && l.Status != domain.StatusCompleted {
			l.Status, l.FailureReason = domain.StatusFailed, &r
		}
	}
	return nil
}

func (s *memStore) ListStaleExchanges(ctx context.Context, olderThan time.Time, limit int) ([]domain.StaleExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleBefore = olderThan
	return s.stale, s.staleErr
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// fakeRail records every call the saga and the virtual account service make.
type fakeRail struct {
	mu sync.Mutex

	payIn       *railclient.PayInResponse
	payInErr    error
	transferRef string
	transferErr error
	verified    bool
	verifyErr   error
	cancelErr   error
	account     *railclient.VirtualAccountResponse
	accountErr  error

	payInCalls    int
	transferCalls int
	transferKeys  []string
	accountCalls  int
	cancelled     []string
}

func newFakeRail() *fakeRail {
	return &fakeRail{
		payIn: &railclient.PayInResponse{
			ID:              "payin-1",
			Status:          "open",
			ConvertedAmount: 98,
			ReceiveAmount:   95,
			Fees:            railclient.Fees{BaseFeeLocal: 1000, NetworkFeeLocal: 25, BaseFeeUSD: 1},
			BankInfo:        railclient.BankInfo{AccountNumber: "9900112233", AccountName: "Rail Settlement", BankName: "Rail Bank"},
		},
		transferRef: "tr-1",
		verified:    true,
		account: &railclient.VirtualAccountResponse{
			ID:            "va-1",
			Type:          string(domain.VirtualAccountExchange),
			AccountNumber: "1234567890",
			AccountName:   "Ada Exchange",
			BankName:      "Rail Bank",
		},
	}
}

func (r *fakeRail) OpenPayInRequest(ctx context.Context, payload railclient.PayInRequest) (*railclient.PayInResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payInCalls++
	if r.payInErr != nil {
		return nil, r.payInErr
	}
	cp := *r.payIn
	return &cp, nil
}

func (r *fakeRail) CancelPayInRequest(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, ref)
	return r.cancelErr
}

func (r *fakeRail) TransferFunds(ctx context.Context, payload railclient.TransferRequest) (*railclient.TransferResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transferCalls++
	r.transferKeys = append(r.transferKeys, payload.IdempotencyKey)
	if r.transferErr != nil {
		return nil, r.transferErr
	}
	return &railclient.TransferResponse{TransactionReference: r.transferRef, Status: "processing"}, nil
}

func (r *fakeRail) VerifyTransferStatus(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verified, r.verifyErr
}

func (r *fakeRail) CreateVirtualAccount(ctx context.Context, payload railclient.VirtualAccountRequest) (*railclient.VirtualAccountResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accountCalls++
	if r.accountErr != nil {
		return nil, r.accountErr
	}
	cp := *r.account
	return &cp, nil
}

func (r *fakeRail) cancelCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

// passLimits admits everything unless err is set.
type passLimits struct {
	mu    sync.Mutex
	err   error
	calls []limits.Request
}

func (l *passLimits) Admit(ctx context.Context, req limits.Request, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(ctx)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	id   string
	err  error
	jobs []domain.ExchangeJob
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if job, ok := payload.(domain.ExchangeJob); ok {
		e.jobs = append(e.jobs, job)
	}
	return e.id, e.err
}

type fixture struct {
	userID uuid.UUID
	rateID uuid.UUID
	store  *memStore
	rail   *fakeRail
	limits *passLimits
	jobs   *recordingEnqueuer
}

// newFixture seeds a verified user holding 10,000.00 NGN with a linked rail account
// and a live NGN-USD rate.
func newFixture() *fixture {
	f := &fixture{
		userID: uuid.New(),
		rateID: uuid.New(),
		store:  newMemStore(),
		rail:   newFakeRail(),
		limits: &passLimits{},
		jobs:   &recordingEnqueuer{id: "job-1"},
	}
	f.store.verified[f.userID] = true
	f.store.wallets[walletKey(f.userID, "NGN")] = &domain.Wallet{ID: uuid.New(), UserID: f.userID, Currency: "NGN", Balance: "1000000"}
	f.store.railAccounts[f.userID] = &domain.RailAccount{UserID: f.userID, Provider: testProvider, AccountRef: "acct-1"}
	f.store.rates[f.rateID] = &domain.ExchangeRate{
		ID:           f.rateID,
		FromCurrency: "NGN",
		ToCurrency:   "USD",
		Side:         domain.SideSell,
		Rate:         decimal.RequireFromString("0.00065"),
		FeePercent:   decimal.RequireFromString("1.5"),
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}
	return f
}

func (f *fixture) request(amount int64) domain.ExchangeRequest {
	return domain.ExchangeRequest{FromCurrency: "NGN", ToCurrency: "USD", Amount: amount, RateID: f.rateID}
}

func (f *fixture) service(jobs queue.Enqueuer, cfg ExchangeConfig) *ExchangeService {
	if cfg.Provider == "" {
		cfg.Provider = testProvider
	}
	if cfg.DefaultPairs == nil {
		cfg.DefaultPairs = []string{"NGN-USD"}
	}
	return NewExchangeService(ExchangeDeps{
		Verifications:   f.store,
		Rates:           f.store,
		RailAccounts:    f.store,
		Ledger:          f.store,
		UnitOfWork:      f.store,
		Limits:          f.limits,
		Locker:          lock.NewManager(lock.NewMemoryStore(), lock.Options{TTL: time.Second, RetryCount: 50, RetryDelay: time.Millisecond}),
		VirtualAccounts: NewVirtualAccountService(f.rail),
		Jobs:            jobs,
	}, cfg)
}

// seedExchange stores an INITIATED exchange pair directly and returns the job that
// admission would have enqueued for it.
func (f *fixture) seedExchange(amount int64) domain.ExchangeJob {
	parentID, lineID := uuid.New(), uuid.New()
	now := time.Now().UTC()
	f.store.mu.Lock()
	f.store.txs[parentID] = &domain.Transaction{
		ID: parentID, UserID: f.userID, Reference: "EXC-SEEDED", Type: domain.TypeExchange,
		Category: domain.CategoryFiat, Scope: domain.ScopeExternal, Status: domain.StatusInitiated,
		Amount: amount, Asset: "NGN", Metadata: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}
	f.store.lines[lineID] = &domain.FiatWalletTransaction{
		ID: lineID, TransactionID: parentID, UserID: f.userID, Type: domain.TypeExchange,
		Status: domain.StatusInitiated, Amount: -amount, Currency: "NGN", Provider: testProvider,
		CreatedAt: now, UpdatedAt: now,
	}
	f.store.mu.Unlock()

	rate := decimal.RequireFromString("0.00065")
	converted, err := domain.Convert(amount, rate, "NGN", "USD")
	if err != nil {
		panic(err)
	}
	return domain.ExchangeJob{
		UserID:            f.userID,
		TransactionID:     parentID,
		FiatTransactionID: lineID,
		TransactionRef:    "EXC-SEEDED",
		Provider:          testProvider,
		RailAccountRef:    "acct-1",
		Destination:       domain.Destination{Country: "US", Channel: "bank_transfer", Network: "ach"},
		Request:           f.request(amount),
		RateID:            f.rateID,
		Rate:              rate,
		FeePercent:        decimal.RequireFromString("1.5"),
		LocalAmount:       amount,
		ConvertedAmount:   converted,
		VirtualAccount: domain.VirtualAccount{
			Type: domain.VirtualAccountExchange, AccountNumber: "1234567890", AccountName: "Ada Exchange",
		},
		CreatedAt: now,
	}
}
