/**
 * @description
 * This file defines the data access contracts used by the wallet-service core.
 * Business logic depends on these interfaces only, so the limit engine and the
 * exchange saga can be exercised against stubs in tests and against PostgreSQL
 * in production.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: read models and ledger rows.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/wallet-service/internal/domain"
)

var (
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrExchangeRateNotFound   = errors.New("exchange rate not found")
	ErrRailAccountNotFound    = errors.New("rail account not found")
	ErrVirtualAccountNotFound = errors.New("virtual account not found")
)

// QuotaRepository aggregates ledger amounts and counts over rolling windows.
type QuotaRepository interface {
	// SumTransactions returns signed sums per transaction type for the user's wallet
	// lines in currency with one of statuses, created at or after since.
	SumTransactions(ctx context.Context, userID uuid.UUID, currency string, statuses []domain.TransactionStatus, since time.Time) (map[domain.TransactionType]int64, error)
	CountPending(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, currency string) (int64, error)
	CountInPastWeek(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, currency string) (int64, error)
	// SumProviderTransactions sums absolute amounts across every user of a provider.
	SumProviderTransactions(ctx context.Context, provider, currency string, txType domain.TransactionType, since time.Time) (int64, error)
}

// TierRepository returns fully-resolved tier read models.
type TierRepository interface {
	ListUserTierAssignments(ctx context.Context, userID uuid.UUID) ([]domain.UserTierAssignment, error)
	ListApprovedRequirementIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// VerificationRepository looks up identity verification state.
type VerificationRepository interface {
	// FindApprovedVerification returns nil, nil when the user has no approved record.
	FindApprovedVerification(ctx context.Context, userID uuid.UUID) (*domain.Verification, error)
}

// WalletRepository is the wallet balance provider.
type WalletRepository interface {
	GetUserWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error)
}

type ExchangeRateRepository interface {
	FindExchangeRateByID(ctx context.Context, id uuid.UUID) (*domain.ExchangeRate, error)
}

type RailAccountRepository interface {
	FindRailAccount(ctx context.Context, userID uuid.UUID, provider string) (*domain.RailAccount, error)
}

type VirtualAccountRepository interface {
	FindVirtualAccountByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.VirtualAccount, error)
	CreateVirtualAccount(ctx context.Context, account *domain.VirtualAccount) error
}

// LedgerTx is the set of operations available inside one atomic unit of work.
type LedgerTx interface {
	VirtualAccountRepository
	HasOutstandingExchange(ctx context.Context, userID uuid.UUID, provider string) (bool, error)
	GetUserWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error)
	CreateLedgerPair(ctx context.Context, parent *domain.Transaction, line *domain.FiatWalletTransaction) error
}

// UnitOfWork runs fn inside one database transaction. Any error returned by fn rolls
// the transaction back.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// CompleteExchangeParams carries the reconciled numbers written when an exchange settles.
type CompleteExchangeParams struct {
	TransactionID     uuid.UUID
	FiatTransactionID uuid.UUID
	ProviderReference string
	TotalFeeLocal     int64
	TotalFeeUSD       int64
	CreditedAmount    int64
	LocalAmountPaid   int64
	ProviderMetadata  map[string]any
	Metadata          map[string]any
}

// LedgerRepository owns the status transitions of exchange ledger rows.
type LedgerRepository interface {
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, userID uuid.UUID, reference string) (*domain.Transaction, error)
	RecordPayInReference(ctx context.Context, transactionID uuid.UUID, externalReference string, metadata map[string]any) error
	// RecordTransferReference checkpoints a transfer the rail accepted on both rows.
	RecordTransferReference(ctx context.Context, transactionID, fiatTransactionID uuid.UUID, transferReference string) error
	UpdateTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata map[string]any) error
	MarkExchangePending(ctx context.Context, transactionID, fiatTransactionID uuid.UUID) error
	// CompleteExchange is the only operation that sets COMPLETED.
	CompleteExchange(ctx context.Context, params CompleteExchangeParams) error
	// MarkExchangeFailed is idempotent and never overrides COMPLETED.
	MarkExchangeFailed(ctx context.Context, transactionID uuid.UUID, reason string) error
	ListStaleExchanges(ctx context.Context, olderThan time.Time, limit int) ([]domain.StaleExchange, error)
}
