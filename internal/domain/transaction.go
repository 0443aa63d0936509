/**
 * @description
 * This file defines the ledger models owned by the wallet-service: the parent
 * Transaction and the per-wallet FiatWalletTransaction line.
 *
 * @notes
 * - Amounts are `int64` in the currency's smallest unit. Parent amounts are always
 *   positive; wallet lines are signed (negative = debit).
 * - Rows are created once in INITIATED and only ever advanced by the exchange saga.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "INITIATED"
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// IsTerminal reports whether no further saga step may change the status.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// OutstandingStatuses are the statuses that still hold quota: the money has left the
// user's control but has not settled or failed yet.
var OutstandingStatuses = []TransactionStatus{StatusInitiated, StatusPending}

// QuotaStatuses are the statuses counted by rolling-window sums.
var QuotaStatuses = []TransactionStatus{StatusInitiated, StatusPending, StatusCompleted}

type TransactionType string

const (
	TypeDeposit     TransactionType = "deposit"
	TypeWithdrawal  TransactionType = "withdrawal"
	TypeTransferIn  TransactionType = "transfer_in"
	TypeTransferOut TransactionType = "transfer_out"
	TypeExchange    TransactionType = "exchange"
)

// Valid reports whether t is one of the supported transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeTransferIn, TypeTransferOut, TypeExchange:
		return true
	}
	return false
}

// IsDebit reports whether wallet lines of this type are stored negative.
func (t TransactionType) IsDebit() bool {
	switch t {
	case TypeWithdrawal, TypeTransferOut, TypeExchange:
		return true
	}
	return false
}

const (
	CategoryFiat  = "fiat"
	ScopeExternal = "external"
)

// Metadata keys the exchange saga checkpoints on the parent transaction.
const (
	MetaPayInQuote        = "payin_quote"
	MetaPayInCancelled    = "payin_cancelled"
	MetaTransferReference = "transfer_reference"
)

// Transaction is the parent ledger entry. It maps to the `transactions` table.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	Reference         string            `json:"reference"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	Type              TransactionType   `json:"type"`
	Category          string            `json:"category"`
	Scope             string            `json:"scope"`
	Status            TransactionStatus `json:"status"`
	Amount            int64             `json:"amount"`
	Asset             string            `json:"asset"`
	BalanceBefore     int64             `json:"balance_before"`
	BalanceAfter      int64             `json:"balance_after"`
	Description       string            `json:"description"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// FiatWalletTransaction is the per-wallet ledger line tied 1:1 to a Transaction.
type FiatWalletTransaction struct {
	ID                uuid.UUID         `json:"id"`
	TransactionID     uuid.UUID         `json:"transaction_id"`
	UserID            uuid.UUID         `json:"user_id"`
	WalletID          uuid.UUID         `json:"wallet_id"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	BalanceBefore     int64             `json:"balance_before"`
	BalanceAfter      int64             `json:"balance_after"`
	Provider          string            `json:"provider"`
	ProviderReference *string           `json:"provider_reference,omitempty"`
	ProviderMetadata  map[string]any    `json:"provider_metadata,omitempty"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Wallet is the read model returned by the wallet balance provider. Balance is kept
// as the raw stored text so corrupted values can be detected before use.
type Wallet struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Currency string    `json:"currency"`
	Balance  string    `json:"balance"`
}

// Verification is an identity-verification record.
type Verification struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"`
	ApprovedAt time.Time `json:"approved_at"`
}

// RailAccount links a user to their account on the external rail.
type RailAccount struct {
	UserID     uuid.UUID `json:"user_id"`
	Provider   string    `json:"provider"`
	AccountRef string    `json:"account_ref"`
}

// StaleExchange is a summary row used by the reconciliation sweep.
type StaleExchange struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	UserID        uuid.UUID         `json:"user_id"`
	Reference     string            `json:"reference"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Asset         string            `json:"asset"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
