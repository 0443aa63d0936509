/**
 * @description
 * Exchange models: the rate snapshot fixed at admission, the transaction-scoped
 * virtual account, the inbound request DTO and the self-contained job descriptor
 * handed to the execution saga.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ExchangeSide string

const (
	SideBuy  ExchangeSide = "buy"
	SideSell ExchangeSide = "sell"
)

// ExchangeRate is an immutable rate snapshot. Rate and fees are fixed when the snapshot
// is validated at admission and never re-read during execution.
type ExchangeRate struct {
	ID           uuid.UUID       `json:"id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Side         ExchangeSide    `json:"side"`
	Rate         decimal.Decimal `json:"rate"`
	FeePercent   decimal.Decimal `json:"fee_percent"`
	LockedAmount *int64          `json:"locked_amount,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Validate checks that the snapshot can still be used for the requested exchange.
func (r *ExchangeRate) Validate(req ExchangeRequest, amount int64, now time.Time) error {
	if !now.Before(r.ExpiresAt) {
		return Reject(ReasonRateInvalid, "exchange rate %s expired at %s", r.ID, r.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if NormalizeCurrency(r.FromCurrency) != NormalizeCurrency(req.FromCurrency) ||
		NormalizeCurrency(r.ToCurrency) != NormalizeCurrency(req.ToCurrency) {
		return Reject(ReasonRateInvalid, "exchange rate %s is for %s-%s", r.ID, r.FromCurrency, r.ToCurrency)
	}
	if req.Side != "" && r.Side != req.Side {
		return Reject(ReasonRateInvalid, "exchange rate %s is a %s quote", r.ID, r.Side)
	}
	if r.LockedAmount != nil && *r.LockedAmount != amount {
		return Reject(ReasonRateInvalid, "exchange rate %s was quoted for a different amount", r.ID)
	}
	if !r.Rate.IsPositive() {
		return Reject(ReasonRateInvalid, "exchange rate %s has no usable rate", r.ID)
	}
	return nil
}

type VirtualAccountType string

const VirtualAccountExchange VirtualAccountType = "exchange"

// VirtualAccount is a receiving account scoped to one parent transaction.
type VirtualAccount struct {
	ID            uuid.UUID          `json:"id"`
	UserID        uuid.UUID          `json:"user_id"`
	TransactionID uuid.UUID          `json:"transaction_id"`
	Type          VirtualAccountType `json:"type"`
	AccountNumber string             `json:"account_number"`
	AccountName   string             `json:"account_name"`
	BankName      string             `json:"bank_name"`
	ProviderRef   string             `json:"provider_ref"`
}

// MissingFields lists the required fields that are empty.
func (v *VirtualAccount) MissingFields(expected VirtualAccountType) []string {
	var missing []string
	if v.Type != expected {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(v.AccountNumber) == "" {
		missing = append(missing, "account_number")
	}
	if strings.TrimSpace(v.AccountName) == "" {
		missing = append(missing, "account_name")
	}
	return missing
}

// ExchangeRequest is the admission input. Amount is in the source currency's smallest unit.
type ExchangeRequest struct {
	FromCurrency string       `json:"from_currency"`
	ToCurrency   string       `json:"to_currency"`
	Amount       int64        `json:"amount"`
	RateID       uuid.UUID    `json:"rate_id"`
	Side         ExchangeSide `json:"side,omitempty"`
}

// Pair returns the "FROM-TO" form used in lock keys and routing.
func (r ExchangeRequest) Pair() string {
	return fmt.Sprintf("%s-%s", NormalizeCurrency(r.FromCurrency), NormalizeCurrency(r.ToCurrency))
}

// ExchangeInitiation is returned to the caller once admission succeeds.
type ExchangeInitiation struct {
	Status         string    `json:"status"`
	TransactionID  uuid.UUID `json:"transaction_id"`
	TransactionRef string    `json:"transaction_ref"`
	JobID          string    `json:"job_id"`
}

// Destination is the resolved receiving side of an exchange.
type Destination struct {
	Country string `json:"country"`
	Channel string `json:"channel"`
	Network string `json:"network"`
}

// ExchangeJob is the self-contained descriptor executed by the saga worker. It may be
// processed by another process after an arbitrary delay, so everything the saga needs
// is captured here at admission time.
type ExchangeJob struct {
	UserID            uuid.UUID       `json:"user_id"`
	TransactionID     uuid.UUID       `json:"transaction_id"`
	FiatTransactionID uuid.UUID       `json:"fiat_transaction_id"`
	TransactionRef    string          `json:"transaction_ref"`
	Provider          string          `json:"provider"`
	RailAccountRef    string          `json:"rail_account_ref"`
	Destination       Destination     `json:"destination"`
	Request           ExchangeRequest `json:"request"`
	RateID            uuid.UUID       `json:"rate_id"`
	Rate              decimal.Decimal `json:"rate"`
	FeePercent        decimal.Decimal `json:"fee_percent"`
	LocalAmount       int64           `json:"local_amount"`
	ConvertedAmount   int64           `json:"converted_amount"`
	VirtualAccount    VirtualAccount  `json:"virtual_account"`
	CreatedAt         time.Time       `json:"created_at"`
}

const (
	ExchangeQueue   = "exchange"
	ExchangeJobType = "execute_exchange"
)
