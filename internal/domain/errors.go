package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLimitExceeded     = errors.New("limit exceeded")
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrTransient         = errors.New("temporarily unavailable")
	ErrCorruptedBalance  = errors.New("corrupted wallet balance")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrNotFound          = errors.New("not found")
)

type LimitKind string

const (
	LimitSingleTransaction LimitKind = "SINGLE_TRANSACTION_LIMIT_EXCEEDED"
	LimitDaily             LimitKind = "DAILY_LIMIT_EXCEEDED"
	LimitWeekly            LimitKind = "WEEKLY_LIMIT_EXCEEDED"
	LimitMonthly           LimitKind = "MONTHLY_LIMIT_EXCEEDED"
	LimitPendingCount      LimitKind = "PENDING_LIMIT_EXCEEDED"
	LimitWeeklyCount       LimitKind = "WEEKLY_COUNT_LIMIT_EXCEEDED"
	LimitPlatformWeekly    LimitKind = "PLATFORM_WEEKLY_LIMIT_EXCEEDED"
)

// LimitExceededError is returned when an amount or count cap would be breached.
// Current is the value already consumed (amount or count) and Limit the cap.
type LimitExceededError struct {
	Kind     LimitKind
	Type     TransactionType
	Currency string
	Current  int64
	Limit    int64
}

func (e *LimitExceededError) Error() string {
	switch e.Kind {
	case LimitPendingCount, LimitWeeklyCount:
		return fmt.Sprintf("%s: %s %s count %d has reached the limit of %d", e.Kind, e.Currency, e.Type, e.Current, e.Limit)
	case LimitSingleTransaction:
		return fmt.Sprintf("%s: %s %s exceeds the single transaction limit of %s", e.Kind, e.Currency, e.Type, FormatMinorUnits(e.Limit, e.Currency))
	default:
		return fmt.Sprintf("%s: %s %s usage %s of %s", e.Kind, e.Currency, e.Type, FormatMinorUnits(e.Current, e.Currency), FormatMinorUnits(e.Limit, e.Currency))
	}
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

type RejectionReason string

const (
	ReasonKYCRequired           RejectionReason = "kyc_required"
	ReasonTierConfigNotFound    RejectionReason = "tier_config_not_found"
	ReasonVirtualAccountInvalid RejectionReason = "virtual_account_invalid"
	ReasonInsufficientBalance   RejectionReason = "insufficient_balance"
	ReasonUnsupportedCurrency   RejectionReason = "unsupported_currency"
	ReasonDuplicatePending      RejectionReason = "duplicate_pending_exchange"
	ReasonRateInvalid           RejectionReason = "rate_invalid"
	ReasonRailAccountMissing    RejectionReason = "rail_account_missing"
)

// AdmissionError is a user-facing rejection raised by the synchronous admission path.
type AdmissionError struct {
	Reason  RejectionReason
	Message string
}

func (e *AdmissionError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return e.Message
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

func Reject(reason RejectionReason, format string, args ...any) *AdmissionError {
	return &AdmissionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// TransientError marks an infrastructure failure the caller may retry. It must never be
// presented as a business rejection.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

func Transient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// ExecutionError is a failure inside the asynchronous saga, tagged with the step.
type ExecutionError struct {
	Step string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("exchange step %s: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
