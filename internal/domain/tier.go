package domain

import "github.com/google/uuid"

type TierStatus string

const (
	TierActive   TierStatus = "active"
	TierInactive TierStatus = "inactive"
)

// Tier is a named privilege level. Higher Level means more privilege.
type Tier struct {
	ID     uuid.UUID  `json:"id"`
	Name   string     `json:"name"`
	Level  int        `json:"level"`
	Status TierStatus `json:"status"`
}

// TierConfig holds the limit numbers for one (tier, country) pair. Monetary caps are
// always present; count caps are nil when not enforced.
type TierConfig struct {
	ID      uuid.UUID `json:"id"`
	TierID  uuid.UUID `json:"tier_id"`
	Country string    `json:"country"`

	MaximumSingleDeposit  int64 `json:"maximum_single_deposit"`
	MaximumDailyDeposit   int64 `json:"maximum_daily_deposit"`
	MaximumWeeklyDeposit  int64 `json:"maximum_weekly_deposit"`
	MaximumMonthlyDeposit int64 `json:"maximum_monthly_deposit"`

	MaximumSingleWithdrawal  int64 `json:"maximum_single_withdrawal"`
	MaximumDailyWithdrawal   int64 `json:"maximum_daily_withdrawal"`
	MaximumWeeklyWithdrawal  int64 `json:"maximum_weekly_withdrawal"`
	MaximumMonthlyWithdrawal int64 `json:"maximum_monthly_withdrawal"`

	MaximumSingleTransaction  int64 `json:"maximum_single_transaction"`
	MaximumDailyTransaction   int64 `json:"maximum_daily_transaction"`
	MaximumWeeklyTransaction  int64 `json:"maximum_weekly_transaction"`
	MaximumMonthlyTransaction int64 `json:"maximum_monthly_transaction"`

	MaximumPendingDepositsCount    *int64 `json:"maximum_pending_deposits_count,omitempty"`
	MaximumPendingWithdrawalsCount *int64 `json:"maximum_pending_withdrawals_count,omitempty"`
	MaximumWeeklyDepositCount      *int64 `json:"maximum_weekly_deposit_count,omitempty"`
	MaximumWeeklyWithdrawalCount   *int64 `json:"maximum_weekly_withdrawal_count,omitempty"`
}

// TierConfigRequirements pairs a TierConfig with the ids of the verification
// requirements attached to its (tier, country) pair.
type TierConfigRequirements struct {
	Config         TierConfig  `json:"config"`
	RequirementIDs []uuid.UUID `json:"requirement_ids"`
}

// UserTierAssignment is the fully-resolved read model for one UserTier row.
type UserTierAssignment struct {
	UserTierID uuid.UUID                `json:"user_tier_id"`
	Tier       Tier                     `json:"tier"`
	Configs    []TierConfigRequirements `json:"configs"`
}
