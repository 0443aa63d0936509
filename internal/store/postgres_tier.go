package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/wallet-service/internal/domain"
)

// ListUserTierAssignments loads every tier the user holds together with the tier's
// per-country configs and the requirement ids attached to each (tier, country).
// The graph is resolved here so callers only see plain read models.
func (r *PostgresRepository) ListUserTierAssignments(ctx context.Context, userID uuid.UUID) ([]domain.UserTierAssignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ut.id, t.id, t.name, t.level, t.status
		FROM user_tiers ut
		JOIN tiers t ON t.id = ut.tier_id
		WHERE ut.user_id = $1
		ORDER BY t.level DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	var assignments []domain.UserTierAssignment
	for rows.Next() {
		var (
			a      domain.UserTierAssignment
			status string
		)
		if err := rows.Scan(&a.UserTierID, &a.Tier.ID, &a.Tier.Name, &a.Tier.Level, &status); err != nil {
			rows.Close()
			return nil, err
		}
		a.Tier.Status = domain.TierStatus(status)
		assignments = append(assignments, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range assignments {
		configs, err := r.listTierConfigs(ctx, assignments[i].Tier.ID)
		if err != nil {
			return nil, err
		}
		assignments[i].Configs = configs
	}
	return assignments, nil
}

func (r *PostgresRepository) listTierConfigs(ctx context.Context, tierID uuid.UUID) ([]domain.TierConfigRequirements, error) {
	rows, err := r.db.Query(ctx, `
		SELECT
			tc.id, tc.tier_id, tc.country,
			tc.maximum_single_deposit, tc.maximum_daily_deposit, tc.maximum_weekly_deposit, tc.maximum_monthly_deposit,
			tc.maximum_single_withdrawal, tc.maximum_daily_withdrawal, tc.maximum_weekly_withdrawal, tc.maximum_monthly_withdrawal,
			tc.maximum_single_transaction, tc.maximum_daily_transaction, tc.maximum_weekly_transaction, tc.maximum_monthly_transaction,
			tc.maximum_pending_deposits_count, tc.maximum_pending_withdrawals_count,
			tc.maximum_weekly_deposit_count, tc.maximum_weekly_withdrawal_count,
			COALESCE(ARRAY(
				SELECT vr.id FROM verification_requirements vr
				WHERE vr.tier_id = tc.tier_id AND vr.country = tc.country
				ORDER BY vr.id
			), '{}')
		FROM tier_configs tc
		WHERE tc.tier_id = $1
	`, tierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TierConfigRequirements
	for rows.Next() {
		var (
			item domain.TierConfigRequirements
			c    = &item.Config
		)
		if err := rows.Scan(
			&c.ID, &c.TierID, &c.Country,
			&c.MaximumSingleDeposit, &c.MaximumDailyDeposit, &c.MaximumWeeklyDeposit, &c.MaximumMonthlyDeposit,
			&c.MaximumSingleWithdrawal, &c.MaximumDailyWithdrawal, &c.MaximumWeeklyWithdrawal, &c.MaximumMonthlyWithdrawal,
			&c.MaximumSingleTransaction, &c.MaximumDailyTransaction, &c.MaximumWeeklyTransaction, &c.MaximumMonthlyTransaction,
			&c.MaximumPendingDepositsCount, &c.MaximumPendingWithdrawalsCount,
			&c.MaximumWeeklyDepositCount, &c.MaximumWeeklyWithdrawalCount,
			&item.RequirementIDs,
		); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListApprovedRequirementIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT requirement_id FROM user_verification_approvals WHERE user_id = $1 AND status = 'approved'
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
