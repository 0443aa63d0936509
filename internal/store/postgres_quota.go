package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/wallet-service/internal/domain"
)

func statusStrings(statuses []domain.TransactionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// SumTransactions returns signed sums, so debit types come back negative.
func (r *PostgresRepository) SumTransactions(ctx context.Context, userID uuid.UUID, currency string, statuses []domain.TransactionStatus, since time.Time) (map[domain.TransactionType]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT type, COALESCE(SUM(amount), 0)::bigint
		FROM fiat_wallet_transactions
		WHERE user_id = $1
		  AND currency = $2
		  AND status = ANY($3)
		  AND created_at >= $4
		GROUP BY type
	`, userID, domain.NormalizeCurrency(currency), statusStrings(statuses), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[domain.TransactionType]int64)
	for rows.Next() {
		var (
			txType string
			sum    int64
		)
		if err := rows.Scan(&txType, &sum); err != nil {
			return nil, err
		}
		sums[domain.TransactionType(txType)] = sum
	}
	return sums, rows.Err()
}

func (r *PostgresRepository) CountPending(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, currency string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM fiat_wallet_transactions
		WHERE user_id = $1 AND type = $2 AND currency = $3 AND status = ANY($4)
	`, userID, string(txType), domain.NormalizeCurrency(currency), statusStrings(domain.OutstandingStatuses)).Scan(&n)
	return n, err
}

// CountInPastWeek counts rows created in the trailing seven days, failed ones excluded.
func (r *PostgresRepository) CountInPastWeek(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, currency string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM fiat_wallet_transactions
		WHERE user_id = $1 AND type = $2 AND currency = $3
		  AND status <> $4
		  AND created_at >= NOW() - INTERVAL '7 days'
	`, userID, string(txType), domain.NormalizeCurrency(currency), string(domain.StatusFailed)).Scan(&n)
	return n, err
}

func (r *PostgresRepository) SumProviderTransactions(ctx context.Context, provider, currency string, txType domain.TransactionType, since time.Time) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(ABS(amount)), 0)::bigint
		FROM fiat_wallet_transactions
		WHERE provider = $1 AND currency = $2 AND type = $3
		  AND status = ANY($4)
		  AND created_at >= $5
	`, provider, domain.NormalizeCurrency(currency), string(txType), statusStrings(domain.QuotaStatuses), since).Scan(&sum)
	return sum, err
}
