package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/wallet-service/internal/domain"
)

// pgLedgerTx scopes the unit-of-work operations to one pgx transaction.
type pgLedgerTx struct {
	tx pgx.Tx
}

// WithinTx runs fn in a single database transaction. Any error from fn, including a
// failed enqueue performed inside it, rolls the whole unit of work back.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgLedgerTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (t *pgLedgerTx) HasOutstandingExchange(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM fiat_wallet_transactions
			WHERE user_id = $1 AND type = $2 AND provider = $3 AND status = ANY($4)
		)
	`, userID, string(domain.TypeExchange), provider, statusStrings(domain.OutstandingStatuses)).Scan(&exists)
	return exists, err
}

func (t *pgLedgerTx) FindVirtualAccountByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.VirtualAccount, error) {
	return findVirtualAccount(ctx, t.tx, transactionID)
}

// CreateVirtualAccount writes the account inside the unit of work, so it is rolled back
// together with the ledger pair it is scoped to.
func (t *pgLedgerTx) CreateVirtualAccount(ctx context.Context, account *domain.VirtualAccount) error {
	return createVirtualAccount(ctx, t.tx, account)
}

func (t *pgLedgerTx) GetUserWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	return getUserWallet(ctx, t.tx, userID, currency, true)
}

// CreateLedgerPair inserts the parent transaction and its wallet line.
func (t *pgLedgerTx) CreateLedgerPair(ctx context.Context, parent *domain.Transaction, line *domain.FiatWalletTransaction) error {
	now := time.Now().UTC()
	if parent.ID == uuid.Nil {
		parent.ID = uuid.New()
	}
	if line.ID == uuid.Nil {
		line.ID = uuid.New()
	}
	parent.CreatedAt, parent.UpdatedAt = now, now
	line.CreatedAt, line.UpdatedAt = now, now
	line.TransactionID = parent.ID

	meta, err := marshalMetadata(parent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}
	providerMeta, err := marshalMetadata(line.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("marshal provider metadata: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO transactions (
			id, user_id, reference, external_reference, type, category, scope, status,
			amount, asset, balance_before, balance_after, description, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, parent.ID, parent.UserID, parent.Reference, parent.ExternalReference, string(parent.Type), parent.Category,
		parent.Scope, string(parent.Status), parent.Amount, parent.Asset, parent.BalanceBefore, parent.BalanceAfter,
		parent.Description, meta, now)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO fiat_wallet_transactions (
			id, transaction_id, user_id, wallet_id, type, status, amount, currency,
			balance_before, balance_after, provider, provider_reference, provider_metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, line.ID, line.TransactionID, line.UserID, line.WalletID, string(line.Type), string(line.Status), line.Amount,
		line.Currency, line.BalanceBefore, line.BalanceAfter, line.Provider, line.ProviderReference, providerMeta, now)
	if err != nil {
		return fmt.Errorf("insert fiat wallet transaction: %w", err)
	}
	return nil
}

const transactionColumns = `
	id, user_id, reference, external_reference, type, category, scope, status, amount, asset,
	balance_before, balance_after, description, failure_reason, metadata, created_at, updated_at
`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx             domain.Transaction
		txType, status string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &tx.Reference, &tx.ExternalReference, &txType, &tx.Category, &tx.Scope,
		&status, &tx.Amount, &tx.Asset, &tx.BalanceBefore, &tx.BalanceAfter, &tx.Description, &tx.FailureReason,
		&tx.Metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	return &tx, nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, userID uuid.UUID, reference string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 AND reference = $2`, userID, reference))
}

// RecordPayInReference stores the rail reference and merges metadata into the parent row.
func (r *PostgresRepository) RecordPayInReference(ctx context.Context, transactionID uuid.UUID, externalReference string, metadata map[string]any) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET external_reference = $2, metadata = metadata || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status <> $4
	`, transactionID, externalReference, meta, string(domain.StatusCompleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// RecordTransferReference stores the rail transfer reference on the wallet line and in
// the parent metadata. A retried job reads it back and verifies the transfer instead of
// sending it again.
func (r *PostgresRepository) RecordTransferReference(ctx context.Context, transactionID, fiatTransactionID uuid.UUID, transferReference string) error {
	meta, err := marshalMetadata(map[string]any{domain.MetaTransferReference: transferReference})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status <> $3
	`, transactionID, meta, string(domain.StatusCompleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record transfer on %s: %w", transactionID, ErrTransactionNotFound)
	}
	tag, err = tx.Exec(ctx, `
		UPDATE fiat_wallet_transactions SET provider_reference = $3, updated_at = NOW()
		WHERE id = $1 AND transaction_id = $2 AND status <> $4
	`, fiatTransactionID, transactionID, transferReference, string(domain.StatusCompleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record transfer on %s: %w", fiatTransactionID, ErrTransactionNotFound)
	}
	return tx.Commit(ctx)
}

// UpdateTransactionMetadata merges metadata into the parent row.
func (r *PostgresRepository) UpdateTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata map[string]any) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions SET metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`, transactionID, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkExchangePending moves both rows to PENDING. Re-applying it is a no-op apart from
// updated_at, which is how the post-transfer checkpoint is recorded. A FAILED exchange
// is re-armed so a queue retry can run the saga again; COMPLETED rows never move.
func (r *PostgresRepository) MarkExchangePending(ctx context.Context, transactionID, fiatTransactionID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> $3
	`, transactionID, string(domain.StatusPending), string(domain.StatusCompleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark transaction %s pending: %w", transactionID, ErrTransactionNotFound)
	}
	tag, err = tx.Exec(ctx, `
		UPDATE fiat_wallet_transactions SET status = $3, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND transaction_id = $2 AND status <> $4
	`, fiatTransactionID, transactionID, string(domain.StatusPending), string(domain.StatusCompleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark fiat transaction %s pending: %w", fiatTransactionID, ErrTransactionNotFound)
	}
	return tx.Commit(ctx)
}

// CompleteExchange writes the reconciled numbers and sets COMPLETED on both rows in one
// transaction. Only PENDING rows can complete.
func (r *PostgresRepository) CompleteExchange(ctx context.Context, p CompleteExchangeParams) error {
	merged := map[string]any{
		"total_fee_local":   p.TotalFeeLocal,
		"total_fee_usd":     p.TotalFeeUSD,
		"credited_amount":   p.CreditedAmount,
		"local_amount_paid": p.LocalAmountPaid,
	}
	for k, v := range p.Metadata {
		merged[k] = v
	}
	meta, err := marshalMetadata(merged)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	providerMeta, err := marshalMetadata(p.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("marshal provider metadata: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, metadata = metadata || $3::jsonb, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, p.TransactionID, string(domain.StatusCompleted), meta, string(domain.StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete transaction %s: %w", p.TransactionID, ErrTransactionNotFound)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE fiat_wallet_transactions
		SET status = $3, provider_reference = $4, provider_metadata = provider_metadata || $5::jsonb,
		    failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND transaction_id = $2 AND status = $6
	`, p.FiatTransactionID, p.TransactionID, string(domain.StatusCompleted), p.ProviderReference, providerMeta,
		string(domain.StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete fiat transaction %s: %w", p.FiatTransactionID, ErrTransactionNotFound)
	}
	return tx.Commit(ctx)
}

// MarkExchangeFailed sets FAILED on the parent and its wallet line. COMPLETED rows are
// left untouched and a second call on a FAILED row only refreshes the reason.
func (r *PostgresRepository) MarkExchangeFailed(ctx context.Context, transactionID uuid.UUID, reason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status <> $4
	`, transactionID, string(domain.StatusFailed), reason, string(domain.StatusCompleted)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE fiat_wallet_transactions SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE transaction_id = $1 AND status <> $4
	`, transactionID, string(domain.StatusFailed), reason, string(domain.StatusCompleted)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) ListStaleExchanges(ctx context.Context, olderThan time.Time, limit int) ([]domain.StaleExchange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, reference, status, amount, asset, updated_at
		FROM transactions
		WHERE type = $1 AND status = ANY($2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, string(domain.TypeExchange), statusStrings(domain.OutstandingStatuses), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StaleExchange
	for rows.Next() {
		var (
			s      domain.StaleExchange
			status string
		)
		if err := rows.Scan(&s.TransactionID, &s.UserID, &s.Reference, &status, &s.Amount, &s.Asset, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Status = domain.TransactionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
