/**
 * @description
 * This file provides the PostgreSQL implementation of the store contracts. It
 * covers the simple lookups (wallets, rate snapshots, rail accounts, virtual
 * accounts, verifications); quota aggregation, tier resolution and the ledger
 * live in sibling files on the same repository type.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/shopspring/decimal: exact parsing of NUMERIC rate columns.
 * - internal/domain: read models and ledger rows.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/wallet-service/internal/domain"
)

// PostgresRepository implements every store contract on top of one pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so lookups can be shared
// between pooled reads and reads inside a unit of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) FindApprovedVerification(ctx context.Context, userID uuid.UUID) (*domain.Verification, error) {
	var v domain.Verification
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, status, approved_at
		FROM kyc_verifications
		WHERE user_id = $1 AND status = 'approved' AND approved_at IS NOT NULL
		ORDER BY approved_at DESC
		LIMIT 1
	`, userID).Scan(&v.ID, &v.UserID, &v.Status, &v.ApprovedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (r *PostgresRepository) GetUserWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	return getUserWallet(ctx, r.db, userID, currency, false)
}

func getUserWallet(ctx context.Context, q querier, userID uuid.UUID, currency string, forUpdate bool) (*domain.Wallet, error) {
	query := `SELECT id, user_id, currency, balance::text FROM wallets WHERE user_id = $1 AND currency = $2`
	if forUpdate {
		// Lock the row so the balance read stays valid until the unit of work ends.
		query += " FOR UPDATE"
	}
	var w domain.Wallet
	err := q.QueryRow(ctx, query, userID, domain.NormalizeCurrency(currency)).Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *PostgresRepository) FindExchangeRateByID(ctx context.Context, id uuid.UUID) (*domain.ExchangeRate, error) {
	var (
		rate                domain.ExchangeRate
		side, rawRate, fees string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, from_currency, to_currency, side, rate::text, fee_percent::text, locked_amount, expires_at, created_at
		FROM exchange_rates
		WHERE id = $1
	`, id).Scan(&rate.ID, &rate.FromCurrency, &rate.ToCurrency, &side, &rawRate, &fees, &rate.LockedAmount, &rate.ExpiresAt, &rate.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExchangeRateNotFound
		}
		return nil, err
	}
	rate.Side = domain.ExchangeSide(side)
	if rate.Rate, err = decimal.NewFromString(rawRate); err != nil {
		return nil, fmt.Errorf("parse rate for %s: %w", id, err)
	}
	if rate.FeePercent, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("parse fee percent for %s: %w", id, err)
	}
	return &rate, nil
}

func (r *PostgresRepository) FindRailAccount(ctx context.Context, userID uuid.UUID, provider string) (*domain.RailAccount, error) {
	var a domain.RailAccount
	err := r.db.QueryRow(ctx, `
		SELECT user_id, provider, account_ref FROM rail_accounts WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(&a.UserID, &a.Provider, &a.AccountRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRailAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepository) FindVirtualAccountByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.VirtualAccount, error) {
	return findVirtualAccount(ctx, r.db, transactionID)
}

// CreateVirtualAccount inserts the account, or fills account from the existing row when
// one is already scoped to the same transaction.
func (r *PostgresRepository) CreateVirtualAccount(ctx context.Context, account *domain.VirtualAccount) error {
	return createVirtualAccount(ctx, r.db, account)
}

func findVirtualAccount(ctx context.Context, q querier, transactionID uuid.UUID) (*domain.VirtualAccount, error) {
	var (
		v     domain.VirtualAccount
		vType string
	)
	err := q.QueryRow(ctx, `
		SELECT id, user_id, transaction_id, type, account_number, account_name, bank_name, provider_ref
		FROM virtual_accounts
		WHERE transaction_id = $1
	`, transactionID).Scan(&v.ID, &v.UserID, &v.TransactionID, &vType, &v.AccountNumber, &v.AccountName, &v.BankName, &v.ProviderRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVirtualAccountNotFound
		}
		return nil, err
	}
	v.Type = domain.VirtualAccountType(vType)
	return &v, nil
}

func createVirtualAccount(ctx context.Context, q querier, account *domain.VirtualAccount) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	var vType string
	err := q.QueryRow(ctx, `
		INSERT INTO virtual_accounts (id, user_id, transaction_id, type, account_number, account_name, bank_name, provider_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO UPDATE SET transaction_id = EXCLUDED.transaction_id
		RETURNING id, type, account_number, account_name, bank_name, provider_ref
	`, account.ID, account.UserID, account.TransactionID, string(account.Type), account.AccountNumber,
		account.AccountName, account.BankName, account.ProviderRef,
	).Scan(&account.ID, &vType, &account.AccountNumber, &account.AccountName, &account.BankName, &account.ProviderRef)
	if err != nil {
		return fmt.Errorf("create virtual account: %w", err)
	}
	account.Type = domain.VirtualAccountType(vType)
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
