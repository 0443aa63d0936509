package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/store"
	"github.com/transfa/wallet-service/pkg/railclient"
)

type VirtualAccountParams struct {
	UserID        uuid.UUID
	TransactionID uuid.UUID
	Reference     string
	RailAccount   string
	Currency      string
	Type          domain.VirtualAccountType
}

// VirtualAccountRail provisions receiving accounts on the rail.
type VirtualAccountRail interface {
	CreateVirtualAccount(ctx context.Context, payload railclient.VirtualAccountRequest) (*railclient.VirtualAccountResponse, error)
}

// VirtualAccountService keys one receiving account per parent transaction so that
// concurrent exchanges of one user never share an account.
type VirtualAccountService struct {
	rail VirtualAccountRail
}

func NewVirtualAccountService(rail VirtualAccountRail) *VirtualAccountService {
	return &VirtualAccountService{rail: rail}
}

// FindOrCreate persists through accounts, which admission passes as its unit of work.
// The rail-side account stays behind when that unit of work rolls back; it is keyed to
// a reference that is never reused.
func (s *VirtualAccountService) FindOrCreate(ctx context.Context, accounts store.VirtualAccountRepository, p VirtualAccountParams) (*domain.VirtualAccount, error) {
	existing, err := accounts.FindVirtualAccountByTransactionID(ctx, p.TransactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrVirtualAccountNotFound) {
		return nil, fmt.Errorf("find virtual account: %w", err)
	}

	resp, err := s.rail.CreateVirtualAccount(ctx, railclient.VirtualAccountRequest{
		AccountRef: p.RailAccount,
		Reference:  p.Reference,
		Currency:   p.Currency,
		Type:       string(p.Type),
	})
	if err != nil {
		return nil, fmt.Errorf("create virtual account on rail: %w", err)
	}

	accountType := domain.VirtualAccountType(resp.Type)
	if accountType == "" {
		accountType = p.Type
	}
	account := &domain.VirtualAccount{
		UserID:        p.UserID,
		TransactionID: p.TransactionID,
		Type:          accountType,
		AccountNumber: resp.AccountNumber,
		AccountName:   resp.AccountName,
		BankName:      resp.BankName,
		ProviderRef:   resp.ID,
	}
	if err := accounts.CreateVirtualAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}
