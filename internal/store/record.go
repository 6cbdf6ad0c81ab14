package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/model"
)

// accountRecord is the persisted shape of a linked account.
type accountRecord struct {
	Token       string            `json:"token"` // sealed
	AccountID   string            `json:"account_id"`
	LoginID     string            `json:"loginid"`
	AccountType model.AccountType `json:"account_type,omitempty"`
	Currency    string            `json:"currency"`
	Balance     decimal.Decimal   `json:"balance"`
	IsActive    bool              `json:"is_active"`
	AddedAt     time.Time         `json:"added_at"`
}

// encodeAccounts seals every token and serializes the list.
func encodeAccounts(s Sealer, accounts []model.LinkedAccount) ([]byte, error) {
	records := make([]accountRecord, 0, len(accounts))
	for _, a := range accounts {
		sealed, err := s.Seal(a.Token)
		if err != nil {
			return nil, fmt.Errorf("seal token for %s: %w", a.AccountID, err)
		}
		records = append(records, accountRecord{
			Token:       sealed,
			AccountID:   a.AccountID,
			LoginID:     a.LoginID,
			AccountType: a.AccountType,
			Currency:    a.Currency,
			Balance:     a.Balance,
			IsActive:    a.IsActive,
			AddedAt:     a.AddedAt,
		})
	}
	return json.Marshal(records)
}

// decodeAccounts parses and unseals a serialized list. Loaded accounts start
// pending until revalidated.
func decodeAccounts(s Sealer, data []byte) ([]model.LinkedAccount, error) {
	if len(data) == 0 {
		return []model.LinkedAccount{}, nil
	}
	var records []accountRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	accounts := make([]model.LinkedAccount, 0, len(records))
	for _, r := range records {
		token, err := s.Open(r.Token)
		if err != nil {
			return nil, fmt.Errorf("open token for %s: %w", r.AccountID, err)
		}
		accounts = append(accounts, model.LinkedAccount{
			Token:       token,
			AccountID:   r.AccountID,
			LoginID:     r.LoginID,
			AccountType: r.AccountType,
			Currency:    r.Currency,
			Balance:     r.Balance,
			Status:      model.StatusPending,
			IsActive:    r.IsActive,
			AddedAt:     r.AddedAt,
		})
	}
	return accounts, nil
}
