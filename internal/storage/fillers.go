// Package storage - Filler account storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Filler account errors
var (
	ErrFillerNotFound = errors.New("filler account not found")
)

// GetFillerAccount retrieves a filler account by principal.
func (s *Storage) GetFillerAccount(id types.Principal) (*types.FillerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var account types.FillerAccount
	var penalties, createdNs int64

	err := s.db.QueryRow(`
		SELECT total_trades, successful_trades, penalties_paid, created_at
		FROM filler_accounts WHERE principal = ?
	`, id.Text()).Scan(&account.TotalTrades, &account.SuccessfulTrades, &penalties, &createdNs)
	if err == sql.ErrNoRows {
		return nil, ErrFillerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get filler account: %w", err)
	}

	account.ID = id
	account.PenaltiesPaid = types.USD(penalties)
	account.CreatedAt = time.Unix(0, createdNs)
	return &account, nil
}

// EnsureFillerAccount creates the account record on first use.
func (s *Storage) EnsureFillerAccount(id types.Principal, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO filler_accounts (principal, created_at)
		VALUES (?, ?)
	`, id.Text(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to ensure filler account: %w", err)
	}
	return nil
}

// UpdateFillerAccount applies mutate to the stored account and writes the
// counters back.
func (s *Storage) UpdateFillerAccount(id types.Principal, mutate func(*types.FillerAccount)) error {
	account, err := s.GetFillerAccount(id)
	if err != nil {
		return err
	}

	mutate(account)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		UPDATE filler_accounts SET total_trades = ?, successful_trades = ?, penalties_paid = ?
		WHERE principal = ?
	`, account.TotalTrades, account.SuccessfulTrades, int64(account.PenaltiesPaid), id.Text())
	if err != nil {
		return fmt.Errorf("failed to update filler account: %w", err)
	}
	return nil
}
