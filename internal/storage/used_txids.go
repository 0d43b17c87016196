// Package storage - Used BSV txid index.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Used-txid errors
var (
	// ErrTxidInUse does not name the colliding trade; callers use
	// LookupUsedTxid for its id.
	ErrTxidInUse = errors.New("transaction already used by another trade")
)

// LookupUsedTxid returns the trade holding the txid, if any. Txids are
// normalised to lowercase.
func (s *Storage) LookupUsedTxid(txid string) (types.TradeID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tradeID types.TradeID
	err := s.db.QueryRow("SELECT trade_id FROM used_txids WHERE txid = ?",
		strings.ToLower(txid)).Scan(&tradeID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up txid: %w", err)
	}
	return tradeID, true, nil
}

// MarkTxidUsed atomically claims a txid for a trade. Insert-if-absent
// decides concurrent-looking duplicates at commit.
func (s *Storage) MarkTxidUsed(txid string, tradeID types.TradeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT INTO used_txids (txid, trade_id) VALUES (?, ?)",
		strings.ToLower(txid), tradeID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrTxidInUse
		}
		return fmt.Errorf("failed to mark txid used: %w", err)
	}
	return nil
}

// UnmarkTxid releases a txid, used when a resubmission replaces the
// stored transaction.
func (s *Storage) UnmarkTxid(txid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM used_txids WHERE txid = ?", strings.ToLower(txid))
	if err != nil {
		return fmt.Errorf("failed to unmark txid: %w", err)
	}
	return nil
}
