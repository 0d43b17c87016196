// Package storage - Trade storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Trade errors
var (
	ErrTradeNotFound = errors.New("trade not found")
)

const tradeColumns = `id, order_id, filler, amount_usd, agreed_bsv_price, min_bsv_price,
	status, bsv_tx_hex, created_at, lock_expires_at, tx_submitted_at,
	release_at, claim_expires_at, payout_block_index, payout_at`

// CreateTrade inserts a trade together with its locked chunk snapshots.
func (s *Storage) CreateTrade(trade *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin trade insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO trades (id, order_id, filler, amount_usd, agreed_bsv_price, min_bsv_price,
			status, bsv_tx_hex, created_at, lock_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trade.ID, trade.OrderID, trade.Filler.Text(), int64(trade.AmountUSD),
		trade.AgreedBSVPrice, trade.MinBSVPrice,
		trade.Status, trade.BSVTxHex,
		trade.CreatedAt.UnixNano(), trade.LockExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	for i, lc := range trade.LockedChunks {
		_, err = tx.Exec(`
			INSERT INTO trade_chunks (trade_id, position, chunk_id, order_id, amount_usd, bsv_address, satoshis)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, trade.ID, i, lc.ChunkID, lc.OrderID, int64(lc.AmountUSD), lc.BSVAddress, lc.Satoshis)
		if err != nil {
			return fmt.Errorf("failed to create trade chunk %d: %w", lc.ChunkID, err)
		}
	}

	return tx.Commit()
}

// GetTrade retrieves a trade by id with its locked chunk list.
func (s *Storage) GetTrade(id types.TradeID) (*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTradeLocked(id)
}

func (s *Storage) getTradeLocked(id types.TradeID) (*types.Trade, error) {
	row := s.db.QueryRow("SELECT "+tradeColumns+" FROM trades WHERE id = ?", id)
	trade, err := scanTrade(row)
	if err != nil {
		return nil, err
	}
	if err := s.fillLockedChunks(trade); err != nil {
		return nil, err
	}
	return trade, nil
}

func (s *Storage) fillLockedChunks(trade *types.Trade) error {
	rows, err := s.db.Query(`
		SELECT chunk_id, order_id, amount_usd, bsv_address, satoshis
		FROM trade_chunks WHERE trade_id = ? ORDER BY position ASC
	`, trade.ID)
	if err != nil {
		return fmt.Errorf("failed to list trade chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var lc types.LockedChunk
		var amount int64
		if err := rows.Scan(&lc.ChunkID, &lc.OrderID, &amount, &lc.BSVAddress, &lc.Satoshis); err != nil {
			return fmt.Errorf("failed to scan trade chunk: %w", err)
		}
		lc.AmountUSD = types.USD(amount)
		trade.LockedChunks = append(trade.LockedChunks, lc)
	}
	return rows.Err()
}

func scanTrade(row rowScanner) (*types.Trade, error) {
	var trade types.Trade
	var filler string
	var amount int64
	var createdNs, lockExpiresNs int64
	var submittedNs, releaseNs, claimNs, payoutNs sql.NullInt64
	var payoutBlock sql.NullInt64

	err := row.Scan(
		&trade.ID, &trade.OrderID, &filler, &amount,
		&trade.AgreedBSVPrice, &trade.MinBSVPrice,
		&trade.Status, &trade.BSVTxHex,
		&createdNs, &lockExpiresNs,
		&submittedNs, &releaseNs, &claimNs,
		&payoutBlock, &payoutNs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	trade.Filler, err = types.PrincipalFromText(filler)
	if err != nil {
		return nil, fmt.Errorf("corrupt filler principal: %w", err)
	}
	trade.AmountUSD = types.USD(amount)
	trade.CreatedAt = time.Unix(0, createdNs)
	trade.LockExpiresAt = time.Unix(0, lockExpiresNs)
	if submittedNs.Valid {
		t := time.Unix(0, submittedNs.Int64)
		trade.TxSubmittedAt = &t
	}
	if releaseNs.Valid {
		t := time.Unix(0, releaseNs.Int64)
		trade.ReleaseAt = &t
	}
	if claimNs.Valid {
		t := time.Unix(0, claimNs.Int64)
		trade.ClaimExpires = &t
	}
	if payoutBlock.Valid {
		idx := uint64(payoutBlock.Int64)
		trade.PayoutBlockIndex = &idx
	}
	if payoutNs.Valid {
		t := time.Unix(0, payoutNs.Int64)
		trade.PayoutAt = &t
	}

	return &trade, nil
}

// UpdateTrade applies mutate to the stored trade and writes back the
// mutable fields. Locked chunk snapshots are immutable after creation.
func (s *Storage) UpdateTrade(id types.TradeID, mutate func(*types.Trade)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, err := s.getTradeLocked(id)
	if err != nil {
		return err
	}

	mutate(trade)

	var submittedAt, releaseAt, claimExpires, payoutAt, payoutBlock interface{}
	if trade.TxSubmittedAt != nil {
		submittedAt = trade.TxSubmittedAt.UnixNano()
	}
	if trade.ReleaseAt != nil {
		releaseAt = trade.ReleaseAt.UnixNano()
	}
	if trade.ClaimExpires != nil {
		claimExpires = trade.ClaimExpires.UnixNano()
	}
	if trade.PayoutAt != nil {
		payoutAt = trade.PayoutAt.UnixNano()
	}
	if trade.PayoutBlockIndex != nil {
		payoutBlock = *trade.PayoutBlockIndex
	}

	_, err = s.db.Exec(`
		UPDATE trades SET status = ?, bsv_tx_hex = ?, tx_submitted_at = ?,
			release_at = ?, claim_expires_at = ?, payout_block_index = ?, payout_at = ?
		WHERE id = ?
	`, trade.Status, trade.BSVTxHex, submittedAt, releaseAt, claimExpires, payoutBlock, payoutAt, id)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	return nil
}

// ListTradesByStatus returns trades in the given state, oldest first.
func (s *Storage) ListTradesByStatus(status types.TradeStatus) ([]*types.Trade, error) {
	return s.listTrades("WHERE status = ?", status)
}

// ListTradesByFiller returns all trades created by a filler, newest first.
func (s *Storage) ListTradesByFiller(filler types.Principal) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+tradeColumns+" FROM trades WHERE filler = ? ORDER BY created_at DESC, id DESC",
		filler.Text())
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return s.collectTrades(rows)
}

// ListTradesCreatedBefore returns trades older than the cutoff.
func (s *Storage) ListTradesCreatedBefore(cutoff time.Time) ([]*types.Trade, error) {
	return s.listTrades("WHERE created_at < ?", cutoff.UnixNano())
}

func (s *Storage) listTrades(where string, args ...interface{}) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+tradeColumns+" FROM trades "+where+" ORDER BY created_at ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return s.collectTrades(rows)
}

func (s *Storage) collectTrades(rows *sql.Rows) ([]*types.Trade, error) {
	var trades []*types.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, trade := range trades {
		if err := s.fillLockedChunks(trade); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

// PendingTradeTotalUSD derives the filler's live pending trade volume from
// non-terminal trade states.
func (s *Storage) PendingTradeTotalUSD(filler types.Principal) (types.USD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(amount_usd) FROM trades
		WHERE filler = ? AND status IN (?, ?)
	`, filler.Text(), types.TradeStatusChunksLocked, types.TradeStatusTxSubmitted).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending trades: %w", err)
	}
	return types.USD(total.Int64), nil
}

// DeleteTrade removes a trade and its chunk snapshots. Used only by the
// retention sweep on terminal trades.
func (s *Storage) DeleteTrade(id types.TradeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin trade delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM trade_chunks WHERE trade_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete trade chunks: %w", err)
	}

	result, err := tx.Exec("DELETE FROM trades WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete trade: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}

	return tx.Commit()
}
