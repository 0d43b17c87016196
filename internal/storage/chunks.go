// Package storage - Chunk storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Chunk errors
var (
	ErrChunkNotFound = errors.New("chunk not found")
)

const chunkColumns = `id, order_id, amount_usd, status, locked_by, bsv_address, max_bsv_price, filled_at`

// GetChunk retrieves a chunk by id.
func (s *Storage) GetChunk(id types.ChunkID) (*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+chunkColumns+" FROM chunks WHERE id = ?", id)
	return scanChunk(row)
}

func scanChunk(row rowScanner) (*types.Chunk, error) {
	var chunk types.Chunk
	var amount int64
	var lockedBy sql.NullInt64
	var filledAt sql.NullInt64

	err := row.Scan(&chunk.ID, &chunk.OrderID, &amount, &chunk.Status,
		&lockedBy, &chunk.BSVAddress, &chunk.MaxBSVPrice, &filledAt)
	if err == sql.ErrNoRows {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}

	chunk.AmountUSD = types.USD(amount)
	if lockedBy.Valid {
		id := types.TradeID(lockedBy.Int64)
		chunk.LockedBy = &id
	}
	if filledAt.Valid {
		t := time.Unix(0, filledAt.Int64)
		chunk.FilledAt = &t
	}

	return &chunk, nil
}

// UpdateChunk applies mutate to the stored chunk and writes back the
// mutable fields.
func (s *Storage) UpdateChunk(id types.ChunkID, mutate func(*types.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow("SELECT "+chunkColumns+" FROM chunks WHERE id = ?", id)
	chunk, err := scanChunk(row)
	if err != nil {
		return err
	}

	mutate(chunk)

	var lockedBy interface{}
	if chunk.LockedBy != nil {
		lockedBy = uint64(*chunk.LockedBy)
	}
	var filledAt interface{}
	if chunk.FilledAt != nil {
		filledAt = chunk.FilledAt.UnixNano()
	}

	_, err = s.db.Exec(`
		UPDATE chunks SET status = ?, locked_by = ?, max_bsv_price = ?, filled_at = ?
		WHERE id = ?
	`, chunk.Status, lockedBy, chunk.MaxBSVPrice, filledAt, id)
	if err != nil {
		return fmt.Errorf("failed to update chunk: %w", err)
	}
	return nil
}

// ListChunksByOrder returns an order's chunks in stored (id) order.
func (s *Storage) ListChunksByOrder(orderID types.OrderID) ([]*types.Chunk, error) {
	return s.listChunks("WHERE order_id = ?", orderID)
}

// ListChunksByStatus returns all chunks in the given state.
func (s *Storage) ListChunksByStatus(status types.ChunkStatus) ([]*types.Chunk, error) {
	return s.listChunks("WHERE status = ?", status)
}

func (s *Storage) listChunks(where string, args ...interface{}) ([]*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+chunkColumns+" FROM chunks "+where+" ORDER BY id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

// AvailableOrderbookUSD derives the orderbook total by summing Available
// chunk amounts. Derivation is the source of truth; there is no cached
// duplicate to fall out of sync.
func (s *Storage) AvailableOrderbookUSD() (types.USD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow("SELECT SUM(amount_usd) FROM chunks WHERE status = ?",
		types.ChunkStatusAvailable).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum available chunks: %w", err)
	}
	return types.USD(total.Int64), nil
}

// OrderbookStats aggregates chunk and entity counts in a single pass.
type OrderbookStats struct {
	AvailableChunks uint64
	AvailableUSD    types.USD
	LockedUSD       types.USD
	TotalOrders     uint64
	TotalTrades     uint64
}

// GetOrderbookStats computes aggregate orderbook statistics.
func (s *Storage) GetOrderbookStats() (*OrderbookStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &OrderbookStats{}

	rows, err := s.db.Query("SELECT status, COUNT(*), COALESCE(SUM(amount_usd), 0) FROM chunks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status types.ChunkStatus
		var count uint64
		var sum int64
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan chunk aggregate: %w", err)
		}
		switch status {
		case types.ChunkStatusAvailable:
			stats.AvailableChunks = count
			stats.AvailableUSD = types.USD(sum)
		case types.ChunkStatusLocked:
			stats.LockedUSD = types.USD(sum)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&stats.TotalOrders); err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM trades").Scan(&stats.TotalTrades); err != nil {
		return nil, fmt.Errorf("failed to count trades: %w", err)
	}

	return stats, nil
}
