// Package storage - BSV block header storage, keyed by height.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Block header errors
var (
	ErrBlockNotFound = errors.New("block header not found")
)

const headerColumns = `height, hash, previous_hash, merkle_root, timestamp, bits, nonce, version, raw_header`

// StoreBlockHeader inserts or replaces a header at its height.
func (s *Storage) StoreBlockHeader(header *types.BlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO block_headers (`+headerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, header.Height, header.Hash, header.PreviousHash, header.MerkleRoot,
		header.Timestamp, header.Bits, header.Nonce, header.Version, header.RawHeader)
	if err != nil {
		return fmt.Errorf("failed to store block header: %w", err)
	}
	return nil
}

// GetBlockHeader retrieves a header by height.
func (s *Storage) GetBlockHeader(height uint64) (*types.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+headerColumns+" FROM block_headers WHERE height = ?", height)
	return scanHeader(row)
}

// GetBlockHeaderByHash retrieves a header by block hash.
func (s *Storage) GetBlockHeaderByHash(hash string) (*types.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+headerColumns+" FROM block_headers WHERE hash = ?", hash)
	return scanHeader(row)
}

func scanHeader(row rowScanner) (*types.BlockHeader, error) {
	var header types.BlockHeader
	err := row.Scan(&header.Height, &header.Hash, &header.PreviousHash, &header.MerkleRoot,
		&header.Timestamp, &header.Bits, &header.Nonce, &header.Version, &header.RawHeader)
	if err == sql.ErrNoRows {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan block header: %w", err)
	}
	return &header, nil
}

// HighestBlock returns the tip height of stored headers, 0 when empty.
func (s *Storage) HighestBlock() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var height sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(height) FROM block_headers").Scan(&height)
	if err != nil {
		return 0, fmt.Errorf("failed to read tip height: %w", err)
	}
	return uint64(height.Int64), nil
}

// StoredRange returns the lowest and highest stored heights, (0, 0) when
// empty.
func (s *Storage) StoredRange() (uint64, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var minH, maxH sql.NullInt64
	err := s.db.QueryRow("SELECT MIN(height), MAX(height) FROM block_headers").Scan(&minH, &maxH)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read stored range: %w", err)
	}
	return uint64(minH.Int64), uint64(maxH.Int64), nil
}

// CountBlockHeaders returns the number of stored headers.
func (s *Storage) CountBlockHeaders() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM block_headers").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count block headers: %w", err)
	}
	return count, nil
}

// RecentBlockHeaders returns the newest count headers, highest first.
func (s *Storage) RecentBlockHeaders(count uint64) ([]*types.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+headerColumns+" FROM block_headers ORDER BY height DESC LIMIT ?", count)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent headers: %w", err)
	}
	defer rows.Close()

	var headers []*types.BlockHeader
	for rows.Next() {
		header, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}
	return headers, rows.Err()
}

// RemoveBlocksFrom deletes all headers at or above the given height,
// used when a reorg orphans the local tip. Returns the rows removed.
func (s *Storage) RemoveBlocksFrom(height uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM block_headers WHERE height >= ?", height)
	if err != nil {
		return 0, fmt.Errorf("failed to remove headers from %d: %w", height, err)
	}
	deleted, _ := result.RowsAffected()
	return uint64(deleted), nil
}

// PruneBlocksBelow deletes headers below the given height (retention).
// Returns the rows removed.
func (s *Storage) PruneBlocksBelow(height uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM block_headers WHERE height < ?", height)
	if err != nil {
		return 0, fmt.Errorf("failed to prune headers below %d: %w", height, err)
	}
	deleted, _ := result.RowsAffected()
	return uint64(deleted), nil
}
