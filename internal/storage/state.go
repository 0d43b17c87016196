// Package storage - Process state: counters, cached price, flags.
package storage

import (
	"fmt"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// NextOrderID allocates and returns the next order id. The increment
// persists before the id is handed out, so a crash never reissues an id.
func (s *Storage) NextOrderID() (types.OrderID, error) {
	id, err := s.nextCounter("next_order_id")
	return types.OrderID(id), err
}

// NextChunkID allocates and returns the next chunk id.
func (s *Storage) NextChunkID() (types.ChunkID, error) {
	id, err := s.nextCounter("next_chunk_id")
	return types.ChunkID(id), err
}

// NextTradeID allocates and returns the next trade id.
func (s *Storage) NextTradeID() (types.TradeID, error) {
	id, err := s.nextCounter("next_trade_id")
	return types.TradeID(id), err
}

// NextAdminEventID allocates and returns the next admin event id.
func (s *Storage) NextAdminEventID() (uint64, error) {
	return s.nextCounter("next_admin_event_id")
}

func (s *Storage) nextCounter(column string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.QueryRow("SELECT " + column + " FROM app_state WHERE id = 1").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", column, err)
	}

	_, err = s.db.Exec("UPDATE app_state SET "+column+" = ? WHERE id = 1", id+1)
	if err != nil {
		return 0, fmt.Errorf("failed to advance counter %s: %w", column, err)
	}

	return id, nil
}

// CachedPrice returns the cached BSV/USD price and when it was updated.
func (s *Storage) CachedPrice() (float64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var price float64
	var updatedNs int64
	err := s.db.QueryRow("SELECT cached_bsv_price, last_price_update FROM app_state WHERE id = 1").
		Scan(&price, &updatedNs)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read cached price: %w", err)
	}

	return price, time.Unix(0, updatedNs), nil
}

// SetCachedPrice stores the BSV/USD price with its update time.
func (s *Storage) SetCachedPrice(price float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE app_state SET cached_bsv_price = ?, last_price_update = ? WHERE id = 1",
		price, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store cached price: %w", err)
	}
	return nil
}

// NewOrdersEnabled reports whether the admin toggle accepts new orders.
func (s *Storage) NewOrdersEnabled() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enabled int
	err := s.db.QueryRow("SELECT new_orders_enabled FROM app_state WHERE id = 1").Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to read orders toggle: %w", err)
	}
	return enabled != 0, nil
}

// SetNewOrdersEnabled flips the admin toggle for new order creation.
func (s *Storage) SetNewOrdersEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec("UPDATE app_state SET new_orders_enabled = ? WHERE id = 1", v)
	if err != nil {
		return fmt.Errorf("failed to store orders toggle: %w", err)
	}
	return nil
}

// LastSyncTime returns when chain sync last completed successfully.
func (s *Storage) LastSyncTime() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ns int64
	err := s.db.QueryRow("SELECT last_sync_time FROM app_state WHERE id = 1").Scan(&ns)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	return time.Unix(0, ns), nil
}

// SetLastSyncTime records a successful chain sync completion.
func (s *Storage) SetLastSyncTime(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE app_state SET last_sync_time = ? WHERE id = 1", at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store last sync time: %w", err)
	}
	return nil
}
