// Package storage - Admin audit log.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// AppendAdminEvent inserts an audit record with the next event id.
func (s *Storage) AppendAdminEvent(event *types.AdminEvent) error {
	id, err := s.NextAdminEventID()
	if err != nil {
		return err
	}
	event.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	var tradeID, orderID, height interface{}
	if event.TradeID != nil {
		tradeID = uint64(*event.TradeID)
	}
	if event.OrderID != nil {
		orderID = uint64(*event.OrderID)
	}
	if event.Height != nil {
		height = *event.Height
	}

	_, err = s.db.Exec(`
		INSERT INTO admin_events (id, type, timestamp, trade_id, order_id, height, amount, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Type, event.Timestamp.UnixNano(), tradeID, orderID, height,
		int64(event.Amount), event.Message)
	if err != nil {
		return fmt.Errorf("failed to append admin event: %w", err)
	}
	return nil
}

// ListAdminEvents returns the newest events, most recent first.
func (s *Storage) ListAdminEvents(limit int) ([]*types.AdminEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, type, timestamp, trade_id, order_id, height, amount, message
		FROM admin_events ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin events: %w", err)
	}
	defer rows.Close()

	var events []*types.AdminEvent
	for rows.Next() {
		var event types.AdminEvent
		var tsNs, amount int64
		var tradeID, orderID, height sql.NullInt64

		err := rows.Scan(&event.ID, &event.Type, &tsNs, &tradeID, &orderID, &height, &amount, &event.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to scan admin event: %w", err)
		}

		event.Timestamp = time.Unix(0, tsNs)
		event.Amount = types.USD(amount)
		if tradeID.Valid {
			id := types.TradeID(tradeID.Int64)
			event.TradeID = &id
		}
		if orderID.Valid {
			id := types.OrderID(orderID.Int64)
			event.OrderID = &id
		}
		if height.Valid {
			h := uint64(height.Int64)
			event.Height = &h
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

// TrimAdminEvents deletes everything but the newest keep events by
// timestamp. Returns the number of rows removed.
func (s *Storage) TrimAdminEvents(keep int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM admin_events WHERE id NOT IN (
			SELECT id FROM admin_events ORDER BY timestamp DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim admin events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return uint64(deleted), nil
}
