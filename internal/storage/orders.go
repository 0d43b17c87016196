// Package storage - Order storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Order errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

const orderColumns = `id, maker, amount_usd, deposit_owner, deposit_subaccount,
	total_deposited, activation_fee, incentive_reserve,
	max_bsv_price, bsv_address, status, created_at, funded_at,
	total_filled, total_locked, total_idle, total_refunded`

// CreateOrder inserts a new order together with its chunk rows in one
// transaction.
func (s *Storage) CreateOrder(order *types.Order, chunks []types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin order insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.ID, order.Maker.Text(), int64(order.AmountUSD),
		order.DepositOwner, order.DepositSubaccount,
		int64(order.TotalDeposited), int64(order.ActivationFee), int64(order.IncentiveReserve),
		order.MaxBSVPrice, order.BSVAddress, order.Status,
		order.CreatedAt.UnixNano(), order.FundedAt.UnixNano(),
		int64(order.TotalFilled), int64(order.TotalLocked), int64(order.TotalIdle), int64(order.TotalRefunded),
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for i := range chunks {
		c := &chunks[i]
		_, err = tx.Exec(`
			INSERT INTO chunks (id, order_id, amount_usd, status, locked_by, bsv_address, max_bsv_price, filled_at)
			VALUES (?, ?, ?, ?, NULL, ?, ?, NULL)
		`, c.ID, c.OrderID, int64(c.AmountUSD), c.Status, c.BSVAddress, c.MaxBSVPrice)
		if err != nil {
			return fmt.Errorf("failed to create chunk %d: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// GetOrder retrieves an order by id, including its chunk id list.
func (s *Storage) GetOrder(id types.OrderID) (*types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(id)
}

func (s *Storage) getOrderLocked(id types.OrderID) (*types.Order, error) {
	row := s.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT id FROM chunks WHERE order_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list order chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid types.ChunkID
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		order.Chunks = append(order.Chunks, cid)
	}

	return order, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*types.Order, error) {
	var order types.Order
	var maker string
	var amount, deposited, activationFee, incentive int64
	var createdNs, fundedNs int64
	var filled, locked, idle, refunded int64

	err := row.Scan(
		&order.ID, &maker, &amount,
		&order.DepositOwner, &order.DepositSubaccount,
		&deposited, &activationFee, &incentive,
		&order.MaxBSVPrice, &order.BSVAddress, &order.Status,
		&createdNs, &fundedNs,
		&filled, &locked, &idle, &refunded,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	order.Maker, err = types.PrincipalFromText(maker)
	if err != nil {
		return nil, fmt.Errorf("corrupt maker principal: %w", err)
	}
	order.AmountUSD = types.USD(amount)
	order.TotalDeposited = types.USD(deposited)
	order.ActivationFee = types.USD(activationFee)
	order.IncentiveReserve = types.USD(incentive)
	order.CreatedAt = time.Unix(0, createdNs)
	order.FundedAt = time.Unix(0, fundedNs)
	order.TotalFilled = types.USD(filled)
	order.TotalLocked = types.USD(locked)
	order.TotalIdle = types.USD(idle)
	order.TotalRefunded = types.USD(refunded)

	return &order, nil
}

// UpdateOrder applies mutate to the stored order inside the storage lock
// and writes back the mutable fields.
func (s *Storage) UpdateOrder(id types.OrderID, mutate func(*types.Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(id)
	if err != nil {
		return err
	}

	mutate(order)

	_, err = s.db.Exec(`
		UPDATE orders SET status = ?, max_bsv_price = ?,
			total_deposited = ?, activation_fee = ?, incentive_reserve = ?,
			total_filled = ?, total_locked = ?, total_idle = ?, total_refunded = ?
		WHERE id = ?
	`,
		order.Status, order.MaxBSVPrice,
		int64(order.TotalDeposited), int64(order.ActivationFee), int64(order.IncentiveReserve),
		int64(order.TotalFilled), int64(order.TotalLocked), int64(order.TotalIdle), int64(order.TotalRefunded),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// ListOrdersByMaker returns all orders created by the given maker.
func (s *Storage) ListOrdersByMaker(maker types.Principal) ([]*types.Order, error) {
	return s.listOrders("WHERE maker = ?", maker.Text())
}

// ListActiveOrdersFIFO returns Active and PartiallyFilled orders in
// ascending creation order, the matching order for the allocator.
func (s *Storage) ListActiveOrdersFIFO() ([]*types.Order, error) {
	return s.listOrders("WHERE status IN (?, ?)", types.OrderStatusActive, types.OrderStatusPartiallyFilled)
}

// ListOrdersByStatus returns orders in any of the given statuses.
func (s *Storage) ListOrdersByStatus(statuses ...types.OrderStatus) ([]*types.Order, error) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	return s.listOrders("WHERE status IN ("+strings.Join(placeholders, ", ")+")", args...)
}

// ListOrdersCreatedBefore returns orders older than the cutoff.
func (s *Storage) ListOrdersCreatedBefore(cutoff time.Time) ([]*types.Order, error) {
	return s.listOrders("WHERE created_at < ?", cutoff.UnixNano())
}

func (s *Storage) listOrders(where string, args ...interface{}) ([]*types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+orderColumns+" FROM orders "+where+" ORDER BY created_at ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var ids []types.OrderID
	var orders []*types.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fill chunk id lists after the order cursor closes; SQLite holds a
	// single connection.
	for i, id := range ids {
		chunkRows, err := s.db.Query("SELECT id FROM chunks WHERE order_id = ? ORDER BY id ASC", id)
		if err != nil {
			return nil, fmt.Errorf("failed to list order chunks: %w", err)
		}
		for chunkRows.Next() {
			var cid types.ChunkID
			if err := chunkRows.Scan(&cid); err != nil {
				chunkRows.Close()
				return nil, fmt.Errorf("failed to scan chunk id: %w", err)
			}
			orders[i].Chunks = append(orders[i].Chunks, cid)
		}
		if err := chunkRows.Err(); err != nil {
			chunkRows.Close()
			return nil, err
		}
		chunkRows.Close()
	}

	return orders, nil
}

// DeleteOrder removes an order and its chunks. Used only by the retention
// sweep once every chunk is terminal.
func (s *Storage) DeleteOrder(id types.OrderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin order delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE order_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete order chunks: %w", err)
	}

	result, err := tx.Exec("DELETE FROM orders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return tx.Commit()
}

// CountOrders returns the total number of stored orders.
func (s *Storage) CountOrders() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}
