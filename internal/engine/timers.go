// Package engine - Bodies of the periodic heartbeat tasks.
package engine

import (
	"context"
	"fmt"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/types"
)

// ProcessTimeouts applies expired-lock penalties and expired-claim
// reclaims. Lock and claim expirations are enforced here on cadence; they
// are not real-time deadlines.
func (e *Engine) ProcessTimeouts(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.unlockExpiredTrades(ctx); err != nil {
		e.log.Error("Expired-lock pass failed", "error", err)
	}
	if err := e.reclaimExpiredTrades(ctx); err != nil {
		e.log.Error("Expired-claim pass failed", "error", err)
	}
	return nil
}

// unlockExpiredTrades penalises trades whose lock expired without a
// submission: the penalty goes to the order maker, the chunks return to
// the book. A failed penalty transfer is logged and never blocks the
// unlock.
func (e *Engine) unlockExpiredTrades(ctx context.Context) error {
	trades, err := e.store.ListTradesByStatus(types.TradeStatusChunksLocked)
	if err != nil {
		return err
	}

	now := e.clock()
	for _, trade := range trades {
		if !now.After(trade.LockExpiresAt) {
			continue
		}

		e.log.Warn("Trade lock expired without submission, applying penalty",
			"trade", trade.ID, "filler", trade.Filler.Text())

		penalty := trade.AmountUSD * types.USD(config.SecurityDepositPercent) / 100

		var recipient *types.Principal
		if order, err := e.store.GetOrder(trade.OrderID); err == nil {
			recipient = &order.Maker
		}

		if err := e.deductPenalty(ctx, trade.Filler, penalty, recipient,
			fmt.Sprintf("Timeout penalty T%d", trade.ID), trade.ID, trade.OrderID); err != nil {
			e.log.Error("Penalty transfer failed, continuing with unlock",
				"trade", trade.ID, "error", err)
		}

		if err := e.unlockChunks(trade.LockedChunks); err != nil {
			e.log.Error("Failed to unlock chunks", "trade", trade.ID, "error", err)
			continue
		}

		if err := e.store.UpdateTrade(trade.ID, func(t *types.Trade) {
			t.Status = types.TradeStatusPenaltyApplied
		}); err != nil {
			e.log.Error("Failed to update trade", "trade", trade.ID, "error", err)
		}

		e.publish("trade_expired", trade.ID)
	}
	return nil
}

// reclaimExpiredTrades handles trades whose claim window closed: the
// filler is penalised to the treasury, the escrowed amount plus incentive
// moves to the treasury, and the chunks count as filled. A failed escrow
// transfer leaves the trade for the next cycle.
func (e *Engine) reclaimExpiredTrades(ctx context.Context) error {
	trades, err := e.store.ListTradesByStatus(types.TradeStatusTxSubmitted)
	if err != nil {
		return err
	}

	now := e.clock()
	for _, trade := range trades {
		if trade.ClaimExpires == nil || !now.After(*trade.ClaimExpires) {
			continue
		}

		e.log.Warn("Trade expired without claim, reclaiming to treasury", "trade", trade.ID)

		order, err := e.store.GetOrder(trade.OrderID)
		if err != nil {
			e.log.Error("Order missing for expired trade", "trade", trade.ID, "order", trade.OrderID)
			continue
		}

		penalty := trade.AmountUSD * types.USD(config.SecurityDepositPercent) / 100
		if err := e.deductPenalty(ctx, trade.Filler, penalty, nil,
			fmt.Sprintf("Unclaimed penalty T%d", trade.ID), trade.ID, trade.OrderID); err != nil {
			e.log.Error("Penalty transfer failed, continuing with reclaim",
				"trade", trade.ID, "error", err)
		}

		reclaim := trade.AmountUSD + trade.AmountUSD.MulBps(config.FillerIncentiveBps)
		blockIndex, err := e.escrow.TransferFromOrder(ctx, order.Maker, trade.OrderID,
			e.escrow.Treasury(), reclaim, fmt.Sprintf("Expired claim T%d", trade.ID))
		if err != nil {
			// Retry next cycle; the trade stays TxSubmitted.
			e.log.Error("Treasury reclaim transfer failed", "trade", trade.ID, "error", err)
			continue
		}

		tid := trade.ID
		oid := trade.OrderID
		e.emitEvent(&types.AdminEvent{
			Type:      types.AdminEventTreasuryReclaim,
			Timestamp: now,
			TradeID:   &tid,
			OrderID:   &oid,
			Amount:    reclaim,
			Message:   fmt.Sprintf("expired claim reclaimed at block %d", blockIndex),
		})

		if err := e.fillChunks(trade.LockedChunks, now); err != nil {
			e.log.Error("Failed to mark chunks filled", "trade", trade.ID, "error", err)
		}

		if err := e.store.UpdateTrade(trade.ID, func(t *types.Trade) {
			t.Status = types.TradeStatusCancelled
			idx := blockIndex
			t.PayoutBlockIndex = &idx
			paid := now
			t.PayoutAt = &paid
		}); err != nil {
			e.log.Error("Failed to update trade", "trade", trade.ID, "error", err)
		}

		e.publish("trade_reclaimed", trade.ID)
	}
	return nil
}

// ReactivateIdleChunks flips Idle chunks back to Available on orders whose
// price cap covers the current market, bounded by the orderbook ceiling.
func (e *Engine) ReactivateIdleChunks(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, err := e.oracle.Price(ctx)
	if err != nil || price <= 0 {
		return nil // skip on price fetch error
	}

	orderbook, err := e.store.AvailableOrderbookUSD()
	if err != nil {
		return err
	}

	orders, err := e.store.ListOrdersByStatus(
		types.OrderStatusActive, types.OrderStatusPartiallyFilled, types.OrderStatusIdle)
	if err != nil {
		return err
	}

	ceiling := types.USD(config.MaxOrderbookUSD)

	for _, order := range orders {
		if price > order.MaxBSVPrice {
			e.parkAvailableChunks(order)
			continue
		}

		var reactivated types.USD
		for _, chunkID := range order.Chunks {
			chunk, err := e.store.GetChunk(chunkID)
			if err != nil || chunk.Status != types.ChunkStatusIdle {
				continue
			}

			if orderbook+chunk.AmountUSD > ceiling {
				e.log.Debug("Orderbook ceiling reached, chunk stays idle", "chunk", chunkID)
				continue
			}

			if err := e.store.UpdateChunk(chunkID, func(c *types.Chunk) {
				c.Status = types.ChunkStatusAvailable
			}); err != nil {
				return err
			}

			orderbook += chunk.AmountUSD
			reactivated += chunk.AmountUSD
		}

		if reactivated > 0 {
			amount := reactivated
			if err := e.store.UpdateOrder(order.ID, func(o *types.Order) {
				o.TotalIdle -= amount
				e.recomputeOrderStatus(o)
			}); err != nil {
				return err
			}
			e.log.Info("Idle chunks reactivated", "order", order.ID, "amount", reactivated.Float())
		}
	}
	return nil
}

// parkAvailableChunks delists an order's Available chunks when the market
// moves above its cap.
func (e *Engine) parkAvailableChunks(order *types.Order) {
	var parked types.USD
	for _, chunkID := range order.Chunks {
		chunk, err := e.store.GetChunk(chunkID)
		if err != nil || chunk.Status != types.ChunkStatusAvailable {
			continue
		}
		if err := e.store.UpdateChunk(chunkID, func(c *types.Chunk) {
			c.Status = types.ChunkStatusIdle
		}); err != nil {
			e.log.Error("Failed to park chunk", "chunk", chunkID, "error", err)
			continue
		}
		parked += chunk.AmountUSD
	}

	if parked > 0 {
		amount := parked
		if err := e.store.UpdateOrder(order.ID, func(o *types.Order) {
			o.TotalIdle += amount
			e.recomputeOrderStatus(o)
		}); err != nil {
			e.log.Error("Failed to update order after parking", "order", order.ID, "error", err)
		}
		e.log.Info("Chunks parked above price cap", "order", order.ID, "amount", parked.Float())
	}
}

// RunRetentionSweep deletes terminal orders and trades past the retention
// window, prunes headers outside the retention depth, and trims the audit
// log.
func (e *Engine) RunRetentionSweep() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	var ordersDeleted, tradesDeleted uint64

	orderCutoff := now.Add(-config.OrderRetention)
	oldOrders, err := e.store.ListOrdersCreatedBefore(orderCutoff)
	if err != nil {
		return err
	}
	for _, order := range oldOrders {
		chunks, err := e.store.ListChunksByOrder(order.ID)
		if err != nil {
			continue
		}

		allTerminal := true
		for _, chunk := range chunks {
			if !chunk.Status.Terminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}

		if err := e.store.DeleteOrder(order.ID); err != nil {
			e.log.Error("Failed to delete old order", "order", order.ID, "error", err)
			continue
		}
		ordersDeleted++
	}

	tradeCutoff := now.Add(-config.TradeRetention)
	oldTrades, err := e.store.ListTradesCreatedBefore(tradeCutoff)
	if err != nil {
		return err
	}
	for _, trade := range oldTrades {
		if !trade.Status.Terminal() {
			continue
		}
		if err := e.store.DeleteTrade(trade.ID); err != nil {
			e.log.Error("Failed to delete old trade", "trade", trade.ID, "error", err)
			continue
		}
		tradesDeleted++
	}

	var blocksPruned uint64
	if e.syncer != nil {
		blocksPruned, err = e.syncer.PruneRetention()
		if err != nil {
			e.log.Error("Header prune failed", "error", err)
		}
	}

	eventsTrimmed, err := e.store.TrimAdminEvents(config.MaxAdminEvents)
	if err != nil {
		e.log.Error("Admin event trim failed", "error", err)
	}

	if ordersDeleted+tradesDeleted+blocksPruned+eventsTrimmed > 0 {
		e.log.Info("Retention sweep complete", "orders", ordersDeleted,
			"trades", tradesDeleted, "blocks", blocksPruned, "events", eventsTrimmed)
	}
	return nil
}
