// Package engine - Order lifecycle: create, fund, activate, retarget,
// cancel, refund.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/metanet-platform/easyswap/internal/bsv"
	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/ledger"
	"github.com/metanet-platform/easyswap/internal/types"
)

// DepositInfo describes where a maker funds an order.
type DepositInfo struct {
	Owner         string `json:"owner"`
	SubaccountHex string `json:"subaccount"`
}

// GetDepositInfo returns the deterministic deposit account for an order.
// Any party can reconstruct it from (maker, order id).
func (e *Engine) GetDepositInfo(maker types.Principal, orderID types.OrderID) DepositInfo {
	sub := ledger.OrderSubaccount(maker, orderID)
	return DepositInfo{
		Owner:         e.escrow.Owner(),
		SubaccountHex: sub.Hex(),
	}
}

// CreateOrder validates, funds, and activates a maker order. The order id
// is allocated before funding, so a failed activation still consumes the
// id and the maker can retry the deposit against the same subaccount.
func (e *Engine) CreateOrder(ctx context.Context, caller types.Principal, amount types.USD,
	maxBSVPrice float64, bsvAddress string) (types.OrderID, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller.IsAnonymous() {
		return 0, errAuthorization("anonymous principal cannot create orders")
	}

	enabled, err := e.store.NewOrdersEnabled()
	if err != nil {
		return 0, errTransient(err, "failed to read orders toggle")
	}
	if !enabled {
		return 0, errCapacity("new order creation is disabled; existing orders and trades continue normally")
	}

	if e.resourceOK != nil && !e.resourceOK() {
		return 0, errCapacity("insufficient process resources for new orders, try again later")
	}

	chunkSize := types.USD(config.ChunkSizeUSD)
	if amount <= 0 {
		return 0, errValidation("amount must be greater than zero")
	}
	if amount < chunkSize || amount%chunkSize != 0 {
		return 0, errValidation("amount must be a multiple of $%s", chunkSize)
	}
	maxOrder := chunkSize * types.USD(config.MaxChunksPerOrder)
	if amount > maxOrder {
		return 0, errValidation("amount cannot exceed $%s (max %d chunks of $%s)",
			maxOrder, config.MaxChunksPerOrder, chunkSize)
	}

	if !bsv.IsValidMainnetAddress(bsvAddress) {
		return 0, errValidation("invalid BSV mainnet address")
	}
	if maxBSVPrice <= 0 {
		return 0, errValidation("max BSV price must be positive")
	}

	available, err := e.store.AvailableOrderbookUSD()
	if err != nil {
		return 0, errTransient(err, "failed to derive orderbook")
	}
	if available+amount > types.USD(config.MaxOrderbookUSD) {
		return 0, errCapacity("orderbook limit exceeded: current $%s + order $%s > limit $%s",
			available, amount, types.USD(config.MaxOrderbookUSD))
	}

	makerOrders, err := e.store.ListOrdersByMaker(caller)
	if err != nil {
		return 0, errTransient(err, "failed to list maker orders")
	}
	var makerActive types.USD
	for _, o := range makerOrders {
		if o.Status == types.OrderStatusActive || o.Status == types.OrderStatusIdle {
			makerActive += o.Remaining()
		}
	}
	if makerActive+amount > types.USD(config.MaxMakerTotalUSD) {
		return 0, errCapacity("maker order limit exceeded: active $%s + order $%s > limit $%s",
			makerActive, amount, types.USD(config.MaxMakerTotalUSD))
	}

	// The id sequence advances even when activation fails below.
	orderID, err := e.store.NextOrderID()
	if err != nil {
		return 0, errTransient(err, "failed to allocate order id")
	}

	activationFee := amount.MulBps(config.ActivationFeeBps)
	incentiveReserve := amount.MulBps(config.FillerIncentiveBps)
	requiredDeposit := amount + amount.MulBps(config.MakerFeeBps)

	balance, err := e.escrow.OrderBalance(ctx, caller, orderID)
	if err != nil {
		return 0, errTransient(err, "failed to query order balance")
	}

	if balance < requiredDeposit {
		shortfall := requiredDeposit - balance
		balance, err = e.topUpOrder(ctx, caller, orderID, shortfall, requiredDeposit)
		if err != nil {
			return 0, err
		}
	}

	e.log.Info("Order funded", "order", orderID, "balance", balance.Float(), "required", requiredDeposit.Float())

	if _, err := e.escrow.TransferActivationFee(ctx, caller, orderID, activationFee); err != nil {
		return 0, errTransient(err, "order #%d funded but activation fee transfer failed", orderID)
	}

	// A zero or stale cached price never parks an order Idle; only a live
	// price above the cap does.
	currentPrice, _ := e.oracle.CachedPrice()
	priceExceedsMax := currentPrice > 0 && currentPrice > maxBSVPrice

	chunkStatus := types.ChunkStatusAvailable
	orderStatus := types.OrderStatusActive
	var initialIdle types.USD
	if priceExceedsMax {
		chunkStatus = types.ChunkStatusIdle
		orderStatus = types.OrderStatusIdle
		initialIdle = amount
		e.log.Info("Price above cap, order starts Idle", "order", orderID,
			"price", currentPrice, "max", maxBSVPrice)
	}

	now := e.clock()
	numChunks := uint64(amount / chunkSize)
	chunks := make([]types.Chunk, 0, numChunks)
	chunkIDs := make([]types.ChunkID, 0, numChunks)
	for i := uint64(0); i < numChunks; i++ {
		chunkID, err := e.store.NextChunkID()
		if err != nil {
			return 0, errTransient(err, "failed to allocate chunk id")
		}
		chunks = append(chunks, types.Chunk{
			ID:          chunkID,
			OrderID:     orderID,
			AmountUSD:   chunkSize,
			Status:      chunkStatus,
			BSVAddress:  bsvAddress,
			MaxBSVPrice: maxBSVPrice,
		})
		chunkIDs = append(chunkIDs, chunkID)
	}

	sub := ledger.OrderSubaccount(caller, orderID)
	order := &types.Order{
		ID:                orderID,
		Maker:             caller,
		AmountUSD:         amount,
		DepositOwner:      e.escrow.Owner(),
		DepositSubaccount: sub.Hex(),
		TotalDeposited:    balance,
		ActivationFee:     activationFee,
		IncentiveReserve:  incentiveReserve,
		MaxBSVPrice:       maxBSVPrice,
		BSVAddress:        bsvAddress,
		Status:            orderStatus,
		Chunks:            chunkIDs,
		CreatedAt:         now,
		FundedAt:          now,
		TotalIdle:         initialIdle,
	}

	if err := e.store.CreateOrder(order, chunks); err != nil {
		return 0, errTransient(err, "failed to persist order")
	}

	e.log.Info("Order created", "order", orderID, "maker", caller.Text(),
		"amount", amount.Float(), "chunks", numChunks, "status", orderStatus)
	e.publish("order_created", order)

	return orderID, nil
}

func (e *Engine) topUpOrder(ctx context.Context, caller types.Principal, orderID types.OrderID,
	shortfall, requiredDeposit types.USD) (types.USD, error) {

	sub := ledger.OrderSubaccount(caller, orderID)

	availableSecurity, err := e.availableSecurityBalance(ctx, caller)
	if err != nil {
		return 0, errTransient(err,
			"order #%d created but not activated; deposit $%s to subaccount %s",
			orderID, shortfall, sub.Hex())
	}
	if availableSecurity < shortfall {
		return 0, errCapacity(
			"order #%d created but not activated: security balance $%s cannot cover shortfall $%s; deposit to subaccount %s",
			orderID, availableSecurity, shortfall, sub.Hex())
	}

	if _, err := e.escrow.TopUpOrder(ctx, caller, orderID, shortfall); err != nil {
		return 0, errTransient(err,
			"order #%d created but not activated: top-up transfer failed; deposit $%s to subaccount %s",
			orderID, shortfall, sub.Hex())
	}

	balance, err := e.escrow.OrderBalance(ctx, caller, orderID)
	if err != nil {
		return 0, errTransient(err, "failed to re-query order balance after top-up")
	}
	if balance < requiredDeposit {
		return 0, errCapacity(
			"order #%d created but not activated: balance $%s still below required $%s after top-up",
			orderID, balance, requiredDeposit)
	}
	return balance, nil
}

// UpdateMaxBSVPrice retargets an order's editable chunks to a new price
// cap. Locked and terminal chunks keep their captured price; retargeted
// chunks are re-listed or parked against the current market price.
func (e *Engine) UpdateMaxBSVPrice(caller types.Principal, orderID types.OrderID, newMax float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if newMax <= 0 {
		return errValidation("max BSV price must be positive")
	}

	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return errPrecondition("order %d not found", orderID)
	}
	if order.Maker != caller {
		return errAuthorization("only the order maker can update the price")
	}

	chunks, err := e.store.ListChunksByOrder(orderID)
	if err != nil {
		return errTransient(err, "failed to list order chunks")
	}

	currentPrice, _ := e.oracle.CachedPrice()

	var retargeted int
	var idleDelta types.USD
	for _, chunk := range chunks {
		if !chunk.Status.Editable() {
			continue
		}
		retargeted++

		newStatus := types.ChunkStatusAvailable
		if currentPrice > 0 && currentPrice > newMax {
			newStatus = types.ChunkStatusIdle
		}

		if chunk.Status != newStatus {
			if newStatus == types.ChunkStatusIdle {
				idleDelta += chunk.AmountUSD
			} else {
				idleDelta -= chunk.AmountUSD
			}
		}

		err := e.store.UpdateChunk(chunk.ID, func(c *types.Chunk) {
			c.MaxBSVPrice = newMax
			c.Status = newStatus
		})
		if err != nil {
			return errTransient(err, "failed to retarget chunk %d", chunk.ID)
		}
	}

	if retargeted == 0 {
		return errPrecondition("order %d has no editable chunks", orderID)
	}

	err = e.store.UpdateOrder(orderID, func(o *types.Order) {
		o.MaxBSVPrice = newMax
		o.TotalIdle += idleDelta
		e.recomputeOrderStatus(o)
	})
	if err != nil {
		return errTransient(err, "failed to update order")
	}

	e.log.Info("Order retargeted", "order", orderID, "new_max", newMax, "chunks", retargeted)
	e.publish("order_updated", orderID)
	return nil
}

// CancelOrder refunds the unlocked portion of an order back to the maker.
// Locked chunks stay locked and their trades continue; the activation fee
// is never refunded.
func (e *Engine) CancelOrder(ctx context.Context, caller types.Principal, orderID types.OrderID) (types.USD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return 0, errPrecondition("order %d not found", orderID)
	}
	if order.Maker != caller {
		return 0, errAuthorization("only the order maker can cancel")
	}
	switch order.Status {
	case types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusRefunded:
		return 0, errPrecondition("order %d is already in terminal state %s", orderID, order.Status)
	}

	chunks, err := e.store.ListChunksByOrder(orderID)
	if err != nil {
		return 0, errTransient(err, "failed to list order chunks")
	}

	var lockedAmount, refundedAmount types.USD
	var anyLocked bool
	for _, chunk := range chunks {
		if chunk.Status == types.ChunkStatusLocked {
			anyLocked = true
			lockedAmount += chunk.AmountUSD
		}
	}

	balance, err := e.escrow.OrderBalance(ctx, caller, orderID)
	if err != nil {
		return 0, errTransient(err, "failed to query order balance")
	}

	// Locked chunks keep their escrow plus the incentive that a successful
	// claim would pay out.
	reserved := lockedAmount + lockedAmount.MulBps(config.FillerIncentiveBps)
	refundable := balance - reserved

	if refundable > types.USD(config.LedgerTransferFee) {
		_, err := e.escrow.TransferFromOrder(ctx, caller, orderID,
			e.escrow.DefaultAccount(caller), refundable, fmt.Sprintf("Refund O%d", orderID))
		if err != nil && !errors.Is(err, ledger.ErrAmountTooSmall) {
			return 0, errTransient(err, "refund transfer failed")
		}
	} else {
		refundable = 0
	}

	now := e.clock()
	for _, chunk := range chunks {
		// Already-refunded chunks are scanned but never re-marked.
		if !chunk.Status.Editable() {
			continue
		}
		refundedAmount += chunk.AmountUSD
		err := e.store.UpdateChunk(chunk.ID, func(c *types.Chunk) {
			c.Status = types.ChunkStatusRefunded
			t := now
			c.FilledAt = &t
		})
		if err != nil {
			return 0, errTransient(err, "failed to refund chunk %d", chunk.ID)
		}
	}

	err = e.store.UpdateOrder(orderID, func(o *types.Order) {
		o.TotalRefunded += refundedAmount
		o.TotalIdle = 0
		if anyLocked {
			o.Status = types.OrderStatusPartiallyFilled
		} else {
			o.Status = types.OrderStatusCancelled
		}
	})
	if err != nil {
		return 0, errTransient(err, "failed to update order")
	}

	e.log.Info("Order cancelled", "order", orderID, "refunded", refundable.Float(), "locked", lockedAmount.Float())
	e.publish("order_cancelled", orderID)

	return refundable, nil
}

// recomputeOrderStatus derives the order status from its accounting
// totals. Terminal statuses are never overwritten.
func (e *Engine) recomputeOrderStatus(o *types.Order) {
	switch o.Status {
	case types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusRefunded:
		return
	}

	switch {
	case o.TotalFilled >= o.AmountUSD:
		o.Status = types.OrderStatusFilled
	case o.TotalFilled > 0:
		o.Status = types.OrderStatusPartiallyFilled
	case o.TotalIdle >= o.AmountUSD-o.TotalLocked-o.TotalRefunded:
		o.Status = types.OrderStatusIdle
	default:
		o.Status = types.OrderStatusActive
	}
}

// GetOrder returns an order by id.
func (e *Engine) GetOrder(id types.OrderID) (*types.Order, error) {
	order, err := e.store.GetOrder(id)
	if err != nil {
		return nil, errPrecondition("order %d not found", id)
	}
	return order, nil
}

// OrdersByMaker lists a maker's orders.
func (e *Engine) OrdersByMaker(maker types.Principal) ([]*types.Order, error) {
	return e.store.ListOrdersByMaker(maker)
}
