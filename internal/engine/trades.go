// Package engine - Trade lifecycle: lock, submit, resubmit, claim.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/metanet-platform/easyswap/internal/bsv"
	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/helpers"
)

// CreateTradesRequest is a filler's matching request. The agreed price is
// always the engine's cached market price, never client-supplied.
type CreateTradesRequest struct {
	RequestedUSD types.USD
	MinBSVPrice  float64
	AllowPartial bool
}

// CreateTrades matches the request against the orderbook FIFO and creates
// one trade per contributing order, locking the selected chunks. With
// AllowPartial false, a short match fails without any state mutation.
func (e *Engine) CreateTrades(ctx context.Context, caller types.Principal,
	req CreateTradesRequest) ([]types.TradeID, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller.IsAnonymous() {
		return nil, errAuthorization("anonymous principal cannot create trades")
	}
	if req.RequestedUSD <= 0 {
		return nil, errValidation("requested amount must be positive")
	}
	if req.MinBSVPrice <= 0 {
		return nil, errValidation("minimum BSV price must be positive")
	}

	// Pin the price to the engine's market view; stale or zero cache
	// rejects the request.
	agreedPrice, err := e.oracle.Price(ctx)
	if err != nil {
		return nil, errTransient(err, "market price unavailable")
	}
	if agreedPrice <= 0 {
		return nil, errTransient(nil, "market price unavailable")
	}
	if req.MinBSVPrice > agreedPrice {
		return nil, errValidation("minimum BSV price ($%.2f) cannot exceed current market price ($%.2f)",
			req.MinBSVPrice, agreedPrice)
	}

	securityBalance, err := e.escrow.SecurityBalance(ctx, caller)
	if err != nil {
		return nil, errTransient(err, "failed to query security balance")
	}

	requiredSecurity := req.RequestedUSD * types.USD(config.SecurityDepositPercent) / 100
	if securityBalance < requiredSecurity {
		return nil, errCapacity("insufficient security deposit: required $%s, available $%s",
			requiredSecurity, securityBalance)
	}

	if err := e.store.EnsureFillerAccount(caller, e.clock()); err != nil {
		return nil, errTransient(err, "failed to create filler account")
	}

	pending, err := e.store.PendingTradeTotalUSD(caller)
	if err != nil {
		return nil, errTransient(err, "failed to derive pending trades")
	}
	maxAllowed := securityBalance * types.USD(config.MaxLockMultiplier)
	if pending+req.RequestedUSD > maxAllowed {
		return nil, errCapacity("exceeds maximum lock capacity: max $%s, would be $%s",
			maxAllowed, pending+req.RequestedUSD)
	}

	allocations, totalAllocated, err := e.findMatchingChunks(req.RequestedUSD, agreedPrice)
	if err != nil {
		return nil, err
	}
	if totalAllocated == 0 {
		return nil, errPrecondition("no matching chunks available at current market price")
	}
	if !req.AllowPartial && totalAllocated < req.RequestedUSD {
		return nil, errPrecondition("cannot fill complete request: requested $%s, available $%s",
			req.RequestedUSD, totalAllocated)
	}

	now := e.clock()
	tradeIDs := make([]types.TradeID, 0, len(allocations))

	for _, alloc := range allocations {
		tradeID, err := e.store.NextTradeID()
		if err != nil {
			return nil, errTransient(err, "failed to allocate trade id")
		}

		if err := e.lockChunks(alloc.chunks, tradeID); err != nil {
			return nil, err
		}

		lockedChunks := make([]types.LockedChunk, len(alloc.chunks))
		for i, chunk := range alloc.chunks {
			lockedChunks[i] = types.LockedChunk{
				ChunkID:    chunk.ID,
				OrderID:    chunk.OrderID,
				AmountUSD:  chunk.AmountUSD,
				BSVAddress: chunk.BSVAddress,
				Satoshis:   helpers.USDToSatoshis(uint64(chunk.AmountUSD), agreedPrice),
			}
		}

		trade := &types.Trade{
			ID:             tradeID,
			OrderID:        alloc.order.ID,
			Filler:         caller,
			AmountUSD:      alloc.total,
			LockedChunks:   lockedChunks,
			AgreedBSVPrice: agreedPrice,
			MinBSVPrice:    req.MinBSVPrice,
			Status:         types.TradeStatusChunksLocked,
			CreatedAt:      now,
			LockExpiresAt:  now.Add(config.TradeLockTimeout),
		}

		if err := e.store.CreateTrade(trade); err != nil {
			return nil, errTransient(err, "failed to persist trade")
		}
		tradeIDs = append(tradeIDs, tradeID)
	}

	if err := e.store.UpdateFillerAccount(caller, func(a *types.FillerAccount) {
		a.TotalTrades += uint64(len(tradeIDs))
	}); err != nil {
		e.log.Error("Failed to update filler stats", "error", err)
	}

	e.log.Info("Trades created", "filler", caller.Text(), "count", len(tradeIDs),
		"total", totalAllocated.Float(), "price", agreedPrice)
	e.publish("trades_created", tradeIDs)

	return tradeIDs, nil
}

// SubmitBSVTransaction binds a BSV payment transaction to a trade. The
// transaction's leading outputs must match the locked chunk list exactly;
// extra outputs after the locked set are change and are permitted.
func (e *Engine) SubmitBSVTransaction(ctx context.Context, caller types.Principal,
	tradeID types.TradeID, rawTxHex string) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller.IsAnonymous() {
		return errAuthorization("anonymous principal cannot submit transactions")
	}
	if len(rawTxHex) > config.MaxTxHexLen {
		return errValidation("transaction too large")
	}

	trade, err := e.store.GetTrade(tradeID)
	if err != nil {
		return errPrecondition("trade %d not found", tradeID)
	}
	if trade.Filler != caller {
		return errAuthorization("only the trade filler can submit the transaction")
	}
	if trade.Status != types.TradeStatusChunksLocked {
		return errPrecondition("trade %d is not awaiting submission (status %s)", tradeID, trade.Status)
	}

	now := e.clock()
	if now.After(trade.LockExpiresAt) {
		return errPrecondition("trade lock has expired; submission no longer allowed")
	}

	txid, err := bsv.TxID(rawTxHex)
	if err != nil {
		return errValidation("invalid transaction hex: %v", err)
	}

	if otherTrade, used, err := e.store.LookupUsedTxid(txid); err != nil {
		return errTransient(err, "failed to check txid index")
	} else if used && otherTrade != tradeID {
		return errDuplication("transaction already used by trade #%d", otherTrade)
	}

	parsed, err := bsv.ParseTx(rawTxHex)
	if err != nil {
		return errValidation("failed to parse transaction: %v", err)
	}

	if err := validateOutputs(parsed, trade.LockedChunks); err != nil {
		return err
	}

	if err := e.store.MarkTxidUsed(txid, tradeID); err != nil {
		return errDuplication("transaction already used by another trade")
	}

	err = e.store.UpdateTrade(tradeID, func(t *types.Trade) {
		t.Status = types.TradeStatusTxSubmitted
		t.BSVTxHex = rawTxHex
		submitted := now
		t.TxSubmittedAt = &submitted
		release := now.Add(config.ReleaseWait)
		t.ReleaseAt = &release
		claim := now.Add(config.ClaimExpiry)
		t.ClaimExpires = &claim
	})
	if err != nil {
		return errTransient(err, "failed to update trade")
	}

	e.log.Info("BSV transaction submitted", "trade", tradeID, "txid", txid)
	e.publish("tx_submitted", tradeID)
	return nil
}

// ResubmitBSVTransaction replaces a submitted transaction within the
// resubmission window, charging the resubmission penalty to the filler's
// security subaccount and paying it to the order maker.
// The release wait restarts; the claim deadline deliberately does not.
func (e *Engine) ResubmitBSVTransaction(ctx context.Context, caller types.Principal,
	tradeID types.TradeID, rawTxHex string) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller.IsAnonymous() {
		return errAuthorization("anonymous principal cannot resubmit transactions")
	}
	if len(rawTxHex) > config.MaxTxHexLen {
		return errValidation("transaction too large")
	}

	trade, err := e.store.GetTrade(tradeID)
	if err != nil {
		return errPrecondition("trade %d not found", tradeID)
	}
	if trade.Filler != caller {
		return errAuthorization("only the trade filler can resubmit the transaction")
	}
	if trade.Status != types.TradeStatusTxSubmitted {
		return errPrecondition("trade %d has no submitted transaction to replace", tradeID)
	}
	if trade.TxSubmittedAt == nil {
		return errPrecondition("trade %d missing submission time", tradeID)
	}

	now := e.clock()
	if now.After(trade.TxSubmittedAt.Add(config.ResubmissionWindow)) {
		return errPrecondition("resubmission window expired; only allowed within %s of initial submission",
			config.ResubmissionWindow)
	}

	penalty := trade.AmountUSD.MulBps(config.ResubmissionPenaltyBps)

	available, err := e.availableSecurityBalance(ctx, caller)
	if err != nil {
		return errTransient(err, "failed to check available security balance")
	}
	if available < penalty {
		return errCapacity("insufficient available security balance: need $%s for resubmission penalty, have $%s",
			penalty, available)
	}

	newTxid, err := bsv.TxID(rawTxHex)
	if err != nil {
		return errValidation("invalid transaction hex: %v", err)
	}

	if otherTrade, used, err := e.store.LookupUsedTxid(newTxid); err != nil {
		return errTransient(err, "failed to check txid index")
	} else if used && otherTrade != tradeID {
		return errDuplication("transaction already used by trade #%d", otherTrade)
	}

	parsed, err := bsv.ParseTx(rawTxHex)
	if err != nil {
		return errValidation("failed to parse transaction: %v", err)
	}
	if err := validateOutputs(parsed, trade.LockedChunks); err != nil {
		return err
	}

	// Resubmission penalty goes to the order maker.
	order, err := e.store.GetOrder(trade.OrderID)
	if err != nil {
		return errTransient(err, "order %d not found for trade %d", trade.OrderID, tradeID)
	}
	if err := e.deductPenalty(ctx, caller, penalty, &order.Maker,
		fmt.Sprintf("Resubmit penalty T%d", tradeID), tradeID, trade.OrderID); err != nil {
		return errTransient(err, "resubmission penalty transfer failed")
	}

	if trade.BSVTxHex != "" {
		if oldTxid, err := bsv.TxID(trade.BSVTxHex); err == nil {
			if err := e.store.UnmarkTxid(oldTxid); err != nil {
				e.log.Error("Failed to unmark old txid", "trade", tradeID, "error", err)
			}
		}
	}
	if err := e.store.MarkTxidUsed(newTxid, tradeID); err != nil {
		return errDuplication("transaction already used by another trade")
	}

	err = e.store.UpdateTrade(tradeID, func(t *types.Trade) {
		t.BSVTxHex = rawTxHex
		release := now.Add(config.ReleaseWait)
		t.ReleaseAt = &release
		// ClaimExpires stays pinned to the initial submission.
	})
	if err != nil {
		return errTransient(err, "failed to update trade")
	}

	e.log.Info("BSV transaction resubmitted", "trade", tradeID, "txid", newTxid,
		"penalty", penalty.Float())
	e.publish("tx_resubmitted", tradeID)
	return nil
}

// ClaimPayout releases the escrowed stablecoin to the filler once the
// submitted transaction proves inclusion at the required depth.
func (e *Engine) ClaimPayout(ctx context.Context, caller types.Principal,
	tradeID types.TradeID, txHex, bumpHex string) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller.IsAnonymous() {
		return errAuthorization("anonymous principal cannot claim")
	}

	trade, err := e.store.GetTrade(tradeID)
	if err != nil {
		return errPrecondition("trade %d not found", tradeID)
	}
	if trade.Filler != caller {
		return errAuthorization("only the trade filler can claim")
	}
	if trade.Status != types.TradeStatusTxSubmitted {
		return errPrecondition("trade %d is not ready for release (status %s)", tradeID, trade.Status)
	}
	if trade.BSVTxHex == "" {
		return errPrecondition("trade %d has no submitted transaction", tradeID)
	}

	if !strings.EqualFold(strings.TrimSpace(txHex), strings.TrimSpace(trade.BSVTxHex)) {
		return errValidation("transaction hex does not match the submitted transaction")
	}

	now := e.clock()
	if trade.ReleaseAt == nil {
		return errPrecondition("trade %d has no release time set", tradeID)
	}
	if now.Before(*trade.ReleaseAt) {
		return errPrecondition("release available in %s", trade.ReleaseAt.Sub(now).Round(1e9))
	}
	if trade.ClaimExpires != nil && now.After(*trade.ClaimExpires) {
		return errPrecondition("trade was not claimed within the claim window; funds reclaimed to treasury")
	}

	verification, err := e.verifier.VerifyRawTx(ctx, txHex, bumpHex)
	if err != nil {
		return errVerification(err, "transaction verification failed")
	}
	if !verification.Verified {
		return errVerification(nil, "transaction not verified: %s", verification.Message)
	}

	payout := trade.AmountUSD + trade.AmountUSD.MulBps(config.FillerIncentiveBps)

	order, err := e.store.GetOrder(trade.OrderID)
	if err != nil {
		return errTransient(err, "order %d not found", trade.OrderID)
	}

	blockIndex, err := e.escrow.TransferFromOrder(ctx, order.Maker, trade.OrderID,
		e.escrow.DefaultAccount(caller), payout, fmt.Sprintf("Claim T%d", tradeID))
	if err != nil {
		return errTransient(err, "payout transfer failed")
	}

	err = e.store.UpdateTrade(tradeID, func(t *types.Trade) {
		t.Status = types.TradeStatusWithdrawalConfirmed
		idx := blockIndex
		t.PayoutBlockIndex = &idx
		paid := now
		t.PayoutAt = &paid
	})
	if err != nil {
		return errTransient(err, "failed to update trade")
	}

	if err := e.fillChunks(trade.LockedChunks, now); err != nil {
		return err
	}

	if err := e.store.UpdateFillerAccount(caller, func(a *types.FillerAccount) {
		a.SuccessfulTrades++
	}); err != nil {
		e.log.Error("Failed to update filler stats", "error", err)
	}

	e.log.Info("Payout claimed", "trade", tradeID, "payout", payout.Float(),
		"block", verification.BlockHeight, "confirmations", verification.Confirmations)
	e.publish("payout_claimed", tradeID)
	return nil
}

// validateOutputs checks tx.outputs[0..k] against the locked chunk list in
// order: address equality (case-insensitive, trimmed) and exact satoshi
// amounts. Mismatch at any index fails the submission.
func validateOutputs(tx *bsv.Tx, expected []types.LockedChunk) error {
	if len(tx.Outputs) < len(expected) {
		return errValidation("transaction has %d outputs but %d were expected",
			len(tx.Outputs), len(expected))
	}

	for i, want := range expected {
		got := tx.Outputs[i]

		if got.Satoshis != want.Satoshis {
			return errValidation("output %d amount mismatch: expected %d sats, got %d sats",
				i, want.Satoshis, got.Satoshis)
		}

		gotAddr := strings.ToLower(strings.TrimSpace(got.Address))
		wantAddr := strings.ToLower(strings.TrimSpace(want.BSVAddress))
		if gotAddr != wantAddr {
			return errValidation("output %d address mismatch: expected %s, got %s",
				i, want.BSVAddress, got.Address)
		}
	}

	return nil
}

// GetTrade returns a trade by id.
func (e *Engine) GetTrade(id types.TradeID) (*types.Trade, error) {
	trade, err := e.store.GetTrade(id)
	if err != nil {
		return nil, errPrecondition("trade %d not found", id)
	}
	return trade, nil
}

// TradesByFiller lists a filler's trades, newest first, optionally
// filtered by status.
func (e *Engine) TradesByFiller(filler types.Principal, statuses []types.TradeStatus) ([]*types.Trade, error) {
	trades, err := e.store.ListTradesByFiller(filler)
	if err != nil {
		return nil, errTransient(err, "failed to list trades")
	}
	if len(statuses) == 0 {
		return trades, nil
	}

	filtered := trades[:0]
	for _, trade := range trades {
		for _, status := range statuses {
			if trade.Status == status {
				filtered = append(filtered, trade)
				break
			}
		}
	}
	return filtered, nil
}
