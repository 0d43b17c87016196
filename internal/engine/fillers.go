// Package engine - Filler accounts, security deposits, and penalties.
package engine

import (
	"context"
	"fmt"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/ledger"
	"github.com/metanet-platform/easyswap/internal/types"
)

// FillerInfo is the public view of a filler account with derived pending
// volume.
type FillerInfo struct {
	Account         *types.FillerAccount `json:"account"`
	SecurityBalance types.USD            `json:"security_balance"`
	PendingTrades   types.USD            `json:"pending_trades_total"`
	DepositAccount  string               `json:"deposit_account"`
}

// FillerInfo returns a filler's account, live balance, and derived
// pending volume.
func (e *Engine) FillerInfo(ctx context.Context, filler types.Principal) (*FillerInfo, error) {
	balance, err := e.escrow.SecurityBalance(ctx, filler)
	if err != nil {
		return nil, errTransient(err, "failed to query security balance")
	}

	pending, err := e.store.PendingTradeTotalUSD(filler)
	if err != nil {
		return nil, errTransient(err, "failed to derive pending trades")
	}

	account, err := e.store.GetFillerAccount(filler)
	if err != nil {
		account = nil // no trades yet; balance queries still work
	}

	sub := ledger.PrincipalSubaccount(filler)
	return &FillerInfo{
		Account:         account,
		SecurityBalance: balance,
		PendingTrades:   pending,
		DepositAccount:  fmt.Sprintf("%s.%s", e.escrow.Owner(), sub.Hex()),
	}, nil
}

// DepositSecurity confirms a security deposit has landed in the filler's
// subaccount. The balance is live from the ledger; nothing is stored.
func (e *Engine) DepositSecurity(ctx context.Context, caller types.Principal, amount types.USD) error {
	if caller.IsAnonymous() {
		return errAuthorization("anonymous principal has no security account")
	}

	balance, err := e.escrow.SecurityBalance(ctx, caller)
	if err != nil {
		return errTransient(err, "failed to query security balance")
	}
	if balance < amount {
		return errCapacity("insufficient balance in security subaccount: required $%s, available $%s",
			amount, balance)
	}
	return nil
}

// WithdrawSecurity returns part of the security balance to the filler's
// main account. The locked share backing pending trades cannot leave.
func (e *Engine) WithdrawSecurity(ctx context.Context, caller types.Principal, amount types.USD) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller.IsAnonymous() {
		return errAuthorization("anonymous principal has no security account")
	}
	if amount <= 0 {
		return errValidation("withdrawal amount must be positive")
	}

	available, err := e.availableSecurityBalance(ctx, caller)
	if err != nil {
		return errTransient(err, "failed to compute available balance")
	}
	if available < amount {
		return errCapacity("withdrawal exceeds available balance: requested $%s, available $%s (rest locked by pending trades)",
			amount, available)
	}

	_, err = e.escrow.TransferFromSecurity(ctx, caller,
		e.escrow.DefaultAccount(caller), amount, "Security withdrawal")
	if err != nil {
		return errTransient(err, "withdrawal transfer failed")
	}

	e.log.Info("Security withdrawn", "filler", caller.Text(), "amount", amount.Float())
	return nil
}

// availableSecurityBalance is the live ledger balance minus the security
// share locked by pending trades.
func (e *Engine) availableSecurityBalance(ctx context.Context, p types.Principal) (types.USD, error) {
	balance, err := e.escrow.SecurityBalance(ctx, p)
	if err != nil {
		return 0, err
	}

	pending, err := e.store.PendingTradeTotalUSD(p)
	if err != nil {
		return 0, err
	}

	locked := pending * types.USD(config.SecurityDepositPercent) / 100
	available := balance - locked
	if available < 0 {
		available = 0
	}
	return available, nil
}

// deductPenalty transfers a penalty from the filler's security subaccount
// to the recipient: the order maker for lock-expiry and resubmission, the
// treasury when recipient is nil (unclaimed expiry). The penalty is
// recorded on the filler account and in the audit log.
func (e *Engine) deductPenalty(ctx context.Context, filler types.Principal, amount types.USD,
	recipient *types.Principal, memo string, tradeID types.TradeID, orderID types.OrderID) error {

	if err := e.store.EnsureFillerAccount(filler, e.clock()); err != nil {
		return err
	}
	if err := e.store.UpdateFillerAccount(filler, func(a *types.FillerAccount) {
		a.PenaltiesPaid += amount
	}); err != nil {
		return err
	}

	to := e.escrow.Treasury()
	if recipient != nil {
		to = e.escrow.DefaultAccount(*recipient)
	}

	_, err := e.escrow.TransferFromSecurity(ctx, filler, to, amount, memo)
	if err != nil {
		return err
	}

	tid, oid := tradeID, orderID
	e.emitEvent(&types.AdminEvent{
		Type:      types.AdminEventPenaltyApplied,
		Timestamp: e.clock(),
		TradeID:   &tid,
		OrderID:   &oid,
		Amount:    amount,
		Message:   memo,
	})
	return nil
}
