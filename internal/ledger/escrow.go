// Package ledger - Order escrow operations on top of the ledger client.
package ledger

import (
	"context"
	"fmt"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Escrow wires the subaccount derivation to the ledger client. Outbound
// transfers other than TopUpOrder absorb the fixed transfer fee from the
// quoted gross amount, so the subaccount debit equals the quoted amount and
// the recipient observes exactly amount − fee. TopUpOrder charges the fee
// on top.
type Escrow struct {
	client   Client
	owner    string // this process's ledger principal
	treasury Account
	fee      types.USD
	log      *logging.Logger
}

// NewEscrow creates the escrow layer. The treasury defaults to the
// process's own default account when treasuryOwner is empty.
func NewEscrow(client Client, owner, treasuryOwner string) *Escrow {
	if treasuryOwner == "" {
		treasuryOwner = owner
	}
	return &Escrow{
		client:   client,
		owner:    owner,
		treasury: Account{Owner: treasuryOwner},
		fee:      types.USD(config.LedgerTransferFee),
		log:      logging.GetDefault().Component("escrow"),
	}
}

// Owner returns this process's ledger principal.
func (e *Escrow) Owner() string {
	return e.owner
}

// Treasury returns the treasury account.
func (e *Escrow) Treasury() Account {
	return e.treasury
}

// OrderAccount returns the deposit account for an order: owned by this
// process, subaccount derived from (maker, order id).
func (e *Escrow) OrderAccount(maker types.Principal, orderID types.OrderID) Account {
	sub := OrderSubaccount(maker, orderID)
	return Account{Owner: e.owner, Subaccount: &sub}
}

// SecurityAccount returns a principal's general security subaccount.
func (e *Escrow) SecurityAccount(p types.Principal) Account {
	sub := PrincipalSubaccount(p)
	return Account{Owner: e.owner, Subaccount: &sub}
}

// DefaultAccount returns a principal's main ledger account, used for
// payouts and refunds.
func (e *Escrow) DefaultAccount(p types.Principal) Account {
	return Account{Owner: p.Text()}
}

// OrderBalance queries the ledger for an order subaccount's balance.
func (e *Escrow) OrderBalance(ctx context.Context, maker types.Principal, orderID types.OrderID) (types.USD, error) {
	return e.client.BalanceOf(ctx, e.OrderAccount(maker, orderID))
}

// SecurityBalance queries a principal's security subaccount balance.
func (e *Escrow) SecurityBalance(ctx context.Context, p types.Principal) (types.USD, error) {
	return e.client.BalanceOf(ctx, e.SecurityAccount(p))
}

// TransferFromOrder sends (amount − fee) from an order subaccount to the
// recipient; the fee is paid from the same subaccount. Fails with
// ErrAmountTooSmall when amount ≤ fee.
func (e *Escrow) TransferFromOrder(ctx context.Context, maker types.Principal, orderID types.OrderID,
	to Account, amount types.USD, memo string) (uint64, error) {

	net := amount - e.fee
	if net <= 0 {
		return 0, ErrAmountTooSmall
	}

	sub := OrderSubaccount(maker, orderID)
	e.log.Debug("Escrow transfer", "order", orderID, "gross", amount.Float(), "net", net.Float(), "memo", memo)

	return e.client.Transfer(ctx, TransferArgs{
		FromSubaccount: &sub,
		To:             to,
		Amount:         net,
		Memo:           memo,
	})
}

// TransferActivationFee sends the activation fee from an order subaccount
// to the treasury. Identical semantics to TransferFromOrder; the separate
// entry point labels the flow for audit.
func (e *Escrow) TransferActivationFee(ctx context.Context, maker types.Principal, orderID types.OrderID,
	fee types.USD) (uint64, error) {

	net := fee - e.fee
	if net <= 0 {
		return 0, ErrAmountTooSmall
	}

	sub := OrderSubaccount(maker, orderID)
	return e.client.Transfer(ctx, TransferArgs{
		FromSubaccount: &sub,
		To:             e.treasury,
		Amount:         net,
		Memo:           fmt.Sprintf("Activation O%d", orderID),
	})
}

// TopUpOrder moves the full shortfall from a principal's security
// subaccount into an order subaccount. The transfer fee is charged on top
// from the security subaccount, so the order subaccount receives exactly
// amount.
func (e *Escrow) TopUpOrder(ctx context.Context, p types.Principal, orderID types.OrderID,
	amount types.USD) (uint64, error) {

	if amount <= 0 {
		return 0, ErrAmountTooSmall
	}

	sub := PrincipalSubaccount(p)
	return e.client.Transfer(ctx, TransferArgs{
		FromSubaccount: &sub,
		To:             e.OrderAccount(p, orderID),
		Amount:         amount,
		Memo:           fmt.Sprintf("Order %d funding", orderID),
	})
}

// TransferFromSecurity sends (amount − fee) from a principal's security
// subaccount, used for security withdrawals and penalty deductions.
func (e *Escrow) TransferFromSecurity(ctx context.Context, p types.Principal,
	to Account, amount types.USD, memo string) (uint64, error) {

	net := amount - e.fee
	if net <= 0 {
		return 0, ErrAmountTooSmall
	}

	sub := PrincipalSubaccount(p)
	return e.client.Transfer(ctx, TransferArgs{
		FromSubaccount: &sub,
		To:             to,
		Amount:         net,
		Memo:           memo,
	})
}
