// Package ledger talks to the stablecoin ledger and implements the
// dedicated-subaccount escrow model: deterministic derivation, per-order
// isolation, and fee-aware transfers.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Ledger errors, mirroring the ledger's error variants.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrBadFee                 = errors.New("bad fee")
	ErrDuplicate              = errors.New("duplicate transfer")
	ErrTemporarilyUnavailable = errors.New("ledger temporarily unavailable")
	ErrAmountTooSmall         = errors.New("amount too small to cover transfer fee")
)

// SubaccountSize is the fixed subaccount width.
const SubaccountSize = 32

// Subaccount partitions a single ledger-account balance into isolated
// sub-balances owned by the same principal.
type Subaccount [SubaccountSize]byte

// Hex returns the hex form of the subaccount.
func (s Subaccount) Hex() string {
	return hex.EncodeToString(s[:])
}

// Account is a ledger account: an owner principal plus an optional
// subaccount.
type Account struct {
	Owner      string
	Subaccount *Subaccount
}

// TransferArgs describes one ledger transfer. FromSubaccount scopes the
// debit within this process's account.
type TransferArgs struct {
	FromSubaccount *Subaccount
	To             Account
	Amount         types.USD
	Memo           string
	DedupKey       string
}

// Client is the ledger operation surface the engine consumes.
type Client interface {
	// BalanceOf returns the balance of an account in micro-dollars.
	BalanceOf(ctx context.Context, account Account) (types.USD, error)

	// Transfer moves amount from this process's (sub)account to the
	// recipient and returns the ledger block index.
	Transfer(ctx context.Context, args TransferArgs) (uint64, error)

	// TransferFrom spends a prior approval on behalf of another account.
	TransferFrom(ctx context.Context, spenderSub *Subaccount, from, to Account, amount types.USD) (uint64, error)

	// Approve authorises a spender up to amount.
	Approve(ctx context.Context, spender Account, amount types.USD) (uint64, error)
}

// OrderSubaccount derives the escrow subaccount for an order:
// SHA-256(maker ‖ big_endian_u64(order_id)). Deterministic, so any party
// can independently reconstruct the deposit address.
func OrderSubaccount(maker types.Principal, orderID types.OrderID) Subaccount {
	h := sha256.New()
	h.Write(maker[:])

	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(orderID))
	h.Write(idBytes[:])

	var sub Subaccount
	copy(sub[:], h.Sum(nil))
	return sub
}

// PrincipalSubaccount derives a principal's general security subaccount:
// SHA-256(principal). Shared across all of the principal's maker and
// filler activity.
func PrincipalSubaccount(p types.Principal) Subaccount {
	sum := sha256.Sum256(p[:])
	return Subaccount(sum)
}
