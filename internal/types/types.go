package types

import (
	"fmt"
	"math"
	"time"
)

// Entity identifiers are opaque monotonically-assigned counters.
type (
	OrderID uint64
	ChunkID uint64
	TradeID uint64
)

// USD is an amount in integer micro-dollars (6 decimals). Balances and
// amounts are never carried as floating point; floats appear only in
// price rates.
type USD int64

// USDFromFloat converts a decimal dollar value to micro-dollars, rounding
// to the nearest unit.
func USDFromFloat(v float64) USD {
	return USD(math.Round(v * 1e6))
}

// Float returns the decimal dollar value. For display and rate math only.
func (u USD) Float() float64 {
	return float64(u) / 1e6
}

// String renders the amount as a plain decimal dollar value.
func (u USD) String() string {
	neg := ""
	v := int64(u)
	if v < 0 {
		neg = "-"
		v = -v
	}
	whole := v / 1_000_000
	frac := v % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%s%d", neg, whole)
	}
	s := fmt.Sprintf("%06d", frac)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return fmt.Sprintf("%s%d.%s", neg, whole, s)
}

// MulBps multiplies by a basis-point fraction (100 bps = 1%), rounding to
// the nearest micro-dollar.
func (u USD) MulBps(bps uint64) USD {
	return USD(math.Round(float64(u) * float64(bps) / 10_000))
}

// OrderStatus tracks the aggregate order lifecycle.
type OrderStatus string

const (
	OrderStatusActive          OrderStatus = "active"
	OrderStatusIdle            OrderStatus = "idle"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRefunded        OrderStatus = "refunded"
)

// ChunkStatus tracks the matching state of a single chunk.
type ChunkStatus string

const (
	ChunkStatusAvailable ChunkStatus = "available"
	ChunkStatusLocked    ChunkStatus = "locked"
	ChunkStatusIdle      ChunkStatus = "idle"
	ChunkStatusFilled    ChunkStatus = "filled"
	ChunkStatusRefunding ChunkStatus = "refunding"
	ChunkStatusRefunded  ChunkStatus = "refunded"
)

// Terminal reports whether no further transition is allowed from s.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkStatusFilled || s == ChunkStatusRefunded
}

// Editable reports whether the chunk may be retargeted to a new max price.
func (s ChunkStatus) Editable() bool {
	return s == ChunkStatusAvailable || s == ChunkStatusIdle
}

// TradeStatus tracks the trade state machine.
type TradeStatus string

const (
	TradeStatusChunksLocked        TradeStatus = "chunks_locked"
	TradeStatusTxSubmitted         TradeStatus = "tx_submitted"
	TradeStatusWithdrawalConfirmed TradeStatus = "withdrawal_confirmed"
	TradeStatusCancelled           TradeStatus = "cancelled"
	TradeStatusPenaltyApplied      TradeStatus = "penalty_applied"
)

// Terminal reports whether the trade has reached a final state.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusWithdrawalConfirmed, TradeStatusCancelled, TradeStatusPenaltyApplied:
		return true
	}
	return false
}

// Order is a maker's intent to sell USD for BSV at a capped price.
type Order struct {
	ID    OrderID
	Maker Principal

	AmountUSD USD

	// Deposit escrow account: owner is this process, subaccount is derived
	// from (maker, order id).
	DepositOwner      string
	DepositSubaccount string // hex

	// Recorded at activation time.
	TotalDeposited   USD
	ActivationFee    USD
	IncentiveReserve USD

	MaxBSVPrice float64
	BSVAddress  string

	Status OrderStatus
	Chunks []ChunkID

	CreatedAt time.Time
	FundedAt  time.Time

	// Accounting totals. available = amount − filled − locked − idle −
	// refunded, derived from chunk states.
	TotalFilled   USD
	TotalLocked   USD
	TotalIdle     USD
	TotalRefunded USD
}

// Remaining returns the unfilled portion of the order.
func (o *Order) Remaining() USD {
	return o.AmountUSD - o.TotalFilled
}

// Chunk is an atomic fixed-size slice of an order, the indivisible unit of
// matching.
type Chunk struct {
	ID      ChunkID
	OrderID OrderID

	AmountUSD USD
	Status    ChunkStatus

	// LockedBy is set while Status == Locked.
	LockedBy *TradeID

	// BSVAddress is inherited from the parent order.
	BSVAddress string

	// MaxBSVPrice follows the order while the chunk is editable and is
	// frozen once the chunk locks or reaches a terminal state.
	MaxBSVPrice float64

	FilledAt *time.Time
}

// LockedChunk is a chunk snapshot resolved into satoshis at trade creation.
type LockedChunk struct {
	ChunkID    ChunkID
	OrderID    OrderID
	AmountUSD  USD
	BSVAddress string
	Satoshis   uint64
}

// Trade is a filler's commitment to pay BSV for a set of chunks from a
// single order.
type Trade struct {
	ID      TradeID
	OrderID OrderID
	Filler  Principal

	AmountUSD    USD
	LockedChunks []LockedChunk

	// AgreedBSVPrice is pinned to the engine's cached market price at
	// creation, never a client-supplied value.
	AgreedBSVPrice float64
	MinBSVPrice    float64

	Status   TradeStatus
	BSVTxHex string

	CreatedAt     time.Time
	LockExpiresAt time.Time

	TxSubmittedAt *time.Time
	ReleaseAt     *time.Time
	ClaimExpires  *time.Time

	PayoutBlockIndex *uint64
	PayoutAt         *time.Time
}

// FillerAccount holds per-filler aggregate statistics. The collateral
// itself lives in the filler's ledger subaccount; pending trade volume is
// derived from live trade state, never stored.
type FillerAccount struct {
	ID               Principal
	TotalTrades      uint64
	SuccessfulTrades uint64
	PenaltiesPaid    USD
	CreatedAt        time.Time
}

// BlockHeader is an 80-byte Bitcoin-format header, expanded.
type BlockHeader struct {
	Height       uint64
	Hash         string
	PreviousHash string
	MerkleRoot   string
	Timestamp    uint64
	Bits         uint32
	Nonce        uint32
	Version      int32
	RawHeader    string // 160 hex chars when present
}

// AdminEventType discriminates audit log entries.
type AdminEventType string

const (
	AdminEventPenaltyApplied     AdminEventType = "penalty_applied"
	AdminEventTreasuryReclaim    AdminEventType = "treasury_reclaim"
	AdminEventBlockError         AdminEventType = "block_error"
	AdminEventOrdersToggled      AdminEventType = "orders_toggled"
	AdminEventChainLinkageBroken AdminEventType = "chain_linkage_broken"
)

// AdminEvent is an append-only audit record, capped at the newest 10 000.
type AdminEvent struct {
	ID        uint64
	Type      AdminEventType
	Timestamp time.Time

	TradeID *TradeID
	OrderID *OrderID
	Height  *uint64

	Amount  USD
	Message string
}
