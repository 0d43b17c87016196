// Package config provides centralized configuration for the easyswap backend.
// ALL protocol parameters (chunk sizing, fees, timeouts, ceilings) MUST be
// defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import "time"

// =============================================================================
// Orderbook Parameters
// =============================================================================

const (
	// ChunkSizeUSD is the indivisible matching unit, in micro-dollars ($3).
	ChunkSizeUSD uint64 = 3_000_000

	// MaxChunksPerOrder caps a single order at 30 chunks ($90).
	MaxChunksPerOrder uint64 = 30

	// MaxOrderbookUSD caps the total Available orderbook ($2000).
	MaxOrderbookUSD uint64 = 2_000_000_000

	// MaxMakerTotalUSD caps a single maker's unfilled active orders ($270).
	MaxMakerTotalUSD uint64 = 270_000_000
)

// =============================================================================
// Fees and Penalties (basis points unless noted)
// =============================================================================

const (
	// MakerFeeBps is the total maker fee: activation + filler incentive (7%).
	MakerFeeBps uint64 = 700

	// ActivationFeeBps is sent to treasury on funding, non-refundable (2.5%).
	ActivationFeeBps uint64 = 250

	// FillerIncentiveBps stays in the order subaccount and is paid to the
	// filler on a successful claim (4.5%).
	FillerIncentiveBps uint64 = 450

	// SecurityDepositPercent is the penalty rate for expired locks and
	// unclaimed trades, as a percentage of trade amount (10%).
	SecurityDepositPercent uint64 = 10

	// ResubmissionPenaltyBps is charged on each transaction resubmission (2%).
	ResubmissionPenaltyBps uint64 = 200

	// MaxLockMultiplier bounds pending trade volume to security balance × 10.
	MaxLockMultiplier uint64 = 10

	// LedgerTransferFee is the fixed stablecoin transfer fee ($0.01), paid
	// from the sending subaccount and absorbed into every quoted amount.
	LedgerTransferFee uint64 = 10_000
)

// =============================================================================
// Trade Timing
// =============================================================================

const (
	// TradeLockTimeout is how long a filler has to submit a BSV tx.
	TradeLockTimeout = 45 * time.Minute

	// ReleaseWait is the delay between submission and claim availability.
	ReleaseWait = 3 * time.Hour

	// ResubmissionWindow limits how long after the INITIAL submission a
	// corrected transaction may replace the stored one.
	ResubmissionWindow = 2 * time.Hour

	// ClaimExpiry is the hard deadline to claim after initial submission.
	// Deliberately NOT extended by resubmission.
	ClaimExpiry = 24 * time.Hour
)

// =============================================================================
// Chain Tracking
// =============================================================================

const (
	// ConfirmationDepth is the proof-of-work depth required before escrow
	// release (18 blocks).
	ConfirmationDepth uint64 = 18

	// MaxBlocksToKeep is the header retention window (288 ≈ 2 days).
	MaxBlocksToKeep uint64 = 288

	// MaxReorgCheckPerCall bounds the reorg walk per sync invocation.
	MaxReorgCheckPerCall uint64 = 50

	// FetchBatchSize is the header pagination batch.
	FetchBatchSize uint64 = 20

	// ConsensusLookback is how many heights to walk when the two header
	// sources disagree on the tip.
	ConsensusLookback uint64 = 10

	// SyncInterval is the chain-sync timer period.
	SyncInterval = 20 * time.Minute
)

// =============================================================================
// Price Oracle
// =============================================================================

const (
	// PriceCacheTTL is how long a cached BSV/USD price stays valid.
	PriceCacheTTL = 5 * time.Minute
)

// =============================================================================
// Retention and Housekeeping
// =============================================================================

const (
	// OrderRetention keeps terminal orders for a week before deletion.
	OrderRetention = 7 * 24 * time.Hour

	// TradeRetention keeps terminal trades for a week before deletion.
	TradeRetention = 7 * 24 * time.Hour

	// MaxAdminEvents caps the audit log at the newest N events.
	MaxAdminEvents = 10_000

	// Heartbeat periods for the background timers.
	ConfirmationsInterval = 60 * time.Second
	ReactivationInterval  = 60 * time.Second
	TimeoutsInterval      = 5 * time.Minute
	RetentionInterval     = 1 * time.Hour

	// InitialSyncDelay triggers one chain sync shortly after start instead
	// of waiting a full SyncInterval.
	InitialSyncDelay = 5 * time.Second
)

// =============================================================================
// Input Bounds
// =============================================================================

const (
	// MaxTxHexLen bounds submitted raw transactions (100KB of hex chars ×2).
	MaxTxHexLen = 200_000

	// MaxBumpHexLen bounds BUMP proofs.
	MaxBumpHexLen = 10_000

	// MaxRecentBlocks bounds a single recent-blocks query.
	MaxRecentBlocks = 100
)
