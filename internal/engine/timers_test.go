package engine

import (
	"context"
	"testing"
	"time"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/types"
)

func TestLockExpiryPenalty(t *testing.T) {
	env := newTestEnv(t)
	maker, filler, orderID, tradeID := setupTrade(t, env)
	ctx := context.Background()

	// The filler never submits; T3 fires after the lock window.
	env.advance(config.TradeLockTimeout + time.Minute)
	env.refreshPrice()

	if err := env.eng.ProcessTimeouts(ctx); err != nil {
		t.Fatalf("ProcessTimeouts() error = %v", err)
	}

	trade, _ := env.eng.GetTrade(tradeID)
	if trade.Status != types.TradeStatusPenaltyApplied {
		t.Errorf("status = %s, want penalty_applied", trade.Status)
	}

	// 10% of $9 = $0.90 to the maker, less transfer fee.
	makerBalance := env.mock.Balance(env.escrow.DefaultAccount(maker))
	if makerBalance != 890_000 {
		t.Errorf("maker balance = %s, want 0.89", makerBalance)
	}

	account, _ := env.store.GetFillerAccount(filler)
	if account.PenaltiesPaid != 900_000 {
		t.Errorf("penalties = %s, want 0.9", account.PenaltiesPaid)
	}

	// Chunks return to the book (price within cap).
	available, _ := env.eng.AvailableOrderbook()
	if available != 12_000_000 {
		t.Errorf("orderbook = %s, want 12", available)
	}
	env.checkOrderInvariant(orderID)
}

func TestLockExpiryPenaltyTransferFailureDoesNotBlockUnlock(t *testing.T) {
	env := newTestEnv(t)
	_, _, orderID, tradeID := setupTrade(t, env)

	// Drain the filler's security account so the penalty transfer fails.
	env.fund(env.escrow.SecurityAccount(env.principal("filler-trade")), 0)

	env.advance(config.TradeLockTimeout + time.Minute)
	env.refreshPrice()

	if err := env.eng.ProcessTimeouts(context.Background()); err != nil {
		t.Fatalf("ProcessTimeouts() error = %v", err)
	}

	trade, _ := env.eng.GetTrade(tradeID)
	if trade.Status != types.TradeStatusPenaltyApplied {
		t.Errorf("status = %s; penalty failure must not block the unlock", trade.Status)
	}

	available, _ := env.eng.AvailableOrderbook()
	if available != 12_000_000 {
		t.Errorf("orderbook = %s, want 12", available)
	}
	env.checkOrderInvariant(orderID)
}

func TestUnclaimedExpiryReclaim(t *testing.T) {
	env := newTestEnv(t)
	_, filler, orderID, tradeID := setupTrade(t, env)
	ctx := context.Background()

	trade, _ := env.eng.GetTrade(tradeID)
	txHex := paymentTx(t, trade.LockedChunks)
	if err := env.eng.SubmitBSVTransaction(ctx, filler, tradeID, txHex); err != nil {
		t.Fatal(err)
	}

	treasuryBefore := env.mock.Balance(env.escrow.Treasury())

	env.advance(config.ClaimExpiry + time.Minute)
	env.refreshPrice()

	if err := env.eng.ProcessTimeouts(ctx); err != nil {
		t.Fatalf("ProcessTimeouts() error = %v", err)
	}

	trade, _ = env.eng.GetTrade(tradeID)
	if trade.Status != types.TradeStatusCancelled {
		t.Errorf("status = %s, want cancelled", trade.Status)
	}

	// Treasury receives the 10% penalty ($0.90 − fee) plus the escrowed
	// $9 × 1.045 = $9.405 (− fee).
	treasuryDelta := env.mock.Balance(env.escrow.Treasury()) - treasuryBefore
	want := types.USD(890_000 + 9_395_000)
	if treasuryDelta != want {
		t.Errorf("treasury delta = %s, want %s", treasuryDelta, want)
	}

	// Chunks count as filled; nothing returns to the book.
	order, _ := env.eng.GetOrder(orderID)
	if order.TotalFilled != 9_000_000 {
		t.Errorf("filled = %s, want 9", order.TotalFilled)
	}
	available, _ := env.eng.AvailableOrderbook()
	if available != 3_000_000 {
		t.Errorf("orderbook = %s, want 3", available)
	}
	env.checkOrderInvariant(orderID)
}

func TestPriceBreakParksAndReactivates(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-pricebreak")
	orderID := env.createOrder(maker, 6_000_000, 50, testBSVAddress(0x20))
	ctx := context.Background()

	// Market moves above the cap: T2 parks the chunks.
	env.rate.price = 52
	env.advance(config.PriceCacheTTL + time.Second)
	if err := env.eng.ReactivateIdleChunks(ctx); err != nil {
		t.Fatalf("ReactivateIdleChunks() error = %v", err)
	}

	order, _ := env.eng.GetOrder(orderID)
	if order.Status != types.OrderStatusIdle {
		t.Errorf("status = %s, want idle", order.Status)
	}
	available, _ := env.eng.AvailableOrderbook()
	if available != 0 {
		t.Errorf("orderbook = %s, want 0", available)
	}
	env.checkOrderInvariant(orderID)

	// Market returns below the cap: T2 re-lists them.
	env.rate.price = 49
	env.advance(config.PriceCacheTTL + time.Second)
	if err := env.eng.ReactivateIdleChunks(ctx); err != nil {
		t.Fatalf("ReactivateIdleChunks() error = %v", err)
	}

	order, _ = env.eng.GetOrder(orderID)
	if order.Status != types.OrderStatusActive {
		t.Errorf("status = %s, want active", order.Status)
	}
	available, _ = env.eng.AvailableOrderbook()
	if available != 6_000_000 {
		t.Errorf("orderbook = %s, want 6", available)
	}
	env.checkOrderInvariant(orderID)
}

func TestRetentionSweep(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-retention")
	orderID := env.createOrder(maker, 3_000_000, 50, testBSVAddress(0x21))

	// Cancel so every chunk is terminal.
	if _, err := env.eng.CancelOrder(context.Background(), maker, orderID); err != nil {
		t.Fatal(err)
	}

	// Young terminal orders survive the sweep.
	if err := env.eng.RunRetentionSweep(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.GetOrder(orderID); err != nil {
		t.Error("young order deleted by sweep")
	}

	// Past the retention window they are deleted.
	env.advance(config.OrderRetention + time.Hour)
	if err := env.eng.RunRetentionSweep(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.GetOrder(orderID); err == nil {
		t.Error("expired terminal order survived the sweep")
	}
}

func TestRetentionSweepKeepsLiveOrders(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-live")
	orderID := env.createOrder(maker, 3_000_000, 50, testBSVAddress(0x22))

	env.advance(config.OrderRetention + time.Hour)
	if err := env.eng.RunRetentionSweep(); err != nil {
		t.Fatal(err)
	}

	// Chunks are still Available, so the order must survive regardless of
	// age.
	if _, err := env.eng.GetOrder(orderID); err != nil {
		t.Error("live order deleted by sweep")
	}
}
