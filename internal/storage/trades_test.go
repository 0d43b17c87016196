package storage

import (
	"testing"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

func seedTrade(t *testing.T, store *Storage, filler types.Principal, orderID types.OrderID,
	status types.TradeStatus, createdAt time.Time) *types.Trade {
	t.Helper()

	tradeID, err := store.NextTradeID()
	if err != nil {
		t.Fatal(err)
	}

	trade := &types.Trade{
		ID:             tradeID,
		OrderID:        orderID,
		Filler:         filler,
		AmountUSD:      9_000_000,
		AgreedBSVPrice: 45,
		MinBSVPrice:    44,
		Status:         status,
		CreatedAt:      createdAt,
		LockExpiresAt:  createdAt.Add(45 * time.Minute),
		LockedChunks: []types.LockedChunk{
			{ChunkID: 1, OrderID: orderID, AmountUSD: 3_000_000, BSVAddress: "1Addr", Satoshis: 6_666_666},
			{ChunkID: 2, OrderID: orderID, AmountUSD: 3_000_000, BSVAddress: "1Addr", Satoshis: 6_666_666},
			{ChunkID: 3, OrderID: orderID, AmountUSD: 3_000_000, BSVAddress: "1Addr", Satoshis: 6_666_666},
		},
	}
	if err := store.CreateTrade(trade); err != nil {
		t.Fatalf("CreateTrade() error = %v", err)
	}
	return trade
}

func TestTradeCRUD(t *testing.T) {
	store := testStore(t)
	filler := types.PrincipalFromBytes([]byte("filler-crud"))

	trade := seedTrade(t, store, filler, 1, types.TradeStatusChunksLocked, time.Now())

	got, err := store.GetTrade(trade.ID)
	if err != nil {
		t.Fatalf("GetTrade() error = %v", err)
	}
	if got.Filler != filler {
		t.Errorf("Filler = %s", got.Filler)
	}
	if len(got.LockedChunks) != 3 {
		t.Fatalf("locked chunks = %d, want 3", len(got.LockedChunks))
	}
	if got.LockedChunks[2].Satoshis != 6_666_666 {
		t.Errorf("satoshis = %d", got.LockedChunks[2].Satoshis)
	}

	now := time.Now()
	if err := store.UpdateTrade(trade.ID, func(tr *types.Trade) {
		tr.Status = types.TradeStatusTxSubmitted
		tr.BSVTxHex = "deadbeef"
		tr.TxSubmittedAt = &now
		release := now.Add(3 * time.Hour)
		tr.ReleaseAt = &release
	}); err != nil {
		t.Fatalf("UpdateTrade() error = %v", err)
	}

	got, _ = store.GetTrade(trade.ID)
	if got.Status != types.TradeStatusTxSubmitted || got.BSVTxHex != "deadbeef" {
		t.Error("trade update not persisted")
	}
	if got.ReleaseAt == nil || !got.ReleaseAt.Equal(now.Add(3*time.Hour)) {
		t.Error("ReleaseAt not persisted")
	}

	if err := store.DeleteTrade(trade.ID); err != nil {
		t.Fatalf("DeleteTrade() error = %v", err)
	}
	if _, err := store.GetTrade(trade.ID); err != ErrTradeNotFound {
		t.Errorf("GetTrade after delete = %v, want ErrTradeNotFound", err)
	}
}

func TestPendingTradeTotalDerived(t *testing.T) {
	store := testStore(t)
	filler := types.PrincipalFromBytes([]byte("filler-pending"))

	seedTrade(t, store, filler, 1, types.TradeStatusChunksLocked, time.Now())
	seedTrade(t, store, filler, 2, types.TradeStatusTxSubmitted, time.Now())
	seedTrade(t, store, filler, 3, types.TradeStatusWithdrawalConfirmed, time.Now())
	seedTrade(t, store, filler, 4, types.TradeStatusPenaltyApplied, time.Now())

	pending, err := store.PendingTradeTotalUSD(filler)
	if err != nil {
		t.Fatalf("PendingTradeTotalUSD() error = %v", err)
	}
	// Only the two non-terminal trades count.
	if pending != 18_000_000 {
		t.Errorf("pending = %d, want 18000000", pending)
	}
}

func TestUsedTxidIndex(t *testing.T) {
	store := testStore(t)

	txid := "AABB00"
	if err := store.MarkTxidUsed(txid, 1); err != nil {
		t.Fatalf("MarkTxidUsed() error = %v", err)
	}

	// Lookups are case-insensitive via normalisation.
	tradeID, used, err := store.LookupUsedTxid("aabb00")
	if err != nil {
		t.Fatalf("LookupUsedTxid() error = %v", err)
	}
	if !used || tradeID != 1 {
		t.Errorf("lookup = (%d, %v), want (1, true)", tradeID, used)
	}

	if err := store.MarkTxidUsed("aabb00", 2); err != ErrTxidInUse {
		t.Errorf("duplicate insert = %v, want ErrTxidInUse", err)
	}

	if err := store.UnmarkTxid(txid); err != nil {
		t.Fatalf("UnmarkTxid() error = %v", err)
	}
	_, used, _ = store.LookupUsedTxid(txid)
	if used {
		t.Error("txid still used after unmark")
	}
}

func TestFillerAccounts(t *testing.T) {
	store := testStore(t)
	filler := types.PrincipalFromBytes([]byte("filler-acct"))

	if _, err := store.GetFillerAccount(filler); err != ErrFillerNotFound {
		t.Errorf("missing account = %v, want ErrFillerNotFound", err)
	}

	now := time.Now()
	if err := store.EnsureFillerAccount(filler, now); err != nil {
		t.Fatalf("EnsureFillerAccount() error = %v", err)
	}
	// Idempotent
	if err := store.EnsureFillerAccount(filler, now.Add(time.Hour)); err != nil {
		t.Fatalf("EnsureFillerAccount() second call error = %v", err)
	}

	if err := store.UpdateFillerAccount(filler, func(a *types.FillerAccount) {
		a.TotalTrades = 3
		a.PenaltiesPaid = 900_000
	}); err != nil {
		t.Fatalf("UpdateFillerAccount() error = %v", err)
	}

	account, err := store.GetFillerAccount(filler)
	if err != nil {
		t.Fatalf("GetFillerAccount() error = %v", err)
	}
	if account.TotalTrades != 3 || account.PenaltiesPaid != 900_000 {
		t.Errorf("account = %+v", account)
	}
	if !account.CreatedAt.Equal(now) {
		t.Error("second Ensure overwrote CreatedAt")
	}
}

func TestAdminEventsTrim(t *testing.T) {
	store := testStore(t)

	base := time.Now()
	for i := 0; i < 10; i++ {
		if err := store.AppendAdminEvent(&types.AdminEvent{
			Type:      types.AdminEventPenaltyApplied,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Message:   "event",
		}); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := store.TrimAdminEvents(4)
	if err != nil {
		t.Fatalf("TrimAdminEvents() error = %v", err)
	}
	if deleted != 6 {
		t.Errorf("deleted = %d, want 6", deleted)
	}

	events, err := store.ListAdminEvents(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	// Newest first, the newest survived.
	if !events[0].Timestamp.Equal(base.Add(9 * time.Second)) {
		t.Error("trim kept the wrong events")
	}
}
