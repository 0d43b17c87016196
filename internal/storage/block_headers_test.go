package storage

import (
	"fmt"
	"testing"

	"github.com/metanet-platform/easyswap/internal/types"
)

func seedHeaders(t *testing.T, store *Storage, from, to uint64) {
	t.Helper()
	for h := from; h <= to; h++ {
		err := store.StoreBlockHeader(&types.BlockHeader{
			Height:       h,
			Hash:         fmt.Sprintf("hash-%d", h),
			PreviousHash: fmt.Sprintf("hash-%d", h-1),
			MerkleRoot:   fmt.Sprintf("root-%d", h),
			Timestamp:    h * 600,
		})
		if err != nil {
			t.Fatalf("StoreBlockHeader(%d) error = %v", h, err)
		}
	}
}

func TestBlockHeaderStoreAndRange(t *testing.T) {
	store := testStore(t)
	seedHeaders(t, store, 100, 110)

	header, err := store.GetBlockHeader(105)
	if err != nil {
		t.Fatalf("GetBlockHeader() error = %v", err)
	}
	if header.Hash != "hash-105" || header.PreviousHash != "hash-104" {
		t.Errorf("header = %+v", header)
	}

	byHash, err := store.GetBlockHeaderByHash("hash-107")
	if err != nil {
		t.Fatalf("GetBlockHeaderByHash() error = %v", err)
	}
	if byHash.Height != 107 {
		t.Errorf("height = %d, want 107", byHash.Height)
	}

	tip, _ := store.HighestBlock()
	if tip != 110 {
		t.Errorf("tip = %d, want 110", tip)
	}

	minH, maxH, _ := store.StoredRange()
	if minH != 100 || maxH != 110 {
		t.Errorf("range = (%d, %d), want (100, 110)", minH, maxH)
	}

	count, _ := store.CountBlockHeaders()
	if count != 11 {
		t.Errorf("count = %d, want 11", count)
	}
}

func TestBlockHeaderRemoveFrom(t *testing.T) {
	store := testStore(t)
	seedHeaders(t, store, 100, 110)

	removed, err := store.RemoveBlocksFrom(108)
	if err != nil {
		t.Fatalf("RemoveBlocksFrom() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	tip, _ := store.HighestBlock()
	if tip != 107 {
		t.Errorf("tip after removal = %d, want 107", tip)
	}
	if _, err := store.GetBlockHeader(108); err != ErrBlockNotFound {
		t.Errorf("orphaned header still present: %v", err)
	}
}

func TestBlockHeaderPruneBelow(t *testing.T) {
	store := testStore(t)
	seedHeaders(t, store, 100, 120)

	pruned, err := store.PruneBlocksBelow(110)
	if err != nil {
		t.Fatalf("PruneBlocksBelow() error = %v", err)
	}
	if pruned != 10 {
		t.Errorf("pruned = %d, want 10", pruned)
	}

	minH, maxH, _ := store.StoredRange()
	if minH != 110 || maxH != 120 {
		t.Errorf("range = (%d, %d), want (110, 120)", minH, maxH)
	}
}

func TestRecentBlockHeaders(t *testing.T) {
	store := testStore(t)
	seedHeaders(t, store, 100, 110)

	recent, err := store.RecentBlockHeaders(3)
	if err != nil {
		t.Fatalf("RecentBlockHeaders() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if recent[0].Height != 110 || recent[2].Height != 108 {
		t.Errorf("recent order wrong: %d, %d", recent[0].Height, recent[2].Height)
	}
}
