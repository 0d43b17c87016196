package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/internal/types"
)

// fakeChain is an in-memory header chain served over the source A and
// source B API shapes.
type fakeChain struct {
	mu      sync.Mutex
	headers map[uint64]*types.BlockHeader
	tip     uint64
}

func newFakeChain(from, to uint64, fork string) *fakeChain {
	c := &fakeChain{headers: make(map[uint64]*types.BlockHeader)}
	for h := from; h <= to; h++ {
		c.headers[h] = &types.BlockHeader{
			Height:       h,
			Hash:         chainHash(h, fork),
			PreviousHash: chainHash(h-1, fork),
			MerkleRoot:   fmt.Sprintf("root-%d", h),
			Timestamp:    h * 600,
		}
	}
	c.tip = to
	return c
}

func chainHash(h uint64, fork string) string {
	return fmt.Sprintf("hash-%d-%s", h, fork)
}

// extend appends count blocks to the tip.
func (c *fakeChain) extend(count uint64, fork string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		h := c.tip + 1
		prev := c.headers[c.tip].Hash
		c.headers[h] = &types.BlockHeader{
			Height:       h,
			Hash:         chainHash(h, fork),
			PreviousHash: prev,
			MerkleRoot:   fmt.Sprintf("root-%d", h),
			Timestamp:    h * 600,
		}
		c.tip = h
	}
}

// reorg replaces the top depth blocks with a new fork.
func (c *fakeChain) reorg(depth uint64, fork string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.tip - depth + 1
	for h := start; h <= c.tip; h++ {
		prev := c.headers[h-1].Hash
		c.headers[h] = &types.BlockHeader{
			Height:       h,
			Hash:         chainHash(h, fork),
			PreviousHash: prev,
			MerkleRoot:   fmt.Sprintf("root-%d-%s", h, fork),
			Timestamp:    h * 600,
		}
	}
}

func (c *fakeChain) headerJSON(h *types.BlockHeader) map[string]interface{} {
	return map[string]interface{}{
		"height":            h.Height,
		"hash":              h.Hash,
		"previousblockhash": h.PreviousHash,
		"merkleroot":        h.MerkleRoot,
		"time":              h.Timestamp,
		"bits":              "1a",
		"nonce":             1,
		"version":           1,
	}
}

// serveA exposes the chain through the source A API shape.
func (c *fakeChain) serveA(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		switch {
		case r.URL.Path == "/chain/info":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"blocks":        c.tip,
				"bestblockhash": c.headers[c.tip].Hash,
			})
		case strings.HasPrefix(r.URL.Path, "/block/height/"):
			height, _ := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/block/height/"), 10, 64)
			header, ok := c.headers[height]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(c.headerJSON(header))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// serveB exposes the chain through the source B list API shape.
func (c *fakeChain) serveB(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if r.URL.Path != "/block/list" {
			http.NotFound(w, r)
			return
		}
		skip, _ := strconv.ParseUint(r.URL.Query().Get("skip"), 10, 64)
		limit, _ := strconv.ParseUint(r.URL.Query().Get("limit"), 10, 64)

		var out []map[string]interface{}
		for i := uint64(0); i < limit; i++ {
			if c.tip < skip+i {
				break
			}
			height := c.tip - skip - i
			header, ok := c.headers[height]
			if !ok {
				break
			}
			out = append(out, c.headerJSON(header))
		}
		json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(server.Close)
	return server
}

func testSyncStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "easyswap-sync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSyncer(t *testing.T, store *storage.Storage, c *fakeChain) *Syncer {
	t.Helper()
	sourceA := NewSourceA(c.serveA(t).URL)
	sourceB := NewSourceB(c.serveB(t).URL)
	return NewSyncer(store, sourceA, sourceB, nil)
}

func TestInitialSync(t *testing.T) {
	chain := newFakeChain(1000, 1500, "main")
	store := testSyncStore(t)
	syncer := newTestSyncer(t, store, chain)

	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.BlocksAdded != config.MaxBlocksToKeep {
		t.Errorf("added = %d, want %d", result.BlocksAdded, config.MaxBlocksToKeep)
	}

	minH, maxH, _ := store.StoredRange()
	if maxH != 1500 {
		t.Errorf("max stored = %d, want 1500", maxH)
	}
	if minH != 1500-config.MaxBlocksToKeep+1 {
		t.Errorf("min stored = %d, want %d", minH, 1500-config.MaxBlocksToKeep+1)
	}

	// Linkage invariant holds end to end.
	for h := minH + 1; h <= maxH; h++ {
		header, err := store.GetBlockHeader(h)
		if err != nil {
			t.Fatalf("missing header at %d", h)
		}
		prev, err := store.GetBlockHeader(h - 1)
		if err != nil {
			t.Fatalf("missing header at %d", h-1)
		}
		if header.PreviousHash != prev.Hash {
			t.Fatalf("linkage broken at %d", h)
		}
	}
}

func TestForwardFill(t *testing.T) {
	chain := newFakeChain(1000, 1400, "main")
	store := testSyncStore(t)
	syncer := newTestSyncer(t, store, chain)

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("initial Sync() error = %v", err)
	}

	chain.extend(5, "main")

	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.BlocksAdded != 5 {
		t.Errorf("added = %d, want 5", result.BlocksAdded)
	}

	tip, _ := store.HighestBlock()
	if tip != 1405 {
		t.Errorf("tip = %d, want 1405", tip)
	}
}

func TestReorgHandling(t *testing.T) {
	chain := newFakeChain(1000, 1400, "main")
	store := testSyncStore(t)
	syncer := newTestSyncer(t, store, chain)

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("initial Sync() error = %v", err)
	}

	// A 3-block reorg at the tip.
	chain.reorg(3, "fork")

	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.BlocksRemoved != 3 {
		t.Errorf("removed = %d, want 3", result.BlocksRemoved)
	}
	if result.BlocksAdded != 3 {
		t.Errorf("added = %d, want 3", result.BlocksAdded)
	}

	header, err := store.GetBlockHeader(1400)
	if err != nil {
		t.Fatal(err)
	}
	if header.Hash != chainHash(1400, "fork") {
		t.Errorf("tip hash = %s, want fork chain", header.Hash)
	}
}

func TestConsensusDisagreementSkipsCycle(t *testing.T) {
	chainA := newFakeChain(1000, 1400, "a")
	chainB := newFakeChain(1000, 1400, "b")
	store := testSyncStore(t)

	sourceA := NewSourceA(chainA.serveA(t).URL)
	sourceB := NewSourceB(chainB.serveB(t).URL)
	syncer := NewSyncer(store, sourceA, sourceB, nil)

	_, err := syncer.Sync(context.Background())
	if !errors.Is(err, ErrNoConsensus) {
		t.Errorf("error = %v, want ErrNoConsensus", err)
	}

	// Never advance to a non-consensus state.
	count, _ := store.CountBlockHeaders()
	if count != 0 {
		t.Errorf("stored %d headers despite disagreement", count)
	}
}

func TestConcurrentSyncRejected(t *testing.T) {
	chain := newFakeChain(1000, 1050, "main")
	store := testSyncStore(t)
	syncer := newTestSyncer(t, store, chain)

	syncer.syncInProgress.Store(true)
	if _, err := syncer.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("error = %v, want ErrSyncInProgress", err)
	}
	syncer.syncInProgress.Store(false)
}

func TestArchiveFallbackWhenSourceADown(t *testing.T) {
	// The chain reaches far enough back to cover the whole retention
	// window below the tip.
	chain := newFakeChain(700, 1100, "main")
	store := testSyncStore(t)

	// Source A is down.
	downServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(downServer.Close)

	// Archive serves the same chain.
	archiveServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chain.mu.Lock()
		defer chain.mu.Unlock()

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) == 3 && parts[0] == "block" && parts[2] == "info" {
			height, _ := strconv.ParseUint(parts[1], 10, 64)
			header, ok := chain.headers[height]
			if !ok {
				json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "reason": "unknown height"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":       true,
				"height":        header.Height,
				"hash":          header.Hash,
				"previous_hash": header.PreviousHash,
				"merkle_root":   header.MerkleRoot,
				"timestamp":     header.Timestamp,
			})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(archiveServer.Close)

	sourceA := NewSourceA(downServer.URL)
	sourceB := NewSourceB(chain.serveB(t).URL)
	archive := NewArchiveClient(archiveServer.URL)
	syncer := NewSyncer(store, sourceA, sourceB, archive)

	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.BlocksAdded == 0 {
		t.Error("archive fallback added no blocks")
	}

	tip, _ := store.HighestBlock()
	if tip != 1100 {
		t.Errorf("tip = %d, want 1100", tip)
	}
}
