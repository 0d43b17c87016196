// Package chain - Chain synchronisation: consensus tip discovery, reorg
// handling, forward fill, and initial sync.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Sync errors
var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNoConsensus    = errors.New("header sources disagree, waiting for consensus")
	ErrLinkageBroken  = errors.New("chain linkage broken")
	ErrReorgTooDeep   = errors.New("reorg exceeds retention depth")
)

// SyncResult summarises one sync invocation.
type SyncResult struct {
	BlocksAdded   uint64
	BlocksRemoved uint64
	NewTipHeight  uint64
	NewTipHash    string
	Message       string
}

// SyncStatus reports the current chain-tracking state.
type SyncStatus struct {
	HighestBlock    uint64    `json:"highest_block"`
	BlockCount      uint64    `json:"block_count"`
	MinStoredHeight uint64    `json:"min_stored_height"`
	MaxStoredHeight uint64    `json:"max_stored_height"`
	LastSyncTime    time.Time `json:"last_sync_time"`
	IsSyncing       bool      `json:"is_syncing"`
}

// Syncer maintains the local header chain against two independent sources
// with an archival fallback. It never advances past a non-consensus state.
type Syncer struct {
	store   *storage.Storage
	sourceA *SourceA
	sourceB *SourceB
	archive *ArchiveClient
	log     *logging.Logger

	syncInProgress atomic.Bool
}

// NewSyncer creates a chain syncer.
func NewSyncer(store *storage.Storage, sourceA *SourceA, sourceB *SourceB, archive *ArchiveClient) *Syncer {
	return &Syncer{
		store:   store,
		sourceA: sourceA,
		sourceB: sourceB,
		archive: archive,
		log:     logging.GetDefault().Component("chain-sync"),
	}
}

// consensusOutcome carries the agreed tip and whether block data must come
// from the archive because a source is down.
type consensusOutcome struct {
	tip         TipInfo
	useArchive  bool
	description string
}

// Sync runs one synchronisation cycle. Concurrent invocations beyond the
// first fail fast with ErrSyncInProgress.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	if !s.syncInProgress.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.syncInProgress.Store(false)

	result, err := s.syncInternal(ctx)
	if err == nil {
		if storeErr := s.store.SetLastSyncTime(time.Now()); storeErr != nil {
			s.log.Error("Failed to record sync time", "error", storeErr)
		}
	}
	return result, err
}

// IsSyncing reports whether a sync cycle is currently running.
func (s *Syncer) IsSyncing() bool {
	return s.syncInProgress.Load()
}

// Status returns the current chain-tracking state.
func (s *Syncer) Status() (*SyncStatus, error) {
	minH, maxH, err := s.store.StoredRange()
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountBlockHeaders()
	if err != nil {
		return nil, err
	}
	lastSync, err := s.store.LastSyncTime()
	if err != nil {
		return nil, err
	}

	return &SyncStatus{
		HighestBlock:    maxH,
		BlockCount:      count,
		MinStoredHeight: minH,
		MaxStoredHeight: maxH,
		LastSyncTime:    lastSync,
		IsSyncing:       s.IsSyncing(),
	}, nil
}

func (s *Syncer) syncInternal(ctx context.Context) (*SyncResult, error) {
	consensus, err := s.findConsensusTip(ctx)
	if err != nil {
		s.log.Warn("Consensus tip discovery failed, will retry next cycle", "error", err)
		s.emitBlockError(0, fmt.Sprintf("consensus tip fetch failed: %v", err))
		return nil, err
	}

	s.log.Info("Consensus tip", "height", consensus.tip.Height,
		"hash", shortHash(consensus.tip.Hash), "source", consensus.description)

	localTip, err := s.store.HighestBlock()
	if err != nil {
		return nil, err
	}

	if localTip == 0 {
		return s.initialSync(ctx, consensus)
	}

	reorg, err := s.checkAndHandleReorg(ctx, localTip)
	if err != nil {
		return nil, err
	}
	if reorg.detected {
		s.log.Warn("Reorg handled", "rolled_back_from", localTip, "valid_height", reorg.validHeight)
	}
	if reorg.needsContinuation {
		// Deeper than one batch; the next cycle keeps walking.
		return &SyncResult{
			BlocksRemoved: reorg.blocksRemoved,
			NewTipHeight:  reorg.validHeight,
			Message:       fmt.Sprintf("reorg walk in progress, %d blocks checked", reorg.blocksRemoved),
		}, nil
	}

	startHeight := reorg.validHeight + 1
	if consensus.tip.Height < startHeight {
		return &SyncResult{
			BlocksRemoved: reorg.blocksRemoved,
			NewTipHeight:  reorg.validHeight,
			NewTipHash:    consensus.tip.Hash,
			Message:       "already up to date",
		}, nil
	}

	added, err := s.forwardFill(ctx, consensus, startHeight)
	if err != nil {
		return nil, err
	}

	if startHeight < consensus.tip.Height {
		if err := s.ValidateChain(startHeight, consensus.tip.Height); err != nil {
			return nil, err
		}
	}

	newTip, err := s.store.HighestBlock()
	if err != nil {
		return nil, err
	}

	s.log.Info("Sync complete", "added", added, "removed", reorg.blocksRemoved, "tip", newTip)

	return &SyncResult{
		BlocksAdded:   added,
		BlocksRemoved: reorg.blocksRemoved,
		NewTipHeight:  newTip,
		NewTipHash:    consensus.tip.Hash,
		Message:       fmt.Sprintf("synced %d new blocks from %s", added, consensus.description),
	}, nil
}

// findConsensusTip queries both sources. Agreement at the tip, or at any of
// the last ConsensusLookback heights, settles the consensus tip: each hash
// commits to all ancestors, so agreement at any depth proves agreement
// below. With one source down the other's tip is used with the archive as
// block data source; with both down the archive tip is used.
func (s *Syncer) findConsensusTip(ctx context.Context) (*consensusOutcome, error) {
	tipA, errA := s.sourceA.Tip(ctx)
	tipB, errB := s.sourceB.Tip(ctx)

	switch {
	case errA != nil && errB != nil:
		s.log.Warn("Both header sources failed", "source_a", errA, "source_b", errB)
		if s.archive == nil {
			return nil, fmt.Errorf("both sources failed: %v; %v", errA, errB)
		}
		tip, err := s.archive.Tip(ctx)
		if err != nil {
			return nil, fmt.Errorf("both sources and archive failed: %v; %v; %v", errA, errB, err)
		}
		return &consensusOutcome{tip: *tip, useArchive: true, description: "archive"}, nil

	case errA != nil:
		s.log.Warn("Source A failed, using source B tip with archive fallback", "error", errA)
		return &consensusOutcome{tip: *tipB, useArchive: true, description: "source B + archive"}, nil

	case errB != nil:
		s.log.Warn("Source B failed, using source A tip with archive fallback", "error", errB)
		return &consensusOutcome{tip: *tipA, useArchive: true, description: "source A + archive"}, nil
	}

	if tipA.Height == tipB.Height && tipA.Hash == tipB.Hash {
		return &consensusOutcome{tip: *tipA, description: "sources"}, nil
	}

	s.log.Info("Tips differ, walking back for consensus",
		"a_height", tipA.Height, "b_height", tipB.Height)

	start := tipA.Height
	if tipB.Height < start {
		start = tipB.Height
	}

	for offset := uint64(0); offset < config.ConsensusLookback && start >= offset; offset++ {
		height := start - offset

		headerA, errA := s.sourceA.HeaderByHeight(ctx, height)
		headerB, errB := s.sourceB.HeaderByHeight(ctx, height)
		if errA != nil || errB != nil {
			continue
		}

		if headerA.Hash == headerB.Hash {
			s.log.Info("Consensus found", "height", height, "hash", shortHash(headerA.Hash))
			return &consensusOutcome{
				tip:         TipInfo{Height: height, Hash: headerA.Hash},
				description: "sources",
			}, nil
		}
	}

	return nil, ErrNoConsensus
}

type reorgOutcome struct {
	detected          bool
	validHeight       uint64
	blocksRemoved     uint64
	needsContinuation bool
}

// checkAndHandleReorg compares the local tip against source B and walks
// backwards to the fork point, removing orphaned headers. The walk is
// bounded per invocation and refuses to pass the retention depth.
func (s *Syncer) checkAndHandleReorg(ctx context.Context, localTip uint64) (*reorgOutcome, error) {
	remote, err := s.sourceB.HeaderByHeight(ctx, localTip)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote header at %d: %w", localTip, err)
	}

	local, err := s.store.GetBlockHeader(localTip)
	if err != nil {
		return nil, fmt.Errorf("local tip header missing at %d: %w", localTip, err)
	}

	if remote.Hash == local.Hash {
		return &reorgOutcome{validHeight: localTip}, nil
	}

	s.log.Warn("Reorg detected", "height", localTip,
		"local", shortHash(local.Hash), "remote", shortHash(remote.Hash))

	minKept := saturatingSub(localTip, config.MaxBlocksToKeep)
	checkHeight := localTip - 1
	blocksChecked := uint64(1)

	for {
		if blocksChecked >= config.MaxReorgCheckPerCall {
			// Batch limit: drop what we know is orphaned, continue next call.
			if _, err := s.store.RemoveBlocksFrom(checkHeight + 1); err != nil {
				return nil, err
			}
			return &reorgOutcome{
				detected:          true,
				validHeight:       checkHeight,
				blocksRemoved:     blocksChecked,
				needsContinuation: true,
			}, nil
		}

		if localTip-checkHeight >= config.MaxBlocksToKeep || checkHeight < minKept {
			s.emitBlockError(checkHeight, "reorg exceeds retention depth, manual intervention required")
			return nil, fmt.Errorf("%w: deeper than %d blocks", ErrReorgTooDeep, config.MaxBlocksToKeep)
		}

		remote, err := s.sourceB.HeaderByHeight(ctx, checkHeight)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch remote header at %d: %w", checkHeight, err)
		}
		local, err := s.store.GetBlockHeader(checkHeight)
		if err != nil {
			return nil, fmt.Errorf("local header missing at %d: %w", checkHeight, err)
		}

		if remote.Hash == local.Hash {
			s.log.Info("Common ancestor found", "height", checkHeight, "hash", shortHash(local.Hash))
			if _, err := s.store.RemoveBlocksFrom(checkHeight + 1); err != nil {
				return nil, err
			}
			return &reorgOutcome{
				detected:      true,
				validHeight:   checkHeight,
				blocksRemoved: blocksChecked,
			}, nil
		}

		blocksChecked++
		checkHeight--
	}
}

// forwardFill fetches headers from startHeight through the consensus tip
// in ascending order, verifying linkage against the stored predecessor
// before each store.
func (s *Syncer) forwardFill(ctx context.Context, consensus *consensusOutcome, startHeight uint64) (uint64, error) {
	var added uint64

	if consensus.useArchive {
		for height := startHeight; height <= consensus.tip.Height; height++ {
			header, err := s.archive.GetBlockInfo(ctx, height)
			if err != nil {
				return added, fmt.Errorf("archive fetch failed at %d: %w", height, err)
			}
			if err := s.storeLinked(header); err != nil {
				return added, err
			}
			added++
		}
		return added, nil
	}

	total := consensus.tip.Height - startHeight + 1
	var fetched []*types.BlockHeader

	for skip := uint64(0); skip < total; skip += config.FetchBatchSize {
		limit := config.FetchBatchSize
		if remaining := total - skip; remaining < limit {
			limit = remaining
		}

		batch, err := s.sourceB.ListBlocks(ctx, skip, limit)
		if err != nil {
			return added, fmt.Errorf("batch fetch failed (skip=%d): %w", skip, err)
		}
		fetched = append(fetched, batch...)
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Height < fetched[j].Height })

	for _, header := range fetched {
		if header.Height < startHeight || header.Height > consensus.tip.Height {
			continue
		}
		if err := s.storeLinked(header); err != nil {
			return added, err
		}
		added++
	}

	return added, nil
}

// storeLinked verifies previous-hash linkage against the stored
// predecessor, then persists the header. A mismatch aborts the batch.
func (s *Syncer) storeLinked(header *types.BlockHeader) error {
	if header.Height > 0 {
		prev, err := s.store.GetBlockHeader(header.Height - 1)
		if err == nil && header.PreviousHash != prev.Hash {
			msg := fmt.Sprintf("chain linkage broken at height %d: expected previous_hash %s, got %s",
				header.Height, prev.Hash, header.PreviousHash)
			s.emitBlockError(header.Height, msg)
			return fmt.Errorf("%w: %s", ErrLinkageBroken, msg)
		}
	}
	return s.store.StoreBlockHeader(header)
}

// initialSync targets the last MaxBlocksToKeep heights below the consensus
// tip, collects them in descending batches, then validates end-to-end
// linkage before persisting.
func (s *Syncer) initialSync(ctx context.Context, consensus *consensusOutcome) (*SyncResult, error) {
	targetStart := saturatingSub(consensus.tip.Height, config.MaxBlocksToKeep-1)

	s.log.Info("Initial sync", "from", targetStart, "to", consensus.tip.Height,
		"source", consensus.description)

	var collected []*types.BlockHeader

	if consensus.useArchive {
		for height := targetStart; height <= consensus.tip.Height; height++ {
			header, err := s.archive.GetBlockInfo(ctx, height)
			if err != nil {
				return nil, fmt.Errorf("archive fetch failed at %d: %w", height, err)
			}
			collected = append(collected, header)
		}
	} else {
		for skip := uint64(0); ; skip += config.FetchBatchSize {
			if uint64(len(collected)) >= config.MaxBlocksToKeep+config.FetchBatchSize {
				msg := fmt.Sprintf("initial sync safety limit reached: %d blocks fetched", len(collected))
				s.emitBlockError(consensus.tip.Height, msg)
				return nil, errors.New(msg)
			}

			batch, err := s.sourceB.ListBlocks(ctx, skip, config.FetchBatchSize)
			if err != nil {
				return nil, fmt.Errorf("batch fetch failed (skip=%d): %w", skip, err)
			}
			if len(batch) == 0 {
				break
			}

			lowest := batch[0].Height
			for _, h := range batch {
				if h.Height < lowest {
					lowest = h.Height
				}
			}
			collected = append(collected, batch...)

			if lowest <= targetStart {
				break
			}
		}
	}

	// Keep only the target window, ascending.
	filtered := collected[:0]
	for _, h := range collected {
		if h.Height >= targetStart && h.Height <= consensus.tip.Height {
			filtered = append(filtered, h)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Height < filtered[j].Height })

	for i := 1; i < len(filtered); i++ {
		if filtered[i].PreviousHash != filtered[i-1].Hash {
			msg := fmt.Sprintf("chain broken at height %d: expected previous_hash %s, got %s",
				filtered[i].Height, filtered[i-1].Hash, filtered[i].PreviousHash)
			s.emitBlockError(filtered[i].Height, msg)
			return nil, fmt.Errorf("%w: %s", ErrLinkageBroken, msg)
		}
	}

	for _, header := range filtered {
		if err := s.store.StoreBlockHeader(header); err != nil {
			return nil, err
		}
	}

	s.log.Info("Initial sync complete", "blocks", len(filtered))

	return &SyncResult{
		BlocksAdded:  uint64(len(filtered)),
		NewTipHeight: consensus.tip.Height,
		NewTipHash:   consensus.tip.Hash,
		Message:      fmt.Sprintf("initial sync completed with %d blocks", len(filtered)),
	}, nil
}

// PruneRetention removes headers below tip − (MaxBlocksToKeep − 1), so the
// newest MaxBlocksToKeep headers remain. Called by the retention sweep.
func (s *Syncer) PruneRetention() (uint64, error) {
	tip, err := s.store.HighestBlock()
	if err != nil {
		return 0, err
	}
	if tip == 0 {
		return 0, nil
	}

	minKeep := saturatingSub(tip, config.MaxBlocksToKeep-1)
	return s.store.PruneBlocksBelow(minKeep)
}

func (s *Syncer) emitBlockError(height uint64, message string) {
	event := &types.AdminEvent{
		Type:      types.AdminEventBlockError,
		Timestamp: time.Now(),
		Height:    &height,
		Message:   message,
	}
	if err := s.store.AppendAdminEvent(event); err != nil {
		s.log.Error("Failed to append admin event", "error", err)
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
