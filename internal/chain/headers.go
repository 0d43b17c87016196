// Package chain - Stored header validation.
package chain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/metanet-platform/easyswap/internal/types"
)

// VerifyHeaderHash checks that double-SHA256 of the raw 80-byte header,
// byte-reversed, equals the stored block hash. Headers without a raw
// header cannot be checked and fail.
func VerifyHeaderHash(header *types.BlockHeader) bool {
	if header.Hash == "" || len(header.RawHeader) != 160 {
		return false
	}

	raw, err := hex.DecodeString(header.RawHeader)
	if err != nil || len(raw) != 80 {
		return false
	}

	// chainhash renders in reversed display order already.
	computed := chainhash.DoubleHashH(raw)
	return strings.EqualFold(computed.String(), header.Hash)
}

// ValidateChain walks stored headers from startHeight through endHeight,
// verifying previous-hash linkage and, where a raw header is present, the
// header hash itself. The first violation emits an admin event and fails.
func (s *Syncer) ValidateChain(startHeight, endHeight uint64) error {
	if startHeight >= endHeight {
		return fmt.Errorf("invalid height range %d..%d", startHeight, endHeight)
	}

	for height := startHeight; height <= endHeight; height++ {
		current, err := s.store.GetBlockHeader(height)
		if err != nil {
			s.emitBlockError(height, fmt.Sprintf("block at height %d not found", height))
			return fmt.Errorf("block at height %d not found", height)
		}

		if height > startHeight {
			previous, err := s.store.GetBlockHeader(height - 1)
			if err != nil {
				s.emitBlockError(height, fmt.Sprintf("previous block at height %d not found", height-1))
				return fmt.Errorf("previous block at height %d not found", height-1)
			}
			if current.PreviousHash != previous.Hash {
				msg := fmt.Sprintf("chain broken at height %d: expected previous_hash %s, got %s",
					height, previous.Hash, current.PreviousHash)
				s.emitChainBroken(height, msg)
				return fmt.Errorf("%w: %s", ErrLinkageBroken, msg)
			}
		}

		if current.RawHeader != "" && !VerifyHeaderHash(current) {
			msg := fmt.Sprintf("invalid block hash at height %d", height)
			s.emitBlockError(height, msg)
			return fmt.Errorf("%w: %s", ErrLinkageBroken, msg)
		}
	}

	return nil
}

func (s *Syncer) emitChainBroken(height uint64, message string) {
	event := &types.AdminEvent{
		Type:      types.AdminEventChainLinkageBroken,
		Timestamp: time.Now(),
		Height:    &height,
		Message:   message,
	}
	if err := s.store.AppendAdminEvent(event); err != nil {
		s.log.Error("Failed to append admin event", "error", err)
	}
}
