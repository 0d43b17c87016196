// Package spv - Merkle root recomputation and the confirmation policy.
package spv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/helpers"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Verification errors, one per distinct rejection reason.
var (
	ErrBadTxid                   = errors.New("invalid txid: must be 64 hex characters")
	ErrTxTooLarge                = errors.New("transaction too large")
	ErrBlockMissing              = errors.New("block not found in local storage or archive")
	ErrMerkleMismatch            = errors.New("merkle root mismatch")
	ErrInsufficientConfirmations = errors.New("insufficient confirmations")
	ErrTipBehind                 = errors.New("block height is ahead of the stored chain tip")
)

// HeaderSource supplies locally-synced block headers.
type HeaderSource interface {
	GetBlockHeader(height uint64) (*types.BlockHeader, error)
	HighestBlock() (uint64, error)
}

// ArchiveSource supplies deeply-confirmed headers outside the retention
// window. It only ever holds blocks that are already final, so a header it
// returns is treated as sufficiently confirmed.
type ArchiveSource interface {
	GetBlockInfo(ctx context.Context, height uint64) (*types.BlockHeader, error)
}

// Verification is the outcome of an SPV check.
type Verification struct {
	Verified      bool
	BlockHeight   uint64
	BlockHash     string
	Confirmations uint64
	Message       string
}

// Verifier checks BUMP proofs against stored headers with an archive
// fallback for heights outside the retention window.
type Verifier struct {
	headers HeaderSource
	archive ArchiveSource
	depth   uint64
	log     *logging.Logger
}

// NewVerifier creates a Verifier. archive may be nil, in which case
// out-of-window heights fail with ErrBlockMissing.
func NewVerifier(headers HeaderSource, archive ArchiveSource) *Verifier {
	return &Verifier{
		headers: headers,
		archive: archive,
		depth:   config.ConfirmationDepth,
		log:     logging.GetDefault().Component("spv"),
	}
}

// VerifyRawTx computes the txid from raw transaction hex and verifies the
// accompanying BUMP proof at the configured confirmation depth.
func (v *Verifier) VerifyRawTx(ctx context.Context, txHex, bumpHex string) (*Verification, error) {
	if len(txHex) > config.MaxTxHexLen {
		return nil, ErrTxTooLarge
	}
	if len(bumpHex) > config.MaxBumpHexLen {
		return nil, ErrProofTooLarge
	}

	txid, err := computeTxid(txHex)
	if err != nil {
		return nil, err
	}

	return v.VerifyTxid(ctx, txid, bumpHex)
}

// VerifyTxid verifies a BUMP proof for a known txid (display hex).
func (v *Verifier) VerifyTxid(ctx context.Context, txid, bumpHex string) (*Verification, error) {
	if len(txid) != 64 || !helpers.IsHex(txid) {
		return nil, ErrBadTxid
	}
	if len(bumpHex) > config.MaxBumpHexLen {
		return nil, ErrProofTooLarge
	}

	proof, err := ParseProof(bumpHex)
	if err != nil {
		return nil, err
	}

	block, usedArchive, err := v.lookupBlock(ctx, proof.BlockHeight)
	if err != nil {
		return nil, err
	}

	root, err := ComputeMerkleRoot(txid, proof)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(root, block.MerkleRoot) {
		return nil, fmt.Errorf("%w: computed %s, block %s", ErrMerkleMismatch, root, block.MerkleRoot)
	}

	// The archive only stores deeply-confirmed blocks, so a hit there
	// counts as at-threshold by construction.
	var tip uint64
	if usedArchive {
		tip = proof.BlockHeight + v.depth
	} else {
		tip, err = v.headers.HighestBlock()
		if err != nil {
			return nil, err
		}
	}

	if tip < proof.BlockHeight {
		return nil, fmt.Errorf("%w: height %d, tip %d", ErrTipBehind, proof.BlockHeight, tip)
	}

	confirmations := tip - proof.BlockHeight + 1
	if confirmations < v.depth {
		return &Verification{
			Verified:      false,
			BlockHeight:   proof.BlockHeight,
			BlockHash:     block.Hash,
			Confirmations: confirmations,
			Message:       fmt.Sprintf("insufficient confirmations: %d (need %d)", confirmations, v.depth),
		}, nil
	}

	return &Verification{
		Verified:      true,
		BlockHeight:   proof.BlockHeight,
		BlockHash:     block.Hash,
		Confirmations: confirmations,
		Message:       fmt.Sprintf("transaction verified with %d confirmations", confirmations),
	}, nil
}

func (v *Verifier) lookupBlock(ctx context.Context, height uint64) (*types.BlockHeader, bool, error) {
	block, err := v.headers.GetBlockHeader(height)
	if err == nil {
		return block, false, nil
	}

	if v.archive == nil {
		return nil, false, fmt.Errorf("%w: height %d", ErrBlockMissing, height)
	}

	v.log.Debug("Block not in local storage, trying archive", "height", height)
	block, archiveErr := v.archive.GetBlockInfo(ctx, height)
	if archiveErr != nil {
		return nil, false, fmt.Errorf("%w: height %d: %v", ErrBlockMissing, height, archiveErr)
	}
	return block, true, nil
}

// ComputeMerkleRoot walks a proof from the txid leaf to the root and
// returns the root in display hex.
//
// At each level the working hash pairs with its sibling: a duplicate
// sibling takes the working hash's own value, the lower offset is hashed
// first, and the pair is double-SHA256'd. The parent offset is the current
// offset halved.
func ComputeMerkleRoot(txid string, proof *Proof) (string, error) {
	if len(proof.Levels) == 0 {
		return "", ErrProofEmpty
	}

	var txNode *Node
	for i := range proof.Levels[0] {
		if proof.Levels[0][i].IsTxID {
			txNode = &proof.Levels[0][i]
			break
		}
	}
	if txNode == nil {
		return "", fmt.Errorf("%w: no txid leaf at level 0", ErrProofTruncated)
	}

	current, err := hex.DecodeString(txid)
	if err != nil {
		return "", fmt.Errorf("invalid txid hex: %w", err)
	}
	current = reverse(current) // internal byte order

	offset := txNode.Offset

	for levelIdx, nodes := range proof.Levels {
		var sibling *Node
		if levelIdx == 0 {
			for i := range nodes {
				if !nodes[i].IsTxID {
					sibling = &nodes[i]
					break
				}
			}
		} else if len(nodes) > 0 {
			sibling = &nodes[0]
		}

		if sibling != nil {
			var siblingHash []byte
			if sibling.IsDuplicate {
				siblingHash = append([]byte(nil), current...)
			} else {
				raw, err := hex.DecodeString(sibling.Hash)
				if err != nil {
					return "", fmt.Errorf("invalid sibling hash at level %d: %w", levelIdx, err)
				}
				siblingHash = reverse(raw)
			}

			var combined []byte
			if offset < sibling.Offset {
				combined = append(append([]byte(nil), current...), siblingHash...)
			} else {
				combined = append(siblingHash, current...)
			}

			current = doubleSHA256(combined)
		}

		offset /= 2
	}

	return hex.EncodeToString(reverse(current)), nil
}

func doubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

func computeTxid(txHex string) (string, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", fmt.Errorf("invalid tx hex: %w", err)
	}
	return hex.EncodeToString(reverse(doubleSHA256(raw))), nil
}
