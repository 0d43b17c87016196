// Package spv implements BUMP (BSV Unified Merkle Proof, BRC-74) parsing
// and simplified payment verification against stored block headers.
package spv

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Parse errors
var (
	ErrProofTooLarge  = errors.New("proof too large")
	ErrProofTruncated = errors.New("unexpected end of proof data")
	ErrProofEmpty     = errors.New("proof has no levels")
)

// Node is one leaf entry in a BUMP level.
type Node struct {
	// Offset is the node's position within its level.
	Offset uint64

	// Hash in display (big-endian) hex; empty for duplicate nodes.
	Hash string

	// IsTxID marks the leaf the proof is anchored to (level 0 only).
	IsTxID bool

	// IsDuplicate marks a node whose value is the current working hash.
	IsDuplicate bool
}

// Proof is a parsed BUMP: the block height and one node list per tree
// level, leaf level first.
type Proof struct {
	BlockHeight uint64
	Levels      [][]Node
}

// Flag bits in the per-leaf flags byte.
const (
	flagDuplicate = 1 << 0
	flagTxID      = 1 << 1
)

// ParseProof parses a BUMP proof from hex.
//
// Layout per BRC-74:
//
//	block_height : varint
//	tree_height  : u8
//	per level:
//	  leaf_count : varint
//	  per leaf:
//	    offset : varint
//	    flags  : u8 (bit0 = duplicate, bit1 = txid)
//	    hash   : 32 bytes, absent when duplicate
func ParseProof(bumpHex string) (*Proof, error) {
	raw, err := hex.DecodeString(bumpHex)
	if err != nil {
		return nil, fmt.Errorf("invalid proof hex: %w", err)
	}

	pos := 0
	blockHeight, pos, err := readVarint(raw, pos)
	if err != nil {
		return nil, err
	}

	if pos >= len(raw) {
		return nil, ErrProofTruncated
	}
	treeHeight := int(raw[pos])
	pos++

	proof := &Proof{BlockHeight: blockHeight}

	for level := 0; level < treeHeight; level++ {
		var leafCount uint64
		leafCount, pos, err = readVarint(raw, pos)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", level, err)
		}

		nodes := make([]Node, 0, leafCount)
		for leaf := uint64(0); leaf < leafCount; leaf++ {
			var node Node
			node.Offset, pos, err = readVarint(raw, pos)
			if err != nil {
				return nil, fmt.Errorf("level %d leaf %d: %w", level, leaf, err)
			}

			if pos >= len(raw) {
				return nil, fmt.Errorf("level %d leaf %d: %w", level, leaf, ErrProofTruncated)
			}
			flags := raw[pos]
			pos++

			node.IsDuplicate = flags&flagDuplicate != 0
			node.IsTxID = flags&flagTxID != 0

			if !node.IsDuplicate {
				if pos+32 > len(raw) {
					return nil, fmt.Errorf("level %d leaf %d: %w", level, leaf, ErrProofTruncated)
				}
				// Stored little-endian on the wire, displayed reversed.
				node.Hash = hex.EncodeToString(reverse(raw[pos : pos+32]))
				pos += 32
			}

			nodes = append(nodes, node)
		}

		proof.Levels = append(proof.Levels, nodes)
	}

	return proof, nil
}

// Serialize re-encodes the proof in BRC-74 wire format.
// Serialize(ParseProof(x)) == x for well-formed proofs.
func (p *Proof) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	writeVarint(&buf, p.BlockHeight)
	buf.WriteByte(byte(len(p.Levels)))

	for _, nodes := range p.Levels {
		writeVarint(&buf, uint64(len(nodes)))
		for _, node := range nodes {
			writeVarint(&buf, node.Offset)

			var flags byte
			if node.IsDuplicate {
				flags |= flagDuplicate
			}
			if node.IsTxID {
				flags |= flagTxID
			}
			buf.WriteByte(flags)

			if !node.IsDuplicate {
				raw, err := hex.DecodeString(node.Hash)
				if err != nil || len(raw) != 32 {
					return nil, fmt.Errorf("invalid node hash %q", node.Hash)
				}
				buf.Write(reverse(raw))
			}
		}
	}

	return buf.Bytes(), nil
}

// SerializeHex returns the wire encoding as lowercase hex.
func (p *Proof) SerializeHex() (string, error) {
	raw, err := p.Serialize()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func readVarint(raw []byte, pos int) (uint64, int, error) {
	if pos >= len(raw) {
		return 0, pos, ErrProofTruncated
	}

	first := raw[pos]
	switch first {
	case 0xfd:
		if pos+3 > len(raw) {
			return 0, pos, ErrProofTruncated
		}
		return uint64(binary.LittleEndian.Uint16(raw[pos+1 : pos+3])), pos + 3, nil
	case 0xfe:
		if pos+5 > len(raw) {
			return 0, pos, ErrProofTruncated
		}
		return uint64(binary.LittleEndian.Uint32(raw[pos+1 : pos+5])), pos + 5, nil
	case 0xff:
		if pos+9 > len(raw) {
			return 0, pos, ErrProofTruncated
		}
		return binary.LittleEndian.Uint64(raw[pos+1 : pos+9]), pos + 9, nil
	default:
		return uint64(first), pos + 1, nil
	}
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v <= 0xffffffff:
		buf.WriteByte(0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xff)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
