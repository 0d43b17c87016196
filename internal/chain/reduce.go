// Package chain tracks the BSV header chain: dual-source consensus tip
// discovery, reorg handling, forward fill, and retention.
package chain

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/metanet-platform/easyswap/internal/types"
)

// The engine consumes header APIs under a model where every consumer must
// observe byte-identical bodies. Each raw response is therefore reduced to
// a canonical projection before parsing: alphabetically-ordered keys, a
// fixed field set, and all volatile fields (server timestamps, transient
// headers) stripped. Both sources reduce to the same bytes for the same
// chain state.

// canonicalChainInfo is the projection of a chain-info response.
// Field order is alphabetical; encoding/json preserves declaration order.
type canonicalChainInfo struct {
	BestBlockHash string `json:"bestblockhash"`
	Blocks        uint64 `json:"blocks"`
}

// canonicalHeader is the projection of a single block header.
type canonicalHeader struct {
	Bits              string `json:"bits"`
	Hash              string `json:"hash"`
	Header            string `json:"header"`
	Height            uint64 `json:"height"`
	MerkleRoot        string `json:"merkleroot"`
	Nonce             uint64 `json:"nonce"`
	PreviousBlockHash string `json:"previousblockhash"`
	Time              uint64 `json:"time"`
	Version           int64  `json:"version"`
}

// ReduceChainInfo canonicalises a chain-info body.
func ReduceChainInfo(body []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse chain info: %w", err)
	}

	info := canonicalChainInfo{
		BestBlockHash: stringField(obj, "bestblockhash", "bestBlockHash"),
		Blocks:        uintField(obj, "blocks"),
	}
	return json.Marshal(info)
}

// ReduceHeader canonicalises a single block header body.
func ReduceHeader(body []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	return json.Marshal(reduceHeaderObject(obj))
}

// ReduceHeaderList canonicalises an array-of-headers body.
func ReduceHeaderList(body []byte) ([]byte, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to parse header list: %w", err)
	}

	out := make([]canonicalHeader, len(items))
	for i, obj := range items {
		out[i] = reduceHeaderObject(obj)
	}
	return json.Marshal(out)
}

func reduceHeaderObject(obj map[string]json.RawMessage) canonicalHeader {
	return canonicalHeader{
		Bits:              stringField(obj, "bits"),
		Hash:              stringField(obj, "hash"),
		Header:            stringField(obj, "header"),
		Height:            uintField(obj, "height"),
		MerkleRoot:        stringField(obj, "merkleroot", "merkleRoot"),
		Nonce:             uintField(obj, "nonce"),
		PreviousBlockHash: stringField(obj, "previousblockhash", "previousBlockHash"),
		Time:              uintField(obj, "time"),
		Version:           intField(obj, "version"),
	}
}

// headerFromCanonical converts a canonical header into the stored form.
// Fields the source omits (bits, nonce, version) default to zero; they are
// not used for SPV.
func headerFromCanonical(h canonicalHeader) *types.BlockHeader {
	bits, _ := strconv.ParseUint(h.Bits, 16, 32)
	return &types.BlockHeader{
		Height:       h.Height,
		Hash:         h.Hash,
		PreviousHash: h.PreviousBlockHash,
		MerkleRoot:   h.MerkleRoot,
		Timestamp:    h.Time,
		Bits:         uint32(bits),
		Nonce:        uint32(h.Nonce),
		Version:      int32(h.Version),
		RawHeader:    h.Header,
	}
}

// stringField extracts the first present key as a string; numbers are
// rendered in their canonical decimal form.
func stringField(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func uintField(obj map[string]json.RawMessage, keys ...string) uint64 {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var v uint64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return 0
}

func intField(obj map[string]json.RawMessage, keys ...string) int64 {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var v int64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return 0
}
