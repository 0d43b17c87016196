package spv

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func dsha(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

func display(internal []byte) string {
	out := make([]byte, len(internal))
	for i, b := range internal {
		out[len(internal)-1-i] = b
	}
	return hex.EncodeToString(out)
}

// fourLeafTree builds a 4-leaf merkle tree and a BUMP proof for the leaf
// at the given offset. Returns (txid display hex, proof, root display hex).
func fourLeafTree(t *testing.T, txOffset uint64) (string, *Proof, string) {
	t.Helper()

	leaves := make([][]byte, 4)
	for i := range leaves {
		leaves[i] = dsha([]byte{byte(i + 1)})
	}

	left := dsha(append(append([]byte{}, leaves[0]...), leaves[1]...))
	right := dsha(append(append([]byte{}, leaves[2]...), leaves[3]...))
	root := dsha(append(append([]byte{}, left...), right...))

	siblingOffset := txOffset ^ 1
	var level1Sibling []byte
	var level1Offset uint64
	if txOffset < 2 {
		level1Sibling, level1Offset = right, 1
	} else {
		level1Sibling, level1Offset = left, 0
	}

	proof := &Proof{
		BlockHeight: 800_000,
		Levels: [][]Node{
			{
				{Offset: txOffset, Hash: display(leaves[txOffset]), IsTxID: true},
				{Offset: siblingOffset, Hash: display(leaves[siblingOffset])},
			},
			{
				{Offset: level1Offset, Hash: display(level1Sibling)},
			},
		},
	}

	return display(leaves[txOffset]), proof, display(root)
}

func TestComputeMerkleRoot(t *testing.T) {
	for offset := uint64(0); offset < 4; offset++ {
		txid, proof, wantRoot := fourLeafTree(t, offset)

		got, err := ComputeMerkleRoot(txid, proof)
		if err != nil {
			t.Fatalf("offset %d: ComputeMerkleRoot() error = %v", offset, err)
		}
		if got != wantRoot {
			t.Errorf("offset %d: root = %s, want %s", offset, got, wantRoot)
		}
	}
}

func TestComputeMerkleRootDuplicate(t *testing.T) {
	// Odd tree: the single leaf pairs with itself at level 0.
	leaf := dsha([]byte{0x42})
	root := dsha(append(append([]byte{}, leaf...), leaf...))

	proof := &Proof{
		BlockHeight: 1,
		Levels: [][]Node{
			{
				{Offset: 0, Hash: display(leaf), IsTxID: true},
				{Offset: 1, IsDuplicate: true},
			},
		},
	}

	got, err := ComputeMerkleRoot(display(leaf), proof)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot() error = %v", err)
	}
	if got != display(root) {
		t.Errorf("root = %s, want %s", got, display(root))
	}
}

func TestProofSerializeParseRoundTrip(t *testing.T) {
	_, proof, _ := fourLeafTree(t, 2)

	raw, err := proof.SerializeHex()
	if err != nil {
		t.Fatalf("SerializeHex() error = %v", err)
	}

	parsed, err := ParseProof(raw)
	if err != nil {
		t.Fatalf("ParseProof() error = %v", err)
	}

	if parsed.BlockHeight != proof.BlockHeight {
		t.Errorf("BlockHeight = %d, want %d", parsed.BlockHeight, proof.BlockHeight)
	}
	if len(parsed.Levels) != len(proof.Levels) {
		t.Fatalf("levels = %d, want %d", len(parsed.Levels), len(proof.Levels))
	}
	for i, level := range proof.Levels {
		for j, node := range level {
			got := parsed.Levels[i][j]
			if got.Offset != node.Offset || got.Hash != node.Hash ||
				got.IsTxID != node.IsTxID || got.IsDuplicate != node.IsDuplicate {
				t.Errorf("level %d node %d mismatch: %+v vs %+v", i, j, got, node)
			}
		}
	}

	// parse ∘ serialize = identity
	again, err := parsed.SerializeHex()
	if err != nil {
		t.Fatalf("re-serialize error = %v", err)
	}
	if again != raw {
		t.Error("serialize(parse(x)) != x")
	}
}

func TestParseProofRejectsTruncated(t *testing.T) {
	_, proof, _ := fourLeafTree(t, 0)
	raw, _ := proof.SerializeHex()

	if _, err := ParseProof(raw[:len(raw)-10]); err == nil {
		t.Error("expected error for truncated proof")
	}
	if _, err := ParseProof("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestParseProofVarintWidths(t *testing.T) {
	// Block height above 0xFFFF exercises the 0xFE varint form.
	proof := &Proof{
		BlockHeight: 850_123,
		Levels: [][]Node{
			{
				{Offset: 0, Hash: display(dsha([]byte{9})), IsTxID: true},
				{Offset: 1, IsDuplicate: true},
			},
		},
	}

	raw, err := proof.SerializeHex()
	if err != nil {
		t.Fatalf("SerializeHex() error = %v", err)
	}
	parsed, err := ParseProof(raw)
	if err != nil {
		t.Fatalf("ParseProof() error = %v", err)
	}
	if parsed.BlockHeight != 850_123 {
		t.Errorf("BlockHeight = %d, want 850123", parsed.BlockHeight)
	}
}
