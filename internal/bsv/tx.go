// Package bsv parses raw Bitcoin-SV transactions and derives payment
// addresses from their output scripts. The engine only reads transactions;
// it never builds, signs, or broadcasts them.
package bsv

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Parse errors
var (
	ErrTxTooShort  = errors.New("transaction too short")
	ErrTxTruncated = errors.New("unexpected end of transaction data")
)

// Tx is a parsed Bitcoin-format transaction.
type Tx struct {
	Version  uint32
	Inputs   []TxInput
	Outputs  []TxOutput
	LockTime uint32
}

// TxInput is a transaction input.
type TxInput struct {
	PrevTxHash      []byte // display order (reversed from wire)
	PrevOutputIndex uint32
	ScriptSig       []byte
	Sequence        uint32
}

// TxOutput is a transaction output with its derived address.
type TxOutput struct {
	Satoshis     uint64
	ScriptPubKey []byte
	Address      string
}

// ParseTx parses a raw transaction from hex.
func ParseTx(rawHex string) (*Tx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}
	return ParseTxBytes(raw)
}

// ParseTxBytes parses a raw transaction from bytes.
func ParseTxBytes(raw []byte) (*Tx, error) {
	if len(raw) < 10 {
		return nil, ErrTxTooShort
	}

	r := &reader{buf: raw}
	tx := &Tx{}

	tx.Version = r.u32()

	inputCount := r.varint()
	for i := uint64(0); i < inputCount && r.err == nil; i++ {
		var in TxInput
		prev := r.bytes(32)
		in.PrevTxHash = reverse(prev)
		in.PrevOutputIndex = r.u32()
		scriptLen := r.varint()
		in.ScriptSig = r.bytes(int(scriptLen))
		in.Sequence = r.u32()
		tx.Inputs = append(tx.Inputs, in)
	}

	outputCount := r.varint()
	for i := uint64(0); i < outputCount && r.err == nil; i++ {
		var out TxOutput
		out.Satoshis = r.u64()
		scriptLen := r.varint()
		out.ScriptPubKey = r.bytes(int(scriptLen))
		if r.err == nil {
			out.Address = AddressFromScript(out.ScriptPubKey)
		}
		tx.Outputs = append(tx.Outputs, out)
	}

	tx.LockTime = r.u32()

	if r.err != nil {
		return nil, r.err
	}
	return tx, nil
}

// Serialize re-encodes the transaction in canonical wire format.
// Serialize(ParseTx(x)) == x for well-formed transactions.
func (tx *Tx) Serialize() []byte {
	var buf bytes.Buffer

	writeU32(&buf, tx.Version)

	writeVarint(&buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf.Write(reverse(in.PrevTxHash))
		writeU32(&buf, in.PrevOutputIndex)
		writeVarint(&buf, uint64(len(in.ScriptSig)))
		buf.Write(in.ScriptSig)
		writeU32(&buf, in.Sequence)
	}

	writeVarint(&buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		writeU64(&buf, out.Satoshis)
		writeVarint(&buf, uint64(len(out.ScriptPubKey)))
		buf.Write(out.ScriptPubKey)
	}

	writeU32(&buf, tx.LockTime)
	return buf.Bytes()
}

// SerializeHex returns the canonical wire encoding as lowercase hex.
func (tx *Tx) SerializeHex() string {
	return hex.EncodeToString(tx.Serialize())
}

// TxID computes the display-order transaction id from raw hex:
// reverse(SHA-256(SHA-256(raw))).
func TxID(rawHex string) (string, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode tx hex: %w", err)
	}
	h := chainhash.DoubleHashH(raw)
	// chainhash's String() already renders in reversed display order.
	return h.String(), nil
}

// reader walks a byte slice, latching the first error.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = ErrTxTruncated
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) varint() uint64 {
	b := r.bytes(1)
	if r.err != nil {
		return 0
	}
	switch b[0] {
	case 0xfd:
		v := r.bytes(2)
		if r.err != nil {
			return 0
		}
		return uint64(binary.LittleEndian.Uint16(v))
	case 0xfe:
		return uint64(r.u32())
	case 0xff:
		return r.u64()
	default:
		return uint64(b[0])
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
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
		writeU32(buf, uint32(v))
	default:
		buf.WriteByte(0xff)
		writeU64(buf, v)
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
