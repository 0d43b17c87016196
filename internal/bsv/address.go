// Package bsv - Address extraction and validation.
package bsv

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Mainnet address version bytes.
const (
	versionP2PKH = 0x00
	versionP2SH  = 0x05
)

// AddressFromScript decodes a locking script into a payment address.
// Only the standard P2PKH and P2SH templates are recognised; any other
// script yields a 0x<hex> pseudo-address, which never matches a real
// deposit address and therefore fails output matching.
func AddressFromScript(script []byte) string {
	// P2PKH: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
	if len(script) == 25 &&
		script[0] == 0x76 && script[1] == 0xa9 && script[2] == 0x14 &&
		script[23] == 0x88 && script[24] == 0xac {
		return base58.CheckEncode(script[3:23], versionP2PKH)
	}

	// P2SH: OP_HASH160 <20 bytes> OP_EQUAL
	if len(script) == 23 &&
		script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87 {
		return base58.CheckEncode(script[2:22], versionP2SH)
	}

	return "0x" + hex.EncodeToString(script)
}

// IsValidMainnetAddress reports whether s is a well-formed Base58Check
// BSV mainnet address (P2PKH or P2SH version byte, intact checksum,
// 20-byte payload).
func IsValidMainnetAddress(s string) bool {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return false
	}
	if len(payload) != 20 {
		return false
	}
	return version == versionP2PKH || version == versionP2SH
}

// P2PKHScript builds the canonical P2PKH locking script for an address.
// Used by tests to construct matching transactions.
func P2PKHScript(address string) ([]byte, bool) {
	payload, version, err := base58.CheckDecode(address)
	if err != nil || version != versionP2PKH || len(payload) != 20 {
		return nil, false
	}
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, payload...)
	script = append(script, 0x88, 0xac)
	return script, true
}
