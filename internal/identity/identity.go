package identity

import (
	"strings"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// CanonicalTxHash normalises a transaction hash into its canonical form so
// that different representations of the same hash (mixed-case hex, 0x
// prefix vs bare) compare as equal.
func CanonicalTxHash(network model.Network, hash string) string {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return ""
	}
	if !network.IsEVM() {
		return trimmed
	}

	withoutPrefix := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if withoutPrefix == "" {
		return ""
	}
	if IsHexString(withoutPrefix) || hasHexPrefix(trimmed) {
		return "0x" + strings.ToLower(withoutPrefix)
	}
	return trimmed
}

// CanonicalAddress normalises a wallet or contract address. For EVM
// networks this lowercases and ensures the 0x prefix; other networks get
// the trimmed value as-is.
func CanonicalAddress(network model.Network, address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return ""
	}
	if !network.IsEVM() {
		return trimmed
	}
	withoutPrefix := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if withoutPrefix == "" {
		return trimmed
	}
	if IsHexString(withoutPrefix) || hasHexPrefix(trimmed) {
		return "0x" + strings.ToLower(withoutPrefix)
	}
	return trimmed
}

// SameAddress compares two addresses after canonicalisation.
func SameAddress(network model.Network, a, b string) bool {
	ca := CanonicalAddress(network, a)
	return ca != "" && ca == CanonicalAddress(network, b)
}

// IsHexString reports whether v consists solely of hexadecimal characters.
func IsHexString(v string) bool {
	for _, ch := range v {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

func hasHexPrefix(v string) bool {
	return strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X")
}
