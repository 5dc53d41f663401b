package identity

import (
	"testing"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// ---------------------------------------------------------------------------
// CanonicalTxHash
// ---------------------------------------------------------------------------

func TestCanonicalTxHash(t *testing.T) {
	tests := []struct {
		name     string
		network  model.Network
		input    string
		expected string
	}{
		{
			name:     "EVM/base lowercase hex with 0x",
			network:  model.NetworkBase,
			input:    "0xabcdef1234567890",
			expected: "0xabcdef1234567890",
		},
		{
			name:     "EVM/base mixed case hex with 0x",
			network:  model.NetworkBase,
			input:    "0xABcdEF1234567890",
			expected: "0xabcdef1234567890",
		},
		{
			name:     "EVM/ethereum uppercase 0X prefix",
			network:  model.NetworkEthereum,
			input:    "0XABCDEF",
			expected: "0xabcdef",
		},
		{
			name:     "EVM/polygon bare hex",
			network:  model.NetworkPolygon,
			input:    "ABCDEF1234",
			expected: "0xabcdef1234",
		},
		{
			name:     "EVM surrounding whitespace",
			network:  model.NetworkArbitrum,
			input:    "  0xDeAdBeEf \n",
			expected: "0xdeadbeef",
		},
		{
			name:     "EVM empty string",
			network:  model.NetworkBase,
			input:    "",
			expected: "",
		},
		{
			name:     "EVM bare 0x",
			network:  model.NetworkBase,
			input:    "0x",
			expected: "",
		},
		{
			name:     "unknown network untouched",
			network:  model.Network("solana"),
			input:    " 5VERYbase58Sig ",
			expected: "5VERYbase58Sig",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CanonicalTxHash(tc.network, tc.input)
			if got != tc.expected {
				t.Errorf("CanonicalTxHash(%q, %q) = %q, want %q", tc.network, tc.input, got, tc.expected)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// CanonicalAddress
// ---------------------------------------------------------------------------

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		name     string
		network  model.Network
		input    string
		expected string
	}{
		{
			name:     "EVM checksum address lowercased",
			network:  model.NetworkBase,
			input:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			expected: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		},
		{
			name:     "EVM bare hex gets prefix",
			network:  model.NetworkEthereum,
			input:    "A0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			expected: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		},
		{
			name:     "EVM empty",
			network:  model.NetworkBase,
			input:    "   ",
			expected: "",
		},
		{
			name:     "non-hex EVM value kept trimmed",
			network:  model.NetworkBase,
			input:    " merchant.eth ",
			expected: "merchant.eth",
		},
		{
			name:     "non-EVM kept as-is",
			network:  model.Network("solana"),
			input:    "7YttLkHDoNj9wyDur5pM1ejNaAvT9X4eqaYcHQqtj2G5",
			expected: "7YttLkHDoNj9wyDur5pM1ejNaAvT9X4eqaYcHQqtj2G5",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CanonicalAddress(tc.network, tc.input)
			if got != tc.expected {
				t.Errorf("CanonicalAddress(%q, %q) = %q, want %q", tc.network, tc.input, got, tc.expected)
			}
		})
	}
}

func TestSameAddress(t *testing.T) {
	if !SameAddress(model.NetworkBase, "0xABC", "0xabc") {
		t.Error("expected case-insensitive EVM match")
	}
	if SameAddress(model.NetworkBase, "", "") {
		t.Error("empty addresses must not match")
	}
	if SameAddress(model.NetworkBase, "0xabc", "0xabd") {
		t.Error("different addresses must not match")
	}
}

func TestIsHexString(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"", true},
		{"0123456789abcdefABCDEF", true},
		{"xyz", false},
		{"0x12", false},
		{"12 34", false},
	}
	for _, tc := range tests {
		if got := IsHexString(tc.input); got != tc.expected {
			t.Errorf("IsHexString(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}
