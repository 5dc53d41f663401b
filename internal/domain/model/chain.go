package model

import "strings"

// Network identifies the chain an X402 payment settles on.
type Network string

const (
	NetworkBase     Network = "base"
	NetworkEthereum Network = "ethereum"
	NetworkPolygon  Network = "polygon"
	NetworkArbitrum Network = "arbitrum"
)

func (n Network) String() string {
	return string(n)
}

// IsEVM reports whether the network uses EVM address and hash encoding.
func (n Network) IsEVM() bool {
	switch n {
	case NetworkBase, NetworkEthereum, NetworkPolygon, NetworkArbitrum:
		return true
	default:
		return false
	}
}

// ParseNetwork maps capture-agent spellings ("base-mainnet", "eip155:8453")
// onto a known network. Unknown values are returned lowercased as-is.
func ParseNetwork(raw string) Network {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "base", "base-mainnet", "eip155:8453":
		return NetworkBase
	case "ethereum", "eth", "mainnet", "eip155:1":
		return NetworkEthereum
	case "polygon", "matic", "eip155:137":
		return NetworkPolygon
	case "arbitrum", "arbitrum-one", "eip155:42161":
		return NetworkArbitrum
	default:
		return Network(v)
	}
}
