package types

import "strings"

// Network identifies the chain a payment option settles on.
type Network string

const (
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet"
)

// solanaGenesisPrefix is the leading part of the mainnet genesis hash; some
// resource servers advertise the network by genesis hash instead of name.
const solanaGenesisPrefix = "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"

// IsSupported reports whether the agent can pay on the given network. Only
// Solana networks are supported; entries may name the network directly or by
// genesis hash.
func (n Network) IsSupported() bool {
	s := string(n)
	return strings.Contains(s, "solana") || strings.Contains(s, solanaGenesisPrefix)
}

func (n Network) IsTestnet() bool {
	return n == NetworkSolanaDevnet
}

func (n Network) String() string {
	return string(n)
}
