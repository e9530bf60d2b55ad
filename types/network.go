package types

import (
	"fmt"
	"math/big"
)

// NetworkInfo holds the chain parameters needed to price and sign USDC
// payments on a network.
type NetworkInfo struct {
	Network     Network
	ChainID     *big.Int
	USDCAddress string
	// EIP-712 domain of the USDC contract.
	TokenName    string
	TokenVersion string
	Decimals     int32
}

var networks = map[Network]NetworkInfo{
	NetworkBase: {
		Network:      NetworkBase,
		ChainID:      big.NewInt(8453),
		USDCAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
	},
	NetworkBaseSepolia: {
		Network:      NetworkBaseSepolia,
		ChainID:      big.NewInt(84532),
		USDCAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenName:    "USDC",
		TokenVersion: "2",
		Decimals:     6,
	},
	NetworkPolygon: {
		Network:      NetworkPolygon,
		ChainID:      big.NewInt(137),
		USDCAddress:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
	},
	NetworkPolygonAmoy: {
		Network:      NetworkPolygonAmoy,
		ChainID:      big.NewInt(80002),
		USDCAddress:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		TokenName:    "USDC",
		TokenVersion: "2",
		Decimals:     6,
	},
	NetworkEthereum: {
		Network:      NetworkEthereum,
		ChainID:      big.NewInt(1),
		USDCAddress:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
	},
}

// LookupNetwork returns the chain parameters for a network.
func LookupNetwork(n Network) (NetworkInfo, error) {
	info, ok := networks[n]
	if !ok {
		return NetworkInfo{}, &X402Error{
			Code:    ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", n),
		}
	}
	return info, nil
}

// Networks returns every network known to the library.
func Networks() []Network {
	out := make([]Network, 0, len(networks))
	for n := range networks {
		out = append(out, n)
	}
	return out
}
