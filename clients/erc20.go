package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-onramp/utils/eip712"
)

// usdcABI is the subset of the FiatTokenV2 (USDC) ABI used for EIP-3009.
const usdcABI = `
[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "account", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  }
]
`

var parsedUSDCABI = mustParseABI(usdcABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractCaller executes read-only contract calls. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Token wraps the EIP-3009 token contract calls used by the facilitator.
type Token struct {
	address common.Address
	caller  ContractCaller
}

func NewToken(address common.Address, caller ContractCaller) *Token {
	return &Token{address: address, caller: caller}
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedUSDCABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsedUSDCABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// BalanceOf returns the token balance of owner in atomic units.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected result type %T", values[0])
	}
	return bal, nil
}

// AuthorizationState reports whether the authorizer already used nonce on chain.
func (t *Token) AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error) {
	values, err := t.call(ctx, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState: unexpected result type %T", values[0])
	}
	return used, nil
}

// PackTransferWithAuthorization builds the calldata that redeems a signed
// authorization.
func PackTransferWithAuthorization(a eip712.Authorization, v uint8, r, s [32]byte) ([]byte, error) {
	return parsedUSDCABI.Pack(
		"transferWithAuthorization",
		a.From,
		a.To,
		a.Value,
		a.ValidAfter,
		a.ValidBefore,
		a.Nonce,
		v,
		r,
		s,
	)
}

// SimulateTransferWithAuthorization runs the redemption as an eth_call. A
// revert is reported as false with a nil error.
func (t *Token) SimulateTransferWithAuthorization(ctx context.Context, from common.Address, calldata []byte) (bool, error) {
	_, err := t.caller.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &t.address,
		Data: calldata,
	}, nil)
	if err != nil {
		// If revert → simulation failed
		return false, nil
	}
	return true, nil
}
