// Package signer produces x402 payment proofs from a local wallet key.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-onramp/clients"
	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
	"github.com/vitwit/x402-onramp/utils/eip712"
)

const (
	// validAfterSkew backdates authorizations to tolerate clock drift.
	validAfterSkew         = 600
	defaultValiditySeconds = 600
)

// Approver decides whether a payment may be signed. Returning false
// refuses the payment.
type Approver func(ctx context.Context, req types.PaymentRequirements) (bool, error)

// EVMSigner signs EIP-3009 transferWithAuthorization proofs for one network.
type EVMSigner struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	network   types.Network
	info      types.NetworkInfo
	approve   Approver
	maxAmount *big.Int
	limit     string
	balances  clients.ContractCaller
	log       logger.Logger
	now       func() time.Time
}

type Option func(*EVMSigner)

// WithApprover asks fn before every signature.
func WithApprover(fn Approver) Option {
	return func(s *EVMSigner) { s.approve = fn }
}

// WithMaxAmount refuses requirements above max atomic units.
func WithMaxAmount(max *big.Int) Option {
	return func(s *EVMSigner) { s.maxAmount = max }
}

// WithSpendLimit refuses requirements above amount token units, e.g.
// "0.10" for ten cents of USDC.
func WithSpendLimit(amount string) Option {
	return func(s *EVMSigner) { s.limit = amount }
}

// WithBalanceCheck checks the token balance before signing, so a wallet
// that cannot pay fails with insufficient funds instead of a rejected proof.
func WithBalanceCheck(caller clients.ContractCaller) Option {
	return func(s *EVMSigner) { s.balances = caller }
}

func WithLogger(l logger.Logger) Option {
	return func(s *EVMSigner) { s.log = logger.OrNoop(l) }
}

// NewEVMSigner creates a signer from a hex private key.
func NewEVMSigner(hexKey string, network types.Network, opts ...Option) (*EVMSigner, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("invalid wallet key: %v", err)}
	}
	info, err := types.LookupNetwork(network)
	if err != nil {
		return nil, err
	}

	s := &EVMSigner{
		key:     key,
		address: utils.AddressFromPrivateKey(key),
		network: network,
		info:    info,
		log:     logger.NoopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limit != "" {
		max, err := utils.ParseAmountWithDecimals(s.limit, int(info.Decimals))
		if err != nil {
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("invalid spend limit: %v", err)}
		}
		s.maxAmount = max
	}
	return s, nil
}

// Address returns the checksummed payer address.
func (s *EVMSigner) Address() string { return s.address.Hex() }

func (s *EVMSigner) Network() types.Network { return s.network }

// Sign builds and signs a payment proof for req. Refusals wrap
// types.ErrSignerRefused and a short balance wraps types.ErrInsufficientFunds.
func (s *EVMSigner) Sign(ctx context.Context, req types.PaymentRequirements) (*types.PaymentPayload, error) {
	if req.Scheme != string(types.SchemeExact) {
		return nil, fmt.Errorf("%w: scheme %q", types.ErrProofInvalid, req.Scheme)
	}
	if types.Network(req.Network) != s.network {
		return nil, fmt.Errorf("%w: signer is on %s, requirement wants %s", types.ErrNetworkMismatch, s.network, req.Network)
	}
	if err := utils.ValidateAddress(req.Recipient); err != nil {
		return nil, fmt.Errorf("%w: recipient: %w", types.ErrProofInvalid, err)
	}

	value, err := utils.ValidateBigInt(req.MaxAmountRequired)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %w", types.ErrProofInvalid, err)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", types.ErrProofInvalid)
	}
	if s.maxAmount != nil && value.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: amount %s exceeds limit %s", types.ErrSignerRefused, value, s.maxAmount)
	}

	if s.approve != nil {
		ok, err := s.approve(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrSignerRefused, err)
		}
		if !ok {
			return nil, types.ErrSignerRefused
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.balances != nil {
		if err := s.checkBalance(ctx, req, value); err != nil {
			return nil, err
		}
	}

	nonce, err := utils.RandomNonce()
	if err != nil {
		return nil, err
	}
	timeout := int64(defaultValiditySeconds)
	if req.MaxTimeoutSeconds > 0 {
		timeout = int64(req.MaxTimeoutSeconds)
	}
	now := s.now().Unix()

	auth := types.EIP3009Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.Recipient).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(now-validAfterSkew, 10),
		ValidBefore: strconv.FormatInt(now+timeout, 10),
		Nonce:       nonce,
	}

	domain, err := eip712.DomainFor(&req)
	if err != nil {
		return nil, err
	}
	parsed, err := eip712.ParseAuthorization(auth)
	if err != nil {
		return nil, err
	}
	digest, err := eip712.Digest(domain, parsed)
	if err != nil {
		return nil, err
	}
	sig, err := utils.SignHash(digest.Bytes(), s.key)
	if err != nil {
		return nil, err
	}

	s.log.Debug("signed payment authorization", map[string]any{
		"network":   s.network,
		"recipient": auth.To,
		"value":     auth.Value,
	})

	return &types.PaymentPayload{
		X402Version: int(types.X402Version1),
		Scheme:      string(types.SchemeExact),
		Network:     req.Network,
		Payload: types.ExactEvmPayload{
			Signature:     sig,
			Authorization: auth,
		},
	}, nil
}

func (s *EVMSigner) checkBalance(ctx context.Context, req types.PaymentRequirements, value *big.Int) error {
	asset := req.Asset
	if asset == "" {
		asset = s.info.USDCAddress
	}
	bal, err := clients.NewToken(common.HexToAddress(asset), s.balances).BalanceOf(ctx, s.address)
	if err != nil {
		return fmt.Errorf("balance lookup: %w", err)
	}
	if bal.Cmp(value) < 0 {
		return fmt.Errorf("%w: balance %s, need %s", types.ErrInsufficientFunds,
			utils.FormatAmountFromBigInt(bal, int(s.info.Decimals)),
			utils.FormatAmountFromBigInt(value, int(s.info.Decimals)))
	}
	return nil
}
