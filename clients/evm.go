package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/store"
	x402types "github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
	"github.com/vitwit/x402-onramp/utils/eip712"
)

var _ Client = (*EVMClient)(nil)

// Backend is the chain access the EVM facilitator needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ContractCaller
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// EVMClient is a local facilitator: it checks EIP-3009 authorizations
// itself and redeems them with transferWithAuthorization from the
// facilitator key.
type EVMClient struct {
	network x402types.Network
	info    x402types.NetworkInfo
	backend Backend
	closer  func()
	once    sync.Once

	store        store.Store
	settleKey    *ecdsa.PrivateKey
	checkBalance bool
	simulate     bool
	log          logger.Logger
	now          func() time.Time
}

type EVMOption func(*EVMClient)

// WithNonceStore sets the store used to reject replayed authorizations.
func WithNonceStore(s store.Store) EVMOption {
	return func(e *EVMClient) { e.store = s }
}

// WithSettlementKey sets the key that pays gas for settlement transactions.
func WithSettlementKey(key *ecdsa.PrivateKey) EVMOption {
	return func(e *EVMClient) { e.settleKey = key }
}

// WithBalanceCheck enables a balanceOf check during verification.
func WithBalanceCheck(enabled bool) EVMOption {
	return func(e *EVMClient) { e.checkBalance = enabled }
}

// WithSimulation runs transferWithAuthorization as an eth_call during verification.
func WithSimulation(enabled bool) EVMOption {
	return func(e *EVMClient) { e.simulate = enabled }
}

func WithEVMLogger(l logger.Logger) EVMOption {
	return func(e *EVMClient) { e.log = logger.OrNoop(l) }
}

// NewEVMClient dials the RPC endpoint in cfg.
func NewEVMClient(cfg x402types.ClientConfig, opts ...EVMOption) (*EVMClient, error) {
	if cfg.RPCUrl == "" {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrConfigError,
			Message: fmt.Sprintf("rpc url required for network %s", cfg.Network),
		}
	}

	client, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	if cfg.HexSeed != "" {
		key, err := utils.PrivateKeyFromHex(cfg.HexSeed)
		if err != nil {
			client.Close()
			return nil, &x402types.X402Error{
				Code:    x402types.ErrConfigError,
				Message: fmt.Sprintf("invalid settlement key: %v", err),
			}
		}
		opts = append([]EVMOption{WithSettlementKey(key)}, opts...)
	}
	opts = append([]EVMOption{WithBalanceCheck(cfg.CheckBalance)}, opts...)

	e, err := NewEVMClientWithBackend(cfg.Network, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.closer = client.Close
	return e, nil
}

// NewEVMClientWithBackend builds a client over an existing backend.
func NewEVMClientWithBackend(network x402types.Network, backend Backend, opts ...EVMOption) (*EVMClient, error) {
	info, err := x402types.LookupNetwork(network)
	if err != nil {
		return nil, err
	}

	e := &EVMClient{
		network: network,
		info:    info,
		backend: backend,
		store:   store.NewMemoryStore(),
		log:     logger.NoopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close implements Client.
func (e *EVMClient) Close() error {
	if e.closer != nil {
		e.once.Do(e.closer)
	}
	return nil
}

// GetNetwork implements Client.
func (e *EVMClient) GetNetwork() x402types.Network {
	return e.network
}

// checked is a verified authorization ready for settlement.
type checked struct {
	auth   eip712.Authorization
	token  *Token
	sigHex string
}

// VerifyPayment implements Client. Checks run from cheapest to most
// expensive; the first failing check decides the reason.
func (e *EVMClient) VerifyPayment(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.VerificationResult, error) {
	res, _, err := e.verify(ctx, payload)
	return res, err
}

func (e *EVMClient) verify(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.VerificationResult, *checked, error) {
	if err := payload.Validate(); err != nil {
		return x402types.Invalid(x402types.ErrCodeInvalidProof), nil, nil
	}

	proof := &payload.PaymentPayload
	reqs := &payload.PaymentRequirements

	if proof.Scheme != string(x402types.SchemeExact) || reqs.Scheme != string(x402types.SchemeExact) {
		return x402types.Invalid(ErrUnsupportedScheme), nil, nil
	}
	if proof.Network != reqs.Network || reqs.Network != string(e.network) {
		return x402types.Invalid(x402types.ErrCodeNetworkMismatch), nil, nil
	}

	auth, err := eip712.ParseAuthorization(proof.Payload.Authorization)
	if err != nil {
		return x402types.Invalid(x402types.ErrCodeInvalidProof), nil, nil
	}

	domain, err := eip712.DomainFor(reqs)
	if err != nil {
		return x402types.Invalid(x402types.ErrCodeNetworkMismatch), nil, nil
	}
	digest, err := eip712.Digest(domain, auth)
	if err != nil {
		return x402types.Invalid(x402types.ErrCodeInvalidProof), nil, nil
	}
	sig, err := hexutil.Decode(proof.Payload.Signature)
	if err != nil {
		return x402types.Invalid(x402types.ErrCodeInvalidSignature), nil, nil
	}
	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil || signer != auth.From {
		return x402types.Invalid(x402types.ErrCodeInvalidSignature), nil, nil
	}

	if !common.IsHexAddress(reqs.Recipient) || common.HexToAddress(reqs.Recipient) != auth.To {
		return x402types.Invalid(x402types.ErrCodeRecipientMismatch), nil, nil
	}

	required, err := utils.ValidateBigInt(reqs.MaxAmountRequired)
	if err != nil {
		return x402types.Invalid(x402types.ErrCodeOther), nil, nil
	}
	if auth.Value.Cmp(required) < 0 {
		return x402types.Invalid(x402types.ErrCodeAmountMismatch), nil, nil
	}

	maxTimeout := time.Duration(reqs.MaxTimeoutSeconds) * time.Second
	if !auth.ValidAfter.IsInt64() || !auth.ValidBefore.IsInt64() {
		return x402types.Invalid(x402types.ErrCodeExpired), nil, nil
	}
	if err := utils.ValidateValidityWindow(auth.ValidAfter.Int64(), auth.ValidBefore.Int64(), e.now(), maxTimeout); err != nil {
		return x402types.Invalid(x402types.ErrCodeExpired), nil, nil
	}

	nonceHex := hexutil.Encode(auth.Nonce[:])
	_, spent, err := e.store.Get(ctx, store.NonceKey(string(e.network), auth.From.Hex(), nonceHex))
	if err != nil {
		return nil, nil, fmt.Errorf("nonce store: %w", err)
	}
	if spent {
		return x402types.Invalid(x402types.ErrCodeReplayed), nil, nil
	}

	token := NewToken(domain.VerifyingContract, e.backend)

	used, err := token.AuthorizationState(ctx, auth.From, auth.Nonce)
	if err != nil {
		return nil, nil, err
	}
	if used {
		return x402types.Invalid(x402types.ErrCodeReplayed), nil, nil
	}

	if e.checkBalance {
		bal, err := token.BalanceOf(ctx, auth.From)
		if err != nil {
			return nil, nil, err
		}
		if bal.Cmp(auth.Value) < 0 {
			res := x402types.Invalid(x402types.ErrCodeInsufficientFunds)
			res.Payer = auth.From.Hex()
			return res, nil, nil
		}
	}

	if e.simulate {
		v, r, s, err := utils.SplitSignature(proof.Payload.Signature)
		if err != nil {
			return x402types.Invalid(x402types.ErrCodeInvalidSignature), nil, nil
		}
		calldata, err := PackTransferWithAuthorization(auth, v, r, s)
		if err != nil {
			return nil, nil, err
		}
		ok, err := token.SimulateTransferWithAuthorization(ctx, e.sender(auth.From), calldata)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return x402types.Invalid(ErrSimulationFailed), nil, nil
		}
	}

	now := e.now()
	res := &x402types.VerificationResult{
		IsValid:   true,
		Payer:     auth.From.Hex(),
		Amount:    auth.Value.String(),
		Recipient: auth.To.Hex(),
		Timestamp: &now,
	}
	return res, &checked{auth: auth, token: token, sigHex: proof.Payload.Signature}, nil
}

func (e *EVMClient) sender(fallback common.Address) common.Address {
	if e.settleKey != nil {
		return utils.AddressFromPrivateKey(e.settleKey)
	}
	return fallback
}

// SettlePayment implements Client. The authorization is verified again,
// its nonce is claimed in the store and transferWithAuthorization is
// broadcast. The call does not wait for the transaction to be mined.
func (e *EVMClient) SettlePayment(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.SettlementResult, error) {
	res, c, err := e.verify(ctx, payload)
	if err != nil {
		return nil, err
	}
	if !res.IsValid {
		return &x402types.SettlementResult{
			Success:   false,
			NetworkId: string(e.network),
			Payer:     res.Payer,
			Error:     res.InvalidReason,
		}, nil
	}
	if e.settleKey == nil {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrConfigError,
			Message: fmt.Sprintf("%s: no settlement key configured for %s", ErrSettlementKeyMissing, e.network),
		}
	}

	payer := c.auth.From.Hex()
	nonceKey := store.NonceKey(string(e.network), payer, hexutil.Encode(c.auth.Nonce[:]))
	ttl := time.Until(time.Unix(c.auth.ValidBefore.Int64(), 0)) + time.Hour
	claimed, err := e.store.SetNX(ctx, nonceKey, []byte("pending"), ttl)
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if !claimed {
		return &x402types.SettlementResult{
			Success:   false,
			NetworkId: string(e.network),
			Payer:     payer,
			Error:     x402types.ErrCodeReplayed,
		}, nil
	}

	txHash, failure, err := e.broadcast(ctx, c)
	if err != nil || failure != "" {
		// the authorization was not redeemed, let the payer retry it
		if derr := e.store.Delete(ctx, nonceKey); derr != nil {
			e.log.Warn("failed to release nonce", map[string]any{"key": nonceKey, "error": derr})
		}
	}
	if err != nil {
		return nil, err
	}
	if failure != "" {
		return &x402types.SettlementResult{
			Success:   false,
			NetworkId: string(e.network),
			Payer:     payer,
			Error:     failure,
		}, nil
	}

	if err := e.store.Set(ctx, nonceKey, []byte(txHash), ttl); err != nil {
		e.log.Warn("failed to record settled nonce", map[string]any{"key": nonceKey, "error": err})
	}

	e.log.Info("settlement broadcast", map[string]any{
		"network": e.network,
		"payer":   payer,
		"tx":      txHash,
	})

	return &x402types.SettlementResult{
		Success:   true,
		TxHash:    txHash,
		NetworkId: string(e.network),
		Payer:     payer,
	}, nil
}

// broadcast sends transferWithAuthorization. A reverting estimate is a
// settlement failure (returned as a reason); RPC problems are errors.
func (e *EVMClient) broadcast(ctx context.Context, c *checked) (string, string, error) {
	v, r, s, err := utils.SplitSignature(c.sigHex)
	if err != nil {
		return "", x402types.ErrCodeInvalidSignature, nil
	}
	calldata, err := PackTransferWithAuthorization(c.auth, v, r, s)
	if err != nil {
		return "", "", fmt.Errorf("pack transferWithAuthorization: %w", err)
	}

	from := utils.AddressFromPrivateKey(e.settleKey)
	to := c.token.Address()

	gasLimit, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		e.log.Warn("transferWithAuthorization estimate failed", map[string]any{"error": err})
		return "", x402types.ErrCodeSettlementFailed, nil
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", "", fmt.Errorf("suggest gas price: %w", err)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", "", fmt.Errorf("pending nonce: %w", err)
	}

	tx := gethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, calldata)
	signedTx, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(e.info.ChainID), e.settleKey)
	if err != nil {
		return "", "", fmt.Errorf("sign settlement tx: %w", err)
	}

	if err := e.backend.SendTransaction(ctx, signedTx); err != nil {
		return "", "", fmt.Errorf("send settlement tx: %w", err)
	}
	return signedTx.Hash().Hex(), "", nil
}
