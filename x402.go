// Package x402 provides the facilitator side of the x402 payment protocol
// for EVM networks: verification and settlement of EIP-3009 USDC payment
// proofs, through a remote facilitator or a local go-ethereum client.
package x402

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/x402-onramp/clients"
	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/metrics"
	"github.com/vitwit/x402-onramp/middleware"
	"github.com/vitwit/x402-onramp/settlement"
	"github.com/vitwit/x402-onramp/store"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/verification"
)

const defaultTimeout = 30 * time.Second

var _ middleware.Facilitator = (*X402)(nil)

// X402 is the main struct that provides all x402 functionality
type X402 struct {
	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService
	config              *types.X402Config

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	store   store.Store

	mu        sync.RWMutex
	supported map[types.Network]types.SupportedItem
}

// New creates a new X402 instance with the given configuration. Options
// override the logger, metrics, timeout and replay store.
func New(config *types.X402Config, opts ...Option) *X402 {
	x := &X402{
		config:    config,
		timeout:   defaultTimeout,
		supported: make(map[types.Network]types.SupportedItem),
	}
	if config != nil && config.DefaultTimeout > 0 {
		x.timeout = config.DefaultTimeout
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = logger.OrNoop(x.logger)
	x.metrics = metrics.OrNoop(x.metrics)
	if x.store == nil {
		x.store = store.NewMemoryStore()
	}

	x.verificationService = verification.NewVerificationService(x.timeout, x.logger, x.metrics)
	x.settlementService = settlement.NewSettlementService(x.timeout, x.store, x.logger, x.metrics)
	return x
}

// NewWithDefaults creates a new X402 instance with default configuration
func NewWithDefaults(opts ...Option) *X402 {
	return New(&types.X402Config{
		DefaultTimeout: defaultTimeout,
		LogLevel:       "info",
	}, opts...)
}

// NewFromConfig builds an instance and registers every client in config.
func NewFromConfig(config *types.X402Config, opts ...Option) (*X402, error) {
	if config == nil {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: "config is nil"}
	}
	x := New(config, opts...)
	for _, cc := range config.Clients {
		if err := x.AddNetwork(cc); err != nil {
			_ = x.Close()
			return nil, err
		}
	}
	return x, nil
}

// AddNetwork adds support for a network. A config with an RPC URL gets a
// local go-ethereum facilitator, anything else talks to a remote
// facilitator (the CDP one when CDP keys are configured).
func (x *X402) AddNetwork(config types.ClientConfig) error {
	if !config.Network.IsEVM() {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", config.Network),
		}
	}

	var client clients.Client
	if config.RPCUrl != "" {
		evm, err := clients.NewEVMClient(config,
			clients.WithNonceStore(x.store),
			clients.WithEVMLogger(x.logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create EVM client for %s: %w", config.Network, err)
		}
		client = evm
	} else {
		client = x.remoteClient(config)
	}

	return x.AddClient(client)
}

func (x *X402) remoteClient(config types.ClientConfig) *clients.FacilitatorClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}
	opts := []clients.FacilitatorOption{
		clients.WithHTTPClient(&http.Client{Timeout: timeout}),
	}

	url := config.FacilitatorURL
	if x.config != nil && x.config.CDPAPIKeyID != "" && x.config.CDPAPIKeySecret != "" {
		if url == "" {
			url = clients.CDPFacilitatorURL
		}
		opts = append(opts, clients.WithAuthHeaders(clients.CDPAuthHeaders(x.config.CDPAPIKeyID, x.config.CDPAPIKeySecret)))
	}
	return clients.NewFacilitatorClient(config.Network, url, opts...)
}

// AddClient registers a ready-made client for verification and settlement.
func (x *X402) AddClient(client clients.Client) error {
	if err := x.verificationService.AddClient(client); err != nil {
		return err
	}
	if err := x.settlementService.AddClient(client); err != nil {
		return err
	}

	network := client.GetNetwork()
	x.mu.Lock()
	x.supported[network] = types.SupportedItem{
		X402Version: int(types.X402Version1),
		Scheme:      string(types.SchemeExact),
		Network:     network.String(),
	}
	x.mu.Unlock()

	x.logger.Info("network added", map[string]any{"network": network})
	return nil
}

// Verify verifies a payment against requirements
func (x *X402) Verify(
	ctx context.Context,
	payload *types.VerifyRequest,
) (*types.VerificationResult, error) {
	return x.verificationService.Verify(ctx, payload)
}

// Settle settles a payment transaction
func (x *X402) Settle(
	ctx context.Context,
	payload *types.VerifyRequest,
) (*types.SettlementResult, error) {
	return x.settlementService.Settle(ctx, payload)
}

// BatchVerify verifies multiple payments concurrently
func (x *X402) BatchVerify(
	ctx context.Context,
	payload []*types.VerifyRequest,
) ([]*types.VerificationResult, error) {
	if len(payload) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "at least one payload is required",
		}
	}

	return x.verificationService.BatchVerify(ctx, payload)
}

// BatchSettle settles multiple payments concurrently
func (x *X402) BatchSettle(
	ctx context.Context,
	requests []*types.VerifyRequest,
) ([]*types.SettlementResult, error) {
	if len(requests) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "at least one request is required",
		}
	}
	return x.settlementService.BatchSettle(ctx, requests)
}

// Supported lists the payment kinds this instance can verify and settle.
func (x *X402) Supported() (*types.SupportedResponse, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	kinds := make([]types.SupportedItem, 0, len(x.supported))
	for _, item := range x.supported {
		kinds = append(kinds, item)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return &types.SupportedResponse{Kinds: kinds}, nil
}

// IsNetworkSupported checks if a network is supported
func (x *X402) IsNetworkSupported(network types.Network) bool {
	return x.verificationService.IsNetworkSupported(network) &&
		x.settlementService.IsNetworkSupported(network)
}

// QuickVerify performs basic validation without blockchain queries
func (x *X402) QuickVerify(payload *types.VerifyRequest) *types.VerificationResult {
	return x.verificationService.QuickVerify(payload)
}

// Middleware builds a challenge responder that uses this instance as its
// facilitator.
func (x *X402) Middleware(routes []types.RouteConfig, payTo string) (*middleware.Responder, error) {
	return middleware.New(middleware.Config{
		Routes:      routes,
		PayTo:       payTo,
		Facilitator: x,
		Timeout:     x.timeout,
		Logger:      x.logger,
		Metrics:     x.metrics,
	})
}

// Close closes all client connections and the replay store.
func (x *X402) Close() error {
	verr := x.verificationService.Close()
	// settlement also closes the shared store
	serr := x.settlementService.Close()
	if verr != nil {
		return verr
	}
	return serr
}

// Version information
const (
	Version         = "1.1.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := types.Networks()
	names := make([]string, len(networks))
	for i, n := range networks {
		names[i] = n.String()
	}
	sort.Strings(names)

	return map[string]interface{}{
		"library_version":     Version,
		"protocol_version":    ProtocolVersion,
		"supported_networks":  names,
		"supported_schemes":   []string{string(types.SchemeExact)},
		"supported_standards": []string{"eip-3009"},
	}
}
