package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/x402-onramp/clients"
	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/metrics"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
}

// VerificationService routes verification requests to the client
// configured for the proof's network.
type VerificationService struct {
	mu      sync.RWMutex
	clients map[types.Network]clients.Client
	timeout time.Duration
	log     logger.Logger
	metrics metrics.Recorder
}

// NewVerificationService creates a new verification service
func NewVerificationService(timeout time.Duration, log logger.Logger, rec metrics.Recorder) *VerificationService {
	return &VerificationService{
		clients: make(map[types.Network]clients.Client),
		timeout: timeout,
		log:     logger.OrNoop(log),
		metrics: metrics.OrNoop(rec),
	}
}

// AddClient registers the client for its network, replacing any previous one.
func (s *VerificationService) AddClient(client clients.Client) error {
	network := client.GetNetwork()
	if !network.IsEVM() {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not a supported EVM network", network),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[network] = client
	return nil
}

func (s *VerificationService) client(network types.Network) (clients.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[network]
	return c, ok
}

// Verify verifies a payment against requirements. Bad proofs produce an
// invalid result; an error means no decision could be made and wraps
// types.ErrFacilitatorUnavailable.
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	if res := precheck(req); res != nil {
		return res, nil
	}

	network := types.Network(req.PaymentPayload.Network)
	client, ok := s.client(network)
	if !ok {
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("no client configured for network %s", network),
		}
	}

	// Create timeout context
	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	labels := map[string]string{"network": string(network)}
	start := time.Now()
	result, err := client.VerifyPayment(verifyCtx, req)
	s.metrics.ObserveLatency(metrics.OpVerify, time.Since(start), labels)

	if err != nil {
		s.metrics.IncCounter(metrics.EventFacilitatorError, labels)
		s.log.Error("verification failed", map[string]any{
			"network": network,
			"error":   err,
		})
		return nil, fmt.Errorf("%w: verify: %w", types.ErrFacilitatorUnavailable, err)
	}

	if result.IsValid {
		s.metrics.IncCounter(metrics.EventPaymentVerified, labels)
	} else {
		s.metrics.IncCounter(metrics.EventProofRejected, map[string]string{
			"network": string(network),
			"reason":  result.InvalidReason,
		})
		s.log.Debug("payment rejected", map[string]any{
			"network": network,
			"reason":  result.InvalidReason,
			"payer":   req.PaymentPayload.Payer(),
		})
	}
	return result, nil
}

// precheck runs the checks that need no chain access. It returns nil when
// the request may be forwarded to a client.
func precheck(req *types.VerifyRequest) *types.VerificationResult {
	if err := req.Validate(); err != nil {
		return types.Invalid(types.ErrCodeInvalidProof)
	}

	// Check network compatibility
	if req.PaymentPayload.Network != req.PaymentRequirements.Network {
		return types.Invalid(types.ErrCodeNetworkMismatch)
	}

	auth := req.PaymentPayload.Payload.Authorization
	if utils.ValidateAddress(auth.From) != nil || utils.ValidateAddress(auth.To) != nil {
		return types.Invalid(types.ErrCodeInvalidProof)
	}
	return nil
}

// BatchVerify verifies multiple payments concurrently
func (s *VerificationService) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerificationResult, error) {
	results := make([]*types.VerificationResult, len(reqs))
	errs := make([]error, len(reqs))

	type verificationResult struct {
		index  int
		result *types.VerificationResult
		err    error
	}

	resultChan := make(chan verificationResult, len(reqs))

	for i, req := range reqs {
		go func(index int, r *types.VerifyRequest) {
			result, err := s.Verify(ctx, r)
			resultChan <- verificationResult{
				index:  index,
				result: result,
				err:    err,
			}
		}(i, req)
	}

	for i := 0; i < len(reqs); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
			errs[res.index] = res.err
		}
	}

	return results, errors.Join(errs...)
}

// GetSupportedNetworks returns all networks that have configured clients
func (s *VerificationService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks := make([]types.Network, 0, len(s.clients))
	for network := range s.clients {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// IsNetworkSupported checks if a network is supported
func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.client(network)
	return ok
}

// Close closes all client connections
func (s *VerificationService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, client := range s.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// VerifyWithRetry verifies a payment, retrying when the client could not
// be reached. Invalid proofs are never retried.
func (s *VerificationService) VerifyWithRetry(
	ctx context.Context,
	req *types.VerifyRequest,
	maxRetries int,
	retryDelay time.Duration,
) (*types.VerificationResult, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		result, err := s.Verify(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// configuration problems won't be fixed by retrying
		if !errors.Is(err, types.ErrFacilitatorUnavailable) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("verification failed after %d attempts: %w", maxRetries+1, lastErr)
}

// QuickVerify performs the structural checks only, without contacting a
// client. Useful as a preliminary check before expensive operations.
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) *types.VerificationResult {
	if res := precheck(req); res != nil {
		return res
	}

	network := types.Network(req.PaymentPayload.Network)
	if !s.IsNetworkSupported(network) {
		return types.Invalid(types.ErrCodeNetworkMismatch)
	}

	return &types.VerificationResult{
		IsValid:   true,
		Payer:     req.PaymentPayload.Payer(),
		Amount:    req.PaymentPayload.Amount(),
		Recipient: req.PaymentPayload.Recipient(),
	}
}
