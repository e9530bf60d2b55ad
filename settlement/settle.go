package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/x402-onramp/clients"
	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/metrics"
	"github.com/vitwit/x402-onramp/store"
	"github.com/vitwit/x402-onramp/types"
)

// DefaultReceiptTTL is how long settlement receipts are kept for idempotent replies.
const DefaultReceiptTTL = 24 * time.Hour

// Settler interface defines the contract for payment settlement
type Settler interface {
	Settle(ctx context.Context, request *types.VerifyRequest) (*types.SettlementResult, error)
}

// SettlementService settles verified payments through the client of the
// proof's network. Settlement is idempotent per payer and nonce: a proof
// that already settled returns the stored receipt with Replayed set.
// Callers that release a resource per payment must refuse replayed
// receipts, since a remote facilitator may still be mining the first tx.
type SettlementService struct {
	mu         sync.RWMutex
	clients    map[types.Network]clients.Client
	timeout    time.Duration
	store      store.Store
	receiptTTL time.Duration
	log        logger.Logger
	metrics    metrics.Recorder
}

// NewSettlementService creates a new settlement service. A nil store keeps
// receipts in memory.
func NewSettlementService(timeout time.Duration, st store.Store, log logger.Logger, rec metrics.Recorder) *SettlementService {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &SettlementService{
		clients:    make(map[types.Network]clients.Client),
		timeout:    timeout,
		store:      st,
		receiptTTL: DefaultReceiptTTL,
		log:        logger.OrNoop(log),
		metrics:    metrics.OrNoop(rec),
	}
}

// AddClient registers the client for its network.
func (s *SettlementService) AddClient(client clients.Client) error {
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

func (s *SettlementService) client(network types.Network) (clients.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[network]
	return c, ok
}

// Settle settles a payment transaction
func (s *SettlementService) Settle(ctx context.Context, request *types.VerifyRequest) (*types.SettlementResult, error) {
	network := types.Network(request.PaymentRequirements.Network)
	payer := request.PaymentPayload.Payer()

	if err := request.Validate(); err != nil {
		return &types.SettlementResult{
			Success:   false,
			Error:     types.ErrCodeInvalidProof,
			NetworkId: string(network),
			Payer:     payer,
		}, nil
	}

	client, ok := s.client(network)
	if !ok {
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("no client configured for network %s", network),
		}
	}

	key := store.SettlementKey(string(network), payer, request.PaymentPayload.Nonce())
	if cached, ok, err := s.cachedReceipt(ctx, key); err != nil {
		return nil, err
	} else if ok {
		s.log.Debug("returning cached settlement", map[string]any{"key": key})
		cached.Replayed = true
		return cached, nil
	}

	lockKey := key + ":lock"
	claimed, err := s.store.SetNX(ctx, lockKey, []byte("1"), s.timeout+time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: settlement store: %w", types.ErrFacilitatorUnavailable, err)
	}
	if !claimed {
		// another request is settling the same proof
		return &types.SettlementResult{
			Success:   false,
			Error:     types.ErrCodeReplayed,
			NetworkId: string(network),
			Payer:     payer,
		}, nil
	}

	// Create timeout context
	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	labels := map[string]string{"network": string(network)}
	start := time.Now()
	result, err := client.SettlePayment(settleCtx, request)
	s.metrics.ObserveLatency(metrics.OpSettle, time.Since(start), labels)

	if err != nil || !result.Success {
		s.release(ctx, lockKey)
	}
	if err != nil {
		s.metrics.IncCounter(metrics.EventFacilitatorError, labels)
		s.log.Error("settlement failed", map[string]any{"network": network, "payer": payer, "error": err})
		return nil, fmt.Errorf("%w: settle: %w", types.ErrFacilitatorUnavailable, err)
	}
	if !result.Success {
		s.metrics.IncCounter(metrics.EventSettlementFailed, map[string]string{
			"network": string(network),
			"reason":  result.Error,
		})
		s.log.Warn("settlement rejected", map[string]any{"network": network, "payer": payer, "reason": result.Error})
		return result, nil
	}

	if result.NetworkId == "" {
		result.NetworkId = string(network)
	}
	if result.Payer == "" {
		result.Payer = payer
	}

	data, err := json.Marshal(result)
	if err == nil {
		err = s.store.Set(ctx, key, data, s.receiptTTL)
	}
	if err != nil {
		s.log.Warn("failed to store settlement receipt", map[string]any{"key": key, "error": err})
	}

	s.metrics.IncCounter(metrics.EventPaymentSettled, labels)
	s.log.Info("payment settled", map[string]any{
		"network": network,
		"payer":   payer,
		"tx":      result.TxHash,
	})
	return result, nil
}

func (s *SettlementService) cachedReceipt(ctx context.Context, key string) (*types.SettlementResult, bool, error) {
	data, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: settlement store: %w", types.ErrFacilitatorUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}
	var res types.SettlementResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("corrupt settlement receipt %s: %w", key, err)
	}
	return &res, true, nil
}

func (s *SettlementService) release(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		s.log.Warn("failed to release settlement lock", map[string]any{"key": key, "error": err})
	}
}

// BatchSettle settles multiple payments concurrently
func (s *SettlementService) BatchSettle(ctx context.Context, requests []*types.VerifyRequest) ([]*types.SettlementResult, error) {
	results := make([]*types.SettlementResult, len(requests))
	errs := make([]error, len(requests))

	type settlementResult struct {
		index  int
		result *types.SettlementResult
		err    error
	}

	resultChan := make(chan settlementResult, len(requests))

	for i, req := range requests {
		go func(index int, r *types.VerifyRequest) {
			result, err := s.Settle(ctx, r)
			resultChan <- settlementResult{index: index, result: result, err: err}
		}(i, req)
	}

	for i := 0; i < len(requests); i++ {
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

// Close closes all clients and the receipt store.
func (s *SettlementService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, client := range s.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetSupportedNetworks returns all networks that have configured clients
func (s *SettlementService) GetSupportedNetworks() []types.Network {
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
func (s *SettlementService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.client(network)
	return ok
}
