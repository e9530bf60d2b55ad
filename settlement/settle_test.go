package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-onramp/store"
	"github.com/vitwit/x402-onramp/types"
)

type stubClient struct {
	result *types.SettlementResult
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (s *stubClient) VerifyPayment(context.Context, *types.VerifyRequest) (*types.VerificationResult, error) {
	return nil, errors.New("not used")
}

func (s *stubClient) SettlePayment(ctx context.Context, _ *types.VerifyRequest) (*types.SettlementResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	res := *s.result
	return &res, nil
}

func (s *stubClient) GetNetwork() types.Network { return types.NetworkBase }
func (s *stubClient) Close() error              { return nil }

func testRequest(nonce string) *types.VerifyRequest {
	return &types.VerifyRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     "base",
			Payload: types.ExactEvmPayload{
				Signature: "0x" + strings.Repeat("11", 65),
				Authorization: types.EIP3009Authorization{
					From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
					To:          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
					Value:       "1000",
					ValidAfter:  "0",
					ValidBefore: "1999999999",
					Nonce:       nonce,
				},
			},
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            "exact",
			Network:           "base",
			MaxAmountRequired: "1000",
			Recipient:         "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			MaxTimeoutSeconds: 60,
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		},
	}
}

func newService(t *testing.T, client *stubClient) *SettlementService {
	t.Helper()
	s := NewSettlementService(time.Second, store.NewMemoryStore(), nil, nil)
	require.NoError(t, s.AddClient(client))
	return s
}

func TestSettle_Idempotent(t *testing.T) {
	client := &stubClient{result: &types.SettlementResult{Success: true, TxHash: "0xabc"}}
	s := newService(t, client)
	req := testRequest("0x01")

	first, err := s.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "base", first.NetworkId)
	assert.Equal(t, req.PaymentPayload.Payer(), first.Payer)

	assert.False(t, first.Replayed)

	second, err := s.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed, "a cached receipt is marked as replayed")
	second.Replayed = false
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), client.calls.Load(), "a settled proof is not sent again")

	_, err = s.Settle(context.Background(), testRequest("0x02"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestSettle_ConcurrentSameProofSettlesOnce(t *testing.T) {
	client := &stubClient{result: &types.SettlementResult{Success: true, TxHash: "0xabc"}, delay: 50 * time.Millisecond}
	s := newService(t, client)
	req := testRequest("0x01")

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Settle(context.Background(), req)
			if err == nil && res.Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	assert.GreaterOrEqual(t, successes.Load(), int32(1))
}

func TestSettle_FailureReleasesLock(t *testing.T) {
	client := &stubClient{result: &types.SettlementResult{Success: false, Error: "settlement_failed"}}
	s := newService(t, client)
	req := testRequest("0x01")

	res, err := s.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)

	client.result = &types.SettlementResult{Success: true, TxHash: "0xabc"}
	res, err = s.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestSettle_ClientErrorIsFacilitatorUnavailable(t *testing.T) {
	s := newService(t, &stubClient{err: errors.New("rpc down")})

	_, err := s.Settle(context.Background(), testRequest("0x01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFacilitatorUnavailable)
}

func TestSettle_InvalidRequest(t *testing.T) {
	client := &stubClient{}
	s := newService(t, client)
	req := testRequest("0x01")
	req.PaymentRequirements.Recipient = ""

	res, err := s.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrCodeInvalidProof, res.Error)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestBatchSettle(t *testing.T) {
	s := newService(t, &stubClient{result: &types.SettlementResult{Success: true}})

	results, err := s.BatchSettle(context.Background(), []*types.VerifyRequest{testRequest("0x01"), testRequest("0x02")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, []types.Network{types.NetworkBase}, s.GetSupportedNetworks())
}
