package verification

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-onramp/types"
)

type stubClient struct {
	network types.Network
	result  *types.VerificationResult
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (s *stubClient) VerifyPayment(ctx context.Context, _ *types.VerifyRequest) (*types.VerificationResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.result, s.err
}

func (s *stubClient) SettlePayment(context.Context, *types.VerifyRequest) (*types.SettlementResult, error) {
	return nil, errors.New("not used")
}

func (s *stubClient) GetNetwork() types.Network { return s.network }
func (s *stubClient) Close() error              { return nil }

func testRequest(network string) *types.VerifyRequest {
	return &types.VerifyRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     network,
			Payload: types.ExactEvmPayload{
				Signature: "0x" + strings.Repeat("11", 65),
				Authorization: types.EIP3009Authorization{
					From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
					To:          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
					Value:       "1000",
					ValidAfter:  "0",
					ValidBefore: "1999999999",
					Nonce:       "0x" + strings.Repeat("ab", 32),
				},
			},
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            "exact",
			Network:           network,
			MaxAmountRequired: "1000",
			Recipient:         "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			MaxTimeoutSeconds: 60,
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		},
	}
}

func TestVerify_RoutesToNetworkClient(t *testing.T) {
	client := &stubClient{network: types.NetworkBase, result: &types.VerificationResult{IsValid: true, Payer: "0xf39F"}}
	s := NewVerificationService(time.Second, nil, nil)
	require.NoError(t, s.AddClient(client))

	res, err := s.Verify(context.Background(), testRequest("base"))
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.True(t, s.IsNetworkSupported(types.NetworkBase))
	assert.Equal(t, []types.Network{types.NetworkBase}, s.GetSupportedNetworks())
}

func TestVerify_NetworkMismatchSkipsClient(t *testing.T) {
	client := &stubClient{network: types.NetworkBase}
	s := NewVerificationService(time.Second, nil, nil)
	require.NoError(t, s.AddClient(client))

	req := testRequest("base")
	req.PaymentPayload.Network = "polygon"

	res, err := s.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, types.ErrCodeNetworkMismatch, res.InvalidReason)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestVerify_MalformedProof(t *testing.T) {
	s := NewVerificationService(time.Second, nil, nil)
	req := testRequest("base")
	req.PaymentPayload.Payload.Signature = ""

	res, err := s.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.ErrCodeInvalidProof, res.InvalidReason)
}

func TestVerify_ClientErrorIsFacilitatorUnavailable(t *testing.T) {
	cause := errors.New("rpc down")
	s := NewVerificationService(time.Second, nil, nil)
	require.NoError(t, s.AddClient(&stubClient{network: types.NetworkBase, err: cause}))

	_, err := s.Verify(context.Background(), testRequest("base"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFacilitatorUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestVerify_Timeout(t *testing.T) {
	s := NewVerificationService(20*time.Millisecond, nil, nil)
	require.NoError(t, s.AddClient(&stubClient{network: types.NetworkBase, delay: time.Second}))

	_, err := s.Verify(context.Background(), testRequest("base"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFacilitatorUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerify_NoClient(t *testing.T) {
	s := NewVerificationService(time.Second, nil, nil)

	_, err := s.Verify(context.Background(), testRequest("base"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &types.X402Error{Code: types.ErrUnsupportedNetwork})
}

func TestAddClient_RejectsUnknownNetwork(t *testing.T) {
	s := NewVerificationService(time.Second, nil, nil)
	assert.Error(t, s.AddClient(&stubClient{network: "solana"}))
}

func TestBatchVerify(t *testing.T) {
	s := NewVerificationService(time.Second, nil, nil)
	require.NoError(t, s.AddClient(&stubClient{network: types.NetworkBase, result: &types.VerificationResult{IsValid: true}}))

	mismatch := testRequest("base")
	mismatch.PaymentPayload.Network = "polygon"

	results, err := s.BatchVerify(context.Background(), []*types.VerifyRequest{testRequest("base"), mismatch})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsValid)
	assert.False(t, results[1].IsValid)
}

func TestVerifyWithRetry(t *testing.T) {
	client := &stubClient{network: types.NetworkBase, err: errors.New("flaky")}
	s := NewVerificationService(time.Second, nil, nil)
	require.NoError(t, s.AddClient(client))

	_, err := s.VerifyWithRetry(context.Background(), testRequest("base"), 2, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(3), client.calls.Load())

	// configuration errors are not retried
	_, err = s.VerifyWithRetry(context.Background(), testRequest("polygon"), 2, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestQuickVerify(t *testing.T) {
	s := NewVerificationService(time.Second, nil, nil)
	require.NoError(t, s.AddClient(&stubClient{network: types.NetworkBase}))

	res := s.QuickVerify(testRequest("base"))
	assert.True(t, res.IsValid)
	assert.Equal(t, "1000", res.Amount)

	res = s.QuickVerify(testRequest("polygon"))
	assert.False(t, res.IsValid)
}
