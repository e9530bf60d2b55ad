package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-onramp/clients"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
)

const testPayTo = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

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
					To:          testPayTo,
					Value:       "1000",
					ValidAfter:  "0",
					ValidBefore: "1999999999",
					Nonce:       "0x" + strings.Repeat("cd", 32),
				},
			},
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            "exact",
			Network:           network,
			MaxAmountRequired: "1000",
			Recipient:         testPayTo,
			MaxTimeoutSeconds: 60,
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		},
	}
}

// facilitatorServer fakes a remote facilitator and counts settle calls.
func facilitatorServer(t *testing.T, settles *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			_ = json.NewEncoder(w).Encode(types.VerificationResult{IsValid: true, Payer: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"})
		case "/settle":
			settles.Add(1)
			_ = json.NewEncoder(w).Encode(types.SettlementResult{Success: true, TxHash: "0xfeed"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewFromConfig_RemoteFacilitator(t *testing.T) {
	var settles atomic.Int32
	srv := facilitatorServer(t, &settles)

	x, err := NewFromConfig(&types.X402Config{
		Clients: []types.ClientConfig{{Network: types.NetworkBase, FacilitatorURL: srv.URL}},
	})
	require.NoError(t, err)
	defer x.Close()

	assert.True(t, x.IsNetworkSupported(types.NetworkBase))
	assert.False(t, x.IsNetworkSupported(types.NetworkPolygon))

	res, err := x.Verify(context.Background(), testRequest("base"))
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	receipt, err := x.Settle(context.Background(), testRequest("base"))
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "base", receipt.NetworkId)

	// same proof again is served from the receipt store
	again, err := x.Settle(context.Background(), testRequest("base"))
	require.NoError(t, err)
	assert.Equal(t, receipt.TxHash, again.TxHash)
	assert.True(t, again.Replayed)
	assert.EqualValues(t, 1, settles.Load())
}

func TestAddNetwork_RejectsUnknownNetwork(t *testing.T) {
	x := NewWithDefaults()
	defer x.Close()

	err := x.AddNetwork(types.ClientConfig{Network: "solana-devnet"})
	require.Error(t, err)
	var xerr *types.X402Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, types.ErrUnsupportedNetwork, xerr.Code)
}

func TestSupported_ListsConfiguredKinds(t *testing.T) {
	x := NewWithDefaults()
	defer x.Close()

	require.NoError(t, x.AddClient(clients.NewFacilitatorClient(types.NetworkBaseSepolia, "http://127.0.0.1:1")))
	require.NoError(t, x.AddClient(clients.NewFacilitatorClient(types.NetworkBase, "http://127.0.0.1:1")))

	sup, err := x.Supported()
	require.NoError(t, err)
	require.Len(t, sup.Kinds, 2)
	assert.Equal(t, "base", sup.Kinds[0].Network)
	assert.Equal(t, "base-sepolia", sup.Kinds[1].Network)
	assert.Equal(t, "exact", sup.Kinds[0].Scheme)

	// a second instance starts empty
	other := NewWithDefaults()
	defer other.Close()
	sup, err = other.Supported()
	require.NoError(t, err)
	assert.Empty(t, sup.Kinds)
}

func TestBatch_EmptyInput(t *testing.T) {
	x := NewWithDefaults()
	defer x.Close()

	_, err := x.BatchVerify(context.Background(), nil)
	assert.Error(t, err)
	_, err = x.BatchSettle(context.Background(), nil)
	assert.Error(t, err)
}

func TestMiddleware_EndToEnd(t *testing.T) {
	var settles atomic.Int32
	srv := facilitatorServer(t, &settles)

	x := NewWithDefaults()
	defer x.Close()
	require.NoError(t, x.AddNetwork(types.ClientConfig{Network: types.NetworkBase, FacilitatorURL: srv.URL}))

	resp, err := x.Middleware([]types.RouteConfig{{
		Path:    "/premium",
		Price:   "$0.001",
		Network: types.NetworkBase,
	}}, testPayTo)
	require.NoError(t, err)

	h := resp.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	// first request is challenged
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	challenge, err := utils.ParseChallengeResponse(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "1000", challenge.Accepts[0].MaxAmountRequired)

	header, err := utils.EncodePaymentHeader(&testRequest("base").PaymentPayload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(types.HeaderPayment, header)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(types.HeaderPaymentResponse))
	assert.EqualValues(t, 1, settles.Load())

	// the remote facilitator still accepts the proof, the receipt store does not
	req = httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(types.HeaderPayment, header)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	challenge, err = utils.ParseChallengeResponse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, types.ErrCodeReplayed, challenge.Reason)
	assert.NotContains(t, rec.Body.String(), `"ok"`)
	assert.EqualValues(t, 1, settles.Load())
}

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, Version, v["library_version"])
	assert.Contains(t, v["supported_networks"], "base")
}
