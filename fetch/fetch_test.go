package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-onramp/signer"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testRecipient  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func requirement(network string) types.PaymentRequirements {
	info, _ := types.LookupNetwork(types.Network(network))
	return types.PaymentRequirements{
		Scheme:            "exact",
		Network:           network,
		Price:             "$0.001",
		MaxAmountRequired: "1000",
		Resource:          "/premium",
		Recipient:         testRecipient,
		MaxTimeoutSeconds: 60,
		Asset:             info.USDCAddress,
	}
}

func writeChallenge(w http.ResponseWriter, reason string, accepts ...types.PaymentRequirements) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(types.ChallengeResponse{X402Version: 1, Accepts: accepts, Reason: reason})
}

type stubSigner struct {
	network types.Network
	err     error
	calls   atomic.Int32
}

func (s *stubSigner) Network() types.Network { return s.network }

func (s *stubSigner) Sign(_ context.Context, req types.PaymentRequirements) (*types.PaymentPayload, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &types.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: types.ExactEvmPayload{
			Signature: "0x" + strings.Repeat("11", 65),
			Authorization: types.EIP3009Authorization{
				From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
				To:          req.Recipient,
				Value:       req.MaxAmountRequired,
				ValidAfter:  "0",
				ValidBefore: "1999999999",
				Nonce:       "0x" + strings.Repeat("ab", 32),
			},
		},
	}, nil
}

// countingDoer counts the requests that reach the network.
type countingDoer struct {
	n atomic.Int32
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	d.n.Add(1)
	return http.DefaultClient.Do(req)
}

func TestDo_NoChallengePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("free"))
	}))
	defer srv.Close()

	s := &stubSigner{network: types.NetworkBase}
	doer := &countingDoer{}
	res, err := New(doer, s).Do(newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.False(t, res.Attempted)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Zero(t, s.calls.Load())
	assert.EqualValues(t, 1, doer.n.Load())
}

func newRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	require.NoError(t, err)
	return req
}

func TestDo_PaysAndReturnsReceipt(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get(types.HeaderPayment)
		if h == "" {
			writeChallenge(w, types.ErrCodeNoProofOffered, requirement("polygon"), requirement("base"))
			return
		}
		p, err := utils.DecodePaymentHeader(h)
		if err != nil || p.Network != "base" {
			writeChallenge(w, types.ErrCodeInvalidProof, requirement("base"))
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		// receipt as a standard x402 server writes it
		receipt := `{"success":true,"transaction":"0xbeef","network":"base","payer":"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}`
		w.Header().Set(types.HeaderPaymentResponse, base64.StdEncoding.EncodeToString([]byte(receipt)))
		_, _ = w.Write([]byte("paid content"))
	}))
	defer srv.Close()

	s := &stubSigner{network: types.NetworkBase}
	doer := &countingDoer{}
	res, err := New(doer, s).Do(newRequest(t, http.MethodPost, srv.URL, strings.NewReader(`{"q":1}`)))
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.True(t, res.Attempted)
	assert.False(t, res.Rejected())
	assert.Equal(t, "base", res.Requirement.Network)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, "0xbeef", res.Settlement.TxHash)
	assert.Equal(t, "base", res.Settlement.NetworkId)
	assert.Equal(t, `{"q":1}`, gotBody)
	assert.EqualValues(t, 2, doer.n.Load())
	assert.EqualValues(t, 1, s.calls.Load())
}

func TestDo_SecondChallengeIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason := types.ErrCodeNoProofOffered
		if r.Header.Get(types.HeaderPayment) != "" {
			reason = types.ErrCodeInsufficientFunds
		}
		writeChallenge(w, reason, requirement("base"))
	}))
	defer srv.Close()

	doer := &countingDoer{}
	res, err := New(doer, &stubSigner{network: types.NetworkBase}).Do(newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.True(t, res.Rejected())
	assert.Equal(t, types.ErrCodeInsufficientFunds, res.Reason)
	assert.EqualValues(t, 2, doer.n.Load())

	// body is still readable after the reason was extracted
	challenge, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(challenge), "accepts")
}

func TestDo_Errors(t *testing.T) {
	challengeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChallenge(w, types.ErrCodeNoProofOffered, requirement("base"))
	}))
	defer challengeSrv.Close()

	garbageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("pay up"))
	}))
	defer garbageSrv.Close()

	tests := []struct {
		name   string
		url    string
		signer *stubSigner
		code   string
		is     error
	}{
		{"signer refuses", challengeSrv.URL, &stubSigner{network: types.NetworkBase, err: types.ErrSignerRefused}, CodeSignerRefused, types.ErrSignerRefused},
		{"insufficient funds", challengeSrv.URL, &stubSigner{network: types.NetworkBase, err: types.ErrInsufficientFunds}, CodeInsufficientFunds, types.ErrInsufficientFunds},
		{"no matching network", challengeSrv.URL, &stubSigner{network: types.NetworkPolygon}, CodeUnsupportedRequirement, nil},
		{"unparseable challenge", garbageSrv.URL, &stubSigner{network: types.NetworkBase}, CodeInvalidChallenge, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &countingDoer{}
			_, err := New(doer, tt.signer).Do(newRequest(t, http.MethodGet, tt.url, nil))
			require.Error(t, err)

			var ferr *Error
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.code, ferr.Code)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.EqualValues(t, 1, doer.n.Load())
		})
	}
}

type failingDoer struct{ err error }

func (d failingDoer) Do(*http.Request) (*http.Response, error) { return nil, d.err }

func TestDo_TransportErrorWrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	_, err := New(failingDoer{err: cause}, &stubSigner{network: types.NetworkBase}).
		Do(newRequest(t, http.MethodGet, "http://example.invalid", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, types.ErrTransport)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, CodeTransport, ferr.Code)
}

func TestDo_PreferredNetworkOrder(t *testing.T) {
	var paidOn atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get(types.HeaderPayment); h != "" {
			p, _ := utils.DecodePaymentHeader(h)
			paidOn.Store(p.Network)
			return
		}
		writeChallenge(w, "", requirement("base"), requirement("base-sepolia"))
	}))
	defer srv.Close()

	s := &stubSigner{network: types.NetworkBase}
	res, err := New(nil, s, WithNetworks(types.NetworkBaseSepolia, types.NetworkBase)).
		Do(newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	res.Response.Body.Close()
	assert.Equal(t, "base-sepolia", paidOn.Load())
}

func TestDo_WithWalletSigner(t *testing.T) {
	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get(types.HeaderPayment)
		if h == "" {
			writeChallenge(w, types.ErrCodeNoProofOffered, requirement("base-sepolia"))
			return
		}
		p, err := utils.DecodePaymentHeader(h)
		verified.Store(err == nil && p.Recipient() == testRecipient && p.Amount() == "1000")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	wallet, err := signer.NewEVMSigner(testPrivateKey, types.NetworkBaseSepolia)
	require.NoError(t, err)

	res, err := New(nil, wallet).Do(newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	res.Response.Body.Close()
	assert.True(t, res.Attempted)
	assert.True(t, verified.Load())
}
