package utils

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-onramp/types"
)

func testPayload() *types.PaymentPayload {
	return &types.PaymentPayload{
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
				Nonce:       "0x" + strings.Repeat("ab", 32),
			},
		},
	}
}

func TestPaymentHeader_RoundTrip(t *testing.T) {
	p := testPayload()

	header, err := EncodePaymentHeader(p)
	require.NoError(t, err)

	decoded, err := DecodePaymentHeader(header)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
	assert.Equal(t, p.Payer(), decoded.Payer())
}

func TestDecodePaymentHeader_Empty(t *testing.T) {
	_, err := DecodePaymentHeader("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNoProofOffered))
}

func TestDecodePaymentHeader_Malformed(t *testing.T) {
	cases := map[string]string{
		"not base64":     "%%%not-base64%%%",
		"not json":       base64.StdEncoding.EncodeToString([]byte("hello")),
		"missing fields": base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1}`)),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePaymentHeader(header)
			require.Error(t, err)

			var xerr *types.X402Error
			require.True(t, errors.As(err, &xerr))
			assert.Equal(t, types.ErrInvalidPayload, xerr.Code)
		})
	}
}

func TestSettlementHeader_RoundTrip(t *testing.T) {
	s := &types.SettlementResult{Success: true, TxHash: "0xabc", NetworkId: "base", Payer: "0xf39F"}

	header, err := EncodeSettlementHeader(s)
	require.NoError(t, err)

	decoded, err := DecodeSettlementHeader(header)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestParseChallengeResponse(t *testing.T) {
	body := []byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"1000","recipient":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","maxTimeoutSeconds":60,"asset":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"}],"reason":"no_proof_offered"}`)

	c, err := ParseChallengeResponse(body)
	require.NoError(t, err)
	require.Len(t, c.Accepts, 1)
	assert.Equal(t, "base", c.Accepts[0].Network)
	assert.Equal(t, types.ErrCodeNoProofOffered, c.Reason)

	_, err = ParseChallengeResponse([]byte(`{"x402Version":1,"accepts":[]}`))
	assert.Error(t, err)

	_, err = ParseChallengeResponse([]byte(`<html>`))
	assert.Error(t, err)
}

func TestParsePaymentRequirements_Validation(t *testing.T) {
	_, err := ParsePaymentRequirements([]byte(`{"scheme":"upto","network":"base"}`))
	require.Error(t, err)

	var xerr *types.X402Error
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, types.ErrInvalidRequirements, xerr.Code)
}

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]byte(`[{"path":"/api/premium-content","price":"$0.001","network":"base","description":"premium"}]`))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, types.NetworkBase, routes[0].Network)

	_, err = ParseRoutes([]byte(`[{"path":"no-slash","price":"$0.001","network":"base"}]`))
	assert.Error(t, err)
}

func TestParseX402Config(t *testing.T) {
	cfg, err := ParseX402Config([]byte(`{"logLevel":"debug","payTo":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","clients":[{"network":"base","facilitatorUrl":"https://x402.org/facilitator"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Clients, 1)

	_, err = ParseX402Config([]byte(`{"logLevel":"verbose"}`))
	assert.Error(t, err)
}

func TestLoadX402Config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x402.json")
	content := `{
		"payTo": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"routes": [{"path": "/api/premium-content", "price": "$0.001", "network": "base"}],
		"clients": [{"network": "base", "facilitatorUrl": "https://x402.org/facilitator"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadX402Config(path)
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "$0.001", cfg.Routes[0].Price)
	assert.Equal(t, types.NetworkBase, cfg.Clients[0].Network)

	_, err = LoadX402Config(filepath.Join(t.TempDir(), "missing.json"))
	var xerr *types.X402Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, types.ErrConfigError, xerr.Code)
}
