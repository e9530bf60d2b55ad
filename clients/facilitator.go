package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	x402types "github.com/vitwit/x402-onramp/types"
)

const (
	// DefaultFacilitatorURL is the public x402 facilitator.
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"
)

// AuthHeaderFunc returns request headers per facilitator endpoint
// ("verify", "settle", "supported").
type AuthHeaderFunc func() (map[string]map[string]string, error)

var _ Client = (*FacilitatorClient)(nil)

// FacilitatorClient talks to a remote facilitator over HTTP.
type FacilitatorClient struct {
	url         string
	network     x402types.Network
	httpClient  *http.Client
	authHeaders AuthHeaderFunc
}

type FacilitatorOption func(*FacilitatorClient)

func WithHTTPClient(c *http.Client) FacilitatorOption {
	return func(f *FacilitatorClient) { f.httpClient = c }
}

func WithAuthHeaders(fn AuthHeaderFunc) FacilitatorOption {
	return func(f *FacilitatorClient) { f.authHeaders = fn }
}

func NewFacilitatorClient(network x402types.Network, url string, opts ...FacilitatorOption) *FacilitatorClient {
	if url == "" {
		url = DefaultFacilitatorURL
	}
	f := &FacilitatorClient{
		url:        strings.TrimRight(url, "/"),
		network:    network,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FacilitatorClient) GetNetwork() x402types.Network { return f.network }

func (f *FacilitatorClient) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}

// VerifyPayment posts to /verify in the v1 wire format.
func (f *FacilitatorClient) VerifyPayment(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.VerificationResult, error) {
	var res verifyResponse
	if err := f.post(ctx, "/verify", authHeaderVerify, toWire(payload), &res); err != nil {
		return nil, err
	}
	return res.result(), nil
}

// SettlePayment posts to /settle in the v1 wire format.
func (f *FacilitatorClient) SettlePayment(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.SettlementResult, error) {
	var res settleResponse
	if err := f.post(ctx, "/settle", authHeaderSettle, toWire(payload), &res); err != nil {
		return nil, err
	}
	return res.result(f.network), nil
}

// Supported lists the payment kinds the facilitator accepts.
func (f *FacilitatorClient) Supported(ctx context.Context) (*x402types.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	var res x402types.SupportedResponse
	if err := f.do(req, authHeaderSupported, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (f *FacilitatorClient) post(ctx context.Context, path, authKey string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	return f.do(req, authKey, out)
}

func (f *FacilitatorClient) do(req *http.Request, authKey string, out interface{}) error {
	if err := f.addAuthHeader(req, authKey); err != nil {
		return fmt.Errorf("failed to apply %s auth headers: %w", authKey, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", authKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("facilitator %s failed: %s: %s", authKey, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", authKey, err)
	}
	return nil
}

func (f *FacilitatorClient) addAuthHeader(req *http.Request, key string) error {
	if f.authHeaders == nil {
		return nil
	}

	headers, err := f.authHeaders()
	if err != nil {
		return err
	}

	for headerKey, value := range headers[key] {
		req.Header.Set(headerKey, value)
	}
	return nil
}
