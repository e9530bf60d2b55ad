package onramp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coinbase/cdp-sdk/go/auth"
	"github.com/vitwit/x402-onramp/logger"
)

// DefaultTokenEndpoint is the CDP onramp session-token API.
const DefaultTokenEndpoint = "https://api.developer.coinbase.com/onramp/v1/token"

var (
	tokenBlockchains = []string{"base", "ethereum"}
	tokenAssets      = []string{"USDC", "ETH"}
)

// SessionToken is the CDP answer to a session-token request.
type SessionToken struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id,omitempty"`
	// Raw is the upstream JSON body.
	Raw json.RawMessage `json:"-"`
}

// Issuer creates onramp session tokens for a wallet address.
type Issuer interface {
	CreateSessionToken(ctx context.Context, address string) (*SessionToken, error)
}

type tokenRequest struct {
	Addresses []tokenAddress `json:"addresses"`
	Assets    []string       `json:"assets"`
}

type tokenAddress struct {
	Address     string   `json:"address"`
	Blockchains []string `json:"blockchains"`
}

// CDPIssuer requests session tokens from CDP, authenticating with a
// per-request JWT.
type CDPIssuer struct {
	keyID      string
	keySecret  string
	endpoint   string
	httpClient *http.Client
	log        logger.Logger
	signJWT    func(auth.JwtOptions) (string, error)
}

type IssuerOption func(*CDPIssuer)

func WithEndpoint(endpoint string) IssuerOption {
	return func(i *CDPIssuer) { i.endpoint = endpoint }
}

func WithHTTPClient(c *http.Client) IssuerOption {
	return func(i *CDPIssuer) { i.httpClient = c }
}

func WithLogger(l logger.Logger) IssuerOption {
	return func(i *CDPIssuer) { i.log = logger.OrNoop(l) }
}

// NewCDPIssuer creates an issuer. Empty credentials fall back to
// CDP_API_KEY_ID and CDP_API_KEY_SECRET.
func NewCDPIssuer(keyID, keySecret string, opts ...IssuerOption) *CDPIssuer {
	if keyID == "" {
		keyID = os.Getenv("CDP_API_KEY_ID")
	}
	if keySecret == "" {
		keySecret = os.Getenv("CDP_API_KEY_SECRET")
	}
	i := &CDPIssuer{
		keyID:      keyID,
		keySecret:  keySecret,
		endpoint:   DefaultTokenEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        logger.NoopLogger{},
		signJWT:    auth.GenerateJWT,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CreateSessionToken implements Issuer.
func (i *CDPIssuer) CreateSessionToken(ctx context.Context, address string) (*SessionToken, error) {
	if i.keyID == "" || i.keySecret == "" {
		return nil, fmt.Errorf("missing credentials: CDP_API_KEY_ID and CDP_API_KEY_SECRET must be set")
	}

	endpoint, err := url.Parse(i.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid token endpoint: %w", err)
	}

	jwt, err := i.signJWT(auth.JwtOptions{
		KeyID:         i.keyID,
		KeySecret:     i.keySecret,
		RequestMethod: http.MethodPost,
		RequestHost:   endpoint.Host,
		RequestPath:   endpoint.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT: %w", err)
	}

	body, err := json.Marshal(tokenRequest{
		Addresses: []tokenAddress{{Address: address, Blockchains: tokenBlockchains}},
		Assets:    tokenAssets,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		i.log.Error("CDP token API error", map[string]any{"status": resp.StatusCode, "body": string(raw)})
		return nil, fmt.Errorf("CDP API error: %d %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	tok := &SessionToken{Raw: raw}
	if err := json.Unmarshal(raw, tok); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("token response carries no token")
	}
	i.log.Debug("session token created", map[string]any{"address": address})
	return tok, nil
}

// SessionToken returns only the token string, for funding controllers.
func (i *CDPIssuer) SessionToken(ctx context.Context, address string) (string, error) {
	tok, err := i.CreateSessionToken(ctx, address)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}
