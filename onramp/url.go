// Package onramp builds Coinbase Onramp purchase links and issues the
// session tokens they require.
package onramp

import (
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://pay.coinbase.com/buy/select-asset"

	// ReturnMarker is the query parameter set on the URL the onramp
	// redirects back to after a purchase.
	ReturnMarker = "onramp_success"
)

// Config selects what the onramp offers to buy.
type Config struct {
	BaseURL        string
	DefaultAsset   string
	DefaultNetwork string
	FiatCurrency   string
}

// DefaultConfig buys USDC on Base with USD.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		DefaultAsset:   "USDC",
		DefaultNetwork: "base",
		FiatCurrency:   "USD",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.DefaultAsset == "" {
		c.DefaultAsset = d.DefaultAsset
	}
	if c.DefaultNetwork == "" {
		c.DefaultNetwork = d.DefaultNetwork
	}
	if c.FiatCurrency == "" {
		c.FiatCurrency = d.FiatCurrency
	}
	return c
}

// FiatAmount formats an amount with two decimals, rounding half away
// from zero.
func FiatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// BuildURL returns the onramp purchase link for fiatAmount.
func BuildURL(cfg Config, token string, fiatAmount decimal.Decimal, returnURL string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("onramp: session token is required")
	}
	if !fiatAmount.IsPositive() {
		return "", fmt.Errorf("onramp: fiat amount must be positive, got %s", fiatAmount)
	}
	cfg = cfg.withDefaults()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("onramp: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("sessionToken", token)
	q.Set("defaultAsset", cfg.DefaultAsset)
	q.Set("defaultNetwork", cfg.DefaultNetwork)
	q.Set("presetFiatAmount", FiatAmount(fiatAmount))
	q.Set("fiatCurrency", cfg.FiatCurrency)
	if returnURL != "" {
		q.Set("redirectUrl", returnURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ReturnURL marks base as the post-purchase landing page.
func ReturnURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("onramp: invalid return url: %w", err)
	}
	q := u.Query()
	q.Set(ReturnMarker, "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StripMarker reports whether u carries the return marker and returns a
// copy of u without it. u is not modified.
func StripMarker(u *url.URL) (*url.URL, bool) {
	if u == nil {
		return nil, false
	}
	clean := *u
	q := clean.Query()
	found := q.Get(ReturnMarker) == "true"
	if _, ok := q[ReturnMarker]; ok {
		q.Del(ReturnMarker)
		clean.RawQuery = q.Encode()
	}
	return &clean, found
}
