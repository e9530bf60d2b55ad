package funding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/vitwit/x402-onramp/fetch"
	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/metrics"
	"github.com/vitwit/x402-onramp/onramp"
	"github.com/vitwit/x402-onramp/types"
)

// ShouldFund reports whether a paying fetch failed in a way that buying
// funds can fix: the wallet was short, the signer declined, or the server
// rejected the payment that was sent for a reason other than a bad proof.
func ShouldFund(res *fetch.Result, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var ferr *fetch.Error
		if !errors.As(err, &ferr) {
			return false
		}
		return ferr.Code == fetch.CodeInsufficientFunds || ferr.Code == fetch.CodeSignerRefused
	}
	return res != nil && res.Rejected() && !types.IsProofInvalid(res.Reason)
}

// TokenProvider returns an onramp session token for a wallet.
// *onramp.CDPIssuer and HTTPTokenProvider satisfy it.
type TokenProvider interface {
	SessionToken(ctx context.Context, address string) (string, error)
}

// Navigator sends the user to a URL, e.g. by opening a browser.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error { return f(ctx, target) }

// Controller drives funding sessions.
type Controller struct {
	Tokens TokenProvider
	Onramp onramp.Config
	// AppBaseURL is where the onramp returns to.
	AppBaseURL string
	Navigator  Navigator
	Logger     logger.Logger
	Metrics    metrics.Recorder

	mu      sync.Mutex
	retried map[string]bool
}

func (c *Controller) log() logger.Logger { return logger.OrNoop(c.Logger) }

// Begin opens a session for a payment the wallet could not make.
func (c *Controller) Begin(req types.PaymentRequirements, payer string) (Session, error) {
	s, err := Start(req, payer)
	if err != nil {
		return Session{}, err
	}
	c.log().Info("funding session started", map[string]any{
		"session":  s.ID,
		"payer":    s.TargetAddress,
		"required": s.RequiredAmount.String(),
	})
	return s, nil
}

// Redirect fetches a session token, builds the onramp link for the
// required amount and navigates to it.
func (c *Controller) Redirect(ctx context.Context, s Session) (Session, error) {
	if s.Status != StatusAwaitingFunds {
		return s, fmt.Errorf("%w: redirect from %s", ErrInvalidTransition, s.Status)
	}
	if c.Tokens == nil || c.Navigator == nil {
		return s, errors.New("funding: controller needs a token provider and a navigator")
	}

	token, err := c.Tokens.SessionToken(ctx, s.TargetAddress)
	if err != nil {
		return s, fmt.Errorf("funding: session token: %w", err)
	}
	returnURL, err := onramp.ReturnURL(c.AppBaseURL)
	if err != nil {
		return s, err
	}
	link, err := onramp.BuildURL(c.Onramp, token, s.RequiredAmount, returnURL)
	if err != nil {
		return s, err
	}

	next, err := s.Redirect(token, link, returnURL)
	if err != nil {
		return s, err
	}
	if err := c.Navigator.Navigate(ctx, link); err != nil {
		return s, fmt.Errorf("funding: navigate: %w", err)
	}

	metrics.OrNoop(c.Metrics).IncCounter(metrics.EventFundingStarted, map[string]string{"network": string(s.Network)})
	c.log().Info("redirected to onramp", map[string]any{"session": s.ID, "amount": onramp.FiatAmount(s.RequiredAmount)})
	return next, nil
}

// HandleReturn consumes the return marker on current. It returns the
// resumed session, the URL to show without the marker, and whether the
// marker was consumed. Without a marker, or for a session that is not
// redirected, the session is returned unchanged.
func (c *Controller) HandleReturn(s Session, current *url.URL) (Session, *url.URL, bool) {
	clean, found := onramp.StripMarker(current)
	if !found {
		return s, clean, false
	}
	next, err := s.Resume()
	if err != nil {
		return s, clean, false
	}
	c.log().Info("returned from onramp", map[string]any{"session": s.ID})
	return next, clean, true
}

// Resume retries the original request once for a resumed session.
func (c *Controller) Resume(ctx context.Context, s Session, retry func(ctx context.Context) error) error {
	if s.Status != StatusResumed {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, s.Status)
	}

	c.mu.Lock()
	if c.retried == nil {
		c.retried = make(map[string]bool)
	}
	if c.retried[s.ID] {
		c.mu.Unlock()
		return fmt.Errorf("%w: session %s already retried", ErrInvalidTransition, s.ID)
	}
	c.retried[s.ID] = true
	c.mu.Unlock()

	return retry(ctx)
}

// Cancel abandons the session. The original request is not retried.
func (c *Controller) Cancel(s Session) (Session, error) {
	next, err := s.Cancel()
	if err == nil {
		c.log().Info("funding session cancelled", map[string]any{"session": s.ID})
	}
	return next, err
}

// HTTPTokenProvider asks a session-token endpoint (see
// onramp.TokenHandler) for a token.
type HTTPTokenProvider struct {
	URL    string
	Client *http.Client
}

func (p HTTPTokenProvider) SessionToken(ctx context.Context, address string) (string, error) {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var out struct {
		Token   string `json:"token"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("session token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session token: %d %s %s", resp.StatusCode, out.Error, out.Details)
	}
	if out.Token == "" {
		return "", errors.New("session token response carries no token")
	}
	return out.Token, nil
}
