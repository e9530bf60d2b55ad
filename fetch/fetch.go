// Package fetch is an HTTP client that answers x402 payment challenges.
//
// A request is sent as is. When the server answers 402, the client picks a
// requirement it can pay, asks its Signer for a proof and retries exactly
// once with the X-PAYMENT header. A second 402 is returned to the caller,
// never retried.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
)

// maxChallengeBytes bounds how much of a 402 body is read.
const maxChallengeBytes = 1 << 20

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Signer turns a payment requirement into a signed proof. Sign may block
// on user approval and must honour ctx.
type Signer interface {
	Network() types.Network
	Sign(ctx context.Context, req types.PaymentRequirements) (*types.PaymentPayload, error)
}

type Client struct {
	doer     Doer
	signer   Signer
	networks []types.Network
	log      logger.Logger
}

type Option func(*Client)

// WithNetworks sets the networks the client pays on, in preference order.
// Defaults to the signer's network.
func WithNetworks(networks ...types.Network) Option {
	return func(c *Client) { c.networks = networks }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = logger.OrNoop(l) }
}

func New(doer Doer, s Signer, opts ...Option) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	c := &Client{
		doer:   doer,
		signer: s,
		log:    logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.networks) == 0 && s != nil {
		c.networks = []types.Network{s.Network()}
	}
	return c
}

// Result is the outcome of a call.
type Result struct {
	Response *http.Response
	// Attempted is true when a payment proof was sent.
	Attempted bool
	// Requirement is the requirement that was paid, if any.
	Requirement *types.PaymentRequirements
	// Settlement is the decoded X-PAYMENT-RESPONSE receipt, if any.
	Settlement *types.SettlementResult
	// Reason is the challenge reason of a rejected payment.
	Reason string
}

// Rejected reports whether the server refused the payment that was sent.
func (r *Result) Rejected() bool {
	return r.Attempted && r.Response != nil && r.Response.StatusCode == http.StatusPaymentRequired
}

// Do sends req, paying for it if the server asks. At most two requests
// are sent. The caller owns Result.Response.Body.
func (c *Client) Do(req *http.Request) (*Result, error) {
	if err := bufferBody(req); err != nil {
		return nil, &Error{Code: CodeTransport, Err: err}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeTransport, Err: err}
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{Response: resp}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	resp.Body.Close()
	if err != nil {
		return nil, &Error{Code: CodeTransport, Err: err}
	}
	challenge, err := utils.ParseChallengeResponse(body)
	if err != nil {
		return nil, &Error{Code: CodeInvalidChallenge, Err: err}
	}

	requirement, ok := c.selectRequirement(challenge.Accepts)
	if !ok {
		return nil, &Error{
			Code: CodeUnsupportedRequirement,
			Err:  fmt.Errorf("no accepted requirement on networks %v", c.networks),
		}
	}
	if c.signer == nil {
		return nil, &Error{Code: CodeSignerRefused, Requirement: requirement, Err: errors.New("no signer configured")}
	}

	ctx := req.Context()
	payload, err := c.signer.Sign(ctx, *requirement)
	if err != nil {
		return nil, signError(requirement, err)
	}
	header, err := utils.EncodePaymentHeader(payload)
	if err != nil {
		return nil, &Error{Code: CodeSignerRefused, Requirement: requirement, Err: err}
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, &Error{Code: CodeTransport, Requirement: requirement, Err: err}
		}
	}
	retry.Header.Set(types.HeaderPayment, header)

	c.log.Debug("retrying with payment", map[string]any{
		"url":     req.URL.String(),
		"network": requirement.Network,
		"amount":  requirement.MaxAmountRequired,
	})

	resp, err = c.doer.Do(retry)
	if err != nil {
		return nil, &Error{Code: CodeTransport, Requirement: requirement, Err: err}
	}

	res := &Result{Response: resp, Attempted: true, Requirement: requirement}
	if h := resp.Header.Get(types.HeaderPaymentResponse); h != "" {
		if res.Settlement, err = utils.DecodeSettlementHeader(h); err != nil {
			c.log.Warn("unreadable payment receipt", map[string]any{"error": err})
		}
	}
	if res.Rejected() {
		res.Reason = rejectionReason(resp)
		c.log.Info("payment rejected", map[string]any{"url": req.URL.String(), "reason": res.Reason})
	}
	return res, nil
}

// selectRequirement picks the first exact requirement, in server order,
// on the most preferred network.
func (c *Client) selectRequirement(accepts []types.PaymentRequirements) (*types.PaymentRequirements, bool) {
	for _, n := range c.networks {
		for i := range accepts {
			r := accepts[i]
			if r.Scheme == string(types.SchemeExact) && types.Network(r.Network) == n {
				return &r, true
			}
		}
	}
	return nil, false
}

// bufferBody makes the request body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// rejectionReason reads the reason of a second 402 and restores the body
// for the caller.
func rejectionReason(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	challenge, err := utils.ParseChallengeResponse(body)
	if err != nil {
		return ""
	}
	return challenge.Reason
}
