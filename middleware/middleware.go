// Package middleware guards HTTP resources behind x402 payment challenges.
//
// A request to a guarded path without a valid X-PAYMENT proof receives a
// 402 listing the accepted payment requirements. A valid proof is verified
// and, once the protected handler succeeds, settled through the configured
// facilitator. The receipt is returned in X-PAYMENT-RESPONSE.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/metrics"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
)

const defaultFacilitatorTimeout = 10 * time.Second

// Facilitator verifies and settles payment proofs. *x402.X402 satisfies it.
type Facilitator interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
	Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettlementResult, error)
}

type Config struct {
	Routes []types.RouteConfig
	// PayTo is the address that receives payments.
	PayTo       string
	Facilitator Facilitator
	// Timeout bounds each facilitator call. Defaults to 10s.
	Timeout time.Duration
	// ResourceBaseURL prefixes route paths in the advertised resource field.
	ResourceBaseURL string
	// ValidateResponses checks JSON responses against the route schema
	// before settling. A mismatching response is not charged.
	ValidateResponses bool
	Logger            logger.Logger
	Metrics           metrics.Recorder
}

// Responder issues payment challenges and gates guarded routes.
type Responder struct {
	routes      []*route
	facilitator Facilitator
	timeout     time.Duration
	validate    bool
	log         logger.Logger
	metrics     metrics.Recorder
}

// New validates cfg and precomputes every route requirement.
func New(cfg Config) (*Responder, error) {
	if cfg.Facilitator == nil {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: "facilitator is required"}
	}
	if err := utils.ValidateAddress(cfg.PayTo); err != nil {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("payTo: %v", err)}
	}
	if len(cfg.Routes) == 0 {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: "at least one route is required"}
	}

	r := &Responder{
		facilitator: cfg.Facilitator,
		timeout:     cfg.Timeout,
		validate:    cfg.ValidateResponses,
		log:         logger.OrNoop(cfg.Logger),
		metrics:     metrics.OrNoop(cfg.Metrics),
	}
	if r.timeout <= 0 {
		r.timeout = defaultFacilitatorTimeout
	}

	for _, rc := range cfg.Routes {
		rt, err := compileRoute(rc, cfg.PayTo, cfg.ResourceBaseURL)
		if err != nil {
			return nil, err
		}
		r.routes = append(r.routes, rt)
	}
	return r, nil
}

// Requirements returns the requirements advertised for path, or nil when
// the path is not guarded.
func (r *Responder) Requirements(path string) []types.PaymentRequirements {
	var out []types.PaymentRequirements
	for _, rt := range r.routes {
		if rt.matches(path) {
			out = append(out, rt.requirement)
		}
	}
	return out
}

func (r *Responder) match(path string) []*route {
	var out []*route
	for _, rt := range r.routes {
		if rt.matches(path) {
			out = append(out, rt)
		}
	}
	return out
}

// Handler wraps next. Unguarded paths pass straight through.
func (r *Responder) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		routes := r.match(req.URL.Path)
		if len(routes) == 0 {
			next.ServeHTTP(w, req)
			return
		}
		accepts := make([]types.PaymentRequirements, len(routes))
		for i, rt := range routes {
			accepts[i] = rt.requirement
		}

		payload, err := utils.DecodePaymentHeader(req.Header.Get(types.HeaderPayment))
		if err != nil {
			msg := "X-PAYMENT header is required"
			if !errors.Is(err, types.ErrNoProofOffered) {
				msg = "malformed X-PAYMENT header"
				r.log.Debug("malformed payment header", map[string]any{"path": req.URL.Path, "error": err})
			}
			r.challenge(w, accepts, msg, types.ErrCodeNoProofOffered)
			return
		}

		// the proof must target one of the advertised requirements
		var matched *route
		for _, rt := range routes {
			if rt.requirement.Network == payload.Network && rt.requirement.Scheme == payload.Scheme {
				matched = rt
				break
			}
		}
		if matched == nil {
			r.challenge(w, accepts, fmt.Sprintf("no accepted requirement for network %q", payload.Network), types.ErrCodeNetworkMismatch)
			return
		}

		vreq := &types.VerifyRequest{
			X402Version:         int(types.X402Version1),
			PaymentPayload:      *payload,
			PaymentRequirements: matched.requirement,
		}

		verifyCtx, cancel := context.WithTimeout(req.Context(), r.timeout)
		result, err := r.facilitator.Verify(verifyCtx, vreq)
		cancel()
		if err != nil {
			r.log.Error("payment verification unavailable", map[string]any{"path": req.URL.Path, "error": err})
			r.unavailable(w, matched.requirement.Network)
			return
		}
		if !result.IsValid {
			reason := result.InvalidReason
			if reason == "" {
				reason = types.ErrCodeOther
			}
			r.challenge(w, accepts, "payment verification failed", reason)
			return
		}

		buf := newBufferedWriter()
		next.ServeHTTP(buf, req.WithContext(withPayment(req.Context(), result)))

		if buf.statusCode() >= http.StatusBadRequest {
			// the resource was not delivered, nothing to charge
			buf.flushTo(w)
			return
		}

		if r.validate && matched.schema != nil {
			if err := matched.validateBody(buf.body.Bytes()); err != nil {
				r.log.Error("response does not match advertised schema", map[string]any{"path": req.URL.Path, "error": err})
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "response does not match advertised schema"})
				return
			}
		}

		settleCtx, cancel := context.WithTimeout(req.Context(), r.timeout)
		settlement, err := r.facilitator.Settle(settleCtx, vreq)
		cancel()
		if err != nil {
			r.log.Error("payment settlement unavailable", map[string]any{"path": req.URL.Path, "error": err})
			r.unavailable(w, matched.requirement.Network)
			return
		}
		if !settlement.Success {
			r.log.Warn("payment settlement failed", map[string]any{
				"path":   req.URL.Path,
				"payer":  payload.Payer(),
				"reason": settlement.Error,
			})
			r.challenge(w, accepts, "payment settlement failed", types.ErrCodeSettlementFailed)
			return
		}
		if settlement.Replayed {
			r.log.Warn("payment already settled", map[string]any{
				"path":  req.URL.Path,
				"payer": payload.Payer(),
				"tx":    settlement.TxHash,
			})
			r.challenge(w, accepts, "payment already settled", types.ErrCodeReplayed)
			return
		}

		header, err := utils.EncodeSettlementHeader(settlement)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		buf.Header().Set(types.HeaderPaymentResponse, header)
		buf.flushTo(w)
	})
}

func (r *Responder) challenge(w http.ResponseWriter, accepts []types.PaymentRequirements, msg, reason string) {
	labels := map[string]string{"reason": reason}
	if len(accepts) > 0 {
		labels["network"] = accepts[0].Network
	}
	r.metrics.IncCounter(metrics.EventChallengeIssued, labels)

	writeJSON(w, http.StatusPaymentRequired, types.ChallengeResponse{
		X402Version: int(types.X402Version1),
		Accepts:     accepts,
		Error:       msg,
		Reason:      reason,
	})
}

func (r *Responder) unavailable(w http.ResponseWriter, network string) {
	r.metrics.IncCounter(metrics.EventFacilitatorError, map[string]string{"network": network})
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error": "payment facilitator unavailable",
		"code":  types.ErrCodeFacilitatorUnavailable,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
