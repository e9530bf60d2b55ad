package clients

import (
	x402types "github.com/vitwit/x402-onramp/types"
)

// Wire shapes of the x402 v1 facilitator API. Requirements carry the
// recipient as payTo, settle responses name the tx hash transaction and
// the failure errorReason.

type facilitatorRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402types.PaymentPayload `json:"paymentPayload"`
	PaymentRequirements wireRequirements         `json:"paymentRequirements"`
}

type wireRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

func toWire(req *x402types.VerifyRequest) facilitatorRequest {
	r := req.PaymentRequirements
	version := req.X402Version
	if version == 0 {
		version = int(x402types.X402Version1)
	}
	return facilitatorRequest{
		X402Version:    version,
		PaymentPayload: req.PaymentPayload,
		PaymentRequirements: wireRequirements{
			Scheme:            r.Scheme,
			Network:           r.Network,
			MaxAmountRequired: r.MaxAmountRequired,
			Resource:          r.Resource,
			Description:       r.Description,
			MimeType:          r.MimeType,
			PayTo:             r.Recipient,
			MaxTimeoutSeconds: r.MaxTimeoutSeconds,
			Asset:             r.Asset,
			OutputSchema:      r.OutputSchema,
			Extra:             r.Extra,
		},
	}
}

func (v verifyResponse) result() *x402types.VerificationResult {
	res := &x402types.VerificationResult{
		IsValid:       v.IsValid,
		InvalidReason: v.InvalidReason,
		Payer:         v.Payer,
	}
	if !res.IsValid && res.InvalidReason == "" {
		res.InvalidReason = x402types.ErrCodeOther
	}
	return res
}

func (s settleResponse) result(network x402types.Network) *x402types.SettlementResult {
	res := &x402types.SettlementResult{
		Success:   s.Success,
		TxHash:    s.Transaction,
		NetworkId: s.Network,
		Payer:     s.Payer,
		Error:     s.ErrorReason,
	}
	if res.NetworkId == "" {
		res.NetworkId = string(network)
	}
	return res
}
