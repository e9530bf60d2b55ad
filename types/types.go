package types

import (
	"fmt"
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// Network represents supported blockchain networks
type Network string

const (
	// EVM Networks
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkEthereum    Network = "ethereum"
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// HTTP headers used by the protocol.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

type SupportedItem struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use. Only "exact" is supported.
	Scheme string `json:"scheme" validate:"required,oneof=exact"`

	// Network of the blockchain to send payment on (e.g., "base").
	Network string `json:"network" validate:"required"`

	// Human readable price, e.g. "$0.001".
	Price string `json:"price"`

	// Amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,numeric"`

	// Path of the resource to pay for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType,omitempty"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Address to which the payment must be sent.
	Recipient string `json:"recipient" validate:"required"`

	// Maximum lifetime in seconds of a payment authorization for this resource.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Address of the EIP-3009 compliant ERC20 contract.
	Asset string `json:"asset" validate:"required"`

	// Extra information about payment details specific to the scheme.
	// For the `exact` scheme on EVM this carries the EIP-712 domain `name` and `version`.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ChallengeResponse is the body of a 402 response listing the payment options
// the resource server accepts.
type ChallengeResponse struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts.
	Accepts []PaymentRequirements `json:"accepts"`

	// Message from the resource server indicating any processing error.
	Error string `json:"error,omitempty"`

	// Machine readable reason for the challenge (see the ErrCode* constants).
	Reason string `json:"reason,omitempty"`
}

// VerifyRequest represents the payload sent to a facilitator to verify or settle a payment.
type VerifyRequest struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// Decoded payment header from the client.
	PaymentPayload PaymentPayload `json:"paymentPayload"`

	// Payment requirements being verified against.
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// PaymentPayload is the signed payment proof a client attaches to a retried request.
type PaymentPayload struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version" validate:"gt=0"`

	Scheme string `json:"scheme" validate:"required"`

	Network string `json:"network" validate:"required"`

	Payload ExactEvmPayload `json:"payload"`
}

// ExactEvmPayload carries an EIP-3009 transferWithAuthorization and its signature.
type ExactEvmPayload struct {
	Signature     string               `json:"signature" validate:"required"` // 0x + r||s||v
	Authorization EIP3009Authorization `json:"authorization"`
}

type EIP3009Authorization struct {
	From        string `json:"from" validate:"required"`
	To          string `json:"to" validate:"required"`
	Value       string `json:"value" validate:"required,numeric"`       // uint256
	ValidAfter  string `json:"validAfter" validate:"required,numeric"`  // unix seconds
	ValidBefore string `json:"validBefore" validate:"required,numeric"` // unix seconds
	Nonce       string `json:"nonce" validate:"required"`               // bytes32
}

// Payer returns the address that signed the authorization.
func (p *PaymentPayload) Payer() string { return p.Payload.Authorization.From }

// Recipient returns the address the authorization pays.
func (p *PaymentPayload) Recipient() string { return p.Payload.Authorization.To }

// Amount returns the authorized value in atomic units.
func (p *PaymentPayload) Amount() string { return p.Payload.Authorization.Value }

// Nonce returns the single-use authorization nonce.
func (p *PaymentPayload) Nonce() string { return p.Payload.Authorization.Nonce }

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool              `json:"isValid"`
	InvalidReason string            `json:"invalidReason,omitempty"`
	Payer         string            `json:"payer,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	Recipient     string            `json:"recipient,omitempty"`
	Timestamp     *time.Time        `json:"timestamp,omitempty"`
	Settlement    *SettlementResult `json:"settlement,omitempty"`
}

// Invalid builds a failed VerificationResult with the given reason code.
func Invalid(reason string) *VerificationResult {
	return &VerificationResult{IsValid: false, InvalidReason: reason}
}

// SettlementResult contains the result of payment settlement. It is also
// the X-PAYMENT-RESPONSE receipt, so the JSON names follow the x402 v1
// settle response.
type SettlementResult struct {
	Success   bool   `json:"success"`
	TxHash    string `json:"transaction"`
	NetworkId string `json:"network"`
	Payer     string `json:"payer,omitempty"`
	Error     string `json:"errorReason,omitempty"`

	// Replayed marks a receipt returned from an earlier settlement of the
	// same proof. The payment was not made again.
	Replayed bool `json:"-"`
}

// ClientConfig contains configuration for blockchain clients
type ClientConfig struct {
	Network Network `json:"network" validate:"required"`
	// RPCUrl selects a local go-ethereum facilitator for the network.
	RPCUrl string `json:"rpcUrl,omitempty"`
	// FacilitatorURL selects a remote facilitator for the network.
	FacilitatorURL string        `json:"facilitatorUrl,omitempty" validate:"omitempty,url"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	// HexSeed is the facilitator key used to broadcast settlements.
	HexSeed string `json:"hexSeed,omitempty"`
	// CheckBalance enables a balanceOf check during local verification.
	CheckBalance bool `json:"checkBalance,omitempty"`
}

// RouteConfig describes one protected resource.
type RouteConfig struct {
	Path              string                 `json:"path" validate:"required,startswith=/"`
	Price             string                 `json:"price" validate:"required"`
	Network           Network                `json:"network" validate:"required"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`
	ResponseSchema    map[string]interface{} `json:"responseSchema,omitempty"`
}

// X402Config contains global configuration for the x402 library
type X402Config struct {
	DefaultTimeout  time.Duration  `json:"defaultTimeout,omitempty"`
	LogLevel        string         `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics   bool           `json:"enableMetrics,omitempty"`
	PayTo           string         `json:"payTo,omitempty"`
	Routes          []RouteConfig  `json:"routes,omitempty" validate:"dive"`
	Clients         []ClientConfig `json:"clients,omitempty" validate:"dive"`
	CDPAPIKeyID     string         `json:"cdpApiKeyId,omitempty"`
	CDPAPIKeySecret string         `json:"cdpApiKeySecret,omitempty"`
}

// Validate checks that the VerifyRequest contains all required fields.
func (v *VerifyRequest) Validate() error {
	if v.X402Version <= 0 {
		return fmt.Errorf("x402Version must be greater than 0")
	}

	if v.PaymentPayload.Payload.Signature == "" {
		return fmt.Errorf("paymentPayload.payload.signature is required")
	}

	return v.PaymentRequirements.Validate()
}

func (pr *PaymentRequirements) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("paymentRequirements.scheme is required")
	}

	if pr.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}

	if pr.MaxAmountRequired == "" {
		return fmt.Errorf("paymentRequirements.maxAmountRequired is required")
	}

	if pr.Recipient == "" {
		return fmt.Errorf("paymentRequirements.recipient is required")
	}

	if pr.Asset == "" {
		return fmt.Errorf("paymentRequirements.asset is required")
	}

	if pr.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("paymentRequirements.maxTimeoutSeconds must be greater than 0")
	}

	return nil
}

// Helper functions for network classification
func (n Network) IsEVM() bool {
	_, ok := networks[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkPolygonAmoy || n == NetworkBaseSepolia
}

func (n Network) String() string {
	return string(n)
}
