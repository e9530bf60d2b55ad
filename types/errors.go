package types

// Error types
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Is reports whether target is an X402Error carrying the same code, so that
// errors.Is(err, ErrInsufficientFunds) matches any insufficient-funds error.
func (e X402Error) Is(target error) bool {
	switch t := target.(type) {
	case *X402Error:
		return t.Code == e.Code
	case X402Error:
		return t.Code == e.Code
	}
	return false
}

// Common error codes
const (
	ErrInvalidPayload      = "INVALID_PAYLOAD"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrConfigError         = "CONFIG_ERROR"
	ErrSettlementFailed    = "SETTLEMENT_FAILED"
)

// Protocol failure codes. They are used both as X402Error codes and as the
// reason strings carried by 402 bodies and VerificationResult.InvalidReason.
const (
	ErrCodeNoProofOffered         = "no_proof_offered"
	ErrCodeInvalidProof           = "invalid_proof"
	ErrCodeInvalidSignature       = "invalid_signature"
	ErrCodeInsufficientFunds      = "insufficient_funds"
	ErrCodeNetworkMismatch        = "network_mismatch"
	ErrCodeExpired                = "expired"
	ErrCodeAmountMismatch         = "amount_mismatch"
	ErrCodeRecipientMismatch      = "recipient_mismatch"
	ErrCodeReplayed               = "replayed"
	ErrCodeSettlementFailed       = "settlement_failed"
	ErrCodeFacilitatorUnavailable = "facilitator_unavailable"
	ErrCodeSignerRefused          = "signer_refused"
	ErrCodeTransport              = "transport_error"
	ErrCodeOther                  = "other"
)

var (
	ErrNoProofOffered         = &X402Error{Code: ErrCodeNoProofOffered, Message: "x402: no payment proof offered"}
	ErrProofInvalid           = &X402Error{Code: ErrCodeInvalidProof, Message: "x402: payment proof invalid"}
	ErrInsufficientFunds      = &X402Error{Code: ErrCodeInsufficientFunds, Message: "x402: insufficient funds"}
	ErrNetworkMismatch        = &X402Error{Code: ErrCodeNetworkMismatch, Message: "x402: network mismatch"}
	ErrFacilitatorUnavailable = &X402Error{Code: ErrCodeFacilitatorUnavailable, Message: "x402: facilitator unavailable"}
	ErrSignerRefused          = &X402Error{Code: ErrCodeSignerRefused, Message: "x402: signer refused"}
	ErrTransport              = &X402Error{Code: ErrCodeTransport, Message: "x402: transport error"}
)

// IsProofInvalid reports whether a verification reason means the proof
// itself was bad (signature, expiry, replay) rather than a funding problem.
func IsProofInvalid(reason string) bool {
	switch reason {
	case ErrCodeInvalidProof, ErrCodeInvalidSignature, ErrCodeExpired, ErrCodeReplayed:
		return true
	}
	return false
}
