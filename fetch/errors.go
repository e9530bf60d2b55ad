package fetch

import (
	"errors"
	"fmt"

	"github.com/vitwit/x402-onramp/types"
)

// Error codes.
const (
	CodeSignerRefused          = types.ErrCodeSignerRefused
	CodeInsufficientFunds      = types.ErrCodeInsufficientFunds
	CodeUnsupportedRequirement = "unsupported_requirement"
	CodeInvalidChallenge       = "invalid_challenge"
	CodeTransport              = types.ErrCodeTransport
)

// Error is returned by Client.Do when no paid response could be obtained.
type Error struct {
	Code string
	// Requirement is the requirement being paid when the failure happened.
	Requirement *types.PaymentRequirements
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "x402 fetch: " + e.Code
	}
	return fmt.Sprintf("x402 fetch: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the types sentinels by code, so errors.Is(err,
// types.ErrTransport) holds for transport failures.
func (e *Error) Is(target error) bool {
	var x *types.X402Error
	if errors.As(target, &x) {
		return x.Code == e.Code
	}
	return false
}

func signError(req *types.PaymentRequirements, err error) *Error {
	code := CodeSignerRefused
	switch {
	case errors.Is(err, types.ErrInsufficientFunds):
		code = CodeInsufficientFunds
	case errors.Is(err, types.ErrNetworkMismatch), errors.Is(err, types.ErrProofInvalid):
		code = CodeUnsupportedRequirement
	}
	return &Error{Code: code, Requirement: req, Err: err}
}
