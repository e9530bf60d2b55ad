package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-onramp/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

// EncodePaymentHeader turns a payment proof into the X-PAYMENT header value
// (base64 of the JSON payload).
func EncodePaymentHeader(p *types.PaymentPayload) (string, error) {
	if p == nil {
		return "", &types.X402Error{Code: types.ErrInvalidPayload, Message: "payment payload is nil"}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader parses and validates an X-PAYMENT header value.
func DecodePaymentHeader(header string) (*types.PaymentPayload, error) {
	if header == "" {
		return nil, types.ErrNoProofOffered
	}

	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("invalid base64 payment header: %v", err),
		}
	}

	var p types.PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("invalid payment header json: %v", err),
		}
	}

	if err := validate.Struct(&p); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &p, nil
}

// EncodeSettlementHeader turns a settlement receipt into the X-PAYMENT-RESPONSE header value.
func EncodeSettlementHeader(s *types.SettlementResult) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement result: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlementHeader(header string) (*types.SettlementResult, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 settlement header: %w", err)
	}
	var s types.SettlementResult
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid settlement header json: %w", err)
	}
	return &s, nil
}

// ParseChallengeResponse parses the body of a 402 response.
func ParseChallengeResponse(data []byte) (*types.ChallengeResponse, error) {
	var c types.ChallengeResponse
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("failed to parse payment challenge: %v", err),
		}
	}
	if len(c.Accepts) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: "payment challenge lists no accepted requirements",
		}
	}
	return &c, nil
}

// ParsePaymentRequirements parses and validates PaymentRequirements from JSON
func ParsePaymentRequirements(data []byte) (*types.PaymentRequirements, error) {
	var req types.PaymentRequirements

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("failed to parse payment requirements: %v", err),
		}
	}

	// Validate using struct tags
	if err := validate.Struct(&req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &req, nil
}

// ParseX402Config parses X402Config from JSON
func ParseX402Config(data []byte) (*types.X402Config, error) {
	var config types.X402Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse x402 config: %v", err),
		}
	}

	if err := validate.Struct(&config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &config, nil
}

// LoadX402Config reads and parses a JSON config file.
func LoadX402Config(path string) (*types.X402Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to read config %s: %v", path, err),
		}
	}
	return ParseX402Config(data)
}

// ParseRoutes parses a JSON array of route configs.
func ParseRoutes(data []byte) ([]types.RouteConfig, error) {
	var routes []types.RouteConfig
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse routes: %v", err),
		}
	}
	for i := range routes {
		if err := validate.Struct(&routes[i]); err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("route %d: validation failed: %v", i, err),
			}
		}
	}
	return routes, nil
}
