package clients

import (
	"fmt"
	"net/url"
	"os"

	"github.com/coinbase/cdp-sdk/go/auth"
	"github.com/google/uuid"
)

const (
	CDPFacilitatorBaseURL = "https://api.cdp.coinbase.com"
	CDPFacilitatorRoute   = "/platform/v2/x402"
)

// CDPFacilitatorURL is the hosted CDP facilitator endpoint.
var CDPFacilitatorURL = CDPFacilitatorBaseURL + CDPFacilitatorRoute

// CDPAuthHeaders signs a fresh CDP JWT per facilitator endpoint. Empty
// credentials fall back to CDP_API_KEY_ID and CDP_API_KEY_SECRET.
func CDPAuthHeaders(apiKeyID, apiKeySecret string) AuthHeaderFunc {
	return func() (map[string]map[string]string, error) {
		id := apiKeyID
		secret := apiKeySecret
		if id == "" {
			id = os.Getenv("CDP_API_KEY_ID")
		}
		if secret == "" {
			secret = os.Getenv("CDP_API_KEY_SECRET")
		}
		if id == "" || secret == "" {
			return nil, fmt.Errorf("missing credentials: CDP_API_KEY_ID and CDP_API_KEY_SECRET must be set")
		}

		base, err := url.Parse(CDPFacilitatorBaseURL)
		if err != nil {
			return nil, err
		}

		endpoints := map[string]string{
			authHeaderVerify:    "POST",
			authHeaderSettle:    "POST",
			authHeaderSupported: "GET",
		}

		correlation := CorrelationHeader()
		headers := make(map[string]map[string]string, len(endpoints))
		for name, method := range endpoints {
			jwt, err := auth.GenerateJWT(auth.JwtOptions{
				KeyID:         id,
				KeySecret:     secret,
				RequestMethod: method,
				RequestHost:   base.Host,
				RequestPath:   CDPFacilitatorRoute + "/" + name,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create %s auth header: %w", name, err)
			}
			headers[name] = map[string]string{
				"Authorization":       "Bearer " + jwt,
				"Correlation-Context": correlation,
			}
		}
		return headers, nil
	}
}

// CorrelationHeader identifies the caller to CDP.
func CorrelationHeader() string {
	return "sdk_language=go,source=x402-onramp,request_id=" + uuid.NewString()
}
