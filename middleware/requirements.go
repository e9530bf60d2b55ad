package middleware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultMaxTimeoutSeconds = 60
	defaultMimeType          = "application/json"
)

// route is a guarded path with its precomputed requirement.
type route struct {
	cfg         types.RouteConfig
	prefix      bool
	requirement types.PaymentRequirements
	schema      *gojsonschema.Schema
}

func (rt *route) matches(path string) bool {
	if rt.prefix {
		return strings.HasPrefix(path, strings.TrimSuffix(rt.cfg.Path, "*"))
	}
	return path == rt.cfg.Path
}

// BuildRequirement converts a route into the requirement advertised in
// challenges. The USD price is converted to atomic USDC units of the
// route's network.
func BuildRequirement(rc types.RouteConfig, payTo, resourceBaseURL string) (types.PaymentRequirements, error) {
	info, err := types.LookupNetwork(rc.Network)
	if err != nil {
		return types.PaymentRequirements{}, err
	}

	price, err := utils.ParsePrice(rc.Price)
	if err != nil {
		return types.PaymentRequirements{}, &types.X402Error{Code: types.ErrConfigError, Message: err.Error()}
	}
	atomic, err := utils.ToAtomicUnits(price, info.Decimals)
	if err != nil {
		return types.PaymentRequirements{}, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("route %s: %v", rc.Path, err),
		}
	}

	maxTimeout := rc.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = defaultMaxTimeoutSeconds
	}
	mimeType := rc.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	return types.PaymentRequirements{
		Scheme:            string(types.SchemeExact),
		Network:           string(rc.Network),
		Price:             utils.FormatPrice(price),
		MaxAmountRequired: atomic.String(),
		Resource:          strings.TrimRight(resourceBaseURL, "/") + strings.TrimSuffix(rc.Path, "*"),
		Description:       rc.Description,
		MimeType:          mimeType,
		OutputSchema:      rc.ResponseSchema,
		Recipient:         payTo,
		MaxTimeoutSeconds: maxTimeout,
		Asset:             info.USDCAddress,
		Extra: map[string]interface{}{
			"name":    info.TokenName,
			"version": info.TokenVersion,
		},
	}, nil
}

func compileRoute(rc types.RouteConfig, payTo, resourceBaseURL string) (*route, error) {
	if err := utils.Validator().Struct(&rc); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("route %q: %v", rc.Path, err),
		}
	}

	req, err := BuildRequirement(rc, payTo, resourceBaseURL)
	if err != nil {
		return nil, err
	}

	rt := &route{
		cfg:         rc,
		prefix:      strings.HasSuffix(rc.Path, "/*"),
		requirement: req,
	}

	if rc.ResponseSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(rc.ResponseSchema))
		if err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("route %s: invalid response schema: %v", rc.Path, err),
			}
		}
		rt.schema = schema
	}
	return rt, nil
}

// validateBody checks a JSON response body against the route schema.
func (rt *route) validateBody(body []byte) error {
	if rt.schema == nil {
		return nil
	}
	if !json.Valid(body) {
		return fmt.Errorf("response is not valid JSON")
	}
	result, err := rt.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("response does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
