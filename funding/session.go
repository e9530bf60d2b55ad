// Package funding diverts a wallet that cannot pay to an onramp purchase
// and resumes the original request once the user returns.
package funding

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-onramp/types"
	"github.com/vitwit/x402-onramp/utils"
)

type Status string

const (
	StatusIdle          Status = "idle"
	StatusAwaitingFunds Status = "awaiting_funds"
	StatusRedirected    Status = "redirected"
	StatusResumed       Status = "resumed"
	StatusCancelled     Status = "cancelled"
)

// GasBuffer is added to the payment amount when buying funds.
var GasBuffer = decimal.RequireFromString("0.01")

var ErrInvalidTransition = errors.New("funding: invalid session transition")

// Session tracks one funding attempt. Transitions return a new value and
// never modify the receiver.
type Session struct {
	ID             string
	TargetAddress  string
	PaymentAmount  decimal.Decimal
	RequiredAmount decimal.Decimal
	SessionToken   string
	ReturnURL      string
	RedirectURL    string
	Network        types.Network
	Asset          string
	Status         Status
}

// Terminal reports whether no further transition is possible.
func (s Session) Terminal() bool {
	return s.Status == StatusResumed || s.Status == StatusCancelled
}

// Start opens a session to fund payer for req.
func Start(req types.PaymentRequirements, payer string) (Session, error) {
	if err := utils.ValidateAddress(payer); err != nil {
		return Session{}, fmt.Errorf("funding: payer: %w", err)
	}
	if n := types.Network(req.Network); n.IsTestnet() {
		return Session{}, fmt.Errorf("funding: the onramp does not sell on testnet %s", n)
	}
	amount, err := PaymentAmount(req)
	if err != nil {
		return Session{}, err
	}

	return Session{
		ID:             uuid.NewString(),
		TargetAddress:  utils.NormalizeAddress(payer),
		PaymentAmount:  amount,
		RequiredAmount: amount.Add(GasBuffer),
		Network:        types.Network(req.Network),
		Asset:          req.Asset,
		Status:         StatusAwaitingFunds,
	}, nil
}

// PaymentAmount converts the requirement's atomic amount to token units.
func PaymentAmount(req types.PaymentRequirements) (decimal.Decimal, error) {
	info, err := types.LookupNetwork(types.Network(req.Network))
	if err != nil {
		return decimal.Decimal{}, err
	}
	atomic, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || atomic.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("funding: invalid amount %q", req.MaxAmountRequired)
	}
	return decimal.NewFromBigInt(atomic, -info.Decimals), nil
}

// Redirect records the onramp link the user is sent to.
func (s Session) Redirect(token, redirectURL, returnURL string) (Session, error) {
	if s.Status != StatusAwaitingFunds {
		return s, fmt.Errorf("%w: redirect from %s", ErrInvalidTransition, s.Status)
	}
	s.SessionToken = token
	s.RedirectURL = redirectURL
	s.ReturnURL = returnURL
	s.Status = StatusRedirected
	return s, nil
}

// Resume marks the user as back from the onramp.
func (s Session) Resume() (Session, error) {
	if s.Status != StatusRedirected {
		return s, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusResumed
	return s, nil
}

func (s Session) Cancel() (Session, error) {
	if s.Terminal() {
		return s, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCancelled
	return s, nil
}
