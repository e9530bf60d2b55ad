package metrics

import "time"

// Event names.
const (
	EventChallengeIssued  = "challenge_issued"
	EventProofRejected    = "proof_rejected"
	EventPaymentVerified  = "payment_verified"
	EventPaymentSettled   = "payment_settled"
	EventSettlementFailed = "settlement_failed"
	EventFacilitatorError = "facilitator_error"
	EventFundingStarted   = "funding_started"
)

// Operations timed with ObserveLatency.
const (
	OpVerify = "verify"
	OpSettle = "settle"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}

// NoopRecorder drops every observation.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
