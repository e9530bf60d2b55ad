package clients

// Reasons reported by the local EVM facilitator in addition to the
// protocol codes in the types package.
const (
	ErrUnsupportedScheme     = "unsupported_scheme"
	ErrSimulationFailed      = "transfer_simulation_failed"
	ErrUnexpectedVerifyError = "unexpected_verify_error"
	ErrUnexpectedSettleError = "unexpected_settle_error"
	ErrSettlementKeyMissing  = "settlement_key_missing"
)
