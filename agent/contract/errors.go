package contract

import "errors"

var (
	// ErrWorkflowBusy rejects a run for a lead that already has one in
	// flight. The caller retries later.
	ErrWorkflowBusy = errors.New("workflow already in flight for lead")

	// ErrCircuitOpen is returned by the gateway without any network
	// attempt while an integration's breaker is open.
	ErrCircuitOpen = errors.New("integration circuit is open")

	// ErrRetriesExhausted terminates a retry sequence; it is permanent for
	// the logical operation that produced it.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrTransient and ErrPermanent classify integration call failures.
	// Integrations wrap their errors with one of the two; the gateway
	// retries transients and surfaces permanents.
	ErrTransient = errors.New("transient integration error")
	ErrPermanent = errors.New("permanent integration error")

	// ErrCredentialExpired signals that a cached credential must be
	// refreshed before use.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrRefreshFailed is a failed credential refresh. Permanent for the
	// current call; triggers a re-authentication signal upstream.
	ErrRefreshFailed = errors.New("credential refresh failed")

	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")
)
