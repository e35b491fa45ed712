package orchestrator

import "errors"

var (
	// ErrExternalService reports a failed tier lookup or a definite credit
	// failure. Nothing was recorded and the contribution may be retried.
	ErrExternalService = errors.New("orchestrator: external service failure")
	// ErrContributionInFlight is returned while another caller holds the
	// contribution.
	ErrContributionInFlight = errors.New("orchestrator: contribution in flight")
	// ErrCreditUnresolved marks a contribution whose credit outcome is unknown
	// and awaits operator resolution.
	ErrCreditUnresolved = errors.New("orchestrator: credit outcome unresolved")
	// ErrCreditOutcomeUnknown may be returned by a Creditor when it cannot tell
	// whether the credit was applied.
	ErrCreditOutcomeUnknown = errors.New("orchestrator: credit outcome unknown")
	// ErrContributionNotFound is returned when no record exists for an ID.
	ErrContributionNotFound = errors.New("orchestrator: contribution not found")
	// ErrNotUnresolved is returned when resolving a contribution that is not
	// awaiting resolution.
	ErrNotUnresolved = errors.New("orchestrator: contribution not unresolved")
	// ErrNotConfigured is returned when a required collaborator is missing.
	ErrNotConfigured = errors.New("orchestrator: collaborator not configured")
)
