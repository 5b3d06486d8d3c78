// Package tcerrors defines the error taxonomy shared across TrafficControl's
// core components. Components also define local sentinels (capacity.ErrExhausted,
// scheduler.ErrNoAdmissibleTask, ...) for conditions specific to their own contract;
// this package holds only the cross-cutting kinds referenced at component
// boundaries and by the Main Loop's error classification.
package tcerrors

import (
	"errors"
	"strings"
)

var (
	// ErrConfigInvalid marks missing/ill-formed required configuration at startup. Fatal.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrDatabaseUnavailable marks a health probe failure, at startup (fatal)
	// or during a tick (enters degraded mode).
	ErrDatabaseUnavailable = errors.New("database unavailable")

	// ErrCapacityExhausted marks a reserve() call at a model's concurrency limit.
	// Not surfaced to the operator; the scheduler treats it as "not admissible this tick".
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrAdapterStartFailed marks a failure to start an agent process/session.
	ErrAdapterStartFailed = errors.New("adapter start failed")

	// ErrAgentError marks a terminal adapter error during a running session.
	ErrAgentError = errors.New("agent error")

	// ErrCancelled marks an operator- or shutdown-initiated session close.
	ErrCancelled = errors.New("cancelled")

	// ErrApprovalTimeout marks an approval deadline elapsing with no response.
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrBudgetExhausted marks the context budget remaining over target with
	// nothing left to compress.
	ErrBudgetExhausted = errors.New("context budget exhausted")

	// ErrTransportFailure marks a chat send failing past the transport's own retries.
	ErrTransportFailure = errors.New("transport failure")

	// ErrValidationError marks a hard pre-flight validation failure that blocks startup.
	ErrValidationError = errors.New("validation error")
)

// IsDatabaseLike reports whether an error message looks like a transient
// database/network failure, per the Main Loop's tick-error classification.
func IsDatabaseLike(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"supabase", "database", "connection", "network", "timeout", "econnrefused", "enotfound"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
