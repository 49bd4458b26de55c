package engine

import "errors"

var (
	// ErrNoSuchPrimary is returned by operations naming a primary the
	// engine is not monitoring.
	ErrNoSuchPrimary = errors.New("engine: no such primary")

	// ErrDuplicatePrimary is returned when AddPrimary is called twice for
	// the same name.
	ErrDuplicatePrimary = errors.New("engine: primary already monitored")

	// ErrFailoverInProgress is returned by ForceFailover when a failover
	// for the named primary is already running.
	ErrFailoverInProgress = errors.New("engine: failover already in progress")

	// ErrNoSuitableReplica describes a failed replica selection (spec.md
	// section 4.8.1): failoverSelectSlave uses its message as the abort
	// reason when no candidate is eligible.
	ErrNoSuitableReplica = errors.New("engine: no suitable replica for promotion")

	// ErrInsufficientInfo is returned by ForceFailover when can-failover
	// is false for the named primary.
	ErrInsufficientInfo = errors.New("engine: primary is not configured for failover")

	// ErrQuorumMustBePositive mirrors the config-time check for callers
	// that construct a PrimaryConfig programmatically.
	ErrQuorumMustBePositive = errors.New("engine: quorum must be positive")
)
