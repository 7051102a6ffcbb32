package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefStatus is the resolution state of a Reference.
type RefStatus string

const (
	RefUnresolved RefStatus = "unresolved"
	RefResolving  RefStatus = "resolving"
	RefResolved   RefStatus = "resolved"
	RefFailed     RefStatus = "failed"
	RefGone       RefStatus = "gone"
)

// Reference is the canonical identity record for a URI-addressed resource.
// Every actor, object, activity and collection is addressed through one.
type Reference struct {
	Id              uuid.UUID
	URI             string // unique
	Domain          string
	Status          RefStatus
	LastAttempt     time.Time
	Dereferenceable bool
}

// CircuitState is the delivery circuit-breaker state of a remote domain.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Domain governs trust and delivery backoff for one remote (or local) host.
type Domain struct {
	Name                       string
	Scheme                     string
	Port                       int
	Local                      bool
	Blocked                    bool
	FailCount                  int
	LastRetry                  time.Time
	LastSuccessfulNotification uuid.UUID
	LastSuccessfulPublished    time.Time
}

// Circuit derives the breaker state from the failure counter and the
// cool-down window. At the threshold the circuit opens; once the cool-down
// has elapsed a single half-open probe is allowed.
func (d *Domain) Circuit(threshold int, cooldown time.Duration, now time.Time) CircuitState {
	if d.FailCount < threshold {
		return CircuitClosed
	}
	if now.Sub(d.LastRetry) >= cooldown {
		return CircuitHalfOpen
	}
	return CircuitOpen
}
