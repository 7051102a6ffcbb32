package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the processing result recorded on a Notification.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeOK      Outcome = "OK"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeFailed  Outcome = "FAILED"
)

// Notification is one inbox-delivery obligation: an activity bound for one
// recipient. Direction is derived from sender/target locality.
type Notification struct {
	Id            uuid.UUID
	ResourceRefId uuid.UUID // the activity
	SenderRefId   uuid.UUID
	TargetRefId   uuid.UUID // inbox owner
	InboxURI      string    // destination for outbound deliveries
	Authenticated bool
	Verified      bool
	Processed     bool
	Dropped       bool
	Outcome       Outcome
	Attempts      int
	NextRetryAt   time.Time
	CreatedAt     time.Time
}

// FollowStatus is the lifecycle state of a FollowRequest.
// submitted -> accepted | rejected; accepted and rejected are terminal.
type FollowStatus string

const (
	FollowSubmitted FollowStatus = "submitted"
	FollowAccepted  FollowStatus = "accepted"
	FollowRejected  FollowStatus = "rejected"
)

// Terminal reports whether no further Accept/Reject transition is allowed.
func (s FollowStatus) Terminal() bool {
	return s == FollowAccepted || s == FollowRejected
}

// FollowRequest is 1:1 with a Follow activity.
type FollowRequest struct {
	Id            uuid.UUID
	FollowerRefId uuid.UUID
	FollowedRefId uuid.UUID
	ActivityRefId uuid.UUID
	Status        FollowStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
