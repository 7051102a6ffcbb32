package domain

import (
	"time"

	"github.com/google/uuid"
)

// Typed contexts attached to a Reference. A Reference owns zero or one of
// each; they are loaded lazily and cascade-deleted with the Reference.

// Actor is the actor facet of a Reference (a Person, Service, ...).
type Actor struct {
	ReferenceId       uuid.UUID
	PreferredUsername string
	DisplayName       string
	Summary           string
	InboxURI          string
	OutboxURI         string
	SharedInboxURI    string
	FollowersURI      string
	FollowingURI      string
	LikedURI          string
	PublicKeyPem      string
	ManuallyApproves  bool
	FetchedAt         time.Time
}

// Object is the content facet of a Reference (a Note, Question, Article).
type Object struct {
	ReferenceId  uuid.UUID
	Type         string
	Content      string
	Summary      string
	AttributedTo string // URI of the owning actor
	InReplyTo    string
	Published    time.Time
	Sensitive    bool
	Tombstoned   bool
}

// Activity is the activity facet of a Reference. The payload is immutable;
// only the execution record around it changes.
type Activity struct {
	ReferenceId uuid.UUID
	Type        string // Follow, Accept, Reject, Create, Update, Delete, Like, Announce, Undo
	ActorURI    string
	ObjectURI   string
	TargetURI   string
	Published   time.Time
	RawJSON     string
	Local       bool
}

// Collection is the membership facet of a Reference.
type Collection struct {
	Id           uuid.UUID
	ReferenceId  uuid.UUID
	OwnerRefId   uuid.UUID
	Ordered      bool
	TotalItems   int
	NextPosition int64 // monotonic, never reused
}

// CollectionMember joins a collection to a member Reference. Membership is
// keyed by reference identity, not by row id.
type CollectionMember struct {
	CollectionId uuid.UUID
	MemberRefId  uuid.UUID
	MemberURI    string
	Position     int64
	AddedAt      time.Time
}

// Link is a resolved URL facet (media attachments, profile links).
type Link struct {
	ReferenceId uuid.UUID
	Href        string
	MediaType   string
	Name        string
}
