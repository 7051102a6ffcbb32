// Package engine applies the side effects of federation activities:
// follow requests, collection membership, object lifecycle. Every handler
// is idempotent and authorization failures resolve as recorded no-ops so
// responses never leak private state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/fedeng/deino/collection"
	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/refstore"
	"github.com/fedeng/deino/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbound enqueues a locally generated activity for federation delivery.
// The pipeline implements it; tests stub it.
type Outbound interface {
	SubmitOutbound(ctx context.Context, activity *domain.Activity, recipients []string) error
}

// Engine is the activity side-effect state machine.
type Engine struct {
	db   *db.DB
	refs *refstore.Store
	coll *collection.Engine
	conf *util.AppConfig
	out  Outbound
}

func NewEngine(database *db.DB, refs *refstore.Store, coll *collection.Engine, conf *util.AppConfig) *Engine {
	return &Engine{db: database, refs: refs, coll: coll, conf: conf}
}

// SetOutbound wires the delivery pipeline in after construction. Needed
// because the pipeline itself depends on the engine.
func (e *Engine) SetOutbound(out Outbound) {
	e.out = out
}

// Apply executes one activity's side effect under the given authority, the
// verified acting identity. The returned outcome is OK for applied effects
// and authorized no-ops, SKIPPED for authorization or invariant failures.
// Errors are reserved for storage trouble and map to FAILED upstream.
func (e *Engine) Apply(ctx context.Context, act *domain.Activity, authority string) (domain.Outcome, error) {
	if act.ActorURI != authority {
		zap.S().Warnw("activity actor differs from verified authority",
			"type", act.Type, "actor", act.ActorURI, "authority", authority)
		return domain.OutcomeSkipped, nil
	}

	switch act.Type {
	case "Follow":
		return e.applyFollow(ctx, act, authority)
	case "Accept":
		return e.applyAccept(act, authority)
	case "Reject":
		return e.applyReject(act, authority)
	case "Create":
		return e.applyCreate(act, authority)
	case "Update":
		return e.applyUpdate(act, authority)
	case "Delete":
		return e.applyDelete(act, authority)
	case "Like":
		return e.applyLike(act, authority)
	case "Announce":
		return e.applyAnnounce(act, authority)
	case "Undo":
		return e.applyUndo(act, authority)
	default:
		zap.S().Infow("ignoring unsupported activity type", "type", act.Type)
		return domain.OutcomeSkipped, nil
	}
}

// Relevant reports whether retrying a delivery of this activity still makes
// sense. An Undo of the underlying activity, or a terminal follow request a
// stale Accept would contradict, makes retries moot.
func (e *Engine) Relevant(act *domain.Activity) bool {
	switch act.Type {
	case "Follow", "Like", "Announce":
		ref, err := e.refById(act.ReferenceId)
		if err != nil || ref == nil {
			return false
		}
		// The activity record disappears when it is undone.
		prior, err := e.refs.ActivityOf(ref)
		return err == nil && prior != nil
	case "Accept":
		followRef, err := e.refByURI(act.ObjectURI)
		if err != nil || followRef == nil {
			return false
		}
		fr, err := e.requestByActivity(followRef.Id)
		if err != nil || fr == nil {
			return false
		}
		return fr.Status != domain.FollowRejected
	default:
		return true
	}
}

// ensureCollection get-or-creates the collection reference and row for uri.
func (e *Engine) ensureCollection(uri string, owner *domain.Reference) (*domain.Collection, error) {
	ref, err := e.refs.Make(uri)
	if err != nil {
		return nil, err
	}
	return e.coll.Make(ref, owner, true)
}

// followersCollection locates the followed actor's followers collection,
// preferring the URI advertised in the actor document.
func (e *Engine) followersCollection(followedRef *domain.Reference, followedURI string) (*domain.Collection, error) {
	uri := followedURI + "/followers"
	if actor, err := e.refs.ActorOf(followedRef); err != nil {
		return nil, err
	} else if actor != nil && actor.FollowersURI != "" {
		uri = actor.FollowersURI
	}
	return e.ensureCollection(uri, followedRef)
}

func (e *Engine) isLocal(ref *domain.Reference) bool {
	return ref.Domain == e.conf.Conf.SslDomain
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && ua.Host == ub.Host
}

// activityRef loads the activity's own canonical Reference.
func (e *Engine) activityRef(act *domain.Activity) (*domain.Reference, error) {
	ref, err := e.refById(act.ReferenceId)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("activity %s has no reference", act.ReferenceId)
	}
	return ref, nil
}

// The db layer reports missing rows as sql.ErrNoRows; lookups here treat
// absence as a regular answer.

func (e *Engine) refByURI(uri string) (*domain.Reference, error) {
	ref, err := e.db.ReadReferenceByURI(uri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ref, err
}

func (e *Engine) refById(id uuid.UUID) (*domain.Reference, error) {
	ref, err := e.db.ReadReferenceById(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ref, err
}

func (e *Engine) requestByActivity(activityRefId uuid.UUID) (*domain.FollowRequest, error) {
	fr, err := e.db.ReadFollowRequestByActivity(activityRefId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return fr, err
}

func (e *Engine) requestByPair(followerRefId, followedRefId uuid.UUID) (*domain.FollowRequest, error) {
	fr, err := e.db.ReadFollowRequestByPair(followerRefId, followedRefId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return fr, err
}
