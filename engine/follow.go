package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// applyFollow records the follow request and, when the followed actor does
// not gate followers manually, synthesizes the Accept on the spot.
func (e *Engine) applyFollow(ctx context.Context, act *domain.Activity, authority string) (domain.Outcome, error) {
	if act.ObjectURI == "" {
		return domain.OutcomeSkipped, nil
	}

	followerRef, err := e.refs.Make(authority)
	if err != nil {
		return domain.OutcomeNone, err
	}
	followedRef, err := e.refs.Make(act.ObjectURI)
	if err != nil {
		return domain.OutcomeNone, err
	}

	fr := &domain.FollowRequest{
		Id:            uuid.New(),
		FollowerRefId: followerRef.Id,
		FollowedRefId: followedRef.Id,
		ActivityRefId: act.ReferenceId,
		Status:        domain.FollowSubmitted,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := e.db.CreateFollowRequest(fr); err != nil {
		return domain.OutcomeNone, err
	}

	// Re-read: a duplicate Follow must observe the original row, whatever
	// state it reached.
	existing, err := e.requestByActivity(act.ReferenceId)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if existing == nil {
		// Same pair following through a different activity.
		existing, err = e.requestByPair(followerRef.Id, followedRef.Id)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if existing == nil {
			return domain.OutcomeNone, fmt.Errorf("follow request vanished for %s", act.ObjectURI)
		}
	}
	if existing.Status.Terminal() {
		return domain.OutcomeOK, nil
	}

	if e.isLocal(followedRef) {
		followedActor, err := e.refs.ActorOf(followedRef)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if followedActor != nil && !followedActor.ManuallyApproves {
			if err := e.autoAccept(ctx, existing, act, authority); err != nil {
				return domain.OutcomeNone, err
			}
		}
	}
	return domain.OutcomeOK, nil
}

// autoAccept materializes a local Accept activity for the follow, applies
// its effect and hands it to the pipeline for delivery.
func (e *Engine) autoAccept(ctx context.Context, fr *domain.FollowRequest, follow *domain.Activity, followerURI string) error {
	followRef, err := e.activityRef(follow)
	if err != nil {
		return err
	}

	acceptURI := fmt.Sprintf("https://%s/activities/%s", e.conf.Conf.SslDomain, uuid.New())
	acceptRef, err := e.refs.Make(acceptURI)
	if err != nil {
		return err
	}

	raw, _ := json.Marshal(map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       acceptURI,
		"type":     "Accept",
		"actor":    follow.ObjectURI,
		"object":   followRef.URI,
	})
	accept := &domain.Activity{
		ReferenceId: acceptRef.Id,
		Type:        "Accept",
		ActorURI:    follow.ObjectURI,
		ObjectURI:   followRef.URI,
		Published:   time.Now(),
		RawJSON:     string(raw),
		Local:       true,
	}
	if err := e.db.CreateActivity(accept); err != nil {
		return err
	}

	if _, err := e.acceptFollow(fr, follow.ObjectURI, followerURI); err != nil {
		return err
	}

	if e.out != nil {
		if err := e.out.SubmitOutbound(ctx, accept, []string{followerURI}); err != nil {
			zap.S().Warnw("failed to enqueue auto-accept", "follower", followerURI, "err", err)
		}
	}
	return nil
}

// applyAccept handles Accept(Follow). Only the followed actor may accept.
func (e *Engine) applyAccept(act *domain.Activity, authority string) (domain.Outcome, error) {
	follow, fr, outcome, err := e.followOf(act)
	if follow == nil {
		return outcome, err
	}
	if follow.ObjectURI != authority {
		zap.S().Warnw("accept by someone other than the followed actor",
			"authority", authority, "followed", follow.ObjectURI)
		return domain.OutcomeSkipped, nil
	}
	return e.acceptFollow(fr, authority, follow.ActorURI)
}

// acceptFollow transitions the request and adds followers membership. A
// request already rejected stays rejected; stale Accepts must not resurrect
// it.
func (e *Engine) acceptFollow(fr *domain.FollowRequest, followedURI string, followerURI string) (domain.Outcome, error) {
	if fr.Status == domain.FollowRejected {
		return domain.OutcomeSkipped, nil
	}
	if fr.Status == domain.FollowSubmitted {
		moved, err := e.db.TransitionFollowRequest(fr.Id, domain.FollowSubmitted, domain.FollowAccepted)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if !moved {
			fresh, err := e.requestByActivity(fr.ActivityRefId)
			if err != nil {
				return domain.OutcomeNone, err
			}
			if fresh == nil || fresh.Status == domain.FollowRejected {
				return domain.OutcomeSkipped, nil
			}
		}
	}

	followedRef, err := e.refById(fr.FollowedRefId)
	if err != nil || followedRef == nil {
		return domain.OutcomeNone, fmt.Errorf("followed reference missing: %w", err)
	}
	followerRef, err := e.refById(fr.FollowerRefId)
	if err != nil || followerRef == nil {
		return domain.OutcomeNone, fmt.Errorf("follower reference missing: %w", err)
	}

	followers, err := e.followersCollection(followedRef, followedURI)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if _, err := e.coll.Append(followers, followerRef); err != nil {
		return domain.OutcomeNone, err
	}
	zap.S().Infow("follow accepted", "follower", followerURI, "followed", followedURI)
	return domain.OutcomeOK, nil
}

// applyReject handles Reject(Follow). Terminal states never transition, so
// a Reject after an Accept is a recorded no-op.
func (e *Engine) applyReject(act *domain.Activity, authority string) (domain.Outcome, error) {
	follow, fr, outcome, err := e.followOf(act)
	if follow == nil {
		return outcome, err
	}
	if follow.ObjectURI != authority {
		return domain.OutcomeSkipped, nil
	}
	if fr.Status == domain.FollowRejected {
		return domain.OutcomeOK, nil
	}
	moved, err := e.db.TransitionFollowRequest(fr.Id, domain.FollowSubmitted, domain.FollowRejected)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if !moved {
		return domain.OutcomeSkipped, nil
	}
	zap.S().Infow("follow rejected", "follower", follow.ActorURI, "followed", authority)
	return domain.OutcomeOK, nil
}

// followOf resolves the Follow activity and request an Accept/Reject points
// at. A nil follow means the caller should return the outcome as is.
func (e *Engine) followOf(act *domain.Activity) (*domain.Activity, *domain.FollowRequest, domain.Outcome, error) {
	if act.ObjectURI == "" {
		return nil, nil, domain.OutcomeSkipped, nil
	}
	followRef, err := e.refByURI(act.ObjectURI)
	if err != nil {
		return nil, nil, domain.OutcomeNone, err
	}
	if followRef == nil {
		return nil, nil, domain.OutcomeSkipped, nil
	}
	follow, err := e.refs.ActivityOf(followRef)
	if err != nil {
		return nil, nil, domain.OutcomeNone, err
	}
	if follow == nil || follow.Type != "Follow" {
		return nil, nil, domain.OutcomeSkipped, nil
	}
	fr, err := e.requestByActivity(followRef.Id)
	if err != nil {
		return nil, nil, domain.OutcomeNone, err
	}
	if fr == nil {
		return nil, nil, domain.OutcomeSkipped, nil
	}
	return follow, fr, domain.OutcomeNone, nil
}
