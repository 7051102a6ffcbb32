package engine

import (
	"github.com/fedeng/deino/domain"
	"go.uber.org/zap"
)

// applyUndo reverses a prior activity by the same actor. The undone
// activity's reference is deleted afterwards, which also cancels any
// pending retries of its deliveries.
func (e *Engine) applyUndo(act *domain.Activity, authority string) (domain.Outcome, error) {
	if act.ObjectURI == "" {
		return domain.OutcomeSkipped, nil
	}
	undoneRef, err := e.refByURI(act.ObjectURI)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if undoneRef == nil {
		return domain.OutcomeSkipped, nil
	}
	undone, err := e.refs.ActivityOf(undoneRef)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if undone == nil {
		return domain.OutcomeSkipped, nil
	}
	if undone.ActorURI != authority {
		zap.S().Warnw("undo of someone else's activity, ignoring",
			"activity", act.ObjectURI, "owner", undone.ActorURI, "authority", authority)
		return domain.OutcomeSkipped, nil
	}

	var outcome domain.Outcome
	switch undone.Type {
	case "Follow":
		outcome, err = e.undoFollow(undoneRef, undone)
	case "Like":
		outcome, err = e.undoEngagement(undoneRef, undone, "/likes", true)
	case "Announce":
		outcome, err = e.undoEngagement(undoneRef, undone, "/shares", false)
	default:
		return domain.OutcomeSkipped, nil
	}
	if err != nil || outcome != domain.OutcomeOK {
		return outcome, err
	}

	if err := e.db.DeleteReference(undoneRef.Id); err != nil {
		return domain.OutcomeNone, err
	}
	return domain.OutcomeOK, nil
}

// undoFollow removes followers membership and the request itself.
func (e *Engine) undoFollow(followRef *domain.Reference, follow *domain.Activity) (domain.Outcome, error) {
	fr, err := e.requestByActivity(followRef.Id)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if fr == nil {
		return domain.OutcomeSkipped, nil
	}

	followedRef, err := e.refById(fr.FollowedRefId)
	if err != nil {
		return domain.OutcomeNone, err
	}
	followerRef, err := e.refById(fr.FollowerRefId)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if followedRef != nil && followerRef != nil {
		followers, err := e.followersCollection(followedRef, follow.ObjectURI)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if _, err := e.coll.Remove(followers, followerRef); err != nil {
			return domain.OutcomeNone, err
		}
	}
	if err := e.db.DeleteFollowRequest(fr.Id); err != nil {
		return domain.OutcomeNone, err
	}
	zap.S().Infow("follow undone", "follower", follow.ActorURI, "followed", follow.ObjectURI)
	return domain.OutcomeOK, nil
}

// undoEngagement removes the undone activity from the object's likes or
// shares collection, and for likes also the object from the actor's liked
// collection.
func (e *Engine) undoEngagement(undoneRef *domain.Reference, undone *domain.Activity, suffix string, mirrorLiked bool) (domain.Outcome, error) {
	targetRef, err := e.refByURI(undone.ObjectURI)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if targetRef != nil {
		coll, err := e.ensureCollection(undone.ObjectURI+suffix, targetRef)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if _, err := e.coll.Remove(coll, undoneRef); err != nil {
			return domain.OutcomeNone, err
		}
	}

	if mirrorLiked && targetRef != nil {
		actorRef, err := e.refByURI(undone.ActorURI)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if actorRef != nil {
			actor, err := e.refs.ActorOf(actorRef)
			if err != nil {
				return domain.OutcomeNone, err
			}
			if actor != nil && actor.LikedURI != "" {
				liked, err := e.ensureCollection(actor.LikedURI, actorRef)
				if err != nil {
					return domain.OutcomeNone, err
				}
				if _, err := e.coll.Remove(liked, targetRef); err != nil {
					return domain.OutcomeNone, err
				}
			}
		}
	}
	return domain.OutcomeOK, nil
}
