package engine

import (
	"encoding/json"
	"time"

	"github.com/fedeng/deino/domain"
	"go.uber.org/zap"
)

// embeddedObject is the inline object payload carried by Create/Update.
type embeddedObject struct {
	Id           string `json:"id"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	Summary      string `json:"summary"`
	AttributedTo string `json:"attributedTo"`
	InReplyTo    string `json:"inReplyTo"`
	Published    string `json:"published"`
	Sensitive    bool   `json:"sensitive"`
}

// embeddedObjectOf extracts the inline object from the activity payload.
// Returns nil when the object is absent or a bare URI.
func embeddedObjectOf(act *domain.Activity) *embeddedObject {
	var envelope struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal([]byte(act.RawJSON), &envelope); err != nil {
		return nil
	}
	if len(envelope.Object) == 0 || envelope.Object[0] != '{' {
		return nil
	}
	var obj embeddedObject
	if err := json.Unmarshal(envelope.Object, &obj); err != nil {
		return nil
	}
	return &obj
}

// applyCreate attaches the embedded object. Attribution spoofing, publishing
// under a foreign domain and id collisions with existing content all discard
// the object while the transport still acknowledges success.
func (e *Engine) applyCreate(act *domain.Activity, authority string) (domain.Outcome, error) {
	obj := embeddedObjectOf(act)
	if obj == nil || obj.Id == "" {
		return domain.OutcomeSkipped, nil
	}
	if obj.AttributedTo != authority {
		zap.S().Warnw("create with spoofed attribution, discarding",
			"attributedTo", obj.AttributedTo, "authority", authority)
		return domain.OutcomeSkipped, nil
	}
	if !sameHost(obj.Id, authority) {
		zap.S().Warnw("create publishing under a foreign domain, discarding",
			"object", obj.Id, "authority", authority)
		return domain.OutcomeSkipped, nil
	}

	ref, err := e.refs.Make(obj.Id)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if existing, err := e.refs.ObjectOf(ref); err != nil {
		return domain.OutcomeNone, err
	} else if existing != nil {
		// Never overwrite content that already lives at this id.
		return domain.OutcomeSkipped, nil
	}

	published := act.Published
	if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
		published = t
	}
	err = e.db.CreateObject(&domain.Object{
		ReferenceId:  ref.Id,
		Type:         obj.Type,
		Content:      obj.Content,
		Summary:      obj.Summary,
		AttributedTo: obj.AttributedTo,
		InReplyTo:    obj.InReplyTo,
		Published:    published,
		Sensitive:    obj.Sensitive,
	})
	if err != nil {
		return domain.OutcomeNone, err
	}
	if err := e.db.UpdateReferenceStatus(ref.Id, domain.RefResolved, time.Now()); err != nil {
		return domain.OutcomeNone, err
	}

	if obj.InReplyTo != "" {
		if err := e.appendReply(obj.InReplyTo, ref); err != nil {
			return domain.OutcomeNone, err
		}
	}
	return domain.OutcomeOK, nil
}

// appendReply links a new object into the replies collection of the local
// object it answers. Replies to unknown or remote parents are left alone.
func (e *Engine) appendReply(parentURI string, replyRef *domain.Reference) error {
	parentRef, err := e.refByURI(parentURI)
	if err != nil || parentRef == nil {
		return err
	}
	if !e.isLocal(parentRef) {
		return nil
	}
	parentObj, err := e.refs.ObjectOf(parentRef)
	if err != nil || parentObj == nil {
		return err
	}
	replies, err := e.ensureCollection(parentURI+"/replies", parentRef)
	if err != nil {
		return err
	}
	_, err = e.coll.Append(replies, replyRef)
	return err
}

func (e *Engine) applyUpdate(act *domain.Activity, authority string) (domain.Outcome, error) {
	obj := embeddedObjectOf(act)
	if obj == nil || obj.Id == "" {
		return domain.OutcomeSkipped, nil
	}
	ref, err := e.refByURI(obj.Id)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if ref == nil {
		return domain.OutcomeSkipped, nil
	}
	current, err := e.refs.ObjectOf(ref)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if current == nil || current.Tombstoned {
		return domain.OutcomeSkipped, nil
	}
	if current.AttributedTo != authority {
		zap.S().Warnw("update by a non-owner, ignoring",
			"object", obj.Id, "owner", current.AttributedTo, "authority", authority)
		return domain.OutcomeSkipped, nil
	}

	current.Content = obj.Content
	current.Summary = obj.Summary
	current.Sensitive = obj.Sensitive
	if obj.Type != "" {
		current.Type = obj.Type
	}
	if err := e.db.UpdateObject(current); err != nil {
		return domain.OutcomeNone, err
	}
	return domain.OutcomeOK, nil
}

func (e *Engine) applyDelete(act *domain.Activity, authority string) (domain.Outcome, error) {
	if act.ObjectURI == "" {
		return domain.OutcomeSkipped, nil
	}
	ref, err := e.refByURI(act.ObjectURI)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if ref == nil {
		return domain.OutcomeSkipped, nil
	}
	current, err := e.refs.ObjectOf(ref)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if current == nil {
		return domain.OutcomeSkipped, nil
	}
	if current.AttributedTo != authority {
		return domain.OutcomeSkipped, nil
	}
	if current.Tombstoned {
		return domain.OutcomeOK, nil
	}
	if err := e.db.TombstoneObject(ref.Id); err != nil {
		return domain.OutcomeNone, err
	}
	if err := e.db.UpdateReferenceStatus(ref.Id, domain.RefGone, time.Now()); err != nil {
		return domain.OutcomeNone, err
	}
	zap.S().Infow("object tombstoned", "object", act.ObjectURI)
	return domain.OutcomeOK, nil
}

func (e *Engine) applyLike(act *domain.Activity, authority string) (domain.Outcome, error) {
	return e.appendEngagement(act, authority, "/likes", true)
}

func (e *Engine) applyAnnounce(act *domain.Activity, authority string) (domain.Outcome, error) {
	return e.appendEngagement(act, authority, "/shares", false)
}

// appendEngagement adds the activity's own reference to the target object's
// likes or shares collection. Likes are additionally mirrored into the
// actor's liked collection when the actor advertises one.
func (e *Engine) appendEngagement(act *domain.Activity, authority string, suffix string, mirrorLiked bool) (domain.Outcome, error) {
	if act.ObjectURI == "" {
		return domain.OutcomeSkipped, nil
	}
	targetRef, err := e.refs.Make(act.ObjectURI)
	if err != nil {
		return domain.OutcomeNone, err
	}
	actRef, err := e.activityRef(act)
	if err != nil {
		return domain.OutcomeNone, err
	}

	coll, err := e.ensureCollection(act.ObjectURI+suffix, targetRef)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if _, err := e.coll.Append(coll, actRef); err != nil {
		return domain.OutcomeNone, err
	}

	if mirrorLiked {
		actorRef, err := e.refs.Make(authority)
		if err != nil {
			return domain.OutcomeNone, err
		}
		actor, err := e.refs.ActorOf(actorRef)
		if err != nil {
			return domain.OutcomeNone, err
		}
		if actor != nil && actor.LikedURI != "" {
			liked, err := e.ensureCollection(actor.LikedURI, actorRef)
			if err != nil {
				return domain.OutcomeNone, err
			}
			if _, err := e.coll.Append(liked, targetRef); err != nil {
				return domain.OutcomeNone, err
			}
		}
	}
	return domain.OutcomeOK, nil
}
