package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/security"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// inboundEnvelope is the minimal shape every federation message must have.
type inboundEnvelope struct {
	Id     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// objectURI extracts the object's URI whether it is a bare string or an
// embedded document.
func (env *inboundEnvelope) objectURI() string {
	if len(env.Object) == 0 {
		return ""
	}
	var uri string
	if json.Unmarshal(env.Object, &uri) == nil {
		return uri
	}
	var embedded struct {
		Id string `json:"id"`
	}
	if json.Unmarshal(env.Object, &embedded) == nil {
		return embedded.Id
	}
	return ""
}

// SubmitInbound takes one raw federation message off the HTTP boundary.
// It returns the notification id (zero when none was created) and the HTTP
// status for the response: 400 malformed, 403 blocked origin, 401 failed or
// spoofed authentication, 202 accepted.
func (p *Pipeline) SubmitInbound(ctx context.Context, req *http.Request, body []byte, origin string, recipient string) (uuid.UUID, int) {
	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		zap.S().Infow("inbox: malformed message", "err", err)
		return uuid.Nil, http.StatusBadRequest
	}
	if env.Id == "" || env.Type == "" || env.Actor == "" {
		return uuid.Nil, http.StatusBadRequest
	}
	actorHost := hostOf(env.Actor)
	if actorHost == "" || hostOf(env.Id) == "" {
		return uuid.Nil, http.StatusBadRequest
	}

	for _, host := range []string{origin, actorHost} {
		if host == "" {
			continue
		}
		blocked, err := p.gate.IsBlocked(host)
		if err != nil {
			zap.S().Errorw("inbox: block list lookup failed", "host", host, "err", err)
			return uuid.Nil, http.StatusInternalServerError
		}
		if blocked {
			zap.S().Infow("inbox: rejected blocked origin", "host", host)
			return uuid.Nil, http.StatusForbidden
		}
	}

	// The claimed actor must belong to the origin that produced the message.
	if origin != "" && origin != actorHost {
		zap.S().Warnw("inbox: actor origin mismatch",
			"actor", env.Actor, "origin", origin)
		return uuid.Nil, http.StatusUnauthorized
	}

	n, act, err := p.recordInbound(&env, body, recipient)
	if err != nil {
		zap.S().Errorw("inbox: failed to record notification", "err", err)
		return uuid.Nil, http.StatusInternalServerError
	}

	if _, err := p.gate.Authenticate(ctx, req, env.Actor); err != nil {
		p.db.MarkNotificationDropped(n.Id, domain.OutcomeNone)
		switch {
		case errors.Is(err, security.ErrBlockedDomain):
			return n.Id, http.StatusForbidden
		default:
			zap.S().Infow("inbox: authentication failed", "actor", env.Actor, "err", err)
			return n.Id, http.StatusUnauthorized
		}
	}
	if err := p.db.SetNotificationAuthenticated(n.Id, true, true); err != nil {
		zap.S().Errorw("inbox: failed to mark authenticated", "err", err)
		return n.Id, http.StatusInternalServerError
	}
	n.Authenticated = true

	if err := p.ProcessIncoming(ctx, n, act); err != nil {
		zap.S().Errorw("inbox: processing failed", "notification", n.Id, "err", err)
	}
	return n.Id, http.StatusAccepted
}

// recordInbound stores the activity (first payload wins for a known id) and
// its notification.
func (p *Pipeline) recordInbound(env *inboundEnvelope, body []byte, recipient string) (*domain.Notification, *domain.Activity, error) {
	actRef, err := p.refs.Make(env.Id)
	if err != nil {
		return nil, nil, err
	}
	senderRef, err := p.refs.Make(env.Actor)
	if err != nil {
		return nil, nil, err
	}
	targetId := uuid.Nil
	if recipient != "" {
		targetRef, err := p.refs.Make(recipient)
		if err != nil {
			return nil, nil, err
		}
		targetId = targetRef.Id
	}

	act := &domain.Activity{
		ReferenceId: actRef.Id,
		Type:        env.Type,
		ActorURI:    env.Actor,
		ObjectURI:   env.objectURI(),
		Published:   time.Now(),
		RawJSON:     string(body),
	}
	if err := p.db.CreateActivity(act); err != nil {
		return nil, nil, err
	}

	n := &domain.Notification{
		Id:            uuid.New(),
		ResourceRefId: actRef.Id,
		SenderRefId:   senderRef.Id,
		TargetRefId:   targetId,
		CreatedAt:     time.Now(),
	}
	if err := p.db.CreateNotification(n); err != nil {
		return nil, nil, err
	}
	return n, act, nil
}

// ProcessIncoming runs one authenticated notification through the engine
// and records the outcome. Reprocessing is a warned no-op; the final
// processed transition is conditional, so a concurrent attempt cannot
// double-claim.
func (p *Pipeline) ProcessIncoming(ctx context.Context, n *domain.Notification, act *domain.Activity) error {
	if n.Processed || n.Dropped {
		zap.S().Warnw("notification already terminal", "notification", n.Id,
			"processed", n.Processed, "dropped", n.Dropped)
		return nil
	}
	if !n.Authenticated {
		zap.S().Warnw("refusing to process unauthenticated notification", "notification", n.Id)
		return nil
	}

	// The block list may have changed since submission.
	if blocked, err := p.gate.IsBlocked(hostOf(act.ActorURI)); err != nil {
		return err
	} else if blocked {
		_, err := p.db.MarkNotificationDropped(n.Id, domain.OutcomeSkipped)
		return err
	}

	outcome, err := p.eng.Apply(ctx, act, act.ActorURI)
	if err != nil {
		zap.S().Errorw("side effect failed", "notification", n.Id, "type", act.Type, "err", err)
		outcome = domain.OutcomeFailed
	}

	claimed, cerr := p.db.MarkNotificationProcessed(n.Id, outcome)
	if cerr != nil {
		return cerr
	}
	if !claimed {
		zap.S().Warnw("notification claimed by a concurrent processor", "notification", n.Id)
		return nil
	}
	zap.S().Infow("notification processed",
		"notification", n.Id, "type", act.Type, "outcome", outcome)
	return err
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Host
}
