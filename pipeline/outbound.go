package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitOutbound fans one local activity out into one notification per
// recipient. Recipients are actor URIs; their inboxes are resolved here so
// the delivery worker only ever POSTs.
func (p *Pipeline) SubmitOutbound(ctx context.Context, act *domain.Activity, recipients []string) error {
	if !act.Local {
		return fmt.Errorf("outbound submission requires a local activity")
	}
	senderRef, err := p.refs.Make(act.ActorURI)
	if err != nil {
		return err
	}

	for _, recipient := range recipients {
		inbox, targetRef, err := p.resolveInbox(ctx, recipient)
		if err != nil {
			zap.S().Warnw("outbound: cannot resolve recipient, skipping",
				"recipient", recipient, "err", err)
			continue
		}
		n := &domain.Notification{
			Id:            uuid.New(),
			ResourceRefId: act.ReferenceId,
			SenderRefId:   senderRef.Id,
			TargetRefId:   targetRef.Id,
			InboxURI:      inbox,
			Authenticated: true,
			NextRetryAt:   time.Now(),
			CreatedAt:     time.Now(),
		}
		if err := p.db.CreateNotification(n); err != nil {
			return err
		}
		zap.S().Infow("outbound: queued delivery",
			"type", act.Type, "recipient", recipient, "notification", n.Id)
	}
	return nil
}

// resolveInbox finds the delivery inbox for a recipient actor, preferring a
// shared inbox when the actor advertises one.
func (p *Pipeline) resolveInbox(ctx context.Context, recipient string) (string, *domain.Reference, error) {
	ref, err := p.refs.Resolve(ctx, recipient, false)
	if err != nil {
		if ref == nil {
			return "", nil, err
		}
		// A stale failed resolve still may carry a cached actor document.
	}
	actor, aerr := p.refs.ActorOf(ref)
	if aerr != nil {
		return "", nil, aerr
	}
	if actor == nil {
		if err != nil {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("recipient %s has no actor document", recipient)
	}
	inbox := actor.InboxURI
	if actor.SharedInboxURI != "" {
		inbox = actor.SharedInboxURI
	}
	if inbox == "" {
		return "", nil, fmt.Errorf("recipient %s advertises no inbox", recipient)
	}
	return inbox, ref, nil
}
