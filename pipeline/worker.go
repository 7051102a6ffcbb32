package pipeline

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fedeng/deino/delivery"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/security"
	"go.uber.org/zap"
)

const queueBatchSize = 50

// StartDeliveryWorker runs the outbound queue until the context ends.
func (p *Pipeline) StartDeliveryWorker(ctx context.Context) {
	zap.S().Info("starting delivery worker")
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProcessQueue(ctx)
			}
		}
	}()
}

// ProcessQueue drains one batch of due deliveries through the worker pool.
// Circuit state is decided here, sequentially, so an open domain is skipped
// without a network attempt and a half-open domain gets exactly one probe
// per batch.
func (p *Pipeline) ProcessQueue(ctx context.Context) {
	items, err := p.db.ReadPendingOutbound(queueBatchSize)
	if err != nil {
		zap.S().Errorw("delivery: failed to read queue", "err", err)
		return
	}
	if len(items) == 0 {
		return
	}
	zap.S().Infow("delivery: processing pending notifications", "count", len(items))

	threshold := p.conf.Conf.FailThreshold
	cooldown := time.Duration(p.conf.Conf.CooldownMin) * time.Minute
	now := time.Now()

	probed := make(map[string]bool)
	var eligible []domain.Notification
	for _, n := range items {
		host := hostOf(n.InboxURI)
		if host == "" {
			p.db.MarkNotificationDropped(n.Id, domain.OutcomeFailed)
			continue
		}
		d, err := p.db.GetOrCreateDomain(host, "https", 443, false)
		if err != nil {
			zap.S().Errorw("delivery: domain lookup failed", "host", host, "err", err)
			continue
		}
		if d.Blocked {
			p.db.MarkNotificationDropped(n.Id, domain.OutcomeSkipped)
			continue
		}
		switch d.Circuit(threshold, cooldown, now) {
		case domain.CircuitOpen:
			// Short-circuit: no network attempt until the cool-down ends.
			p.db.UpdateNotificationAttempt(n.Id, n.Attempts, d.LastRetry.Add(cooldown))
			continue
		case domain.CircuitHalfOpen:
			if probed[host] {
				p.db.UpdateNotificationAttempt(n.Id, n.Attempts, now.Add(cooldown))
				continue
			}
			probed[host] = true
			zap.S().Infow("delivery: half-open probe", "host", host)
		}
		eligible = append(eligible, n)
	}

	workers := p.conf.Conf.Workers
	if workers <= 0 {
		workers = 1
	}
	tasks := make(chan domain.Notification)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range tasks {
				p.deliverOne(ctx, &n)
			}
		}()
	}
	for _, n := range eligible {
		tasks <- n
	}
	close(tasks)
	wg.Wait()
}

// deliverOne attempts a single signed delivery and books the result on the
// notification and the recipient domain.
func (p *Pipeline) deliverOne(ctx context.Context, n *domain.Notification) {
	host := hostOf(n.InboxURI)
	now := time.Now()

	act, err := p.db.ReadActivity(n.ResourceRefId)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !p.eng.Relevant(act)) {
		// The activity was undone or superseded; retrying is moot.
		zap.S().Infow("delivery: activity no longer relevant, cancelling",
			"notification", n.Id)
		p.db.MarkNotificationDropped(n.Id, domain.OutcomeSkipped)
		return
	}
	if err != nil {
		zap.S().Errorw("delivery: failed to load activity", "notification", n.Id, "err", err)
		return
	}

	payload := []byte(act.RawJSON)
	key, keyId, err := p.signingMaterial(n)
	if err != nil {
		zap.S().Errorw("delivery: no signing material", "notification", n.Id, "err", err)
		p.db.MarkNotificationDropped(n.Id, domain.OutcomeFailed)
		return
	}

	if err := p.del.Deliver(ctx, n.InboxURI, payload, key, keyId); err != nil {
		p.db.RecordDomainFailure(host, now)
		n.Attempts++
		if n.Attempts >= delivery.MaxAttempts {
			zap.S().Warnw("delivery: giving up",
				"inbox", n.InboxURI, "attempts", n.Attempts, "err", err)
			p.db.MarkNotificationDropped(n.Id, domain.OutcomeFailed)
			return
		}
		wait := delivery.Backoff(n.Attempts)
		zap.S().Infow("delivery: failed, will retry",
			"inbox", n.InboxURI, "attempt", n.Attempts, "retryIn", wait, "err", err)
		p.db.UpdateNotificationAttempt(n.Id, n.Attempts, now.Add(wait))
		return
	}

	if _, err := p.db.MarkNotificationProcessed(n.Id, domain.OutcomeOK); err != nil {
		zap.S().Errorw("delivery: failed to mark processed", "notification", n.Id, "err", err)
		return
	}
	if err := p.db.RecordDomainSuccess(host, now, n.Id, act.Published); err != nil {
		zap.S().Errorw("delivery: failed to record domain success", "host", host, "err", err)
	}
	zap.S().Infow("delivery: delivered", "inbox", n.InboxURI, "type", act.Type)
}

// signingMaterial digs out the local sender's private key and key id.
func (p *Pipeline) signingMaterial(n *domain.Notification) (key *rsa.PrivateKey, keyId string, err error) {
	senderRef, err := p.db.ReadReferenceById(n.SenderRefId)
	if err != nil {
		return nil, "", fmt.Errorf("sender reference: %w", err)
	}
	actor, err := p.db.ReadActor(senderRef.Id)
	if err != nil {
		return nil, "", fmt.Errorf("sender actor: %w", err)
	}
	acc, err := p.db.ReadAccountByUsername(actor.PreferredUsername)
	if err != nil {
		return nil, "", fmt.Errorf("sender account: %w", err)
	}
	key, err = security.ParsePrivateKey(acc.PrivateKeyPem)
	if err != nil {
		return nil, "", err
	}
	return key, senderRef.URI + "#main-key", nil
}
