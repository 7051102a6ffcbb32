package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/refstore"
	"go.uber.org/zap"
)

var (
	// ErrBlockedDomain rejects traffic from a block-listed domain before
	// any network access or crypto work happens.
	ErrBlockedDomain = errors.New("origin domain is blocked")
	// ErrSpoofed flags a mismatch between who signed a request and who it
	// claims to be from.
	ErrSpoofed = errors.New("actor origin mismatch")
	// ErrUnauthenticated covers missing or failed signatures.
	ErrUnauthenticated = errors.New("request not authenticated")
)

// Gate decides whether an inbound federation request may be processed.
type Gate struct {
	db               *db.DB
	refs             *refstore.Store
	fetchMissingKeys bool
}

func NewGate(database *db.DB, refs *refstore.Store) *Gate {
	return &Gate{db: database, refs: refs, fetchMissingKeys: true}
}

// Authenticate verifies that req was signed by the actor it claims to be
// from. actorURI is the actor field of the activity carried in the body.
// On success the signing actor's cached document is returned.
func (g *Gate) Authenticate(ctx context.Context, req *http.Request, actorURI string) (*domain.Actor, error) {
	actorHost, err := hostOf(actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: bad actor uri %q", ErrUnauthenticated, actorURI)
	}

	if blocked, err := g.IsBlocked(actorHost); err != nil {
		return nil, err
	} else if blocked {
		return nil, ErrBlockedDomain
	}

	keyId, err := RequestKeyId(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	keyHost, err := hostOf(keyId)
	if err != nil {
		return nil, fmt.Errorf("%w: bad keyId %q", ErrUnauthenticated, keyId)
	}

	// The signing key must live on the same host as the claimed actor,
	// otherwise anyone with a valid key could impersonate third parties.
	if keyHost != actorHost {
		zap.S().Warnw("signature key origin differs from actor origin",
			"actor", actorURI, "keyId", keyId)
		return nil, ErrSpoofed
	}

	actor, err := g.signerActor(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	signerURI, err := VerifyRequest(req, actor.PublicKeyPem)
	if err != nil {
		// A stale cached key can fail verification after rotation, so
		// refresh the actor document once and retry.
		if g.fetchMissingKeys {
			if refreshed, rerr := g.refreshActor(ctx, actorURI); rerr == nil {
				if signerURI, err = VerifyRequest(req, refreshed.PublicKeyPem); err == nil {
					actor = refreshed
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
	}

	if signerURI != actorURI {
		zap.S().Warnw("signature belongs to a different actor",
			"actor", actorURI, "signer", signerURI)
		return nil, ErrSpoofed
	}

	return actor, nil
}

// IsBlocked reports whether a domain is on the block list. Unknown domains
// are not blocked.
func (g *Gate) IsBlocked(host string) (bool, error) {
	d, err := g.db.ReadDomain(host)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Blocked, nil
}

// signerActor loads the claimed actor's document, dereferencing it when the
// key is not cached yet.
func (g *Gate) signerActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	ref, err := g.refs.Make(actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	actor, err := g.refs.ActorOf(ref)
	if err != nil {
		return nil, err
	}
	if actor != nil && actor.PublicKeyPem != "" {
		return actor, nil
	}
	if !g.fetchMissingKeys {
		return nil, fmt.Errorf("%w: no key cached for %s", ErrUnauthenticated, actorURI)
	}
	return g.refreshActor(ctx, actorURI)
}

func (g *Gate) refreshActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	ref, err := g.refs.Resolve(ctx, actorURI, true)
	if err != nil {
		if errors.Is(err, refstore.ErrBlocked) {
			return nil, ErrBlockedDomain
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	actor, err := g.refs.ActorOf(ref)
	if err != nil {
		return nil, err
	}
	if actor == nil || actor.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: %s has no public key", ErrUnauthenticated, actorURI)
	}
	return actor, nil
}

func hostOf(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return parsed.Host, nil
}
