// Package refstore is the canonical identity and resolution cache for any
// URI-addressed resource. Every actor, object, activity and collection the
// engine touches is created here on first mention and dereferenced on demand.
package refstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrBlocked is returned for any uri on a blocked domain. No network
	// access happens for these.
	ErrBlocked = errors.New("domain is blocked")
	// ErrGone marks a resource the remote has tombstoned (HTTP 410).
	ErrGone = errors.New("resource is gone")
)

// freshFor is how long a resolved remote document is served from cache
// before a non-forced Resolve re-fetches it.
const freshFor = 24 * time.Hour

// Store resolves References against the database and remote servers.
type Store struct {
	db     *db.DB
	conf   *util.AppConfig
	client *http.Client
	group  singleflight.Group
}

func NewStore(database *db.DB, conf *util.AppConfig) *Store {
	return &Store{
		db:   database,
		conf: conf,
		client: &http.Client{
			Timeout: time.Duration(conf.Conf.FetchTimeoutSec) * time.Second,
		},
	}
}

// Make returns the canonical Reference for a uri, creating it and its
// Domain row on first mention.
func (s *Store) Make(uri string) (*domain.Reference, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid uri %q: %w", uri, err)
	}

	local := parsed.Host == s.conf.Conf.SslDomain
	port := 443
	if parsed.Scheme == "http" {
		port = 80
	}
	if _, err := s.db.GetOrCreateDomain(parsed.Host, parsed.Scheme, port, local); err != nil {
		return nil, fmt.Errorf("domain for %q: %w", uri, err)
	}

	return s.db.GetOrCreateReference(uri, parsed.Host)
}

// Resolve dereferences a uri. Already-resolved fresh references are returned
// as-is unless force is set. Concurrent resolves of the same uri collapse to
// one in-flight fetch; every caller observes the same result.
func (s *Store) Resolve(ctx context.Context, uri string, force bool) (*domain.Reference, error) {
	ref, err := s.Make(uri)
	if err != nil {
		return nil, err
	}

	dom, err := s.db.ReadDomain(ref.Domain)
	if err != nil {
		return nil, fmt.Errorf("domain %q: %w", ref.Domain, err)
	}
	if dom.Blocked {
		return nil, fmt.Errorf("resolve %q: %w", uri, ErrBlocked)
	}

	// Local references resolve without network access; their contexts are
	// written by the engine that created them.
	if dom.Local {
		if ref.Status != domain.RefResolved {
			if err := s.db.UpdateReferenceStatus(ref.Id, domain.RefResolved, time.Now()); err != nil {
				return nil, err
			}
			ref.Status = domain.RefResolved
		}
		return ref, nil
	}

	if ref.Status == domain.RefResolved && !force && time.Since(ref.LastAttempt) < freshFor {
		return ref, nil
	}
	if ref.Status == domain.RefGone && !force {
		return ref, fmt.Errorf("resolve %q: %w", uri, ErrGone)
	}
	if !ref.Dereferenceable {
		return ref, nil
	}

	v, err, _ := s.group.Do(uri, func() (interface{}, error) {
		return s.fetch(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Reference), nil
}

// fetch dereferences one remote uri and attaches the parsed typed context.
func (s *Store) fetch(ctx context.Context, ref *domain.Reference) (*domain.Reference, error) {
	now := time.Now()
	if err := s.db.UpdateReferenceStatus(ref.Id, domain.RefResolving, now); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ref.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "deino/1.0 ActivityPub")

	resp, err := s.client.Do(req)
	if err != nil {
		s.db.UpdateReferenceStatus(ref.Id, domain.RefFailed, now)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		s.db.UpdateReferenceStatus(ref.Id, domain.RefGone, now)
		ref.Status = domain.RefGone
		return ref, nil
	}
	if resp.StatusCode != http.StatusOK {
		s.db.UpdateReferenceStatus(ref.Id, domain.RefFailed, now)
		return nil, fmt.Errorf("fetch of %s failed with status: %d", ref.URI, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.db.UpdateReferenceStatus(ref.Id, domain.RefFailed, now)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if err := s.attachContext(ref, body); err != nil {
		if errors.Is(err, errTombstone) {
			s.db.UpdateReferenceStatus(ref.Id, domain.RefGone, now)
			ref.Status = domain.RefGone
			return ref, nil
		}
		s.db.UpdateReferenceStatus(ref.Id, domain.RefFailed, now)
		return nil, err
	}

	if err := s.db.UpdateReferenceStatus(ref.Id, domain.RefResolved, now); err != nil {
		return nil, err
	}
	ref.Status = domain.RefResolved
	ref.LastAttempt = now
	zap.S().Infof("Resolved %s", ref.URI)
	return ref, nil
}

// ActorOf returns the actor context of a reference, or nil when it has none.
func (s *Store) ActorOf(ref *domain.Reference) (*domain.Actor, error) {
	actor, err := s.db.ReadActor(ref.Id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return actor, nil
}

// ObjectOf returns the object context of a reference, or nil when it has none.
func (s *Store) ObjectOf(ref *domain.Reference) (*domain.Object, error) {
	obj, err := s.db.ReadObject(ref.Id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return obj, nil
}

// ActivityOf returns the activity context of a reference, or nil when it has
// none.
func (s *Store) ActivityOf(ref *domain.Reference) (*domain.Activity, error) {
	activity, err := s.db.ReadActivity(ref.Id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return activity, nil
}

// LinksOf returns the link contexts of a reference (attachments parsed from
// the fetched document); empty when it has none.
func (s *Store) LinksOf(ref *domain.Reference) ([]domain.Link, error) {
	return s.db.ReadLinks(ref.Id)
}

// EnsureLocalActor materializes the Reference and actor context for a local
// account so remote servers can resolve it back.
func (s *Store) EnsureLocalActor(acc *domain.Account) (*domain.Reference, error) {
	actorURI := acc.ActorURI(s.conf.Conf.SslDomain)
	ref, err := s.Make(actorURI)
	if err != nil {
		return nil, err
	}

	actor := &domain.Actor{
		ReferenceId:       ref.Id,
		PreferredUsername: acc.Username,
		DisplayName:       acc.DisplayName,
		Summary:           acc.Summary,
		InboxURI:          actorURI + "/inbox",
		OutboxURI:         actorURI + "/outbox",
		SharedInboxURI:    fmt.Sprintf("https://%s/inbox", s.conf.Conf.SslDomain),
		FollowersURI:      actorURI + "/followers",
		FollowingURI:      actorURI + "/following",
		LikedURI:          actorURI + "/liked",
		PublicKeyPem:      acc.PublicKeyPem,
		ManuallyApproves:  acc.ManuallyApproves,
		FetchedAt:         time.Now(),
	}
	if err := s.db.UpsertActor(actor); err != nil {
		return nil, err
	}
	if err := s.db.UpdateReferenceStatus(ref.Id, domain.RefResolved, time.Now()); err != nil {
		return nil, err
	}
	ref.Status = domain.RefResolved
	return ref, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
