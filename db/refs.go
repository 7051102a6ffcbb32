package db

import (
	"database/sql"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertRef = `INSERT INTO refs(id, uri, domain, status, last_attempt, dereferenceable)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(uri) DO NOTHING`
	sqlSelectRefByURI = `SELECT id, uri, domain, status, last_attempt, dereferenceable FROM refs WHERE uri = ?`
	sqlSelectRefById  = `SELECT id, uri, domain, status, last_attempt, dereferenceable FROM refs WHERE id = ?`
	sqlUpdateRefState = `UPDATE refs SET status = ?, last_attempt = ? WHERE id = ?`
	sqlDeleteRef      = `DELETE FROM refs WHERE id = ?`
)

// GetOrCreateReference returns the canonical Reference for a uri, creating
// it on first mention. The uri unique constraint keeps concurrent creators
// converging on one row.
func (db *DB) GetOrCreateReference(uri string, domainName string) (*domain.Reference, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRef, uuid.New().String(), uri, domainName,
			string(domain.RefUnresolved), time.Time{}, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadReferenceByURI(uri)
}

func (db *DB) ReadReferenceByURI(uri string) (*domain.Reference, error) {
	return db.scanRef(db.db.QueryRow(sqlSelectRefByURI, uri))
}

func (db *DB) ReadReferenceById(id uuid.UUID) (*domain.Reference, error) {
	return db.scanRef(db.db.QueryRow(sqlSelectRefById, id.String()))
}

func (db *DB) scanRef(row *sql.Row) (*domain.Reference, error) {
	var ref domain.Reference
	var idStr, status string
	var lastAttempt sql.NullTime
	var deref int
	err := row.Scan(&idStr, &ref.URI, &ref.Domain, &status, &lastAttempt, &deref)
	if err != nil {
		return nil, err
	}
	ref.Id, _ = uuid.Parse(idStr)
	ref.Status = domain.RefStatus(status)
	if lastAttempt.Valid {
		ref.LastAttempt = lastAttempt.Time
	}
	ref.Dereferenceable = deref != 0
	return &ref, nil
}

// UpdateReferenceStatus records a resolution transition.
func (db *DB) UpdateReferenceStatus(id uuid.UUID, status domain.RefStatus, attempt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRefState, string(status), attempt, id.String())
		return err
	})
}

// DeleteReference removes a reference; typed contexts cascade with it.
func (db *DB) DeleteReference(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRef, id.String())
		return err
	})
}

// Domains

const (
	sqlInsertDomain = `INSERT INTO domains(name, scheme, port, local, blocked, fail_count, last_retry)
		VALUES (?, ?, ?, ?, 0, 0, ?) ON CONFLICT(name) DO NOTHING`
	sqlSelectDomain = `SELECT name, scheme, port, local, blocked, fail_count, last_retry,
		last_successful_notification, last_successful_published FROM domains WHERE name = ?`
	sqlUpdateDomainBlocked = `UPDATE domains SET blocked = ? WHERE name = ?`
	sqlRecordDomainFailure = `UPDATE domains SET fail_count = fail_count + 1, last_retry = ? WHERE name = ?`
	sqlRecordDomainSuccess = `UPDATE domains SET fail_count = 0, last_retry = ?,
		last_successful_notification = ?, last_successful_published = ? WHERE name = ?`
)

func (db *DB) GetOrCreateDomain(name string, scheme string, port int, local bool) (*domain.Domain, error) {
	localInt := 0
	if local {
		localInt = 1
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDomain, name, scheme, port, localInt, time.Time{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadDomain(name)
}

func (db *DB) ReadDomain(name string) (*domain.Domain, error) {
	row := db.db.QueryRow(sqlSelectDomain, name)
	var d domain.Domain
	var local, blocked int
	var lastRetry, lastPublished sql.NullTime
	var lastNotif sql.NullString
	err := row.Scan(&d.Name, &d.Scheme, &d.Port, &local, &blocked, &d.FailCount,
		&lastRetry, &lastNotif, &lastPublished)
	if err != nil {
		return nil, err
	}
	d.Local = local != 0
	d.Blocked = blocked != 0
	if lastRetry.Valid {
		d.LastRetry = lastRetry.Time
	}
	if lastNotif.Valid {
		d.LastSuccessfulNotification, _ = uuid.Parse(lastNotif.String)
	}
	if lastPublished.Valid {
		d.LastSuccessfulPublished = lastPublished.Time
	}
	return &d, nil
}

func (db *DB) SetDomainBlocked(name string, blocked bool) error {
	b := 0
	if blocked {
		b = 1
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDomainBlocked, b, name)
		return err
	})
}

func (db *DB) RecordDomainFailure(name string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRecordDomainFailure, at, name)
		return err
	})
}

func (db *DB) RecordDomainSuccess(name string, at time.Time, notificationId uuid.UUID, published time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRecordDomainSuccess, at, notificationId.String(), published, name)
		return err
	})
}

// Typed contexts

const (
	sqlUpsertActor = `INSERT INTO actors(reference_id, preferred_username, display_name, summary,
		inbox_uri, outbox_uri, shared_inbox_uri, followers_uri, following_uri, liked_uri,
		public_key_pem, manually_approves, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference_id) DO UPDATE SET
		preferred_username = excluded.preferred_username,
		display_name = excluded.display_name,
		summary = excluded.summary,
		inbox_uri = excluded.inbox_uri,
		outbox_uri = excluded.outbox_uri,
		shared_inbox_uri = excluded.shared_inbox_uri,
		followers_uri = excluded.followers_uri,
		following_uri = excluded.following_uri,
		liked_uri = excluded.liked_uri,
		public_key_pem = excluded.public_key_pem,
		manually_approves = excluded.manually_approves,
		fetched_at = excluded.fetched_at`
	sqlSelectActor = `SELECT reference_id, preferred_username, display_name, summary,
		inbox_uri, outbox_uri, shared_inbox_uri, followers_uri, following_uri, liked_uri,
		public_key_pem, manually_approves, fetched_at FROM actors WHERE reference_id = ?`

	sqlInsertObject = `INSERT INTO objects(reference_id, type, content, summary, attributed_to,
		in_reply_to, published, sensitive, tombstoned) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`
	sqlSelectObject = `SELECT reference_id, type, content, summary, attributed_to, in_reply_to,
		published, sensitive, tombstoned FROM objects WHERE reference_id = ?`
	sqlSelectObjectsByAuthor = `SELECT reference_id, type, content, summary, attributed_to, in_reply_to,
		published, sensitive, tombstoned FROM objects
		WHERE attributed_to = ? AND tombstoned = 0 ORDER BY published DESC LIMIT ?`
	sqlUpdateObject    = `UPDATE objects SET type = ?, content = ?, summary = ?, sensitive = ? WHERE reference_id = ?`
	sqlTombstoneObject = `UPDATE objects SET tombstoned = 1, content = '' WHERE reference_id = ?`
)

func (db *DB) UpsertActor(actor *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		manual := 0
		if actor.ManuallyApproves {
			manual = 1
		}
		_, err := tx.Exec(sqlUpsertActor,
			actor.ReferenceId.String(),
			actor.PreferredUsername,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.OutboxURI,
			actor.SharedInboxURI,
			actor.FollowersURI,
			actor.FollowingURI,
			actor.LikedURI,
			actor.PublicKeyPem,
			manual,
			actor.FetchedAt,
		)
		return err
	})
}

func (db *DB) ReadActor(referenceId uuid.UUID) (*domain.Actor, error) {
	row := db.db.QueryRow(sqlSelectActor, referenceId.String())
	var a domain.Actor
	var idStr string
	var manual int
	var fetched sql.NullTime
	err := row.Scan(&idStr, &a.PreferredUsername, &a.DisplayName, &a.Summary,
		&a.InboxURI, &a.OutboxURI, &a.SharedInboxURI, &a.FollowersURI, &a.FollowingURI,
		&a.LikedURI, &a.PublicKeyPem, &manual, &fetched)
	if err != nil {
		return nil, err
	}
	a.ReferenceId, _ = uuid.Parse(idStr)
	a.ManuallyApproves = manual != 0
	if fetched.Valid {
		a.FetchedAt = fetched.Time
	}
	return &a, nil
}

func (db *DB) CreateObject(obj *domain.Object) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		sensitive := 0
		if obj.Sensitive {
			sensitive = 1
		}
		_, err := tx.Exec(sqlInsertObject,
			obj.ReferenceId.String(),
			obj.Type,
			obj.Content,
			obj.Summary,
			obj.AttributedTo,
			obj.InReplyTo,
			obj.Published,
			sensitive,
		)
		return err
	})
}

func (db *DB) ReadObject(referenceId uuid.UUID) (*domain.Object, error) {
	row := db.db.QueryRow(sqlSelectObject, referenceId.String())
	var o domain.Object
	var idStr string
	var sensitive, tombstoned int
	var published sql.NullTime
	err := row.Scan(&idStr, &o.Type, &o.Content, &o.Summary, &o.AttributedTo,
		&o.InReplyTo, &published, &sensitive, &tombstoned)
	if err != nil {
		return nil, err
	}
	o.ReferenceId, _ = uuid.Parse(idStr)
	if published.Valid {
		o.Published = published.Time
	}
	o.Sensitive = sensitive != 0
	o.Tombstoned = tombstoned != 0
	return &o, nil
}

// ReadObjectsByAuthor lists the newest non-tombstoned objects attributed to
// an actor uri, newest first.
func (db *DB) ReadObjectsByAuthor(actorURI string, limit int) ([]domain.Object, error) {
	rows, err := db.db.Query(sqlSelectObjectsByAuthor, actorURI, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []domain.Object
	for rows.Next() {
		var o domain.Object
		var idStr string
		var sensitive, tombstoned int
		var published sql.NullTime
		if err := rows.Scan(&idStr, &o.Type, &o.Content, &o.Summary, &o.AttributedTo,
			&o.InReplyTo, &published, &sensitive, &tombstoned); err != nil {
			return nil, err
		}
		o.ReferenceId, _ = uuid.Parse(idStr)
		if published.Valid {
			o.Published = published.Time
		}
		o.Sensitive = sensitive != 0
		o.Tombstoned = tombstoned != 0
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

func (db *DB) UpdateObject(obj *domain.Object) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		sensitive := 0
		if obj.Sensitive {
			sensitive = 1
		}
		_, err := tx.Exec(sqlUpdateObject, obj.Type, obj.Content, obj.Summary, sensitive, obj.ReferenceId.String())
		return err
	})
}

// TombstoneObject empties the object but keeps the reference, so the uri
// keeps answering 410 instead of 404.
func (db *DB) TombstoneObject(referenceId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstoneObject, referenceId.String())
		return err
	})
}

// Links

const (
	sqlDeleteLinks = `DELETE FROM links WHERE reference_id = ?`
	sqlInsertLink  = `INSERT INTO links(reference_id, href, media_type, name)
		VALUES (?, ?, ?, ?) ON CONFLICT(reference_id, href) DO NOTHING`
	sqlSelectLinks = `SELECT reference_id, href, media_type, name FROM links
		WHERE reference_id = ? ORDER BY href`
)

// ReplaceLinks swaps the link set of a reference for the one in the latest
// fetched document.
func (db *DB) ReplaceLinks(referenceId uuid.UUID, links []domain.Link) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteLinks, referenceId.String()); err != nil {
			return err
		}
		for _, l := range links {
			if l.Href == "" {
				continue
			}
			if _, err := tx.Exec(sqlInsertLink, referenceId.String(), l.Href, l.MediaType, l.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ReadLinks(referenceId uuid.UUID) ([]domain.Link, error) {
	rows, err := db.db.Query(sqlSelectLinks, referenceId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []domain.Link
	for rows.Next() {
		var l domain.Link
		var idStr string
		if err := rows.Scan(&idStr, &l.Href, &l.MediaType, &l.Name); err != nil {
			return nil, err
		}
		l.ReferenceId, _ = uuid.Parse(idStr)
		links = append(links, l)
	}
	return links, rows.Err()
}
