package db

import (
	"database/sql"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
)

// Activities

const (
	sqlInsertActivity = `INSERT INTO activities(reference_id, type, actor_uri, object_uri, target_uri, published, raw_json, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(reference_id) DO NOTHING`
	sqlSelectActivity = `SELECT reference_id, type, actor_uri, object_uri, target_uri, published, raw_json, local
		FROM activities WHERE reference_id = ?`
)

// CreateActivity stores the immutable activity payload. Re-inserting the
// same reference is a no-op; the first payload wins.
func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		local := 0
		if activity.Local {
			local = 1
		}
		_, err := tx.Exec(sqlInsertActivity,
			activity.ReferenceId.String(),
			activity.Type,
			activity.ActorURI,
			activity.ObjectURI,
			activity.TargetURI,
			activity.Published,
			activity.RawJSON,
			local,
		)
		return err
	})
}

func (db *DB) ReadActivity(referenceId uuid.UUID) (*domain.Activity, error) {
	row := db.db.QueryRow(sqlSelectActivity, referenceId.String())
	var a domain.Activity
	var idStr string
	var local int
	var published sql.NullTime
	err := row.Scan(&idStr, &a.Type, &a.ActorURI, &a.ObjectURI, &a.TargetURI,
		&published, &a.RawJSON, &local)
	if err != nil {
		return nil, err
	}
	a.ReferenceId, _ = uuid.Parse(idStr)
	if published.Valid {
		a.Published = published.Time
	}
	a.Local = local != 0
	return &a, nil
}

// Notifications

const (
	sqlInsertNotification = `INSERT INTO notifications(id, resource_ref_id, sender_ref_id, target_ref_id,
		inbox_uri, authenticated, verified, processed, dropped, outcome, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, '', 0, ?, ?)`
	sqlSelectNotification = `SELECT id, resource_ref_id, sender_ref_id, target_ref_id, inbox_uri,
		authenticated, verified, processed, dropped, outcome, attempts, next_retry_at, created_at
		FROM notifications WHERE id = ?`
	sqlSetNotificationAuth = `UPDATE notifications SET authenticated = ?, verified = ? WHERE id = ?`
	// Processed and dropped are alternative terminal states; each
	// transition is conditional on the row still being live, so only one
	// caller ever sees a row flip.
	sqlMarkNotificationProcessed = `UPDATE notifications SET processed = 1, outcome = ? WHERE id = ? AND processed = 0 AND dropped = 0`
	sqlMarkNotificationDropped   = `UPDATE notifications SET dropped = 1, outcome = ? WHERE id = ? AND processed = 0 AND dropped = 0`
	sqlUpdateNotificationAttempt = `UPDATE notifications SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlSelectPendingOutbound     = `SELECT id, resource_ref_id, sender_ref_id, target_ref_id, inbox_uri,
		authenticated, verified, processed, dropped, outcome, attempts, next_retry_at, created_at
		FROM notifications WHERE processed = 0 AND dropped = 0 AND inbox_uri != '' AND next_retry_at <= ?
		ORDER BY created_at ASC LIMIT ?`
)

func (db *DB) CreateNotification(n *domain.Notification) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNotification,
			n.Id.String(),
			n.ResourceRefId.String(),
			n.SenderRefId.String(),
			n.TargetRefId.String(),
			n.InboxURI,
			n.NextRetryAt,
			n.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadNotification(id uuid.UUID) (*domain.Notification, error) {
	return db.scanNotification(db.db.QueryRow(sqlSelectNotification, id.String()))
}

func (db *DB) scanNotification(row *sql.Row) (*domain.Notification, error) {
	var n domain.Notification
	var idStr, resStr, senderStr, targetStr, outcome string
	var auth, verified, processed, dropped int
	var nextRetry, created sql.NullTime
	err := row.Scan(&idStr, &resStr, &senderStr, &targetStr, &n.InboxURI,
		&auth, &verified, &processed, &dropped, &outcome, &n.Attempts, &nextRetry, &created)
	if err != nil {
		return nil, err
	}
	n.Id, _ = uuid.Parse(idStr)
	n.ResourceRefId, _ = uuid.Parse(resStr)
	n.SenderRefId, _ = uuid.Parse(senderStr)
	n.TargetRefId, _ = uuid.Parse(targetStr)
	n.Authenticated = auth != 0
	n.Verified = verified != 0
	n.Processed = processed != 0
	n.Dropped = dropped != 0
	n.Outcome = domain.Outcome(outcome)
	if nextRetry.Valid {
		n.NextRetryAt = nextRetry.Time
	}
	if created.Valid {
		n.CreatedAt = created.Time
	}
	return &n, nil
}

func (db *DB) SetNotificationAuthenticated(id uuid.UUID, authenticated bool, verified bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		a, v := 0, 0
		if authenticated {
			a = 1
		}
		if verified {
			v = 1
		}
		_, err := tx.Exec(sqlSetNotificationAuth, a, v, id.String())
		return err
	})
}

// MarkNotificationProcessed atomically claims the processed transition.
// Returns false when another worker already processed the notification.
func (db *DB) MarkNotificationProcessed(id uuid.UUID, outcome domain.Outcome) (bool, error) {
	claimed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlMarkNotificationProcessed, string(outcome), id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n > 0
		return err
	})
	return claimed, err
}

// MarkNotificationDropped terminates a notification without side effects.
func (db *DB) MarkNotificationDropped(id uuid.UUID, outcome domain.Outcome) (bool, error) {
	dropped := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlMarkNotificationDropped, string(outcome), id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		dropped = n > 0
		return err
	})
	return dropped, err
}

func (db *DB) UpdateNotificationAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateNotificationAttempt, attempts, nextRetry, id.String())
		return err
	})
}

// ReadPendingOutbound returns due outbound notifications, oldest first.
func (db *DB) ReadPendingOutbound(limit int) ([]domain.Notification, error) {
	rows, err := db.db.Query(sqlSelectPendingOutbound, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var idStr, resStr, senderStr, targetStr, outcome string
		var auth, verified, processed, dropped int
		var nextRetry, created sql.NullTime
		if err := rows.Scan(&idStr, &resStr, &senderStr, &targetStr, &n.InboxURI,
			&auth, &verified, &processed, &dropped, &outcome, &n.Attempts, &nextRetry, &created); err != nil {
			return items, err
		}
		n.Id, _ = uuid.Parse(idStr)
		n.ResourceRefId, _ = uuid.Parse(resStr)
		n.SenderRefId, _ = uuid.Parse(senderStr)
		n.TargetRefId, _ = uuid.Parse(targetStr)
		n.Authenticated = auth != 0
		n.Verified = verified != 0
		n.Processed = processed != 0
		n.Dropped = dropped != 0
		n.Outcome = domain.Outcome(outcome)
		if nextRetry.Valid {
			n.NextRetryAt = nextRetry.Time
		}
		if created.Valid {
			n.CreatedAt = created.Time
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// Follow requests

const (
	sqlInsertFollowRequest = `INSERT INTO follow_requests(id, follower_ref_id, followed_ref_id, activity_ref_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectFollowRequestByActivity = `SELECT id, follower_ref_id, followed_ref_id, activity_ref_id, status, created_at, updated_at
		FROM follow_requests WHERE activity_ref_id = ?`
	sqlSelectFollowRequestByPair = `SELECT id, follower_ref_id, followed_ref_id, activity_ref_id, status, created_at, updated_at
		FROM follow_requests WHERE follower_ref_id = ? AND followed_ref_id = ?`
	// Conditional on the current status so a stale Accept can never move a
	// request out of a terminal state.
	sqlUpdateFollowRequestStatus = `UPDATE follow_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	sqlDeleteFollowRequest       = `DELETE FROM follow_requests WHERE id = ?`
)

func (db *DB) CreateFollowRequest(fr *domain.FollowRequest) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollowRequest,
			fr.Id.String(),
			fr.FollowerRefId.String(),
			fr.FollowedRefId.String(),
			fr.ActivityRefId.String(),
			string(fr.Status),
			fr.CreatedAt,
			fr.UpdatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowRequestByActivity(activityRefId uuid.UUID) (*domain.FollowRequest, error) {
	return db.scanFollowRequest(db.db.QueryRow(sqlSelectFollowRequestByActivity, activityRefId.String()))
}

func (db *DB) ReadFollowRequestByPair(followerRefId uuid.UUID, followedRefId uuid.UUID) (*domain.FollowRequest, error) {
	return db.scanFollowRequest(db.db.QueryRow(sqlSelectFollowRequestByPair,
		followerRefId.String(), followedRefId.String()))
}

func (db *DB) scanFollowRequest(row *sql.Row) (*domain.FollowRequest, error) {
	var fr domain.FollowRequest
	var idStr, followerStr, followedStr, activityStr, status string
	var created, updated sql.NullTime
	err := row.Scan(&idStr, &followerStr, &followedStr, &activityStr, &status, &created, &updated)
	if err != nil {
		return nil, err
	}
	fr.Id, _ = uuid.Parse(idStr)
	fr.FollowerRefId, _ = uuid.Parse(followerStr)
	fr.FollowedRefId, _ = uuid.Parse(followedStr)
	fr.ActivityRefId, _ = uuid.Parse(activityStr)
	fr.Status = domain.FollowStatus(status)
	if created.Valid {
		fr.CreatedAt = created.Time
	}
	if updated.Valid {
		fr.UpdatedAt = updated.Time
	}
	return &fr, nil
}

// TransitionFollowRequest moves a request from one status to another only if
// it is still in the expected state. Returns false otherwise.
func (db *DB) TransitionFollowRequest(id uuid.UUID, from domain.FollowStatus, to domain.FollowStatus) (bool, error) {
	moved := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateFollowRequestStatus, string(to), time.Now(), id.String(), string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		moved = n > 0
		return err
	})
	return moved, err
}

func (db *DB) DeleteFollowRequest(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowRequest, id.String())
		return err
	})
}

// Accounts

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, public_key_pem, private_key_pem, manually_approves, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, public_key_pem, private_key_pem, manually_approves, created_at
		FROM accounts WHERE username = ?`
)

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		manual := 0
		if acc.ManuallyApproves {
			manual = 1
		}
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			manual,
			acc.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadAccountByUsername(username string) (*domain.Account, error) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	var acc domain.Account
	var idStr string
	var manual int
	var created sql.NullTime
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary,
		&acc.PublicKeyPem, &acc.PrivateKeyPem, &manual, &created)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.ManuallyApproves = manual != 0
	if created.Valid {
		acc.CreatedAt = created.Time
	}
	return &acc, nil
}
