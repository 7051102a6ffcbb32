package db

import (
	"database/sql"

	"go.uber.org/zap"
)

const (
	// Canonical identity for every URI-addressed resource. "references" is
	// an SQL keyword, hence "refs".
	sqlCreateRefsTable = `CREATE TABLE IF NOT EXISTS refs (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		domain TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unresolved',
		last_attempt TIMESTAMP,
		dereferenceable INTEGER DEFAULT 1
	)`

	sqlCreateRefsIndices = `
		CREATE INDEX IF NOT EXISTS idx_refs_domain ON refs(domain);
		CREATE INDEX IF NOT EXISTS idx_refs_status ON refs(status);
	`

	sqlCreateDomainsTable = `CREATE TABLE IF NOT EXISTS domains (
		name TEXT NOT NULL PRIMARY KEY,
		scheme TEXT NOT NULL DEFAULT 'https',
		port INTEGER NOT NULL DEFAULT 443,
		local INTEGER DEFAULT 0,
		blocked INTEGER DEFAULT 0,
		fail_count INTEGER DEFAULT 0,
		last_retry TIMESTAMP,
		last_successful_notification TEXT,
		last_successful_published TIMESTAMP
	)`

	// Typed contexts: each keyed by the owning reference, cascade on delete.
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		reference_id TEXT NOT NULL PRIMARY KEY REFERENCES refs(id) ON DELETE CASCADE,
		preferred_username TEXT,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT,
		outbox_uri TEXT,
		shared_inbox_uri TEXT,
		followers_uri TEXT,
		following_uri TEXT,
		liked_uri TEXT,
		public_key_pem TEXT,
		manually_approves INTEGER DEFAULT 0,
		fetched_at TIMESTAMP
	)`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		reference_id TEXT NOT NULL PRIMARY KEY REFERENCES refs(id) ON DELETE CASCADE,
		type TEXT NOT NULL DEFAULT 'Note',
		content TEXT,
		summary TEXT,
		attributed_to TEXT NOT NULL,
		in_reply_to TEXT,
		published TIMESTAMP,
		sensitive INTEGER DEFAULT 0,
		tombstoned INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		reference_id TEXT NOT NULL PRIMARY KEY REFERENCES refs(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		target_uri TEXT,
		published TIMESTAMP,
		raw_json TEXT,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_actor ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(type);
	`

	sqlCreateCollectionsTable = `CREATE TABLE IF NOT EXISTS collections (
		id TEXT NOT NULL PRIMARY KEY,
		reference_id TEXT UNIQUE NOT NULL REFERENCES refs(id) ON DELETE CASCADE,
		owner_ref_id TEXT,
		ordered INTEGER DEFAULT 1,
		total_items INTEGER DEFAULT 0,
		next_position INTEGER DEFAULT 0
	)`

	// Membership is keyed by (collection, member reference): members are
	// identified by reference identity, not row id.
	sqlCreateCollectionMembersTable = `CREATE TABLE IF NOT EXISTS collection_members (
		collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		member_ref_id TEXT NOT NULL,
		member_uri TEXT NOT NULL,
		position INTEGER NOT NULL,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection_id, member_ref_id)
	)`

	sqlCreateCollectionMembersIndices = `
		CREATE INDEX IF NOT EXISTS idx_collection_members_position ON collection_members(collection_id, position DESC);
	`

	sqlCreateLinksTable = `CREATE TABLE IF NOT EXISTS links (
		reference_id TEXT NOT NULL REFERENCES refs(id) ON DELETE CASCADE,
		href TEXT NOT NULL,
		media_type TEXT DEFAULT '',
		name TEXT DEFAULT '',
		PRIMARY KEY (reference_id, href)
	)`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		resource_ref_id TEXT NOT NULL,
		sender_ref_id TEXT NOT NULL,
		target_ref_id TEXT NOT NULL,
		inbox_uri TEXT DEFAULT '',
		authenticated INTEGER DEFAULT 0,
		verified INTEGER DEFAULT 0,
		processed INTEGER DEFAULT 0,
		dropped INTEGER DEFAULT 0,
		outcome TEXT DEFAULT '',
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_processed ON notifications(processed);
		CREATE INDEX IF NOT EXISTS idx_notifications_retry ON notifications(processed, dropped, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_notifications_resource ON notifications(resource_ref_id);
	`

	sqlCreateFollowRequestsTable = `CREATE TABLE IF NOT EXISTS follow_requests (
		id TEXT NOT NULL PRIMARY KEY,
		follower_ref_id TEXT NOT NULL,
		followed_ref_id TEXT NOT NULL,
		activity_ref_id TEXT UNIQUE NOT NULL,
		status TEXT NOT NULL DEFAULT 'submitted',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (follower_ref_id, followed_ref_id)
	)`

	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		public_key_pem TEXT,
		private_key_pem TEXT,
		manually_approves INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations executes all database migrations.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"refs", sqlCreateRefsTable},
			{"domains", sqlCreateDomainsTable},
			{"actors", sqlCreateActorsTable},
			{"objects", sqlCreateObjectsTable},
			{"activities", sqlCreateActivitiesTable},
			{"collections", sqlCreateCollectionsTable},
			{"collection_members", sqlCreateCollectionMembersTable},
			{"links", sqlCreateLinksTable},
			{"notifications", sqlCreateNotificationsTable},
			{"follow_requests", sqlCreateFollowRequestsTable},
			{"accounts", sqlCreateAccountsTable},
		}
		for _, t := range tables {
			if _, err := tx.Exec(t.sql); err != nil {
				zap.S().Errorf("Error creating table %s: %v", t.name, err)
				return err
			}
		}

		indices := []string{
			sqlCreateRefsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateCollectionMembersIndices,
			sqlCreateNotificationsIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				zap.S().Warnf("Failed to create indices: %v", err)
			}
		}

		return nil
	})
}
