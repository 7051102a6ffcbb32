package db

import (
	"database/sql"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertCollection = `INSERT INTO collections(id, reference_id, owner_ref_id, ordered, total_items, next_position)
		VALUES (?, ?, ?, ?, 0, 0) ON CONFLICT(reference_id) DO NOTHING`
	sqlSelectCollectionByRef = `SELECT id, reference_id, owner_ref_id, ordered, total_items, next_position
		FROM collections WHERE reference_id = ?`
	sqlSelectCollectionById = `SELECT id, reference_id, owner_ref_id, ordered, total_items, next_position
		FROM collections WHERE id = ?`

	sqlInsertMember = `INSERT INTO collection_members(collection_id, member_ref_id, member_uri, position, added_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(collection_id, member_ref_id) DO NOTHING`
	sqlDeleteMember = `DELETE FROM collection_members WHERE collection_id = ? AND member_ref_id = ?`
	sqlSelectMember = `SELECT collection_id, member_ref_id, member_uri, position, added_at
		FROM collection_members WHERE collection_id = ? AND member_ref_id = ?`
	sqlSelectMembersPage = `SELECT collection_id, member_ref_id, member_uri, position, added_at
		FROM collection_members WHERE collection_id = ? AND position <= ?
		ORDER BY position DESC LIMIT ?`

	// total_items and next_position only move together with membership, in
	// the same transaction.
	sqlBumpCollectionAdd    = `UPDATE collections SET total_items = total_items + 1, next_position = next_position + 1 WHERE id = ?`
	sqlBumpCollectionRemove = `UPDATE collections SET total_items = total_items - 1 WHERE id = ?`
)

// GetOrCreateCollection is idempotent by reference.
func (db *DB) GetOrCreateCollection(referenceId uuid.UUID, ownerRefId uuid.UUID, ordered bool) (*domain.Collection, error) {
	orderedInt := 0
	if ordered {
		orderedInt = 1
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCollection, uuid.New().String(), referenceId.String(),
			ownerRefId.String(), orderedInt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadCollectionByRef(referenceId)
}

func (db *DB) ReadCollectionByRef(referenceId uuid.UUID) (*domain.Collection, error) {
	return db.scanCollection(db.db.QueryRow(sqlSelectCollectionByRef, referenceId.String()))
}

func (db *DB) ReadCollectionById(id uuid.UUID) (*domain.Collection, error) {
	return db.scanCollection(db.db.QueryRow(sqlSelectCollectionById, id.String()))
}

func (db *DB) scanCollection(row *sql.Row) (*domain.Collection, error) {
	var c domain.Collection
	var idStr, refStr, ownerStr string
	var ordered int
	err := row.Scan(&idStr, &refStr, &ownerStr, &ordered, &c.TotalItems, &c.NextPosition)
	if err != nil {
		return nil, err
	}
	c.Id, _ = uuid.Parse(idStr)
	c.ReferenceId, _ = uuid.Parse(refStr)
	c.OwnerRefId, _ = uuid.Parse(ownerStr)
	c.Ordered = ordered != 0
	return &c, nil
}

// AppendMember adds a member at the collection's next position. The insert
// is a no-op for existing members; total_items and next_position move only
// when a row was actually added. Returns true when membership changed.
func (db *DB) AppendMember(collectionId uuid.UUID, memberRefId uuid.UUID, memberURI string) (bool, error) {
	added := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var next int64
		if err := tx.QueryRow(`SELECT next_position FROM collections WHERE id = ?`, collectionId.String()).Scan(&next); err != nil {
			return err
		}
		res, err := tx.Exec(sqlInsertMember, collectionId.String(), memberRefId.String(),
			memberURI, next, time.Now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		added = true
		_, err = tx.Exec(sqlBumpCollectionAdd, collectionId.String())
		return err
	})
	return added, err
}

// RemoveMember removes a member if present. Positions are never reused.
// Returns true when membership changed.
func (db *DB) RemoveMember(collectionId uuid.UUID, memberRefId uuid.UUID) (bool, error) {
	removed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteMember, collectionId.String(), memberRefId.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		removed = true
		_, err = tx.Exec(sqlBumpCollectionRemove, collectionId.String())
		return err
	})
	return removed, err
}

func (db *DB) ContainsMember(collectionId uuid.UUID, memberRefId uuid.UUID) (bool, error) {
	row := db.db.QueryRow(sqlSelectMember, collectionId.String(), memberRefId.String())
	var m domain.CollectionMember
	var collStr, memberStr string
	var added sql.NullTime
	err := row.Scan(&collStr, &memberStr, &m.MemberURI, &m.Position, &added)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadMembersPage returns up to limit members with position <= maxPosition,
// newest first.
func (db *DB) ReadMembersPage(collectionId uuid.UUID, maxPosition int64, limit int) ([]domain.CollectionMember, error) {
	rows, err := db.db.Query(sqlSelectMembersPage, collectionId.String(), maxPosition, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.CollectionMember
	for rows.Next() {
		var m domain.CollectionMember
		var collStr, memberStr string
		var added sql.NullTime
		if err := rows.Scan(&collStr, &memberStr, &m.MemberURI, &m.Position, &added); err != nil {
			return members, err
		}
		m.CollectionId, _ = uuid.Parse(collStr)
		m.MemberRefId, _ = uuid.Parse(memberStr)
		if added.Valid {
			m.AddedAt = added.Time
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
