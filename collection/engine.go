// Package collection implements the membership sets backing followers,
// following, likes, shares and replies. Collections page newest-first with
// opaque, forward-stable cursors.
package collection

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
)

// Engine serializes mutations per collection so total_items and ordering
// never see lost updates.
type Engine struct {
	db    *db.DB
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewEngine(database *db.DB) *Engine {
	return &Engine{
		db:    database,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// lock returns the mutex guarding one collection's critical section.
func (e *Engine) lock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Make is idempotent by reference.
func (e *Engine) Make(ref *domain.Reference, owner *domain.Reference, ordered bool) (*domain.Collection, error) {
	ownerId := uuid.Nil
	if owner != nil {
		ownerId = owner.Id
	}
	return e.db.GetOrCreateCollection(ref.Id, ownerId, ordered)
}

// Append adds membership if absent and assigns the next monotonic position.
// Positions are never reused, including after removal. Returns true when
// membership changed.
func (e *Engine) Append(coll *domain.Collection, member *domain.Reference) (bool, error) {
	l := e.lock(coll.Id)
	l.Lock()
	defer l.Unlock()
	return e.db.AppendMember(coll.Id, member.Id, member.URI)
}

// Remove drops membership if present; a no-op otherwise.
func (e *Engine) Remove(coll *domain.Collection, member *domain.Reference) (bool, error) {
	l := e.lock(coll.Id)
	l.Lock()
	defer l.Unlock()
	return e.db.RemoveMember(coll.Id, member.Id)
}

func (e *Engine) Contains(coll *domain.Collection, member *domain.Reference) (bool, error) {
	return e.db.ContainsMember(coll.Id, member.Id)
}

// Page returns one page of members, newest first, and the cursor for the
// next page ("" when exhausted). A cursor pins the position ceiling of its
// page, so later appends never shift previously issued pages.
func (e *Engine) Page(coll *domain.Collection, cursor string, size int) ([]domain.CollectionMember, string, error) {
	if size <= 0 {
		size = 20
	}

	var maxPos int64
	if cursor == "" {
		fresh, err := e.db.ReadCollectionById(coll.Id)
		if err != nil {
			return nil, "", err
		}
		maxPos = fresh.NextPosition - 1
	} else {
		var err error
		maxPos, err = decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
	}
	if maxPos < 0 {
		return nil, "", nil
	}

	members, err := e.db.ReadMembersPage(coll.Id, maxPos, size+1)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(members) > size {
		members = members[:size]
		next = encodeCursor(members[len(members)-1].Position - 1)
	}
	return members, next, nil
}

const cursorPrefix = "v1:"

func encodeCursor(maxPos int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(maxPos, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, fmt.Errorf("invalid cursor")
	}
	pos, err := strconv.ParseInt(strings.TrimPrefix(s, cursorPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	return pos, nil
}
