package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fedeng/deino/collection"
	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/refstore"
	"github.com/fedeng/deino/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db   *db.DB
	refs *refstore.Store
	coll *collection.Engine
	eng  *Engine
	out  *fakeOutbound
}

type fakeOutbound struct {
	sent       []*domain.Activity
	recipients [][]string
}

func (f *fakeOutbound) SubmitOutbound(ctx context.Context, act *domain.Activity, recipients []string) error {
	f.sent = append(f.sent, act)
	f.recipients = append(f.recipients, recipients)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"
	conf.Conf.FetchTimeoutSec = 5

	refs := refstore.NewStore(database, conf)
	coll := collection.NewEngine(database)
	eng := NewEngine(database, refs, coll, conf)
	out := &fakeOutbound{}
	eng.SetOutbound(out)
	return &fixture{db: database, refs: refs, coll: coll, eng: eng, out: out}
}

// localAccount creates a local account plus its actor document.
func (f *fixture) localAccount(t *testing.T, username string, manuallyApproves bool) string {
	t.Helper()
	acc := &domain.Account{
		Id:               uuid.New(),
		Username:         username,
		ManuallyApproves: manuallyApproves,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, f.db.CreateAccount(acc))
	ref, err := f.refs.EnsureLocalActor(acc)
	require.NoError(t, err)
	return ref.URI
}

// activity stores an activity record with its own reference.
func (f *fixture) activity(t *testing.T, typ, uri, actorURI, objectURI, rawJSON string) *domain.Activity {
	t.Helper()
	ref, err := f.refs.Make(uri)
	require.NoError(t, err)
	if rawJSON == "" {
		rawJSON = fmt.Sprintf(`{"id":%q,"type":%q,"actor":%q,"object":%q}`, uri, typ, actorURI, objectURI)
	}
	act := &domain.Activity{
		ReferenceId: ref.Id,
		Type:        typ,
		ActorURI:    actorURI,
		ObjectURI:   objectURI,
		Published:   time.Now(),
		RawJSON:     rawJSON,
	}
	require.NoError(t, f.db.CreateActivity(act))
	return act
}

// members returns the member URIs of the collection at uri, or nil when the
// collection does not exist.
func (f *fixture) members(t *testing.T, uri string) []string {
	t.Helper()
	ref, err := f.eng.refByURI(uri)
	require.NoError(t, err)
	if ref == nil {
		return nil
	}
	coll, err := f.db.ReadCollectionByRef(ref.Id)
	if err != nil {
		return nil
	}
	page, _, err := f.coll.Page(coll, "", 100)
	require.NoError(t, err)
	uris := make([]string, 0, len(page))
	for _, m := range page {
		uris = append(uris, m.MemberURI)
	}
	return uris
}

// uriOf reads back the canonical URI of an activity's reference.
func (f *fixture) uriOf(t *testing.T, act *domain.Activity) string {
	t.Helper()
	ref, err := f.eng.refById(act.ReferenceId)
	require.NoError(t, err)
	require.NotNil(t, ref)
	return ref.URI
}

func (f *fixture) followRequest(t *testing.T, act *domain.Activity) *domain.FollowRequest {
	t.Helper()
	fr, err := f.eng.requestByActivity(act.ReferenceId)
	require.NoError(t, err)
	return fr
}

const remoteAlice = "https://remote.example/users/alice"

func TestFollowManualApprovalStaysSubmitted(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", true)

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	outcome, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	fr := f.followRequest(t, follow)
	require.NotNil(t, fr)
	assert.Equal(t, domain.FollowSubmitted, fr.Status)
	assert.Empty(t, f.members(t, bob+"/followers"))
	assert.Empty(t, f.out.sent)
}

func TestFollowAutoAccept(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", false)

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	outcome, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	fr := f.followRequest(t, follow)
	require.NotNil(t, fr)
	assert.Equal(t, domain.FollowAccepted, fr.Status)
	assert.Contains(t, f.members(t, bob+"/followers"), remoteAlice)

	require.Len(t, f.out.sent, 1)
	assert.Equal(t, "Accept", f.out.sent[0].Type)
	assert.True(t, f.out.sent[0].Local)
	assert.Equal(t, []string{remoteAlice}, f.out.recipients[0])
}

func TestFollowAppliedTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", false)

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	_, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)
	outcome, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	assert.Len(t, f.members(t, bob+"/followers"), 1)
	assert.Len(t, f.out.sent, 1, "duplicate follow must not resend the accept")
}

func TestAcceptByFollowedAddsFollower(t *testing.T) {
	f := newFixture(t)
	alice := f.localAccount(t, "alice", true)
	remoteBob := "https://remote.example/users/bob"

	follow := f.activity(t, "Follow", "https://local.example/activities/f1", alice, remoteBob, "")
	_, err := f.eng.Apply(context.Background(), follow, alice)
	require.NoError(t, err)

	accept := f.activity(t, "Accept", "https://remote.example/activities/a1", remoteBob, f.uriOf(t, follow), "")
	outcome, err := f.eng.Apply(context.Background(), accept, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	fr := f.followRequest(t, follow)
	assert.Equal(t, domain.FollowAccepted, fr.Status)
	assert.Contains(t, f.members(t, remoteBob+"/followers"), alice)
}

func TestAcceptByThirdPartyIsNoop(t *testing.T) {
	f := newFixture(t)
	alice := f.localAccount(t, "alice", true)
	remoteBob := "https://remote.example/users/bob"
	mallory := "https://remote.example/users/mallory"

	follow := f.activity(t, "Follow", "https://local.example/activities/f1", alice, remoteBob, "")
	_, err := f.eng.Apply(context.Background(), follow, alice)
	require.NoError(t, err)

	accept := f.activity(t, "Accept", "https://remote.example/activities/a1", mallory, f.uriOf(t, follow), "")
	outcome, err := f.eng.Apply(context.Background(), accept, mallory)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	fr := f.followRequest(t, follow)
	assert.Equal(t, domain.FollowSubmitted, fr.Status)
	assert.Empty(t, f.members(t, remoteBob+"/followers"))
}

func TestStaleAcceptAfterRejectStaysRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.localAccount(t, "alice", true)
	remoteBob := "https://remote.example/users/bob"

	follow := f.activity(t, "Follow", "https://local.example/activities/f1", alice, remoteBob, "")
	_, err := f.eng.Apply(context.Background(), follow, alice)
	require.NoError(t, err)

	reject := f.activity(t, "Reject", "https://remote.example/activities/r1", remoteBob, f.uriOf(t, follow), "")
	outcome, err := f.eng.Apply(context.Background(), reject, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	accept := f.activity(t, "Accept", "https://remote.example/activities/a1", remoteBob, f.uriOf(t, follow), "")
	outcome, err = f.eng.Apply(context.Background(), accept, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	fr := f.followRequest(t, follow)
	assert.Equal(t, domain.FollowRejected, fr.Status)
	assert.Empty(t, f.members(t, remoteBob+"/followers"))
}

func TestRejectAfterAcceptIsNoop(t *testing.T) {
	f := newFixture(t)
	alice := f.localAccount(t, "alice", true)
	remoteBob := "https://remote.example/users/bob"

	follow := f.activity(t, "Follow", "https://local.example/activities/f1", alice, remoteBob, "")
	_, err := f.eng.Apply(context.Background(), follow, alice)
	require.NoError(t, err)

	accept := f.activity(t, "Accept", "https://remote.example/activities/a1", remoteBob, f.uriOf(t, follow), "")
	_, err = f.eng.Apply(context.Background(), accept, remoteBob)
	require.NoError(t, err)

	reject := f.activity(t, "Reject", "https://remote.example/activities/r1", remoteBob, f.uriOf(t, follow), "")
	outcome, err := f.eng.Apply(context.Background(), reject, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	fr := f.followRequest(t, follow)
	assert.Equal(t, domain.FollowAccepted, fr.Status)
	assert.Contains(t, f.members(t, remoteBob+"/followers"), alice)
}

func createRaw(activityURI, actorURI, objectId, attributedTo, content string) string {
	return fmt.Sprintf(`{
		"id": %q, "type": "Create", "actor": %q,
		"object": {
			"id": %q, "type": "Note", "attributedTo": %q,
			"content": %q, "published": "2026-08-01T12:00:00Z"
		}
	}`, activityURI, actorURI, objectId, attributedTo, content)
}

func TestCreateAttachesObject(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://remote.example/notes/1"
	raw := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI, remoteAlice, "hello")

	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw)
	outcome, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	ref, err := f.eng.refByURI(noteURI)
	require.NoError(t, err)
	require.NotNil(t, ref)
	obj, err := f.refs.ObjectOf(ref)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "hello", obj.Content)
	assert.Equal(t, remoteAlice, obj.AttributedTo)
}

func TestCreateWithSpoofedAttributionDiscards(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://remote.example/notes/1"
	raw := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI,
		"https://remote.example/users/victim", "spoofed")

	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw)
	outcome, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	ref, err := f.eng.refByURI(noteURI)
	require.NoError(t, err)
	if ref != nil {
		obj, err := f.refs.ObjectOf(ref)
		require.NoError(t, err)
		assert.Nil(t, obj, "spoofed object must never be loaded")
	}
}

func TestCreateUnderForeignDomainDiscards(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://other.example/notes/1"
	raw := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI, remoteAlice, "x")

	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw)
	outcome, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
}

func TestCreateNeverOverwritesExistingContent(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://remote.example/notes/1"

	raw1 := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI, remoteAlice, "original")
	create1 := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw1)
	_, err := f.eng.Apply(context.Background(), create1, remoteAlice)
	require.NoError(t, err)

	raw2 := createRaw("https://remote.example/activities/c2", remoteAlice, noteURI, remoteAlice, "overwrite")
	create2 := f.activity(t, "Create", "https://remote.example/activities/c2", remoteAlice, noteURI, raw2)
	outcome, err := f.eng.Apply(context.Background(), create2, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	ref, _ := f.eng.refByURI(noteURI)
	obj, err := f.refs.ObjectOf(ref)
	require.NoError(t, err)
	assert.Equal(t, "original", obj.Content)
}

func TestCreateReplyJoinsLocalRepliesCollection(t *testing.T) {
	f := newFixture(t)
	alice := f.localAccount(t, "alice", false)

	parentURI := "https://local.example/notes/parent"
	parentRef, err := f.refs.Make(parentURI)
	require.NoError(t, err)
	require.NoError(t, f.db.CreateObject(&domain.Object{
		ReferenceId:  parentRef.Id,
		Type:         "Note",
		Content:      "parent",
		AttributedTo: alice,
		Published:    time.Now(),
	}))

	replyURI := "https://remote.example/notes/reply"
	raw := fmt.Sprintf(`{
		"id": "https://remote.example/activities/c1", "type": "Create", "actor": %q,
		"object": {
			"id": %q, "type": "Note", "attributedTo": %q,
			"content": "a reply", "inReplyTo": %q
		}
	}`, remoteAlice, replyURI, remoteAlice, parentURI)

	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, replyURI, raw)
	outcome, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.Contains(t, f.members(t, parentURI+"/replies"), replyURI)
}

func TestUpdateByOwnerAndByStranger(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://remote.example/notes/1"
	raw := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI, remoteAlice, "v1")
	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw)
	_, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)

	updateRaw := fmt.Sprintf(`{"id":"https://remote.example/activities/u1","type":"Update","actor":%q,
		"object":{"id":%q,"type":"Question","attributedTo":%q,"content":"v2"}}`, remoteAlice, noteURI, remoteAlice)
	update := f.activity(t, "Update", "https://remote.example/activities/u1", remoteAlice, noteURI, updateRaw)
	outcome, err := f.eng.Apply(context.Background(), update, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	ref, _ := f.eng.refByURI(noteURI)
	obj, _ := f.refs.ObjectOf(ref)
	assert.Equal(t, "v2", obj.Content)
	assert.Equal(t, "Question", obj.Type)

	mallory := "https://remote.example/users/mallory"
	strangerRaw := fmt.Sprintf(`{"id":"https://remote.example/activities/u2","type":"Update","actor":%q,
		"object":{"id":%q,"type":"Note","content":"hax"}}`, mallory, noteURI)
	stranger := f.activity(t, "Update", "https://remote.example/activities/u2", mallory, noteURI, strangerRaw)
	outcome, err = f.eng.Apply(context.Background(), stranger, mallory)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	obj, _ = f.refs.ObjectOf(ref)
	assert.Equal(t, "v2", obj.Content)
}

func TestDeleteTombstonesOwnObject(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://remote.example/notes/1"
	raw := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI, remoteAlice, "bye")
	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw)
	_, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)

	del := f.activity(t, "Delete", "https://remote.example/activities/d1", remoteAlice, noteURI, "")
	outcome, err := f.eng.Apply(context.Background(), del, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	ref, _ := f.eng.refByURI(noteURI)
	assert.Equal(t, domain.RefGone, ref.Status)
	obj, _ := f.refs.ObjectOf(ref)
	assert.True(t, obj.Tombstoned)
	assert.Empty(t, obj.Content)

	// Deleting an already tombstoned object stays OK.
	del2 := f.activity(t, "Delete", "https://remote.example/activities/d2", remoteAlice, noteURI, "")
	outcome, err = f.eng.Apply(context.Background(), del2, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
}

func TestDeleteByStrangerIsNoop(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://remote.example/notes/1"
	raw := createRaw("https://remote.example/activities/c1", remoteAlice, noteURI, remoteAlice, "keep")
	create := f.activity(t, "Create", "https://remote.example/activities/c1", remoteAlice, noteURI, raw)
	_, err := f.eng.Apply(context.Background(), create, remoteAlice)
	require.NoError(t, err)

	mallory := "https://remote.example/users/mallory"
	del := f.activity(t, "Delete", "https://remote.example/activities/d1", mallory, noteURI, "")
	outcome, err := f.eng.Apply(context.Background(), del, mallory)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)

	ref, _ := f.eng.refByURI(noteURI)
	obj, _ := f.refs.ObjectOf(ref)
	assert.False(t, obj.Tombstoned)
}

func TestLikeThenUndo(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://local.example/notes/1"
	likeURI := "https://remote.example/activities/l1"
	remoteBob := "https://remote.example/users/bob"

	like := f.activity(t, "Like", likeURI, remoteBob, noteURI, "")
	outcome, err := f.eng.Apply(context.Background(), like, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.Equal(t, []string{likeURI}, f.members(t, noteURI+"/likes"))

	// Re-applying the same like changes nothing.
	outcome, err = f.eng.Apply(context.Background(), like, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.Len(t, f.members(t, noteURI+"/likes"), 1)

	undo := f.activity(t, "Undo", "https://remote.example/activities/un1", remoteBob, likeURI, "")
	outcome, err = f.eng.Apply(context.Background(), undo, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.Empty(t, f.members(t, noteURI+"/likes"))

	// The undone like is gone entirely; a second undo has nothing to act on.
	undo2 := f.activity(t, "Undo", "https://remote.example/activities/un2", remoteBob, likeURI, "")
	outcome, err = f.eng.Apply(context.Background(), undo2, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
}

func TestAnnounceAppendsToShares(t *testing.T) {
	f := newFixture(t)
	noteURI := "https://local.example/notes/1"
	announceURI := "https://remote.example/activities/an1"
	remoteBob := "https://remote.example/users/bob"

	announce := f.activity(t, "Announce", announceURI, remoteBob, noteURI, "")
	outcome, err := f.eng.Apply(context.Background(), announce, remoteBob)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)
	assert.Equal(t, []string{announceURI}, f.members(t, noteURI+"/shares"))
}

func TestUndoFollowRemovesFollowerAndRequest(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", false)

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	_, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)
	require.Contains(t, f.members(t, bob+"/followers"), remoteAlice)

	undo := f.activity(t, "Undo", "https://remote.example/activities/un1", remoteAlice, f.uriOf(t, follow), "")
	outcome, err := f.eng.Apply(context.Background(), undo, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome)

	assert.NotContains(t, f.members(t, bob+"/followers"), remoteAlice)
	fr, err := f.eng.requestByActivity(follow.ReferenceId)
	require.NoError(t, err)
	assert.Nil(t, fr)
}

func TestUndoBySomeoneElseIsNoop(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", false)
	mallory := "https://remote.example/users/mallory"

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	_, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)

	undo := f.activity(t, "Undo", "https://remote.example/activities/un1", mallory, f.uriOf(t, follow), "")
	outcome, err := f.eng.Apply(context.Background(), undo, mallory)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
	assert.Contains(t, f.members(t, bob+"/followers"), remoteAlice)
}

func TestActorAuthorityMismatchSkips(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", false)

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	outcome, err := f.eng.Apply(context.Background(), follow, "https://remote.example/users/mallory")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
	assert.Nil(t, f.followRequest(t, follow))
}

func TestUnsupportedTypeSkips(t *testing.T) {
	f := newFixture(t)
	act := f.activity(t, "Flag", "https://remote.example/activities/x1", remoteAlice, "", `{"type":"Flag"}`)
	outcome, err := f.eng.Apply(context.Background(), act, remoteAlice)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
}

func TestRelevantReflectsUndoAndReject(t *testing.T) {
	f := newFixture(t)
	bob := f.localAccount(t, "bob", false)

	follow := f.activity(t, "Follow", "https://remote.example/activities/f1", remoteAlice, bob, "")
	_, err := f.eng.Apply(context.Background(), follow, remoteAlice)
	require.NoError(t, err)
	assert.True(t, f.eng.Relevant(follow))

	undo := f.activity(t, "Undo", "https://remote.example/activities/un1", remoteAlice, f.uriOf(t, follow), "")
	_, err = f.eng.Apply(context.Background(), undo, remoteAlice)
	require.NoError(t, err)
	assert.False(t, f.eng.Relevant(follow), "an undone follow is no longer worth delivering")
}
