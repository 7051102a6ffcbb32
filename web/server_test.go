package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fedeng/deino/collection"
	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/delivery"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/engine"
	"github.com/fedeng/deino/pipeline"
	"github.com/fedeng/deino/refstore"
	"github.com/fedeng/deino/security"
	"github.com/fedeng/deino/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv  *Server
	db   *db.DB
	refs *refstore.Store
	coll *collection.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"
	conf.Conf.FetchTimeoutSec = 1
	conf.Conf.DeliverTimeoutSec = 1
	conf.Conf.FailThreshold = 3
	conf.Conf.CooldownMin = 15
	conf.Conf.Workers = 1
	conf.Conf.PageSize = 2

	refs := refstore.NewStore(database, conf)
	coll := collection.NewEngine(database)
	gate := security.NewGate(database, refs)
	eng := engine.NewEngine(database, refs, coll, conf)
	del := delivery.NewDeliverer(conf)
	pipe := pipeline.New(database, refs, gate, eng, del, conf)

	return &testServer{
		srv:  NewServer(conf, database, coll, pipe),
		db:   database,
		refs: refs,
		coll: coll,
	}
}

func (ts *testServer) account(t *testing.T, username string) *domain.Account {
	t.Helper()
	pair := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PublicKeyPem:  pair.Public,
		PrivateKeyPem: pair.Private,
		CreatedAt:     time.Now(),
	}
	if err := ts.db.CreateAccount(acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := ts.refs.EnsureLocalActor(acc); err != nil {
		t.Fatalf("ensure local actor: %v", err)
	}
	return acc
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return doc
}

func TestActorDocument(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "bob")

	w := ts.get("/users/bob")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/activity+json") {
		t.Errorf("unexpected content type %q", ct)
	}

	doc := decodeJSON(t, w)
	if doc["id"] != "https://local.example/users/bob" {
		t.Errorf("unexpected actor id %v", doc["id"])
	}
	if doc["preferredUsername"] != "bob" {
		t.Errorf("unexpected preferredUsername %v", doc["preferredUsername"])
	}
	key, ok := doc["publicKey"].(map[string]interface{})
	if !ok {
		t.Fatal("actor document has no publicKey")
	}
	if key["id"] != "https://local.example/users/bob#main-key" {
		t.Errorf("unexpected key id %v", key["id"])
	}
	if pem, _ := key["publicKeyPem"].(string); !strings.Contains(pem, "PUBLIC KEY") {
		t.Error("publicKeyPem does not carry a PEM block")
	}
}

func TestActorNotFound(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.get("/users/nobody"); w.Code != 404 {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWebfinger(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "bob")

	w := ts.get("/.well-known/webfinger?resource=acct:bob@local.example")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["subject"] != "acct:bob@local.example" {
		t.Errorf("unexpected subject %v", doc["subject"])
	}
	links, _ := doc["links"].([]interface{})
	if len(links) != 1 {
		t.Fatalf("expected one link, got %d", len(links))
	}
	link := links[0].(map[string]interface{})
	if link["href"] != "https://local.example/users/bob" {
		t.Errorf("unexpected href %v", link["href"])
	}

	if w := ts.get("/.well-known/webfinger?resource=bob"); w.Code != 404 {
		t.Errorf("expected 404 for non-acct resource, got %d", w.Code)
	}
	if w := ts.get("/.well-known/webfinger?resource=acct:bob@other.example"); w.Code != 404 {
		t.Errorf("expected 404 for foreign domain, got %d", w.Code)
	}
}

func TestFollowersCollectionPaging(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.account(t, "bob")
	actorURI := acc.ActorURI("local.example")

	ownerRef, err := ts.refs.Make(actorURI)
	if err != nil {
		t.Fatal(err)
	}
	collRef, err := ts.refs.Make(actorURI + "/followers")
	if err != nil {
		t.Fatal(err)
	}
	coll, err := ts.coll.Make(collRef, ownerRef, true)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		ref, err := ts.refs.Make(fmt.Sprintf("https://remote.example/users/u%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ts.coll.Append(coll, ref); err != nil {
			t.Fatal(err)
		}
	}

	// Index document.
	w := ts.get("/users/bob/followers")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["type"] != "OrderedCollection" {
		t.Errorf("unexpected type %v", doc["type"])
	}
	if doc["totalItems"] != float64(3) {
		t.Errorf("expected totalItems 3, got %v", doc["totalItems"])
	}

	// First page: newest first, page size 2, with a next cursor.
	w = ts.get("/users/bob/followers?page=true")
	doc = decodeJSON(t, w)
	items, _ := doc["orderedItems"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0] != "https://remote.example/users/u2" {
		t.Errorf("expected newest member first, got %v", items[0])
	}
	next, _ := doc["next"].(string)
	if next == "" {
		t.Fatal("expected a next page link")
	}

	// Second page: the remaining member, no next.
	w = ts.get(strings.TrimPrefix(next, "https://local.example"))
	doc = decodeJSON(t, w)
	items, _ = doc["orderedItems"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0] != "https://remote.example/users/u0" {
		t.Errorf("expected oldest member last, got %v", items[0])
	}
	if _, ok := doc["next"]; ok {
		t.Error("final page should have no next link")
	}
}

func TestEmptyCollectionRendersEmpty(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "bob")

	w := ts.get("/users/bob/following?page=true")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	items, ok := doc["orderedItems"].([]interface{})
	if !ok {
		t.Fatal("orderedItems missing")
	}
	if len(items) != 0 {
		t.Errorf("expected empty page, got %d items", len(items))
	}
}

func TestObjectDocumentAndTombstone(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.account(t, "bob")
	actorURI := acc.ActorURI("local.example")

	objId := uuid.New().String()
	uri := "https://local.example/objects/" + objId
	ref, err := ts.refs.Make(uri)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.db.CreateObject(&domain.Object{
		ReferenceId:  ref.Id,
		Type:         "Note",
		Content:      "hello fediverse",
		AttributedTo: actorURI,
		Published:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	w := ts.get("/objects/" + objId)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["content"] != "hello fediverse" {
		t.Errorf("unexpected content %v", doc["content"])
	}
	if doc["attributedTo"] != actorURI {
		t.Errorf("unexpected attributedTo %v", doc["attributedTo"])
	}

	if err := ts.db.TombstoneObject(ref.Id); err != nil {
		t.Fatal(err)
	}
	w = ts.get("/objects/" + objId)
	if w.Code != 410 {
		t.Fatalf("expected 410 for tombstoned object, got %d", w.Code)
	}
	doc = decodeJSON(t, w)
	if doc["type"] != "Tombstone" {
		t.Errorf("expected Tombstone, got %v", doc["type"])
	}

	if w := ts.get("/objects/" + uuid.New().String()); w.Code != 404 {
		t.Errorf("expected 404 for unknown object, got %d", w.Code)
	}
}

func TestObjectCollectionEmptyNotMissing(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.account(t, "bob")

	objId := uuid.New().String()
	uri := "https://local.example/objects/" + objId
	ref, err := ts.refs.Make(uri)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.db.CreateObject(&domain.Object{
		ReferenceId:  ref.Id,
		Type:         "Note",
		AttributedTo: acc.ActorURI("local.example"),
		Published:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	w := ts.get("/objects/" + objId + "/likes")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["totalItems"] != float64(0) {
		t.Errorf("expected zero likes, got %v", doc["totalItems"])
	}

	if w := ts.get("/objects/" + uuid.New().String() + "/likes"); w.Code != 404 {
		t.Errorf("expected 404 for collection of unknown object, got %d", w.Code)
	}
}

func TestOutboxAndFeed(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.account(t, "bob")
	actorURI := acc.ActorURI("local.example")

	uris := make([]string, 2)
	for i := range uris {
		uris[i] = fmt.Sprintf("https://local.example/objects/%s", uuid.New())
		ref, err := ts.refs.Make(uris[i])
		if err != nil {
			t.Fatal(err)
		}
		if err := ts.db.CreateObject(&domain.Object{
			ReferenceId:  ref.Id,
			Type:         "Note",
			Content:      fmt.Sprintf("note %d", i),
			AttributedTo: actorURI,
			Published:    time.Now().Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := ts.get("/users/bob/outbox")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	items, _ := doc["orderedItems"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("expected 2 outbox items, got %d", len(items))
	}
	if items[0] != uris[1] {
		t.Errorf("expected newest object first, got %v", items[0])
	}

	w = ts.get("/feed/bob")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/xml") {
		t.Errorf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "note 1") {
		t.Error("feed does not carry object content")
	}
	if !strings.Contains(body, "bob@local.example") {
		t.Error("feed does not carry the account handle")
	}

	if w := ts.get("/feed/nobody"); w.Code != 404 {
		t.Errorf("expected 404 for unknown feed, got %d", w.Code)
	}
}

func TestInboxMalformedRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "bob")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/users/bob/inbox", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/activity+json")
	ts.srv.Router().ServeHTTP(w, req)
	if w.Code != 400 {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	g := gin.New()
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(1), 2)))
	g.GET("/", func(c *gin.Context) { c.Status(200) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		g.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 {
		t.Errorf("expected burst to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", codes[2])
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	g := gin.New()
	g.Use(MaxBytesMiddleware(16))
	g.POST("/", func(c *gin.Context) { c.Status(200) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	g.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader("small"))
	g.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("expected 200 for small body, got %d", w.Code)
	}
}
