package chamsae

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~mariusor/lw"
	vocab "github.com/go-ap/activitypub"
	"github.com/go-fed/httpsig"
	"github.com/google/uuid"
	"github.com/matryer/is"
	"golang.org/x/crypto/bcrypt"

	"github.com/XiNiHa/chamsae/ap"
	"github.com/XiNiHa/chamsae/internal/config"
	"github.com/XiNiHa/chamsae/storage"
	"github.com/XiNiHa/chamsae/storage/mem"
)

const testPassword = "s3cret"

func writeKeyPair(t *testing.T) (pubPath, prvPath string) {
	t.Helper()
	pub, prv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	prvDer, err := x509.MarshalPKCS8PrivateKey(prv)
	if err != nil {
		t.Fatal(err)
	}
	pubDer, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	prvPath = filepath.Join(dir, "key.pem")
	pubPath = filepath.Join(dir, "key.pub.pem")
	if err := os.WriteFile(prvPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: prvDer}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}), 0o600); err != nil {
		t.Fatal(err)
	}
	return pubPath, prvPath
}

func newTestNode(t *testing.T) (*Node, *mem.Repo) {
	t.Helper()
	pubPath, prvPath := writeKeyPair(t)
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	conf := config.Options{
		AppName:            "chamsae",
		Env:                config.TEST,
		LogLevel:           lw.ErrorLevel,
		TimeOut:            5 * time.Second,
		Domain:             "example.org",
		Listen:             "127.0.0.1:0",
		UserHandle:         "admin",
		UserPasswordBcrypt: string(hash),
		PublicKeyPath:      pubPath,
		PrivateKeyPath:     prvPath,
		BaseURL:            "https://example.org",
		ActorIRI:           "https://example.org/ap/user",
		InboxIRI:           "https://example.org/ap/inbox",
	}
	st := mem.New()
	n, err := New(lw.Dev(lw.SetLevel(lw.ErrorLevel)), "test", conf, st)
	if err != nil {
		t.Fatal(err)
	}
	return n, st
}

// peer plays a remote single-actor instance: it serves its actor document
// and records every activity delivered to its inbox.
type peer struct {
	t      *testing.T
	srv    *httptest.Server
	handle string
	prv    ed25519.PrivateKey

	mu        sync.Mutex
	delivered [][]byte
}

func newPeer(t *testing.T, handle string) *peer {
	t.Helper()
	pub, prv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubDer, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	pubPem := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}))

	p := &peer{t: t, handle: handle, prv: prv}
	mux := http.NewServeMux()
	mux.HandleFunc("/users/"+handle, func(w http.ResponseWriter, r *http.Request) {
		actor := ap.OwnerActor(p.actorIRI(), vocab.IRI(p.inbox()), handle, handle, pubPem)
		raw, err := ap.Encode(actor)
		if err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write(raw)
	})
	mux.HandleFunc("/inbox", func(w http.ResponseWriter, r *http.Request) {
		body := bytes.Buffer{}
		body.ReadFrom(r.Body)
		p.mu.Lock()
		p.delivered = append(p.delivered, body.Bytes())
		p.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) actorIRI() vocab.IRI { return vocab.IRI(p.srv.URL + "/users/" + p.handle) }
func (p *peer) inbox() string       { return p.srv.URL + "/inbox" }
func (p *peer) iri(path string) vocab.IRI {
	return vocab.IRI(p.srv.URL + "/" + path)
}

func (p *peer) host() string {
	u, _ := url.Parse(p.srv.URL)
	return u.Hostname()
}

// sign signs a request the way a remote instance would, with the digest
// covering the body.
func (p *peer) sign(r *http.Request, body []byte) {
	p.t.Helper()
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.ED25519},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature, 0)
	if err != nil {
		p.t.Fatal(err)
	}
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("Host", r.Host)
	if err := signer.SignRequest(p.prv, string(p.actorIRI())+"#main-key", r, body); err != nil {
		p.t.Fatal(err)
	}
}

// post delivers a signed activity to the node's inbox endpoint.
func (p *peer) post(n *Node, body []byte) *httptest.ResponseRecorder {
	p.t.Helper()
	r := httptest.NewRequest(http.MethodPost, "https://example.org/ap/inbox", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/activity+json")
	p.sign(r, body)
	w := httptest.NewRecorder()
	n.R.ServeHTTP(w, r)
	return w
}

func encode(t *testing.T, it vocab.Item) []byte {
	t.Helper()
	raw, err := ap.Encode(it)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestInboundFollowIsAcceptedAndAnswered(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	followIRI := alice.iri("act/1")
	w := alice.post(n, encode(t, ap.NewFollow(followIRI, alice.actorIRI(), n.conf.ActorIRI)))
	is.Equal(w.Code, http.StatusAccepted)

	follow, err := st.FollowByURI(context.Background(), followIRI)
	is.NoErr(err)
	is.True(follow.Accepted)

	owner, err := st.UserByURI(context.Background(), n.conf.ActorIRI)
	is.NoErr(err)
	is.Equal(owner.FollowerCount, 1)

	jobs := st.Jobs()
	is.Equal(len(jobs), 1)
	is.Equal(jobs[0].TargetInbox, alice.inbox())

	decoded, err := ap.DecodeActivity(jobs[0].ActivityBody)
	is.NoErr(err)
	accept, ok := decoded.(ap.AcceptFollow)
	is.True(ok)
	is.Equal(accept.Object, followIRI)
}

func TestInboundTamperedBodyIsRejected(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	body := encode(t, ap.NewFollow(alice.iri("act/1"), alice.actorIRI(), n.conf.ActorIRI))
	tampered := bytes.Replace(body, []byte("act/1"), []byte("act/9"), 1)

	// signature and digest cover the original body, the wire carries the
	// tampered one
	r := httptest.NewRequest(http.MethodPost, "https://example.org/ap/inbox", bytes.NewReader(tampered))
	r.Header.Set("Content-Type", "application/activity+json")
	alice.sign(r, body)

	w := httptest.NewRecorder()
	n.R.ServeHTTP(w, r)
	is.Equal(w.Code, http.StatusUnauthorized)

	if _, err := st.FollowByURI(context.Background(), alice.iri("act/9")); err == nil {
		t.Error("tampered activity must not be applied")
	}
}

func TestInboundUnsignedRequestIsRejected(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	body := encode(t, ap.NewFollow(alice.iri("act/1"), alice.actorIRI(), n.conf.ActorIRI))
	r := httptest.NewRequest(http.MethodPost, "https://example.org/ap/inbox", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/activity+json")
	w := httptest.NewRecorder()
	n.R.ServeHTTP(w, r)
	is.Equal(w.Code, http.StatusUnauthorized)

	if _, err := st.FollowByURI(context.Background(), alice.iri("act/1")); err == nil {
		t.Error("unsigned activity must not be applied")
	}
}

func TestInboundUndoFollowRemovesRow(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	followIRI := alice.iri("act/1")
	w := alice.post(n, encode(t, ap.NewFollow(followIRI, alice.actorIRI(), n.conf.ActorIRI)))
	is.Equal(w.Code, http.StatusAccepted)

	prior := ap.NewFollow(followIRI, alice.actorIRI(), n.conf.ActorIRI)
	w = alice.post(n, encode(t, ap.NewUndo(alice.iri("act/2"), alice.actorIRI(), prior)))
	is.Equal(w.Code, http.StatusAccepted)

	if _, err := st.FollowByURI(context.Background(), followIRI); err != storage.ErrNotFound {
		t.Errorf("follow row should be gone, got %v", err)
	}
	owner, err := st.UserByURI(context.Background(), n.conf.ActorIRI)
	is.NoErr(err)
	is.Equal(owner.FollowerCount, 0)
}

func TestInboundLikeIsIdempotent(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	post, err := n.PublishPost(context.Background(), "hello", storage.VisibilityPublic)
	is.NoErr(err)

	like := encode(t, ap.NewLike(alice.iri("act/2"), alice.actorIRI(), post.URI, "👍"))
	for i := 0; i < 3; i++ {
		w := alice.post(n, like)
		is.Equal(w.Code, http.StatusAccepted)
	}

	reaction, err := st.ReactionByURI(context.Background(), alice.iri("act/2"))
	is.NoErr(err)
	is.Equal(reaction.Content, "👍")
	is.Equal(reaction.PostID, post.ID)

	alice2, err := st.UserByURI(context.Background(), alice.actorIRI())
	is.NoErr(err)
	if _, err := st.ReactionBy(context.Background(), alice2.ID, post.ID); err != nil {
		t.Errorf("expected exactly one reaction row: %v", err)
	}
}

func TestInboundUndoLikeRemovesReaction(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	post, err := n.PublishPost(context.Background(), "hello", storage.VisibilityPublic)
	is.NoErr(err)

	likeIRI := alice.iri("act/2")
	w := alice.post(n, encode(t, ap.NewLike(likeIRI, alice.actorIRI(), post.URI, "👍")))
	is.Equal(w.Code, http.StatusAccepted)

	prior := ap.NewLike(likeIRI, alice.actorIRI(), post.URI, "👍")
	w = alice.post(n, encode(t, ap.NewUndo(alice.iri("act/3"), alice.actorIRI(), prior)))
	is.Equal(w.Code, http.StatusAccepted)

	if _, err := st.ReactionByURI(context.Background(), likeIRI); err != storage.ErrNotFound {
		t.Errorf("reaction should be gone, got %v", err)
	}
}

func TestInboundForeignActivityIDIsRejected(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	body := encode(t, ap.NewFollow("https://elsewhere.test/act/1", alice.actorIRI(), n.conf.ActorIRI))
	w := alice.post(n, body)
	is.Equal(w.Code, http.StatusBadRequest)

	if _, err := st.FollowByURI(context.Background(), "https://elsewhere.test/act/1"); err == nil {
		t.Error("cross host activity must not be applied")
	}
}

func TestInboundForeignObjectOnCreateIsRejected(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	note := ap.NewNote("https://elsewhere.test/notes/1", alice.actorIRI(), "spoof", time.Now(),
		vocab.ItemCollection{vocab.PublicNS}, nil)
	w := alice.post(n, encode(t, ap.NewCreate(alice.iri("act/1"), alice.actorIRI(), note)))
	is.Equal(w.Code, http.StatusBadRequest)

	if _, err := st.PostByURI(context.Background(), "https://elsewhere.test/notes/1"); err == nil {
		t.Error("cross host object must not be stored")
	}
}

func TestInboundCreateStoresPost(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	noteIRI := alice.iri("notes/1")
	note := ap.NewNote(noteIRI, alice.actorIRI(), "hi from alice", time.Now(),
		vocab.ItemCollection{vocab.PublicNS}, nil)
	w := alice.post(n, encode(t, ap.NewCreate(alice.iri("act/1"), alice.actorIRI(), note)))
	is.Equal(w.Code, http.StatusAccepted)

	post, err := st.PostByURI(context.Background(), noteIRI)
	is.NoErr(err)
	is.Equal(post.Content, "hi from alice")
	is.Equal(post.Visibility, storage.VisibilityPublic)

	author, err := st.UserByID(context.Background(), post.UserID)
	is.NoErr(err)
	is.Equal(author.URI, alice.actorIRI())

	// only the author may retract it
	mallory := newPeer(t, "mallory")
	w = mallory.post(n, encode(t, ap.NewDelete(mallory.iri("act/1"), mallory.actorIRI(), noteIRI)))
	is.Equal(w.Code, http.StatusBadRequest)

	w = alice.post(n, encode(t, ap.NewDelete(alice.iri("act/2"), alice.actorIRI(), noteIRI)))
	is.Equal(w.Code, http.StatusAccepted)
	if _, err := st.PostByURI(context.Background(), noteIRI); err != storage.ErrNotFound {
		t.Errorf("post should be gone, got %v", err)
	}
}

func TestInboundReplyToLocalPostIsStored(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	parent, err := n.PublishPost(context.Background(), "parent", storage.VisibilityPublic)
	is.NoErr(err)

	noteIRI := alice.iri("notes/2")
	note := ap.NewNote(noteIRI, alice.actorIRI(), "a reply", time.Now(),
		vocab.ItemCollection{vocab.PublicNS}, nil)
	note.InReplyTo = parent.URI
	w := alice.post(n, encode(t, ap.NewCreate(alice.iri("act/1"), alice.actorIRI(), note)))
	is.Equal(w.Code, http.StatusAccepted)

	reply, err := st.PostByURI(context.Background(), noteIRI)
	is.NoErr(err)
	is.Equal(reply.InReplyToURI, parent.URI)

	author, err := st.UserByID(context.Background(), reply.UserID)
	is.NoErr(err)
	is.Equal(author.PostCount, 1)
}

func TestInboundUndoOfUnknownObjectIsIgnored(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	alice := newPeer(t, "alice")

	prior := ap.NewFollow(alice.iri("act/0"), alice.actorIRI(), n.conf.ActorIRI)
	w := alice.post(n, encode(t, ap.NewUndo(alice.iri("act/1"), alice.actorIRI(), prior)))
	is.Equal(w.Code, http.StatusAccepted)

	if _, err := st.FollowByURI(context.Background(), alice.iri("act/0")); err != storage.ErrNotFound {
		t.Errorf("nothing should have been stored, got %v", err)
	}
}

func TestInboundUnknownTypeIsIgnored(t *testing.T) {
	is := is.New(t)
	n, _ := newTestNode(t)
	alice := newPeer(t, "alice")

	body := []byte(fmt.Sprintf(`{"@context":"https://www.w3.org/ns/activitystreams",
		"id":%q,"type":"Announce","actor":%q,"object":"https://example.org/ap/post/x"}`,
		string(alice.iri("act/1")), string(alice.actorIRI())))
	w := alice.post(n, body)
	is.Equal(w.Code, http.StatusAccepted)
}

func TestOutgoingFollowLifecycle(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)
	bob := newPeer(t, "bob")

	follow, err := n.FollowActor(context.Background(), bob.actorIRI())
	is.NoErr(err)
	is.True(!follow.Accepted)

	jobs := st.Jobs()
	is.Equal(len(jobs), 1)
	is.Equal(jobs[0].TargetInbox, bob.inbox())

	w := bob.post(n, encode(t, ap.NewAccept(bob.iri("act/1"), bob.actorIRI(), follow.URI)))
	is.Equal(w.Code, http.StatusAccepted)

	follow2, err := st.FollowByURI(context.Background(), follow.URI)
	is.NoErr(err)
	is.True(follow2.Accepted)

	owner, err := st.UserByURI(context.Background(), n.conf.ActorIRI)
	is.NoErr(err)
	is.Equal(owner.FollowingCount, 1)

	// a reject from the same peer tears the row down again
	w = bob.post(n, encode(t, ap.NewReject(bob.iri("act/2"), bob.actorIRI(), follow.URI)))
	is.Equal(w.Code, http.StatusAccepted)
	if _, err := st.FollowByURI(context.Background(), follow.URI); err != storage.ErrNotFound {
		t.Errorf("rejected follow should be gone, got %v", err)
	}
	owner, err = st.UserByURI(context.Background(), n.conf.ActorIRI)
	is.NoErr(err)
	is.Equal(owner.FollowingCount, 0)
}

func TestPublishPostFansOutToAcceptedFollowers(t *testing.T) {
	is := is.New(t)
	n, st := newTestNode(t)

	shared := "https://remote.test/shared-inbox"
	for i, handle := range []string{"alice", "bob", "carol"} {
		u := storage.User{
			Handle: handle, Host: "remote.test",
			Inbox:       fmt.Sprintf("https://remote.test/users/%s/inbox", handle),
			SharedInbox: shared,
			URI:         vocab.IRI("https://remote.test/users/" + handle),
		}
		is.NoErr(st.UpsertUser(context.Background(), &u))
		f := storage.Follow{
			FromID: u.ID, ToID: n.owner.ID,
			Accepted: i < 2, // carol is still pending
			URI:      vocab.IRI(fmt.Sprintf("https://remote.test/act/%d", i)),
		}
		is.NoErr(st.UpsertFollow(context.Background(), &f))
	}

	post, err := n.PublishPost(context.Background(), "fan out", storage.VisibilityPublic)
	is.NoErr(err)
	is.True(post.ID != uuid.Nil)

	// two accepted followers share one inbox, so exactly one job
	jobs := st.Jobs()
	is.Equal(len(jobs), 1)
	is.Equal(jobs[0].TargetInbox, shared)

	decoded, err := ap.DecodeActivity(jobs[0].ActivityBody)
	is.NoErr(err)
	create, ok := decoded.(ap.CreatePost)
	is.True(ok)
	is.Equal(create.Object.ID, vocab.ID(post.URI))
}

func TestKeyMutexSerializesSameKey(t *testing.T) {
	km := newKeyMutex()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	if counter != 32 {
		t.Errorf("expected 32 increments, got %d", counter)
	}
	km.mu.Lock()
	if len(km.locks) != 0 {
		t.Errorf("lock table should be empty, holds %d entries", len(km.locks))
	}
	km.mu.Unlock()
}
