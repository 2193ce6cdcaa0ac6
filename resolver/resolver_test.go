package resolver

import (
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
	"testing"

	"git.sr.ht/~mariusor/lw"
	vocab "github.com/go-ap/activitypub"
	"github.com/matryer/is"

	"github.com/XiNiHa/chamsae/keyring"
	"github.com/XiNiHa/chamsae/storage"
	"github.com/XiNiHa/chamsae/storage/mem"
)

func testKeyring(t *testing.T) *keyring.Keyring {
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
	prvPath := filepath.Join(dir, "key.pem")
	pubPath := filepath.Join(dir, "key.pub.pem")
	if err := os.WriteFile(prvPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: prvDer}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}), 0o600); err != nil {
		t.Fatal(err)
	}
	kr, err := keyring.New("https://example.org/ap/user", pubPath, prvPath)
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

func actorDoc(id, inbox string) string {
	return fmt.Sprintf(`{"@context":"https://www.w3.org/ns/activitystreams",
		"id":%q,"type":"Person","preferredUsername":"alice","name":"Alice",
		"inbox":%q,
		"publicKey":{"id":"%s#main-key","owner":%q,"publicKeyPem":""}}`,
		id, inbox, id, id)
}

func noteDoc(id, author string) string {
	return fmt.Sprintf(`{"@context":"https://www.w3.org/ns/activitystreams",
		"id":%q,"type":"Note","attributedTo":%q,"content":"hi",
		"to":["https://www.w3.org/ns/activitystreams#Public"]}`, id, author)
}

func newTestResolver(t *testing.T, st storage.Queries) *Resolver {
	t.Helper()
	return New(st, testKeyring(t), "example.org", lw.Dev(lw.SetLevel(lw.ErrorLevel)))
}

func TestResolveRemoteActor(t *testing.T) {
	is := is.New(t)
	st := mem.New()

	requests := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Signature") == "" {
			t.Error("fetch was not signed")
		}
		if r.Header.Get("Accept") != "application/activity+json" {
			t.Errorf("unexpected accept header %q", r.Header.Get("Accept"))
		}
		fmt.Fprint(w, actorDoc(srv.URL+"/users/alice", srv.URL+"/users/alice/inbox"))
	}))
	defer srv.Close()

	r := newTestResolver(t, st)
	iri := vocab.IRI(srv.URL + "/users/alice")

	u, err := r.User(context.Background(), iri, false)
	is.NoErr(err)
	is.Equal(u.Handle, "alice")
	is.Equal(u.Name, "Alice")
	is.Equal(u.Inbox, srv.URL+"/users/alice/inbox")
	is.Equal(u.URI, iri)
	is.Equal(requests, 1)

	host, _ := url.Parse(srv.URL)
	is.Equal(u.Host, host.Hostname())

	// inside the freshness window the stored row is served
	again, err := r.User(context.Background(), iri, false)
	is.NoErr(err)
	is.Equal(again.ID, u.ID)
	is.Equal(requests, 1)

	// force bypasses the window
	_, err = r.User(context.Background(), iri, true)
	is.NoErr(err)
	is.Equal(requests, 2)
}

func TestResolveRejectsForeignID(t *testing.T) {
	is := is.New(t)
	st := mem.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, actorDoc("https://elsewhere.test/users/mallory", "https://elsewhere.test/inbox"))
	}))
	defer srv.Close()

	r := newTestResolver(t, st)
	_, err := r.User(context.Background(), vocab.IRI(srv.URL+"/users/alice"), false)
	is.True(err != nil)
	if _, err := st.UserByURI(context.Background(), "https://elsewhere.test/users/mallory"); err == nil {
		t.Error("foreign actor must not be stored")
	}
}

func TestResolveCachesNegativeResults(t *testing.T) {
	is := is.New(t)
	st := mem.New()

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestResolver(t, st)
	iri := vocab.IRI(srv.URL + "/users/ghost")

	_, err := r.User(context.Background(), iri, false)
	is.True(err != nil)
	_, err = r.User(context.Background(), iri, false)
	is.True(err != nil)
	is.Equal(requests, 1)
}

func TestResolvePostPullsAuthor(t *testing.T) {
	is := is.New(t)
	st := mem.New()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notes/1":
			fmt.Fprint(w, noteDoc(srv.URL+"/notes/1", srv.URL+"/users/alice"))
		case "/users/alice":
			fmt.Fprint(w, actorDoc(srv.URL+"/users/alice", srv.URL+"/inbox"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := newTestResolver(t, st)
	p, err := r.Post(context.Background(), vocab.IRI(srv.URL+"/notes/1"))
	is.NoErr(err)
	is.Equal(p.Content, "hi")
	is.Equal(p.Visibility, storage.VisibilityPublic)

	author, err := st.UserByID(context.Background(), p.UserID)
	is.NoErr(err)
	is.Equal(author.Handle, "alice")

	// posts are never refetched
	again, err := r.Post(context.Background(), vocab.IRI(srv.URL+"/notes/1"))
	is.NoErr(err)
	is.Equal(again.ID, p.ID)
}

func TestResolveRejectsCrossDomainRedirect(t *testing.T) {
	is := is.New(t)
	st := mem.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.test/users/alice", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	r := newTestResolver(t, st)
	_, err := r.User(context.Background(), vocab.IRI(srv.URL+"/users/alice"), false)
	is.True(err != nil)
}

func TestResolveLocalURIsNeverFetch(t *testing.T) {
	is := is.New(t)
	st := mem.New()

	owner := &storage.User{Handle: "admin", Host: "example.org", URI: "https://example.org/ap/user"}
	is.NoErr(st.UpsertUser(context.Background(), owner))

	r := newTestResolver(t, st)
	u, err := r.User(context.Background(), "https://example.org/ap/user", false)
	is.NoErr(err)
	is.Equal(u.ID, owner.ID)

	_, err = r.Post(context.Background(), "https://example.org/ap/post/nope")
	is.Equal(err, storage.ErrNotFound)
}
