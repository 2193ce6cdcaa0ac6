package delivery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~mariusor/lw"
	"github.com/matryer/is"
	"go.uber.org/goleak"

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

func quietLogger() lw.Logger {
	return lw.Dev(lw.SetLevel(lw.ErrorLevel))
}

func fastOptions() []Option {
	return []Option{
		WithWorkers(4),
		WithPollInterval(5 * time.Millisecond),
		WithBackoffBase(time.Millisecond),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDeliverDeduplicatesInboxes(t *testing.T) {
	is := is.New(t)
	st := mem.New()
	d := New(st, testKeyring(t), quietLogger())

	err := d.Deliver(context.Background(), "https://example.org/ap/create/1", []byte(`{}`),
		"https://remote.test/inbox", "https://remote.test/inbox", "", "https://other.test/inbox")
	is.NoErr(err)
	is.Equal(len(st.Jobs()), 2)
}

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	is := is.New(t)
	st := mem.New()

	var calls atomic.Int64
	var accepted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Signature") == "" || r.Header.Get("Digest") == "" {
			t.Error("delivery must carry signature and digest")
		}
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		accepted.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := New(st, testKeyring(t), quietLogger(), fastOptions()...)
	is.NoErr(d.Deliver(context.Background(), "https://example.org/ap/create/1", []byte(`{"id":"x"}`), srv.URL))

	d.Start(context.Background())
	waitFor(t, func() bool { return len(st.Jobs()) == 0 })
	d.Stop()

	is.Equal(accepted.Load(), int64(1))
	is.Equal(calls.Load(), int64(3))
}

func TestDeliveryStopsOnClientError(t *testing.T) {
	defer goleak.VerifyNone(t)
	is := is.New(t)
	st := mem.New()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := New(st, testKeyring(t), quietLogger(), fastOptions()...)
	is.NoErr(d.Deliver(context.Background(), "https://example.org/ap/create/1", []byte(`{}`), srv.URL))

	d.Start(context.Background())
	waitFor(t, func() bool {
		jobs := st.Jobs()
		return len(jobs) == 1 && jobs[0].Failed
	})
	d.Stop()

	is.Equal(calls.Load(), int64(1))
}

func TestDeliveryGoneTombstonesActor(t *testing.T) {
	defer goleak.VerifyNone(t)
	is := is.New(t)
	st := mem.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	follower := &storage.User{Handle: "alice", Host: "remote.test", Inbox: srv.URL,
		URI: "https://remote.test/users/alice"}
	is.NoErr(st.UpsertUser(context.Background(), follower))

	d := New(st, testKeyring(t), quietLogger(), fastOptions()...)
	is.NoErr(d.Deliver(context.Background(), "https://example.org/ap/create/1", []byte(`{}`), srv.URL))
	is.NoErr(d.Deliver(context.Background(), "https://example.org/ap/create/2", []byte(`{}`), srv.URL))

	d.Start(context.Background())
	waitFor(t, func() bool { return len(st.Jobs()) == 0 })
	d.Stop()

	u, err := st.UserByURI(context.Background(), follower.URI)
	is.NoErr(err)
	is.True(u.Tombstoned)
}

func TestDeliveryAbandonedAfterDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)
	is := is.New(t)
	st := mem.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var mu sync.Mutex
	now := time.Now().UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	opts := append(fastOptions(), WithClock(clock))
	d := New(st, testKeyring(t), quietLogger(), opts...)
	is.NoErr(d.Deliver(context.Background(), "https://example.org/ap/create/1", []byte(`{}`), srv.URL))

	d.Start(context.Background())
	waitFor(t, func() bool {
		jobs := st.Jobs()
		return len(jobs) == 1 && jobs[0].Attempt > 0
	})

	mu.Lock()
	now = now.Add(49 * time.Hour)
	mu.Unlock()

	waitFor(t, func() bool {
		jobs := st.Jobs()
		return len(jobs) == 1 && jobs[0].Failed
	})
	d.Stop()
}

func TestSickPeerDoesNotBlockHealthyOne(t *testing.T) {
	defer goleak.VerifyNone(t)
	is := is.New(t)
	st := mem.New()

	var healthy atomic.Int64
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ok.Close()

	d := New(st, testKeyring(t), quietLogger(), fastOptions()...)
	is.NoErr(d.Deliver(context.Background(), "https://example.org/ap/create/1", []byte(`{}`), sick.URL, ok.URL))

	d.Start(context.Background())
	waitFor(t, func() bool { return healthy.Load() == 1 })
	d.Stop()

	jobs := st.Jobs()
	is.Equal(len(jobs), 1)
	is.Equal(jobs[0].TargetInbox, sick.URL)
}

func TestBackoffDoublesWithCapAndJitter(t *testing.T) {
	for attempt, want := range []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute,
	} {
		got := backoff(backoffBase, attempt)
		lo := time.Duration(float64(want) * 0.75)
		hi := time.Duration(float64(want) * 1.25)
		if got < lo || got > hi {
			t.Errorf("attempt %d: backoff %s outside [%s, %s]", attempt, got, lo, hi)
		}
	}
	// far along the schedule the cap holds
	if got := backoff(backoffBase, 20); got > time.Duration(float64(backoffCap)*1.25) {
		t.Errorf("capped backoff too large: %s", got)
	}
}
