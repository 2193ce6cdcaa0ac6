package chamsae

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"git.sr.ht/~mariusor/lw"
	w "git.sr.ht/~mariusor/wrapper"
	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/XiNiHa/chamsae/delivery"
	"github.com/XiNiHa/chamsae/internal/config"
	"github.com/XiNiHa/chamsae/keyring"
	"github.com/XiNiHa/chamsae/resolver"
	"github.com/XiNiHa/chamsae/storage"
)

const (
	// replayed activity ids are dropped inside this window
	idempotencyWindow = 24 * time.Hour
	idempotencySize   = 10_000
)

type LogFn func(string, ...interface{})

var emptyLogFn = func(string, ...interface{}) {}
var emptyStopFn = func() {}

// Node is the single-tenant federation server: one owner identity, its
// posts, follows and reactions, and the machinery to exchange signed
// activities with remote peers.
type Node struct {
	R    chi.Router
	conf config.Options
	ver  string

	st  storage.Store
	kr  *keyring.Keyring
	res *resolver.Resolver
	del *delivery.Deliverer

	owner *storage.User
	seen  *expirable.LRU[vocab.IRI, struct{}]
	locks *keyMutex

	stopFn func()
	infFn  LogFn
	errFn  LogFn
	l      lw.Logger
}

func Config(e string, to time.Duration) (config.Options, error) {
	return config.Load(config.EnvType(e), to)
}

// New wires a node instance: it loads the owner keypair, makes sure the
// owner's row exists in storage, and mounts the routes.
func New(l lw.Logger, ver string, conf config.Options, db storage.Store) (*Node, error) {
	if db == nil {
		return nil, errors.Newf("invalid storage")
	}
	kr, err := keyring.New(conf.ActorIRI, conf.PublicKeyPath, conf.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	n := Node{
		R:      chi.NewRouter(),
		conf:   conf,
		ver:    ver,
		st:     db,
		kr:     kr,
		seen:   expirable.NewLRU[vocab.IRI, struct{}](idempotencySize, nil, idempotencyWindow),
		locks:  newKeyMutex(),
		stopFn: emptyStopFn,
		infFn:  emptyLogFn,
		errFn:  emptyLogFn,
		l:      l,
	}
	if l != nil {
		n.infFn = l.Infof
		n.errFn = l.Errorf
	}

	errors.IncludeBacktrace = conf.LogLevel == lw.TraceLevel

	n.res = resolver.New(db, kr, conf.Domain, l)
	n.del = delivery.New(db, kr, l)

	if err := n.bootstrapOwner(context.Background()); err != nil {
		return nil, err
	}

	n.R.Use(middleware.RequestID)
	n.R.Use(lw.Middlewares(l)...)
	n.R.Group(n.Routes())
	return &n, nil
}

// bootstrapOwner upserts the owner's User row so counters and follower
// joins have a local anchor from the first request on.
func (n *Node) bootstrapOwner(ctx context.Context) error {
	owner := storage.User{
		Handle:        n.conf.UserHandle,
		Host:          n.conf.Domain,
		URI:           n.conf.ActorIRI,
		Inbox:         n.conf.InboxIRI.String(),
		SharedInbox:   n.conf.InboxIRI.String(),
		PublicKeyPem:  n.kr.PublicPem(),
		LastFetchedAt: time.Now().UTC(),
	}
	if existing, err := n.st.UserByURI(ctx, n.conf.ActorIRI); err == nil {
		owner.ID = existing.ID
		owner.Name = existing.Name
		owner.CreatedAt = existing.CreatedAt
	} else if err != storage.ErrNotFound {
		return err
	}
	if err := n.st.UpsertUser(ctx, &owner); err != nil {
		return err
	}
	n.owner = &owner
	return nil
}

func (n *Node) Config() config.Options {
	return n.conf
}

func (n *Node) Storage() storage.Store {
	return n.st
}

// Stop flushes the delivery pool and shuts the server down.
func (n *Node) Stop() {
	n.del.Stop()
	n.st.Close()
	n.stopFn()
}

func (n *Node) reload() (err error) {
	n.conf, err = config.Load(n.conf.Env, n.conf.TimeOut)
	return err
}

// listen opens the serving socket: a unix socket when the configured listen
// address sits in an existing directory, TCP otherwise.
func (n *Node) listen() (net.Listener, string, error) {
	dir, _ := filepath.Split(n.conf.Listen)
	if _, err := os.Stat(dir); err == nil && dir != "" {
		l, err := net.Listen("unix", n.conf.Listen)
		return l, "socket", err
	}
	l, err := net.Listen("tcp", n.conf.Listen)
	return l, "HTTP", err
}

// Run starts the delivery workers and the web server, and blocks handling
// signals until shutdown.
func (n *Node) Run(c context.Context) error {
	n.del.Start(c)

	listener, listenOn, err := n.listen()
	if err != nil {
		return err
	}
	if listenOn == "socket" {
		defer func() { os.RemoveAll(n.conf.Listen) }()
	}

	srv := &http.Server{Handler: n.R}
	n.stopFn = func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), n.conf.TimeOut)
		defer cancelFn()
		if err := srv.Shutdown(ctx); err != nil {
			n.errFn("Err: %s", err)
		}
	}
	n.infFn("Started %s %s %s", n.conf.BaseURL, listenOn, n.conf.Listen)

	err = w.RegisterSignalHandlers(w.SignalHandlers{
		syscall.SIGHUP: func(_ chan<- error) {
			n.infFn("SIGHUP received, reloading configuration")
			if err := n.reload(); err != nil {
				n.errFn("Failed: %s", err.Error())
			}
		},
		syscall.SIGINT: func(exit chan<- error) {
			n.infFn("SIGINT received, stopping")
			exit <- w.Interrupt
		},
		syscall.SIGTERM: func(exit chan<- error) {
			n.infFn("SIGTERM received, force stopping")
			exit <- w.Interrupt
		},
	}).Exec(c, func(_ context.Context) error {
		err := srv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			n.errFn("Error: %s", err)
			return err
		}
		return nil
	})
	if err == nil {
		n.infFn("Shutting down")
	}
	n.Stop()
	return err
}
