// Package resolver dereferences canonical URIs into local rows, fetching and
// validating from the remote origin when the local copy is absent or stale.
package resolver

import (
	"context"
	"io"
	"net/http"
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/net/publicsuffix"

	"git.sr.ht/~mariusor/lw"
	"github.com/XiNiHa/chamsae/keyring"
	"github.com/XiNiHa/chamsae/storage"
)

const (
	// keep fetched actor data this long before refetching
	userFreshness = time.Hour
	// how long a failed fetch suppresses retries
	negativeTTL = 60 * time.Second
	// transitive reference resolution stops here
	maxDepth = 4

	fetchTimeout = 15 * time.Second
	maxRedirects = 3
	maxBodySize  = 1 << 20

	contentType = "application/activity+json"
)

type Resolver struct {
	st  storage.Queries
	kr  *keyring.Keyring
	cl  *http.Client
	l   lw.Logger
	neg *expirable.LRU[vocab.IRI, string]

	localHost string
}

// New builds a resolver that persists fetched entities through st and signs
// fetches with the owner key. localHost is the node's own domain; URIs on it
// are never fetched over the network.
func New(st storage.Queries, kr *keyring.Keyring, localHost string, l lw.Logger) *Resolver {
	r := &Resolver{
		st:        st,
		kr:        kr,
		l:         l,
		neg:       expirable.NewLRU[vocab.IRI, string](512, nil, negativeTTL),
		localHost: localHost,
	}
	r.cl = &http.Client{
		Timeout:       fetchTimeout,
		CheckRedirect: r.checkRedirect,
	}
	return r
}

// checkRedirect allows a bounded number of hops within the origin's
// registered domain and re-signs each hop, since the signature covers the
// request target.
func (r *Resolver) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > maxRedirects {
		return errors.Newf("stopped after %d redirects", maxRedirects)
	}
	origin, err := publicsuffix.EffectiveTLDPlusOne(via[0].URL.Hostname())
	if err != nil {
		return err
	}
	next, err := publicsuffix.EffectiveTLDPlusOne(req.URL.Hostname())
	if err != nil {
		return err
	}
	if origin != next {
		return errors.Newf("redirect from %s leaves origin domain %s", via[0].URL.Host, origin)
	}
	req.Header.Set("Accept", contentType)
	return r.kr.SignRequest(req, nil)
}

type resolveState struct {
	depth int
	seen  map[vocab.IRI]bool
}

func newState() *resolveState {
	return &resolveState{seen: map[vocab.IRI]bool{}}
}

// User resolves an actor URI to a local row. force bypasses the freshness
// window, used when a cached public key failed verification.
func (r *Resolver) User(ctx context.Context, iri vocab.IRI, force bool) (*storage.User, error) {
	return r.user(ctx, iri, force, newState())
}

func (r *Resolver) user(ctx context.Context, iri vocab.IRI, force bool, st *resolveState) (*storage.User, error) {
	u, err := r.st.UserByURI(ctx, iri)
	if err == nil && !force && time.Since(u.LastFetchedAt) < userFreshness {
		return u, nil
	}
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	if r.isLocal(iri) {
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	if st.depth >= maxDepth || st.seen[iri] {
		if err == nil {
			return u, nil
		}
		return nil, errors.BadGatewayf("reference chain for %s too deep", iri)
	}
	st.seen[iri] = true

	fetched, ferr := r.fetchUser(ctx, iri)
	if ferr != nil {
		// a stale row beats a failed refresh
		if err == nil {
			r.l.WithContext(lw.Ctx{"iri": iri, "err": ferr.Error()}).Warnf("refresh failed, serving stale actor")
			return u, nil
		}
		return nil, ferr
	}
	if err == nil {
		fetched.ID = u.ID
		fetched.CreatedAt = u.CreatedAt
	}
	if err := r.st.UpsertUser(ctx, fetched); err != nil {
		return nil, err
	}
	if key, kerr := keyring.ParsePublicKeyPem(fetched.PublicKeyPem); kerr == nil {
		r.kr.Set(iri, key)
	}
	return fetched, nil
}

// Post resolves a post URI to a local row. Posts are never refreshed once
// stored; their author is resolved transitively.
func (r *Resolver) Post(ctx context.Context, iri vocab.IRI) (*storage.Post, error) {
	return r.post(ctx, iri, newState())
}

func (r *Resolver) post(ctx context.Context, iri vocab.IRI, st *resolveState) (*storage.Post, error) {
	p, err := r.st.PostByURI(ctx, iri)
	if err == nil {
		return p, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}
	if r.isLocal(iri) {
		return nil, err
	}
	if st.depth >= maxDepth || st.seen[iri] {
		return nil, errors.BadGatewayf("reference chain for %s too deep", iri)
	}
	st.seen[iri] = true

	ob, err := r.fetchObject(ctx, iri, vocab.ObjectTypes)
	if err != nil {
		return nil, err
	}
	authorIRI := vocab.IRI("")
	if !vocab.IsNil(ob.AttributedTo) {
		authorIRI = ob.AttributedTo.GetLink()
	}
	if len(authorIRI) == 0 {
		return nil, errors.BadGatewayf("post %s has no author", iri)
	}
	st.depth++
	author, err := r.user(ctx, authorIRI, false, st)
	st.depth--
	if err != nil {
		return nil, err
	}
	p = &storage.Post{
		UserID:     author.ID,
		Content:    firstValue(ob.Content),
		URI:        vocab.IRI(ob.ID),
		Visibility: visibilityOf(ob),
	}
	if !ob.Published.IsZero() {
		p.CreatedAt = ob.Published
	}
	if !vocab.IsNil(ob.InReplyTo) {
		p.InReplyToURI = ob.InReplyTo.GetLink()
	}
	for _, att := range attachmentsOf(ob) {
		f := att
		if err := r.st.UpsertFile(ctx, &f); err != nil {
			return nil, err
		}
		p.Attachments = append(p.Attachments, f)
	}
	if err := r.st.UpsertPost(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Resolver) isLocal(iri vocab.IRI) bool {
	u, err := iri.URL()
	if err != nil {
		return false
	}
	return u.Hostname() == r.localHost
}

func (r *Resolver) fetchUser(ctx context.Context, iri vocab.IRI) (*storage.User, error) {
	it, err := r.fetch(ctx, iri)
	if err != nil {
		return nil, err
	}
	if !vocab.ActorTypes.Contains(it.GetType()) {
		r.neg.Add(iri, "not an actor")
		return nil, errors.BadGatewayf("%s resolved to a %s, not an actor", iri, it.GetType())
	}
	actor, err := vocab.ToActor(it)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid actor document at %s", iri)
	}
	host, err := hostOf(vocab.IRI(actor.ID))
	if err != nil {
		return nil, err
	}
	u := storage.User{
		Handle:        firstValue(actor.PreferredUsername),
		Name:          firstValue(actor.Name),
		Host:          host,
		URI:           vocab.IRI(actor.ID),
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: time.Now().UTC(),
	}
	if !vocab.IsNil(actor.Inbox) {
		u.Inbox = actor.Inbox.GetLink().String()
	}
	if actor.Endpoints != nil && !vocab.IsNil(actor.Endpoints.SharedInbox) {
		u.SharedInbox = actor.Endpoints.SharedInbox.GetLink().String()
	}
	if u.Handle == "" {
		return nil, errors.BadGatewayf("actor %s has no preferred username", iri)
	}
	if u.Inbox == "" {
		return nil, errors.BadGatewayf("actor %s has no inbox", iri)
	}
	return &u, nil
}

func (r *Resolver) fetchObject(ctx context.Context, iri vocab.IRI, kinds vocab.ActivityVocabularyTypes) (*vocab.Object, error) {
	it, err := r.fetch(ctx, iri)
	if err != nil {
		return nil, err
	}
	if !kinds.Contains(it.GetType()) {
		r.neg.Add(iri, "type mismatch")
		return nil, errors.BadGatewayf("%s resolved to a %s", iri, it.GetType())
	}
	ob, err := vocab.ToObject(it)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid object document at %s", iri)
	}
	return ob, nil
}

// fetch issues the signed GET and enforces origin authority on the returned
// payload: the document's id must live on the host it was requested from.
func (r *Resolver) fetch(ctx context.Context, iri vocab.IRI) (vocab.Item, error) {
	if reason, ok := r.neg.Get(iri); ok {
		return nil, errors.BadGatewayf("%s recently failed to resolve: %s", iri, reason)
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri.String(), nil)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid fetch URI %s", iri)
	}
	req.Header.Set("Accept", contentType)
	if err := r.kr.SignRequest(req, nil); err != nil {
		return nil, err
	}
	resp, err := r.cl.Do(req)
	if err != nil {
		return nil, errors.NewBadGateway(err, "unable to fetch %s", iri)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		r.neg.Add(iri, resp.Status)
		return nil, errors.BadGatewayf("%s answered %s", iri, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.BadGatewayf("%s answered %s", iri, resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.NewBadGateway(err, "unable to read body of %s", iri)
	}
	it, err := vocab.UnmarshalJSON(raw)
	if err != nil || vocab.IsNil(it) {
		r.neg.Add(iri, "unparseable body")
		return nil, errors.BadGatewayf("unparseable body at %s", iri)
	}
	reqHost, err := hostOf(iri)
	if err != nil {
		return nil, err
	}
	gotHost, err := hostOf(it.GetLink())
	if err != nil || gotHost != reqHost {
		r.neg.Add(iri, "origin mismatch")
		return nil, errors.BadGatewayf("document at %s claims id on %s", iri, gotHost)
	}
	return it, nil
}

func hostOf(iri vocab.IRI) (string, error) {
	u, err := iri.URL()
	if err != nil {
		return "", errors.BadRequestf("invalid URI %s", iri)
	}
	return u.Hostname(), nil
}

func firstValue(n vocab.NaturalLanguageValues) string {
	if len(n) == 0 {
		return ""
	}
	return n.First().Value.String()
}

func visibilityOf(ob *vocab.Object) storage.Visibility {
	if ob.To.Contains(vocab.PublicNS) {
		return storage.VisibilityPublic
	}
	if ob.CC.Contains(vocab.PublicNS) {
		return storage.VisibilityFollowers
	}
	return storage.VisibilityDirect
}

func attachmentsOf(ob *vocab.Object) []storage.File {
	files := make([]storage.File, 0)
	if vocab.IsNil(ob.Attachment) {
		return files
	}
	items := vocab.ItemCollection{}
	if ob.Attachment.IsCollection() {
		vocab.OnItemCollection(ob.Attachment, func(col *vocab.ItemCollection) error {
			items = *col
			return nil
		})
	} else {
		items = vocab.ItemCollection{ob.Attachment}
	}
	for _, it := range items {
		vocab.OnObject(it, func(att *vocab.Object) error {
			url := ""
			if !vocab.IsNil(att.URL) {
				url = att.URL.GetLink().String()
			}
			if url == "" {
				return nil
			}
			files = append(files, storage.File{
				Hash:      url,
				MediaType: string(att.MediaType),
				URL:       url,
			})
			return nil
		})
	}
	return files
}
