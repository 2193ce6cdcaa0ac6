// Package mem provides an in process Store used by tests and by ephemeral
// development runs. Transactions take the store lock for their whole lifetime
// and roll back by restoring a snapshot.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/google/uuid"

	"github.com/XiNiHa/chamsae/storage"
)

type data struct {
	users     map[uuid.UUID]storage.User
	posts     map[uuid.UUID]storage.Post
	follows   map[uuid.UUID]storage.Follow
	reactions map[uuid.UUID]storage.Reaction
	files     map[uuid.UUID]storage.File
	jobs      map[int64]storage.DeliveryJob
	nextJob   int64
}

type Repo struct {
	mu sync.Mutex
	d  data
}

func New() *Repo {
	return &Repo{d: newData()}
}

func newData() data {
	return data{
		users:     map[uuid.UUID]storage.User{},
		posts:     map[uuid.UUID]storage.Post{},
		follows:   map[uuid.UUID]storage.Follow{},
		reactions: map[uuid.UUID]storage.Reaction{},
		files:     map[uuid.UUID]storage.File{},
		jobs:      map[int64]storage.DeliveryJob{},
		nextJob:   1,
	}
}

func (d data) clone() data {
	c := newData()
	c.nextJob = d.nextJob
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.posts {
		c.posts[k] = v
	}
	for k, v := range d.follows {
		c.follows[k] = v
	}
	for k, v := range d.reactions {
		c.reactions[k] = v
	}
	for k, v := range d.files {
		c.files[k] = v
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	return c
}

func (r *Repo) Close() {}

type memTx struct {
	r        *Repo
	snapshot data
	done     bool
}

func (r *Repo) Begin(_ context.Context) (storage.Tx, error) {
	r.mu.Lock()
	return &memTx{r: r, snapshot: r.d.clone()}, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.r.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.r.d = t.snapshot
	t.r.mu.Unlock()
	return nil
}

// users

func (d *data) userByURI(iri vocab.IRI) (*storage.User, error) {
	for _, u := range d.users {
		if u.URI.Equals(iri, false) {
			u := u
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (d *data) upsertUser(u *storage.User) error {
	if existing, err := d.userByURI(u.URI); err == nil {
		u.ID = existing.ID
		if u.CreatedAt.IsZero() {
			u.CreatedAt = existing.CreatedAt
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	d.users[u.ID] = *u
	return nil
}

func (r *Repo) UserByURI(_ context.Context, iri vocab.IRI) (*storage.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.userByURI(iri)
}

func (t *memTx) UserByURI(_ context.Context, iri vocab.IRI) (*storage.User, error) {
	return t.r.d.userByURI(iri)
}

func (d *data) userByID(id uuid.UUID) (*storage.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (r *Repo) UserByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.userByID(id)
}

func (t *memTx) UserByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	return t.r.d.userByID(id)
}

func (d *data) userByHandle(handle, host string) (*storage.User, error) {
	for _, u := range d.users {
		if u.Handle == handle && u.Host == host {
			u := u
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) UserByHandle(_ context.Context, handle, host string) (*storage.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.userByHandle(handle, host)
}

func (t *memTx) UserByHandle(_ context.Context, handle, host string) (*storage.User, error) {
	return t.r.d.userByHandle(handle, host)
}

func (r *Repo) UpsertUser(_ context.Context, u *storage.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.upsertUser(u)
}

func (t *memTx) UpsertUser(_ context.Context, u *storage.User) error {
	return t.r.d.upsertUser(u)
}

func (d *data) tombstoneUser(iri vocab.IRI) error {
	u, err := d.userByURI(iri)
	if err != nil {
		return err
	}
	u.Tombstoned = true
	d.users[u.ID] = *u
	return nil
}

func (r *Repo) TombstoneUser(_ context.Context, iri vocab.IRI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.tombstoneUser(iri)
}

func (t *memTx) TombstoneUser(_ context.Context, iri vocab.IRI) error {
	return t.r.d.tombstoneUser(iri)
}

func (d *data) tombstoneUsersByInbox(inbox string) error {
	for id, u := range d.users {
		if u.Inbox == inbox || u.SharedInbox == inbox {
			u.Tombstoned = true
			d.users[id] = u
		}
	}
	return nil
}

func (r *Repo) TombstoneUsersByInbox(_ context.Context, inbox string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.tombstoneUsersByInbox(inbox)
}

func (t *memTx) TombstoneUsersByInbox(_ context.Context, inbox string) error {
	return t.r.d.tombstoneUsersByInbox(inbox)
}

// posts

func (d *data) postByURI(iri vocab.IRI) (*storage.Post, error) {
	for _, p := range d.posts {
		if p.URI.Equals(iri, false) {
			p := p
			return &p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) PostByURI(_ context.Context, iri vocab.IRI) (*storage.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.postByURI(iri)
}

func (t *memTx) PostByURI(_ context.Context, iri vocab.IRI) (*storage.Post, error) {
	return t.r.d.postByURI(iri)
}

func (d *data) postByID(id uuid.UUID) (*storage.Post, error) {
	p, ok := d.posts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (r *Repo) PostByID(_ context.Context, id uuid.UUID) (*storage.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.postByID(id)
}

func (t *memTx) PostByID(_ context.Context, id uuid.UUID) (*storage.Post, error) {
	return t.r.d.postByID(id)
}

func (d *data) upsertPost(p *storage.Post) error {
	if existing, err := d.postByURI(p.URI); err == nil {
		p.ID = existing.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Visibility == "" {
		p.Visibility = storage.VisibilityPublic
	}
	d.posts[p.ID] = *p
	return nil
}

func (r *Repo) UpsertPost(_ context.Context, p *storage.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.upsertPost(p)
}

func (t *memTx) UpsertPost(_ context.Context, p *storage.Post) error {
	return t.r.d.upsertPost(p)
}

func (d *data) deletePostByURI(iri vocab.IRI) error {
	for id, p := range d.posts {
		if p.URI.Equals(iri, false) {
			delete(d.posts, id)
			for rid, re := range d.reactions {
				if re.PostID == id {
					delete(d.reactions, rid)
				}
			}
		}
	}
	return nil
}

func (r *Repo) DeletePostByURI(_ context.Context, iri vocab.IRI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.deletePostByURI(iri)
}

func (t *memTx) DeletePostByURI(_ context.Context, iri vocab.IRI) error {
	return t.r.d.deletePostByURI(iri)
}

// follows

func (d *data) followByURI(iri vocab.IRI) (*storage.Follow, error) {
	for _, f := range d.follows {
		if f.URI.Equals(iri, false) {
			f := f
			return &f, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) FollowByURI(_ context.Context, iri vocab.IRI) (*storage.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.followByURI(iri)
}

func (t *memTx) FollowByURI(_ context.Context, iri vocab.IRI) (*storage.Follow, error) {
	return t.r.d.followByURI(iri)
}

func (d *data) followByID(id uuid.UUID) (*storage.Follow, error) {
	f, ok := d.follows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &f, nil
}

func (r *Repo) FollowByID(_ context.Context, id uuid.UUID) (*storage.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.followByID(id)
}

func (t *memTx) FollowByID(_ context.Context, id uuid.UUID) (*storage.Follow, error) {
	return t.r.d.followByID(id)
}

func (d *data) followBetween(from, to uuid.UUID) (*storage.Follow, error) {
	for _, f := range d.follows {
		if f.FromID == from && f.ToID == to {
			f := f
			return &f, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) FollowBetween(_ context.Context, from, to uuid.UUID) (*storage.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.followBetween(from, to)
}

func (t *memTx) FollowBetween(_ context.Context, from, to uuid.UUID) (*storage.Follow, error) {
	return t.r.d.followBetween(from, to)
}

func (d *data) upsertFollow(f *storage.Follow) error {
	if existing, err := d.followByURI(f.URI); err == nil {
		f.ID = existing.ID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = existing.CreatedAt
		}
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	d.follows[f.ID] = *f
	return nil
}

func (r *Repo) UpsertFollow(_ context.Context, f *storage.Follow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.upsertFollow(f)
}

func (t *memTx) UpsertFollow(_ context.Context, f *storage.Follow) error {
	return t.r.d.upsertFollow(f)
}

func (d *data) acceptFollowByURI(iri vocab.IRI) error {
	f, err := d.followByURI(iri)
	if err != nil {
		return err
	}
	f.Accepted = true
	d.follows[f.ID] = *f
	return nil
}

func (r *Repo) AcceptFollowByURI(_ context.Context, iri vocab.IRI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.acceptFollowByURI(iri)
}

func (t *memTx) AcceptFollowByURI(_ context.Context, iri vocab.IRI) error {
	return t.r.d.acceptFollowByURI(iri)
}

func (d *data) deleteFollowByURI(iri vocab.IRI) error {
	for id, f := range d.follows {
		if f.URI.Equals(iri, false) {
			delete(d.follows, id)
		}
	}
	return nil
}

func (r *Repo) DeleteFollowByURI(_ context.Context, iri vocab.IRI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.deleteFollowByURI(iri)
}

func (t *memTx) DeleteFollowByURI(_ context.Context, iri vocab.IRI) error {
	return t.r.d.deleteFollowByURI(iri)
}

// reactions

func (d *data) reactionByURI(iri vocab.IRI) (*storage.Reaction, error) {
	for _, re := range d.reactions {
		if re.URI.Equals(iri, false) {
			re := re
			return &re, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) ReactionByURI(_ context.Context, iri vocab.IRI) (*storage.Reaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.reactionByURI(iri)
}

func (t *memTx) ReactionByURI(_ context.Context, iri vocab.IRI) (*storage.Reaction, error) {
	return t.r.d.reactionByURI(iri)
}

func (d *data) reactionByID(id uuid.UUID) (*storage.Reaction, error) {
	re, ok := d.reactions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &re, nil
}

func (r *Repo) ReactionByID(_ context.Context, id uuid.UUID) (*storage.Reaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.reactionByID(id)
}

func (t *memTx) ReactionByID(_ context.Context, id uuid.UUID) (*storage.Reaction, error) {
	return t.r.d.reactionByID(id)
}

func (d *data) reactionBy(actor, post uuid.UUID) (*storage.Reaction, error) {
	for _, re := range d.reactions {
		if re.UserID == actor && re.PostID == post {
			re := re
			return &re, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) ReactionBy(_ context.Context, actor, post uuid.UUID) (*storage.Reaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.reactionBy(actor, post)
}

func (t *memTx) ReactionBy(_ context.Context, actor, post uuid.UUID) (*storage.Reaction, error) {
	return t.r.d.reactionBy(actor, post)
}

func (d *data) upsertReaction(re *storage.Reaction) error {
	if existing, err := d.reactionByURI(re.URI); err == nil {
		re.ID = existing.ID
		if re.CreatedAt.IsZero() {
			re.CreatedAt = existing.CreatedAt
		}
	}
	if re.ID == uuid.Nil {
		re.ID = uuid.New()
	}
	if re.CreatedAt.IsZero() {
		re.CreatedAt = time.Now().UTC()
	}
	d.reactions[re.ID] = *re
	return nil
}

func (r *Repo) UpsertReaction(_ context.Context, re *storage.Reaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.upsertReaction(re)
}

func (t *memTx) UpsertReaction(_ context.Context, re *storage.Reaction) error {
	return t.r.d.upsertReaction(re)
}

func (d *data) deleteReactionByURI(iri vocab.IRI) error {
	for id, re := range d.reactions {
		if re.URI.Equals(iri, false) {
			delete(d.reactions, id)
		}
	}
	return nil
}

func (r *Repo) DeleteReactionByURI(_ context.Context, iri vocab.IRI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.deleteReactionByURI(iri)
}

func (t *memTx) DeleteReactionByURI(_ context.Context, iri vocab.IRI) error {
	return t.r.d.deleteReactionByURI(iri)
}

// files

func (d *data) fileByHash(hash string) (*storage.File, error) {
	for _, f := range d.files {
		if f.Hash == hash {
			f := f
			return &f, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repo) FileByHash(_ context.Context, hash string) (*storage.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.fileByHash(hash)
}

func (t *memTx) FileByHash(_ context.Context, hash string) (*storage.File, error) {
	return t.r.d.fileByHash(hash)
}

func (d *data) upsertFile(f *storage.File) error {
	if existing, err := d.fileByHash(f.Hash); err == nil {
		f.ID = existing.ID
		f.CreatedAt = existing.CreatedAt
		return nil
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	d.files[f.ID] = *f
	return nil
}

func (r *Repo) UpsertFile(_ context.Context, f *storage.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.upsertFile(f)
}

func (t *memTx) UpsertFile(_ context.Context, f *storage.File) error {
	return t.r.d.upsertFile(f)
}

// counters

func (d *data) refreshCounters(userID uuid.UUID) error {
	u, ok := d.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	followers, following, posts := 0, 0, 0
	for _, f := range d.follows {
		if f.Accepted && f.ToID == userID {
			followers++
		}
		if f.Accepted && f.FromID == userID {
			following++
		}
	}
	for _, p := range d.posts {
		if p.UserID == userID {
			posts++
		}
	}
	u.FollowerCount = followers
	u.FollowingCount = following
	u.PostCount = posts
	u.UpdatedAt = time.Now().UTC()
	d.users[userID] = u
	return nil
}

func (r *Repo) RefreshCounters(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.refreshCounters(userID)
}

func (t *memTx) RefreshCounters(_ context.Context, userID uuid.UUID) error {
	return t.r.d.refreshCounters(userID)
}

func (d *data) acceptedFollowerInboxes(userID uuid.UUID) ([]string, error) {
	seen := map[string]bool{}
	inboxes := make([]string, 0)
	for _, f := range d.follows {
		if !f.Accepted || f.ToID != userID {
			continue
		}
		u, ok := d.users[f.FromID]
		if !ok || u.Tombstoned {
			continue
		}
		inbox := u.SharedInbox
		if inbox == "" {
			inbox = u.Inbox
		}
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}

func (r *Repo) AcceptedFollowerInboxes(_ context.Context, userID uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.acceptedFollowerInboxes(userID)
}

func (t *memTx) AcceptedFollowerInboxes(_ context.Context, userID uuid.UUID) ([]string, error) {
	return t.r.d.acceptedFollowerInboxes(userID)
}

// delivery queue

func (r *Repo) EnqueueDelivery(_ context.Context, jobs ...storage.DeliveryJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.enqueueDelivery(jobs...)
}

func (t *memTx) EnqueueDelivery(_ context.Context, jobs ...storage.DeliveryJob) error {
	return t.r.d.enqueueDelivery(jobs...)
}

func (d *data) enqueueDelivery(jobs ...storage.DeliveryJob) error {
	now := time.Now().UTC()
	for _, j := range jobs {
		j.ID = d.nextJob
		d.nextJob++
		if j.NextAttemptAt.IsZero() {
			j.NextAttemptAt = now
		}
		if j.FirstAttempt.IsZero() {
			j.FirstAttempt = now
		}
		d.jobs[j.ID] = j
	}
	return nil
}

func (r *Repo) DueDeliveries(_ context.Context, now time.Time, limit int) ([]storage.DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.dueDeliveries(now, limit)
}

func (t *memTx) DueDeliveries(_ context.Context, now time.Time, limit int) ([]storage.DeliveryJob, error) {
	return t.r.d.dueDeliveries(now, limit)
}

func (d *data) dueDeliveries(now time.Time, limit int) ([]storage.DeliveryJob, error) {
	due := make([]storage.DeliveryJob, 0)
	for _, j := range d.jobs {
		if !j.Failed && !j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextAttemptAt.Before(due[k].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (d *data) updateDeliveryAttempt(id int64, attempt int, next time.Time, lastError string) error {
	j, ok := d.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.Attempt = attempt
	j.NextAttemptAt = next
	j.LastError = lastError
	d.jobs[id] = j
	return nil
}

func (r *Repo) UpdateDeliveryAttempt(_ context.Context, id int64, attempt int, next time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.updateDeliveryAttempt(id, attempt, next, lastError)
}

func (t *memTx) UpdateDeliveryAttempt(_ context.Context, id int64, attempt int, next time.Time, lastError string) error {
	return t.r.d.updateDeliveryAttempt(id, attempt, next, lastError)
}

func (d *data) markDeliveryFailed(id int64, lastError string) error {
	j, ok := d.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.Failed = true
	j.LastError = lastError
	d.jobs[id] = j
	return nil
}

func (r *Repo) MarkDeliveryFailed(_ context.Context, id int64, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.markDeliveryFailed(id, lastError)
}

func (t *memTx) MarkDeliveryFailed(_ context.Context, id int64, lastError string) error {
	return t.r.d.markDeliveryFailed(id, lastError)
}

func (d *data) deleteDelivery(id int64) error {
	delete(d.jobs, id)
	return nil
}

func (r *Repo) DeleteDelivery(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.deleteDelivery(id)
}

func (t *memTx) DeleteDelivery(_ context.Context, id int64) error {
	return t.r.d.deleteDelivery(id)
}

// Jobs snapshots the whole delivery queue, failed entries included.
func (r *Repo) Jobs() []storage.DeliveryJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]storage.DeliveryJob, 0, len(r.d.jobs))
	for _, j := range r.d.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

func (d *data) cancelDeliveriesTo(inbox string) error {
	for id, j := range d.jobs {
		if !j.Failed && j.TargetInbox == inbox {
			delete(d.jobs, id)
		}
	}
	return nil
}

func (r *Repo) CancelDeliveriesTo(_ context.Context, inbox string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.cancelDeliveriesTo(inbox)
}

func (t *memTx) CancelDeliveriesTo(_ context.Context, inbox string) error {
	return t.r.d.cancelDeliveriesTo(inbox)
}
