package storage

import (
	"context"
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/google/uuid"
)

// Visibility restricts who can see a post.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityFollowers Visibility = "followers"
	VisibilityDirect    Visibility = "direct"
)

// User is the relational projection of an ActivityPub actor, remote or local.
// Counter fields are caches recomputed from the joined tables, never a source
// of truth.
type User struct {
	ID            uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastFetchedAt time.Time
	Handle        string
	Name          string
	Host          string
	Inbox         string
	SharedInbox   string
	URI           vocab.IRI
	PublicKeyPem  string
	AvatarID      *uuid.UUID
	BannerID      *uuid.UUID

	FollowerCount  int
	FollowingCount int
	PostCount      int

	Tombstoned bool
}

type Post struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	CreatedAt    time.Time
	Content      string
	URI          vocab.IRI
	InReplyToURI vocab.IRI `json:",omitempty"`
	Visibility   Visibility
	Attachments  []File `json:",omitempty"`
}

// Follow is a subscription edge; Accepted stays false until the target
// confirms with an Accept activity.
type Follow struct {
	ID        uuid.UUID
	FromID    uuid.UUID
	ToID      uuid.UUID
	Accepted  bool
	URI       vocab.IRI
	CreatedAt time.Time
}

type Reaction struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	PostID    uuid.UUID
	Content   string
	URI       vocab.IRI
	CreatedAt time.Time
}

type File struct {
	ID        uuid.UUID
	Hash      string
	MediaType string
	URL       string
	CreatedAt time.Time
}

// DeliveryJob is one pending outbound POST of an activity to a single inbox.
type DeliveryJob struct {
	ID            int64
	ActivityID    vocab.IRI
	ActivityBody  []byte
	TargetInbox   string
	Attempt       int
	FirstAttempt  time.Time
	NextAttemptAt time.Time
	LastError     string
	Failed        bool
}

var ErrNotFound = errors.NotFoundf("not found")

// Queries is the read/write surface shared by the pool and by transactions.
type Queries interface {
	UserByURI(ctx context.Context, iri vocab.IRI) (*User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*User, error)
	UserByHandle(ctx context.Context, handle, host string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	TombstoneUser(ctx context.Context, iri vocab.IRI) error
	TombstoneUsersByInbox(ctx context.Context, inbox string) error

	PostByURI(ctx context.Context, iri vocab.IRI) (*Post, error)
	PostByID(ctx context.Context, id uuid.UUID) (*Post, error)
	UpsertPost(ctx context.Context, p *Post) error
	DeletePostByURI(ctx context.Context, iri vocab.IRI) error

	FollowByURI(ctx context.Context, iri vocab.IRI) (*Follow, error)
	FollowByID(ctx context.Context, id uuid.UUID) (*Follow, error)
	FollowBetween(ctx context.Context, from, to uuid.UUID) (*Follow, error)
	UpsertFollow(ctx context.Context, f *Follow) error
	AcceptFollowByURI(ctx context.Context, iri vocab.IRI) error
	DeleteFollowByURI(ctx context.Context, iri vocab.IRI) error

	ReactionByURI(ctx context.Context, iri vocab.IRI) (*Reaction, error)
	ReactionByID(ctx context.Context, id uuid.UUID) (*Reaction, error)
	ReactionBy(ctx context.Context, actor, post uuid.UUID) (*Reaction, error)
	UpsertReaction(ctx context.Context, r *Reaction) error
	DeleteReactionByURI(ctx context.Context, iri vocab.IRI) error

	FileByHash(ctx context.Context, hash string) (*File, error)
	UpsertFile(ctx context.Context, f *File) error

	// RefreshCounters recomputes the denormalized counters of a user from
	// the joined tables; callers run it inside the transaction that changed
	// the underlying rows.
	RefreshCounters(ctx context.Context, userID uuid.UUID) error

	// AcceptedFollowerInboxes returns the distinct delivery targets for a
	// local user, collapsing actors that share an inbox.
	AcceptedFollowerInboxes(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// DeliveryQueue persists outbound jobs so delivery survives restarts.
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, jobs ...DeliveryJob) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]DeliveryJob, error)
	UpdateDeliveryAttempt(ctx context.Context, id int64, attempt int, next time.Time, lastError string) error
	MarkDeliveryFailed(ctx context.Context, id int64, lastError string) error
	DeleteDelivery(ctx context.Context, id int64) error
	CancelDeliveriesTo(ctx context.Context, inbox string) error
}

// Tx is a Queries surface bound to a single database transaction.
type Tx interface {
	Queries
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the full local state store owned by the node.
type Store interface {
	Queries
	DeliveryQueue
	Begin(ctx context.Context) (Tx, error)
	Close()
}
