package pgx

import (
	"context"
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/google/uuid"

	"git.sr.ht/~mariusor/lw"
	"github.com/XiNiHa/chamsae/internal/config"
	"github.com/XiNiHa/chamsae/internal/log"
	"github.com/XiNiHa/chamsae/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// querier is implemented by both *pgxpool.Pool and pgx.Tx so the same query
// methods serve the pool and open transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queries struct {
	q querier
}

type repo struct {
	queries
	pool *pgxpool.Pool
	l    lw.Logger
}

type repoTx struct {
	queries
	tx pgx.Tx
}

// New opens a connection pool against the configured database.
func New(ctx context.Context, conf config.BackendConfig, l lw.Logger) (*repo, error) {
	pc, err := pgxpool.ParseConfig(conf.DSN())
	if err != nil {
		return nil, errors.Annotatef(err, "invalid database configuration")
	}
	if l != nil {
		pc.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   log.NewPgxLogger(l),
			LogLevel: tracelog.LogLevelWarn,
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to open connection pool")
	}
	return &repo{queries: queries{q: pool}, pool: pool, l: l}, nil
}

func (r *repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to begin transaction")
	}
	return &repoTx{queries: queries{q: tx}, tx: tx}, nil
}

func (r *repo) Close() {
	r.pool.Close()
}

func (t *repoTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *repoTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func wrapNoRows(err error, s string, args ...any) error {
	if err == pgx.ErrNoRows {
		return storage.ErrNotFound
	}
	return errors.Annotatef(err, s, args...)
}

const userColumns = `id, created_at, updated_at, last_fetched_at, handle, name, host,
	inbox, shared_inbox, uri, public_key_pem, avatar_id, banner_id,
	follower_count, following_count, post_count, tombstoned`

func scanUser(row pgx.Row) (*storage.User, error) {
	u := storage.User{}
	var id string
	var avatar, banner *string
	var updated, fetched *time.Time
	err := row.Scan(&id, &u.CreatedAt, &updated, &fetched, &u.Handle, &u.Name, &u.Host,
		&u.Inbox, &u.SharedInbox, &u.URI, &u.PublicKeyPem, &avatar, &banner,
		&u.FollowerCount, &u.FollowingCount, &u.PostCount, &u.Tombstoned)
	if err != nil {
		return nil, err
	}
	u.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		u.UpdatedAt = *updated
	}
	if fetched != nil {
		u.LastFetchedAt = *fetched
	}
	if avatar != nil {
		if fid, err := uuid.Parse(*avatar); err == nil {
			u.AvatarID = &fid
		}
	}
	if banner != nil {
		if fid, err := uuid.Parse(*banner); err == nil {
			u.BannerID = &fid
		}
	}
	return &u, nil
}

func (r queries) UserByURI(ctx context.Context, iri vocab.IRI) (*storage.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE uri = $1`, iri.String())
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load user %s", iri)
	}
	return u, nil
}

func (r queries) UserByID(ctx context.Context, id uuid.UUID) (*storage.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load user %s", id)
	}
	return u, nil
}

func (r queries) UserByHandle(ctx context.Context, handle, host string) (*storage.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE handle = $1 AND host = $2`, handle, host)
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load user %s@%s", handle, host)
	}
	return u, nil
}

func nilUUID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func (r queries) UpsertUser(ctx context.Context, u *storage.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO users (id, created_at, updated_at, last_fetched_at, handle, name, host,
			inbox, shared_inbox, uri, public_key_pem, avatar_id, banner_id, tombstoned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (uri) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			last_fetched_at = EXCLUDED.last_fetched_at,
			handle = EXCLUDED.handle,
			name = EXCLUDED.name,
			inbox = EXCLUDED.inbox,
			shared_inbox = EXCLUDED.shared_inbox,
			public_key_pem = EXCLUDED.public_key_pem,
			avatar_id = EXCLUDED.avatar_id,
			banner_id = EXCLUDED.banner_id,
			tombstoned = EXCLUDED.tombstoned`,
		u.ID.String(), u.CreatedAt, u.UpdatedAt, u.LastFetchedAt, u.Handle, u.Name, u.Host,
		u.Inbox, u.SharedInbox, u.URI.String(), u.PublicKeyPem, nilUUID(u.AvatarID), nilUUID(u.BannerID), u.Tombstoned)
	if err != nil {
		return errors.Annotatef(err, "unable to upsert user %s", u.URI)
	}
	// keep the caller's ID in sync with the winning row
	existing, err := r.UserByURI(ctx, u.URI)
	if err == nil {
		u.ID = existing.ID
	}
	return nil
}

func (r queries) TombstoneUser(ctx context.Context, iri vocab.IRI) error {
	_, err := r.q.Exec(ctx, `UPDATE users SET tombstoned = TRUE, updated_at = now() WHERE uri = $1`, iri.String())
	return errors.Annotatef(err, "unable to tombstone user %s", iri)
}

func (r queries) TombstoneUsersByInbox(ctx context.Context, inbox string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE users SET tombstoned = TRUE, updated_at = now()
		WHERE inbox = $1 OR shared_inbox = $1`, inbox)
	return errors.Annotatef(err, "unable to tombstone users behind %s", inbox)
}

const postColumns = `id, user_id, created_at, content, uri, in_reply_to_uri, visibility`

func scanPost(row pgx.Row) (*storage.Post, error) {
	p := storage.Post{}
	var id, userID string
	var inReplyTo *string
	err := row.Scan(&id, &userID, &p.CreatedAt, &p.Content, &p.URI, &inReplyTo, &p.Visibility)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, err
	}
	if inReplyTo != nil {
		p.InReplyToURI = vocab.IRI(*inReplyTo)
	}
	return &p, nil
}

func (r queries) loadAttachments(ctx context.Context, p *storage.Post) error {
	rows, err := r.q.Query(ctx, `
		SELECT f.id, f.hash, f.media_type, f.url, f.created_at
		FROM files f JOIN post_attachments pa ON pa.file_id = f.id
		WHERE pa.post_id = $1`, p.ID.String())
	if err != nil {
		return errors.Annotatef(err, "unable to load attachments for %s", p.URI)
	}
	defer rows.Close()
	for rows.Next() {
		f := storage.File{}
		var id string
		if err := rows.Scan(&id, &f.Hash, &f.MediaType, &f.URL, &f.CreatedAt); err != nil {
			return err
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return err
		}
		p.Attachments = append(p.Attachments, f)
	}
	return rows.Err()
}

func (r queries) PostByURI(ctx context.Context, iri vocab.IRI) (*storage.Post, error) {
	row := r.q.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE uri = $1`, iri.String())
	p, err := scanPost(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load post %s", iri)
	}
	return p, r.loadAttachments(ctx, p)
}

func (r queries) PostByID(ctx context.Context, id uuid.UUID) (*storage.Post, error) {
	row := r.q.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id.String())
	p, err := scanPost(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load post %s", id)
	}
	return p, r.loadAttachments(ctx, p)
}

func (r queries) UpsertPost(ctx context.Context, p *storage.Post) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Visibility == "" {
		p.Visibility = storage.VisibilityPublic
	}
	var inReplyTo *string
	if len(p.InReplyToURI) > 0 {
		s := p.InReplyToURI.String()
		inReplyTo = &s
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO posts (id, user_id, created_at, content, uri, in_reply_to_uri, visibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uri) DO UPDATE SET
			content = EXCLUDED.content,
			visibility = EXCLUDED.visibility`,
		p.ID.String(), p.UserID.String(), p.CreatedAt, p.Content, p.URI.String(), inReplyTo, p.Visibility)
	if err != nil {
		return errors.Annotatef(err, "unable to upsert post %s", p.URI)
	}
	if existing, err := r.PostByURI(ctx, p.URI); err == nil {
		p.ID = existing.ID
	}
	for _, f := range p.Attachments {
		if _, err := r.q.Exec(ctx, `
			INSERT INTO post_attachments (post_id, file_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, p.ID.String(), f.ID.String()); err != nil {
			return errors.Annotatef(err, "unable to attach file %s to %s", f.ID, p.URI)
		}
	}
	return nil
}

func (r queries) DeletePostByURI(ctx context.Context, iri vocab.IRI) error {
	_, err := r.q.Exec(ctx, `DELETE FROM posts WHERE uri = $1`, iri.String())
	return errors.Annotatef(err, "unable to delete post %s", iri)
}

const followColumns = `id, from_id, to_id, accepted, uri, created_at`

func scanFollow(row pgx.Row) (*storage.Follow, error) {
	f := storage.Follow{}
	var id, from, to string
	err := row.Scan(&id, &from, &to, &f.Accepted, &f.URI, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if f.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if f.FromID, err = uuid.Parse(from); err != nil {
		return nil, err
	}
	if f.ToID, err = uuid.Parse(to); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r queries) FollowByURI(ctx context.Context, iri vocab.IRI) (*storage.Follow, error) {
	row := r.q.QueryRow(ctx, `SELECT `+followColumns+` FROM follows WHERE uri = $1`, iri.String())
	f, err := scanFollow(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load follow %s", iri)
	}
	return f, nil
}

func (r queries) FollowByID(ctx context.Context, id uuid.UUID) (*storage.Follow, error) {
	row := r.q.QueryRow(ctx, `SELECT `+followColumns+` FROM follows WHERE id = $1`, id.String())
	f, err := scanFollow(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load follow %s", id)
	}
	return f, nil
}

func (r queries) FollowBetween(ctx context.Context, from, to uuid.UUID) (*storage.Follow, error) {
	row := r.q.QueryRow(ctx, `SELECT `+followColumns+` FROM follows WHERE from_id = $1 AND to_id = $2`,
		from.String(), to.String())
	f, err := scanFollow(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load follow %s -> %s", from, to)
	}
	return f, nil
}

func (r queries) UpsertFollow(ctx context.Context, f *storage.Follow) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO follows (id, from_id, to_id, accepted, uri, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET accepted = EXCLUDED.accepted`,
		f.ID.String(), f.FromID.String(), f.ToID.String(), f.Accepted, f.URI.String(), f.CreatedAt)
	if err != nil {
		return errors.Annotatef(err, "unable to upsert follow %s", f.URI)
	}
	if existing, err := r.FollowByURI(ctx, f.URI); err == nil {
		f.ID = existing.ID
	}
	return nil
}

func (r queries) AcceptFollowByURI(ctx context.Context, iri vocab.IRI) error {
	t, err := r.q.Exec(ctx, `UPDATE follows SET accepted = TRUE WHERE uri = $1`, iri.String())
	if err != nil {
		return errors.Annotatef(err, "unable to accept follow %s", iri)
	}
	if t.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r queries) DeleteFollowByURI(ctx context.Context, iri vocab.IRI) error {
	_, err := r.q.Exec(ctx, `DELETE FROM follows WHERE uri = $1`, iri.String())
	return errors.Annotatef(err, "unable to delete follow %s", iri)
}

const reactionColumns = `id, user_id, post_id, content, uri, created_at`

func scanReaction(row pgx.Row) (*storage.Reaction, error) {
	re := storage.Reaction{}
	var id, userID, postID string
	err := row.Scan(&id, &userID, &postID, &re.Content, &re.URI, &re.CreatedAt)
	if err != nil {
		return nil, err
	}
	if re.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if re.UserID, err = uuid.Parse(userID); err != nil {
		return nil, err
	}
	if re.PostID, err = uuid.Parse(postID); err != nil {
		return nil, err
	}
	return &re, nil
}

func (r queries) ReactionByURI(ctx context.Context, iri vocab.IRI) (*storage.Reaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+reactionColumns+` FROM reactions WHERE uri = $1`, iri.String())
	re, err := scanReaction(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load reaction %s", iri)
	}
	return re, nil
}

func (r queries) ReactionByID(ctx context.Context, id uuid.UUID) (*storage.Reaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+reactionColumns+` FROM reactions WHERE id = $1`, id.String())
	re, err := scanReaction(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load reaction %s", id)
	}
	return re, nil
}

func (r queries) ReactionBy(ctx context.Context, actor, post uuid.UUID) (*storage.Reaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+reactionColumns+` FROM reactions WHERE user_id = $1 AND post_id = $2`,
		actor.String(), post.String())
	re, err := scanReaction(row)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load reaction by %s on %s", actor, post)
	}
	return re, nil
}

func (r queries) UpsertReaction(ctx context.Context, re *storage.Reaction) error {
	if re.ID == uuid.Nil {
		re.ID = uuid.New()
	}
	if re.CreatedAt.IsZero() {
		re.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO reactions (id, user_id, post_id, content, uri, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET content = EXCLUDED.content`,
		re.ID.String(), re.UserID.String(), re.PostID.String(), re.Content, re.URI.String(), re.CreatedAt)
	if err != nil {
		return errors.Annotatef(err, "unable to upsert reaction %s", re.URI)
	}
	if existing, err := r.ReactionByURI(ctx, re.URI); err == nil {
		re.ID = existing.ID
	}
	return nil
}

func (r queries) DeleteReactionByURI(ctx context.Context, iri vocab.IRI) error {
	_, err := r.q.Exec(ctx, `DELETE FROM reactions WHERE uri = $1`, iri.String())
	return errors.Annotatef(err, "unable to delete reaction %s", iri)
}

func (r queries) FileByHash(ctx context.Context, hash string) (*storage.File, error) {
	f := storage.File{}
	var id string
	row := r.q.QueryRow(ctx, `SELECT id, hash, media_type, url, created_at FROM files WHERE hash = $1`, hash)
	err := row.Scan(&id, &f.Hash, &f.MediaType, &f.URL, &f.CreatedAt)
	if err != nil {
		return nil, wrapNoRows(err, "unable to load file %s", hash)
	}
	if f.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r queries) UpsertFile(ctx context.Context, f *storage.File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO files (id, hash, media_type, url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING`,
		f.ID.String(), f.Hash, f.MediaType, f.URL, f.CreatedAt)
	if err != nil {
		return errors.Annotatef(err, "unable to upsert file %s", f.Hash)
	}
	if existing, err := r.FileByHash(ctx, f.Hash); err == nil {
		f.ID = existing.ID
	}
	return nil
}

func (r queries) RefreshCounters(ctx context.Context, userID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE users SET
			follower_count = (SELECT COUNT(1) FROM follows WHERE to_id = $1 AND accepted),
			following_count = (SELECT COUNT(1) FROM follows WHERE from_id = $1 AND accepted),
			post_count = (SELECT COUNT(1) FROM posts WHERE user_id = $1),
			updated_at = now()
		WHERE id = $1`, userID.String())
	return errors.Annotatef(err, "unable to refresh counters for %s", userID)
}

func (r queries) AcceptedFollowerInboxes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT COALESCE(NULLIF(u.shared_inbox, ''), u.inbox)
		FROM follows f JOIN users u ON u.id = f.from_id
		WHERE f.to_id = $1 AND f.accepted AND NOT u.tombstoned`, userID.String())
	if err != nil {
		return nil, errors.Annotatef(err, "unable to load follower inboxes for %s", userID)
	}
	defer rows.Close()
	inboxes := make([]string, 0)
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		if inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, rows.Err()
}

func (r queries) EnqueueDelivery(ctx context.Context, jobs ...storage.DeliveryJob) error {
	for _, j := range jobs {
		if j.NextAttemptAt.IsZero() {
			j.NextAttemptAt = time.Now().UTC()
		}
		if j.FirstAttempt.IsZero() {
			j.FirstAttempt = time.Now().UTC()
		}
		_, err := r.q.Exec(ctx, `
			INSERT INTO delivery_jobs (activity_id, activity_body, target_inbox, attempt, first_attempt, next_attempt_at, last_error, failed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
			j.ActivityID.String(), j.ActivityBody, j.TargetInbox, j.Attempt, j.FirstAttempt, j.NextAttemptAt, j.LastError)
		if err != nil {
			return errors.Annotatef(err, "unable to enqueue delivery to %s", j.TargetInbox)
		}
	}
	return nil
}

func (r queries) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]storage.DeliveryJob, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, activity_id, activity_body, target_inbox, attempt, first_attempt, next_attempt_at, last_error
		FROM delivery_jobs
		WHERE NOT failed AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to load due deliveries")
	}
	defer rows.Close()
	jobs := make([]storage.DeliveryJob, 0)
	for rows.Next() {
		j := storage.DeliveryJob{}
		var activityID string
		if err := rows.Scan(&j.ID, &activityID, &j.ActivityBody, &j.TargetInbox, &j.Attempt, &j.FirstAttempt, &j.NextAttemptAt, &j.LastError); err != nil {
			return nil, err
		}
		j.ActivityID = vocab.IRI(activityID)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r queries) UpdateDeliveryAttempt(ctx context.Context, id int64, attempt int, next time.Time, lastError string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE delivery_jobs SET attempt = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
		id, attempt, next, lastError)
	return errors.Annotatef(err, "unable to update delivery %d", id)
}

func (r queries) MarkDeliveryFailed(ctx context.Context, id int64, lastError string) error {
	_, err := r.q.Exec(ctx, `UPDATE delivery_jobs SET failed = TRUE, last_error = $2 WHERE id = $1`, id, lastError)
	return errors.Annotatef(err, "unable to mark delivery %d failed", id)
}

func (r queries) DeleteDelivery(ctx context.Context, id int64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM delivery_jobs WHERE id = $1`, id)
	return errors.Annotatef(err, "unable to delete delivery %d", id)
}

func (r queries) CancelDeliveriesTo(ctx context.Context, inbox string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM delivery_jobs WHERE target_inbox = $1 AND NOT failed`, inbox)
	return errors.Annotatef(err, "unable to cancel deliveries to %s", inbox)
}
