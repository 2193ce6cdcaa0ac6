package pgx

import (
	"context"

	"github.com/go-ap/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz,
		last_fetched_at timestamptz,
		handle text NOT NULL,
		name text NOT NULL DEFAULT '',
		host text NOT NULL,
		inbox text NOT NULL DEFAULT '',
		shared_inbox text NOT NULL DEFAULT '',
		uri text NOT NULL,
		public_key_pem text NOT NULL DEFAULT '',
		avatar_id text,
		banner_id text,
		follower_count integer NOT NULL DEFAULT 0,
		following_count integer NOT NULL DEFAULT 0,
		post_count integer NOT NULL DEFAULT 0,
		tombstoned boolean NOT NULL DEFAULT FALSE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_uri_key ON users (uri)`,
	`CREATE INDEX IF NOT EXISTS users_handle_host_idx ON users (handle, host)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id text PRIMARY KEY,
		user_id text NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		created_at timestamptz NOT NULL DEFAULT now(),
		content text NOT NULL DEFAULT '',
		uri text NOT NULL,
		in_reply_to_uri text,
		visibility text NOT NULL DEFAULT 'public'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS posts_uri_key ON posts (uri)`,
	`CREATE INDEX IF NOT EXISTS posts_user_idx ON posts (user_id)`,
	`CREATE TABLE IF NOT EXISTS follows (
		id text PRIMARY KEY,
		from_id text NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		to_id text NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		accepted boolean NOT NULL DEFAULT FALSE,
		uri text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS follows_uri_key ON follows (uri)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS follows_pair_key ON follows (from_id, to_id)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		id text PRIMARY KEY,
		user_id text NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		post_id text NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
		content text NOT NULL DEFAULT '',
		uri text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS reactions_uri_key ON reactions (uri)`,
	`CREATE INDEX IF NOT EXISTS reactions_post_idx ON reactions (post_id)`,
	`CREATE TABLE IF NOT EXISTS files (
		id text PRIMARY KEY,
		hash text NOT NULL,
		media_type text NOT NULL DEFAULT '',
		url text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS files_hash_key ON files (hash)`,
	`CREATE TABLE IF NOT EXISTS post_attachments (
		post_id text NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
		file_id text NOT NULL REFERENCES files (id) ON DELETE CASCADE,
		PRIMARY KEY (post_id, file_id)
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id bigserial PRIMARY KEY,
		activity_id text NOT NULL,
		activity_body bytea NOT NULL,
		target_inbox text NOT NULL,
		attempt integer NOT NULL DEFAULT 0,
		first_attempt timestamptz NOT NULL DEFAULT now(),
		next_attempt_at timestamptz NOT NULL DEFAULT now(),
		last_error text NOT NULL DEFAULT '',
		failed boolean NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_jobs_due_idx ON delivery_jobs (next_attempt_at) WHERE NOT failed`,
}

// Bootstrap creates the tables and indexes the node needs. Every statement is
// idempotent so it runs unconditionally at start up.
func (r *repo) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return errors.Annotatef(err, "unable to bootstrap storage")
		}
	}
	return nil
}
