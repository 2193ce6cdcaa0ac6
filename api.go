package chamsae

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/XiNiHa/chamsae/ap"
	"github.com/XiNiHa/chamsae/storage"
)

// PublishPost stores a post authored by the owner and fans the Create out to
// every accepted follower, collapsed by shared inbox.
func (n *Node) PublishPost(ctx context.Context, content string, visibility storage.Visibility) (*storage.Post, error) {
	if content == "" {
		return nil, errors.NotValidf("post content is empty")
	}
	if visibility == "" {
		visibility = storage.VisibilityPublic
	}
	id := uuid.New()
	post := storage.Post{
		ID:         id,
		UserID:     n.owner.ID,
		CreatedAt:  time.Now().UTC(),
		Content:    content,
		URI:        n.localIRI("post", id.String()),
		Visibility: visibility,
	}

	tx, err := n.st.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if err := tx.UpsertPost(ctx, &post); err != nil {
		return nil, err
	}
	if err := tx.RefreshCounters(ctx, n.owner.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	to, cc := audienceFor(n, visibility)
	note := ap.NewNote(post.URI, n.conf.ActorIRI, post.Content, post.CreatedAt, to, cc)
	createIRI := n.localIRI("create", uuid.NewString())
	raw, err := ap.Encode(ap.NewCreate(createIRI, n.conf.ActorIRI, note))
	if err != nil {
		return nil, err
	}
	inboxes, err := n.st.AcceptedFollowerInboxes(ctx, n.owner.ID)
	if err != nil {
		return nil, err
	}
	if err := n.del.Deliver(ctx, createIRI, raw, inboxes...); err != nil {
		return nil, err
	}
	return &post, nil
}

// DeletePost retracts an owner post and ships the Delete to followers.
func (n *Node) DeletePost(ctx context.Context, id uuid.UUID) error {
	post, err := n.st.PostByID(ctx, id)
	if err != nil {
		return err
	}
	if post.UserID != n.owner.ID {
		return errors.NotFoundf("no such post")
	}

	tx, err := n.st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.DeletePostByURI(ctx, post.URI); err != nil {
		return err
	}
	if err := tx.RefreshCounters(ctx, n.owner.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	deleteIRI := n.localIRI("delete", uuid.NewString())
	raw, err := ap.Encode(ap.NewDelete(deleteIRI, n.conf.ActorIRI, post.URI))
	if err != nil {
		return err
	}
	inboxes, err := n.st.AcceptedFollowerInboxes(ctx, n.owner.ID)
	if err != nil {
		return err
	}
	return n.del.Deliver(ctx, deleteIRI, raw, inboxes...)
}

// FollowActor sends a Follow to a remote actor. The row stays pending until
// their Accept arrives.
func (n *Node) FollowActor(ctx context.Context, actorIRI vocab.IRI) (*storage.Follow, error) {
	target, err := n.res.User(ctx, actorIRI, false)
	if err != nil {
		return nil, err
	}
	if existing, err := n.st.FollowBetween(ctx, n.owner.ID, target.ID); err == nil {
		return existing, nil
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	id := uuid.New()
	follow := storage.Follow{
		ID:     id,
		FromID: n.owner.ID,
		ToID:   target.ID,
		URI:    n.localIRI("follow", id.String()),
	}
	if err := n.st.UpsertFollow(ctx, &follow); err != nil {
		return nil, err
	}
	raw, err := ap.Encode(ap.NewFollow(follow.URI, n.conf.ActorIRI, target.URI))
	if err != nil {
		return nil, err
	}
	if err := n.del.Deliver(ctx, follow.URI, raw, target.Inbox); err != nil {
		return nil, err
	}
	return &follow, nil
}

// UndoFollow withdraws a follow the owner sent, whether it was accepted yet
// or not.
func (n *Node) UndoFollow(ctx context.Context, actorIRI vocab.IRI) error {
	target, err := n.st.UserByURI(ctx, actorIRI)
	if err != nil {
		return err
	}
	follow, err := n.st.FollowBetween(ctx, n.owner.ID, target.ID)
	if err != nil {
		return err
	}

	tx, err := n.st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.DeleteFollowByURI(ctx, follow.URI); err != nil {
		return err
	}
	if err := tx.RefreshCounters(ctx, n.owner.ID); err != nil {
		return err
	}
	if err := tx.RefreshCounters(ctx, target.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	undoIRI := n.localIRI("undo", uuid.NewString())
	prior := ap.NewFollow(follow.URI, n.conf.ActorIRI, target.URI)
	raw, err := ap.Encode(ap.NewUndo(undoIRI, n.conf.ActorIRI, prior))
	if err != nil {
		return err
	}
	return n.del.Deliver(ctx, undoIRI, raw, target.Inbox)
}

// LikePost reacts on a post and notifies its author.
func (n *Node) LikePost(ctx context.Context, postIRI vocab.IRI, content string) (*storage.Reaction, error) {
	post, err := n.res.Post(ctx, postIRI)
	if err != nil {
		return nil, err
	}
	if existing, err := n.st.ReactionBy(ctx, n.owner.ID, post.ID); err == nil {
		return existing, nil
	} else if err != storage.ErrNotFound {
		return nil, err
	}
	author, err := n.st.UserByID(ctx, post.UserID)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	reaction := storage.Reaction{
		ID:      id,
		UserID:  n.owner.ID,
		PostID:  post.ID,
		Content: content,
		URI:     n.localIRI("like", id.String()),
	}
	if err := n.st.UpsertReaction(ctx, &reaction); err != nil {
		return nil, err
	}
	raw, err := ap.Encode(ap.NewLike(reaction.URI, n.conf.ActorIRI, post.URI, content))
	if err != nil {
		return nil, err
	}
	if author.ID != n.owner.ID && author.Inbox != "" {
		if err := n.del.Deliver(ctx, reaction.URI, raw, author.Inbox); err != nil {
			return nil, err
		}
	}
	return &reaction, nil
}

// UndoLike withdraws the owner's reaction on a post.
func (n *Node) UndoLike(ctx context.Context, postIRI vocab.IRI) error {
	post, err := n.st.PostByURI(ctx, postIRI)
	if err != nil {
		return err
	}
	reaction, err := n.st.ReactionBy(ctx, n.owner.ID, post.ID)
	if err != nil {
		return err
	}
	if err := n.st.DeleteReactionByURI(ctx, reaction.URI); err != nil {
		return err
	}
	author, err := n.st.UserByID(ctx, post.UserID)
	if err != nil || author.ID == n.owner.ID || author.Inbox == "" {
		return nil
	}

	undoIRI := n.localIRI("undo", uuid.NewString())
	prior := ap.NewLike(reaction.URI, n.conf.ActorIRI, post.URI, reaction.Content)
	raw, err := ap.Encode(ap.NewUndo(undoIRI, n.conf.ActorIRI, prior))
	if err != nil {
		return err
	}
	return n.del.Deliver(ctx, undoIRI, raw, author.Inbox)
}

// ownerAuth gates the owner API with basic auth against the configured
// bcrypt hash.
func ownerAuth(n *Node) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != n.conf.UserHandle ||
				bcrypt.CompareHashAndPassword([]byte(n.conf.UserPasswordBcrypt), []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+n.conf.Domain+`"`)
				errors.HandleError(errors.Unauthorizedf("invalid credentials")).ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func jsonBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.NewBadRequest(err, "unable to decode request body")
	}
	return nil
}

func jsonOK(w http.ResponseWriter, r *http.Request, status int, body any) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			errors.HandleError(errors.Annotatef(err, "unable to serialize response")).ServeHTTP(w, r)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if raw != nil {
		w.Write(raw)
	}
}

// APIRoutes mounts the owner's client API.
func (n *Node) APIRoutes() func(chi.Router) {
	return func(r chi.Router) {
		r.Use(ownerAuth(n))

		r.Post("/note", func(w http.ResponseWriter, r *http.Request) {
			in := struct {
				Content    string             `json:"content"`
				Visibility storage.Visibility `json:"visibility"`
			}{}
			if err := jsonBody(r, &in); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			post, err := n.PublishPost(r.Context(), in.Content, in.Visibility)
			if err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			jsonOK(w, r, http.StatusCreated, post)
		})
		r.Delete("/note/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := localID(r)
			if err == nil {
				err = n.DeletePost(r.Context(), id)
			}
			if err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			jsonOK(w, r, http.StatusNoContent, nil)
		})

		r.Post("/follow", func(w http.ResponseWriter, r *http.Request) {
			in := struct {
				Actor vocab.IRI `json:"actor"`
			}{}
			if err := jsonBody(r, &in); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			follow, err := n.FollowActor(r.Context(), in.Actor)
			if err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			jsonOK(w, r, http.StatusCreated, follow)
		})
		r.Delete("/follow", func(w http.ResponseWriter, r *http.Request) {
			in := struct {
				Actor vocab.IRI `json:"actor"`
			}{}
			if err := jsonBody(r, &in); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			if err := n.UndoFollow(r.Context(), in.Actor); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			jsonOK(w, r, http.StatusNoContent, nil)
		})

		r.Post("/like", func(w http.ResponseWriter, r *http.Request) {
			in := struct {
				Post    vocab.IRI `json:"post"`
				Content string    `json:"content"`
			}{}
			if err := jsonBody(r, &in); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			reaction, err := n.LikePost(r.Context(), in.Post, in.Content)
			if err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			jsonOK(w, r, http.StatusCreated, reaction)
		})
		r.Delete("/like", func(w http.ResponseWriter, r *http.Request) {
			in := struct {
				Post vocab.IRI `json:"post"`
			}{}
			if err := jsonBody(r, &in); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			if err := n.UndoLike(r.Context(), in.Post); err != nil {
				errors.HandleError(err).ServeHTTP(w, r)
				return
			}
			jsonOK(w, r, http.StatusNoContent, nil)
		})
	}
}
