package chamsae

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"git.sr.ht/~mariusor/lw"
	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/google/uuid"

	"github.com/XiNiHa/chamsae/ap"
	"github.com/XiNiHa/chamsae/storage"
)

const maxActivitySize = 1 << 20

// sideEffect is work that runs only after the applying transaction has
// committed, such as delivering the Accept answering an inbound Follow.
type sideEffect func(ctx context.Context) error

// HandleInbox processes one signed activity POSTed by a remote peer.
func HandleInbox(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxActivitySize))
		if err != nil {
			errors.HandleError(errors.NewBadRequest(err, "unable to read request body")).ServeHTTP(w, r)
			return
		}
		if err := verifyDigest(r, body); err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		signer, err := n.verifyRequest(r)
		if err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		act, err := ap.DecodeActivity(body)
		if err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		if err := n.processActivity(r.Context(), act, signer); err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// processActivity runs the authority check, the idempotency window and the
// per (actor, object) serialization around applying one activity.
func (n *Node) processActivity(ctx context.Context, act ap.Activity, signer vocab.IRI) error {
	ll := n.l.WithContext(lw.Ctx{"activity": act.ActivityID(), "actor": act.ActorIRI()})

	if un, ok := act.(ap.Unrecognized); ok {
		ll.WithContext(lw.Ctx{"type": un.Type}).Infof("ignoring activity of unhandled type")
		return nil
	}
	if err := checkAuthority(act, signer); err != nil {
		return err
	}
	if _, replayed := n.seen.Get(act.ActivityID()); replayed {
		ll.Debugf("activity already processed, skipping")
		return nil
	}

	unlock := n.locks.Lock(lockKey(act))
	defer unlock()

	// the window check repeats under the lock so two concurrent replays
	// cannot both apply
	if _, replayed := n.seen.Get(act.ActivityID()); replayed {
		return nil
	}

	effect, err := n.applyActivity(ctx, act)
	if err != nil {
		return err
	}
	n.seen.Add(act.ActivityID(), struct{}{})

	if effect != nil {
		if err := effect(ctx); err != nil {
			ll.Errorf("side effect failed: %s", err)
		}
	}
	return nil
}

// checkAuthority enforces that the signing key, the claimed actor and the
// activity id all live on the same host.
func checkAuthority(act ap.Activity, signer vocab.IRI) error {
	signerHost, err := hostOf(signer)
	if err != nil {
		return err
	}
	actorHost, err := hostOf(act.ActorIRI())
	if err != nil {
		return err
	}
	idHost, err := hostOf(act.ActivityID())
	if err != nil {
		return err
	}
	if actorHost != signerHost {
		return errors.BadRequestf("actor %s is not on the signing host %s", act.ActorIRI(), signerHost)
	}
	if idHost != signerHost {
		return errors.BadRequestf("activity %s is not on the signing host %s", act.ActivityID(), signerHost)
	}
	return nil
}

func hostOf(iri vocab.IRI) (string, error) {
	u, err := iri.URL()
	if err != nil {
		return "", errors.BadRequestf("invalid URI %s", iri)
	}
	return u.Hostname(), nil
}

func lockKey(act ap.Activity) string {
	object := ""
	switch a := act.(type) {
	case ap.CreatePost:
		object = a.Object.ID.String()
	case ap.DeletePost:
		object = a.Object.String()
	case ap.Follow:
		object = a.Object.String()
	case ap.AcceptFollow:
		object = a.Object.String()
	case ap.RejectFollow:
		object = a.Object.String()
	case ap.Undo:
		object = a.Object.String()
	case ap.Like:
		object = a.Object.String()
	}
	return fmt.Sprintf("%s\n%s", act.ActorIRI(), object)
}

// applyActivity resolves the references an activity needs, applies it inside
// one transaction and returns the side effect to run after commit. All
// resolver calls happen before Begin so no network fetch runs with the
// transaction open.
func (n *Node) applyActivity(ctx context.Context, act ap.Activity) (sideEffect, error) {
	actor, err := n.res.User(ctx, act.ActorIRI(), false)
	if err != nil {
		return nil, errors.NewBadGateway(err, "unable to resolve actor %s", act.ActorIRI())
	}

	var liked *storage.Post
	switch a := act.(type) {
	case ap.CreatePost:
		if !vocab.IsNil(a.Object.InReplyTo) {
			parentIRI := a.Object.InReplyTo.GetLink()
			if _, err := n.res.Post(ctx, parentIRI); err != nil {
				if err != storage.ErrNotFound {
					return nil, errors.NewBadGateway(err, "unable to resolve reply target %s", parentIRI)
				}
				n.l.WithContext(lw.Ctx{"parent": parentIRI}).Debugf("reply target is unknown, keeping the reference unresolved")
			}
		}
	case ap.Like:
		liked, err = n.res.Post(ctx, a.Object)
		if err == storage.ErrNotFound {
			return nil, errors.NotFoundf("like %s targets an unknown post", a.ID)
		}
		if err != nil {
			return nil, errors.NewBadGateway(err, "unable to resolve liked post %s", a.Object)
		}
	}

	tx, err := n.st.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var effect sideEffect
	switch a := act.(type) {
	case ap.CreatePost:
		err = n.applyCreate(ctx, tx, a, actor)
	case ap.DeletePost:
		err = n.applyDelete(ctx, tx, a, actor)
	case ap.Follow:
		effect, err = n.applyFollow(ctx, tx, a, actor)
	case ap.AcceptFollow:
		err = n.applyAccept(ctx, tx, a, actor)
	case ap.RejectFollow:
		err = n.applyReject(ctx, tx, a, actor)
	case ap.Undo:
		err = n.applyUndo(ctx, tx, a, actor)
	case ap.Like:
		err = n.applyLike(ctx, tx, a, actor, liked)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return effect, nil
}

func (n *Node) applyCreate(ctx context.Context, tx storage.Tx, a ap.CreatePost, actor *storage.User) error {
	objectHost, err := hostOf(vocab.IRI(a.Object.ID))
	if err != nil {
		return err
	}
	if objectHost != actor.Host {
		return errors.BadRequestf("object %s does not belong to %s", a.Object.ID, actor.URI)
	}
	post := storage.Post{
		UserID:     actor.ID,
		Content:    firstValue(a.Object.Content),
		URI:        vocab.IRI(a.Object.ID),
		Visibility: visibilityOf(a.Object),
	}
	if !a.Object.Published.IsZero() {
		post.CreatedAt = a.Object.Published
	}
	if !vocab.IsNil(a.Object.InReplyTo) {
		// the parent was resolved before the transaction opened
		post.InReplyToURI = a.Object.InReplyTo.GetLink()
	}
	if err := tx.UpsertPost(ctx, &post); err != nil {
		return err
	}
	return tx.RefreshCounters(ctx, actor.ID)
}

func (n *Node) applyDelete(ctx context.Context, tx storage.Tx, a ap.DeletePost, actor *storage.User) error {
	post, err := tx.PostByURI(ctx, a.Object)
	if err == storage.ErrNotFound {
		// nothing to retract
		return nil
	}
	if err != nil {
		return err
	}
	if post.UserID != actor.ID {
		return errors.BadRequestf("%s may not delete a post they did not author", actor.URI)
	}
	if err := tx.DeletePostByURI(ctx, a.Object); err != nil {
		return err
	}
	return tx.RefreshCounters(ctx, actor.ID)
}

func (n *Node) applyFollow(ctx context.Context, tx storage.Tx, a ap.Follow, actor *storage.User) (sideEffect, error) {
	if !a.Object.Equals(n.conf.ActorIRI, false) {
		return nil, errors.NotFoundf("%s is not an actor on this instance", a.Object)
	}
	follow := storage.Follow{
		FromID: actor.ID,
		ToID:   n.owner.ID,
		URI:    a.ID,
	}
	if err := tx.UpsertFollow(ctx, &follow); err != nil {
		return nil, err
	}
	if err := tx.RefreshCounters(ctx, actor.ID); err != nil {
		return nil, err
	}
	if err := tx.RefreshCounters(ctx, n.owner.ID); err != nil {
		return nil, err
	}

	inbox := actor.Inbox
	return func(ctx context.Context) error {
		return n.acceptFollow(ctx, a.ID, inbox)
	}, nil
}

// acceptFollow answers an inbound follow: the follow row flips to accepted
// and the Accept ships to the follower's inbox.
func (n *Node) acceptFollow(ctx context.Context, followIRI vocab.IRI, inbox string) error {
	acceptIRI := n.localIRI("accept", uuid.NewString())
	raw, err := ap.Encode(ap.NewAccept(acceptIRI, n.conf.ActorIRI, followIRI))
	if err != nil {
		return err
	}
	if err := n.st.AcceptFollowByURI(ctx, followIRI); err != nil {
		return err
	}
	if err := n.st.RefreshCounters(ctx, n.owner.ID); err != nil {
		return err
	}
	return n.del.Deliver(ctx, acceptIRI, raw, inbox)
}

func (n *Node) applyAccept(ctx context.Context, tx storage.Tx, a ap.AcceptFollow, actor *storage.User) error {
	follow, err := tx.FollowByURI(ctx, a.Object)
	if err == storage.ErrNotFound {
		return errors.BadRequestf("accept %s references an unknown follow", a.ID)
	}
	if err != nil {
		return err
	}
	if follow.ToID != actor.ID {
		return errors.BadRequestf("%s may not accept a follow not addressed to them", actor.URI)
	}
	if err := tx.AcceptFollowByURI(ctx, a.Object); err != nil {
		return err
	}
	if err := tx.RefreshCounters(ctx, follow.FromID); err != nil {
		return err
	}
	return tx.RefreshCounters(ctx, follow.ToID)
}

func (n *Node) applyReject(ctx context.Context, tx storage.Tx, a ap.RejectFollow, actor *storage.User) error {
	follow, err := tx.FollowByURI(ctx, a.Object)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if follow.ToID != actor.ID {
		return errors.BadRequestf("%s may not reject a follow not addressed to them", actor.URI)
	}
	if err := tx.DeleteFollowByURI(ctx, a.Object); err != nil {
		return err
	}
	if err := tx.RefreshCounters(ctx, follow.FromID); err != nil {
		return err
	}
	return tx.RefreshCounters(ctx, follow.ToID)
}

func (n *Node) applyUndo(ctx context.Context, tx storage.Tx, a ap.Undo, actor *storage.User) error {
	if a.ObjectType != vocab.LikeType {
		if follow, err := tx.FollowByURI(ctx, a.Object); err == nil {
			if follow.FromID != actor.ID {
				return errors.BadRequestf("%s may not undo a follow they did not send", actor.URI)
			}
			if err := tx.DeleteFollowByURI(ctx, a.Object); err != nil {
				return err
			}
			if err := tx.RefreshCounters(ctx, follow.FromID); err != nil {
				return err
			}
			return tx.RefreshCounters(ctx, follow.ToID)
		} else if err != storage.ErrNotFound {
			return err
		}
	}
	if reaction, err := tx.ReactionByURI(ctx, a.Object); err == nil {
		if reaction.UserID != actor.ID {
			return errors.BadRequestf("%s may not undo a reaction they did not send", actor.URI)
		}
		return tx.DeleteReactionByURI(ctx, a.Object)
	} else if err != storage.ErrNotFound {
		return err
	}
	// undoing something we never stored is a no-op
	return nil
}

func (n *Node) applyLike(ctx context.Context, tx storage.Tx, a ap.Like, actor *storage.User, post *storage.Post) error {
	reaction := storage.Reaction{
		UserID:  actor.ID,
		PostID:  post.ID,
		Content: a.Content,
		URI:     a.ID,
	}
	return tx.UpsertReaction(ctx, &reaction)
}

func (n *Node) localIRI(kind, id string) vocab.IRI {
	return vocab.IRI(fmt.Sprintf("%s/ap/%s/%s", n.conf.BaseURL, kind, id))
}

func firstValue(nlv vocab.NaturalLanguageValues) string {
	if len(nlv) == 0 {
		return ""
	}
	return nlv.First().Value.String()
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
