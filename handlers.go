package chamsae

import (
	"net/http"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/XiNiHa/chamsae/ap"
	"github.com/XiNiHa/chamsae/storage"
)

const jsonContentType = "application/activity+json; charset=utf-8"

func writeItem(w http.ResponseWriter, r *http.Request, it vocab.Item) {
	raw, err := ap.Encode(it)
	if err != nil {
		errors.HandleError(err).ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(raw)
	}
}

func localID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.NotFoundf("no such object")
	}
	return id, nil
}

// HandleOwner serves the owner's Actor document, signing key included.
func HandleOwner(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := ap.OwnerActor(n.conf.ActorIRI, n.conf.InboxIRI, n.conf.UserHandle, n.owner.Name, n.kr.PublicPem())
		writeItem(w, r, actor)
	}
}

// HandlePost serves a post authored by the owner as a Note.
func HandlePost(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := localID(r)
		if err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		post, err := n.st.PostByID(r.Context(), id)
		if err != nil || post.UserID != n.owner.ID {
			errors.HandleError(errors.NotFoundf("no such post")).ServeHTTP(w, r)
			return
		}
		to, cc := audienceFor(n, post.Visibility)
		writeItem(w, r, ap.NewNote(post.URI, n.conf.ActorIRI, post.Content, post.CreatedAt, to, cc))
	}
}

// HandleFollow serves a follow activity the owner emitted.
func HandleFollow(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := localID(r)
		if err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		follow, err := n.st.FollowByID(r.Context(), id)
		if err != nil || follow.FromID != n.owner.ID {
			errors.HandleError(errors.NotFoundf("no such follow")).ServeHTTP(w, r)
			return
		}
		target, err := n.st.UserByID(r.Context(), follow.ToID)
		if err != nil {
			errors.HandleError(errors.NotFoundf("no such follow")).ServeHTTP(w, r)
			return
		}
		writeItem(w, r, ap.NewFollow(follow.URI, n.conf.ActorIRI, target.URI))
	}
}

// HandleLike serves a reaction the owner emitted.
func HandleLike(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := localID(r)
		if err != nil {
			errors.HandleError(err).ServeHTTP(w, r)
			return
		}
		reaction, err := n.st.ReactionByID(r.Context(), id)
		if err != nil || reaction.UserID != n.owner.ID {
			errors.HandleError(errors.NotFoundf("no such like")).ServeHTTP(w, r)
			return
		}
		post, err := n.st.PostByID(r.Context(), reaction.PostID)
		if err != nil {
			errors.HandleError(errors.NotFoundf("no such like")).ServeHTTP(w, r)
			return
		}
		writeItem(w, r, ap.NewLike(reaction.URI, n.conf.ActorIRI, post.URI, reaction.Content))
	}
}

func audienceFor(n *Node, v storage.Visibility) (to, cc vocab.ItemCollection) {
	followers := vocab.IRI(n.conf.BaseURL + "/ap/followers")
	switch v {
	case storage.VisibilityPublic:
		return vocab.ItemCollection{vocab.PublicNS}, vocab.ItemCollection{followers}
	case storage.VisibilityFollowers:
		return vocab.ItemCollection{followers}, nil
	default:
		return nil, nil
	}
}
