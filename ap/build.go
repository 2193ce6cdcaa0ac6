package ap

import (
	"time"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/go-ap/jsonld"
)

// Encode serializes an item wrapped in the default ActivityStreams context.
func Encode(it vocab.Item) ([]byte, error) {
	raw, err := jsonld.WithContext(jsonld.IRI(vocab.ActivityBaseURI)).Marshal(it)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to serialize %s", it.GetID())
	}
	return raw, nil
}

func natural(s string) vocab.NaturalLanguageValues {
	if s == "" {
		return nil
	}
	return vocab.DefaultNaturalLanguageValue(s)
}

// NewNote builds the object document of a local post.
func NewNote(id, attributedTo vocab.IRI, content string, published time.Time, to, cc vocab.ItemCollection) *vocab.Object {
	return &vocab.Object{
		ID:           vocab.ID(id),
		Type:         vocab.NoteType,
		AttributedTo: attributedTo,
		Content:      natural(content),
		Published:    published,
		To:           to,
		CC:           cc,
	}
}

// NewCreate wraps a freshly built note, mirroring its audience.
func NewCreate(id, actor vocab.IRI, note *vocab.Object) *vocab.Activity {
	return &vocab.Activity{
		ID:        vocab.ID(id),
		Type:      vocab.CreateType,
		Actor:     actor,
		Object:    note,
		Published: note.Published,
		To:        note.To,
		CC:        note.CC,
	}
}

// NewDelete retracts a local post. The object is a Tombstone so peers that
// cache the original can mark it deleted.
func NewDelete(id, actor, object vocab.IRI) *vocab.Activity {
	return &vocab.Activity{
		ID:    vocab.ID(id),
		Type:  vocab.DeleteType,
		Actor: actor,
		Object: &vocab.Tombstone{
			ID:         vocab.ID(object),
			Type:       vocab.TombstoneType,
			FormerType: vocab.NoteType,
			Deleted:    time.Now().UTC(),
		},
		To: vocab.ItemCollection{vocab.PublicNS},
	}
}

// NewFollow asks the object actor to let the owner subscribe.
func NewFollow(id, actor, object vocab.IRI) *vocab.Activity {
	return &vocab.Activity{
		ID:     vocab.ID(id),
		Type:   vocab.FollowType,
		Actor:  actor,
		Object: object,
	}
}

// NewAccept confirms an inbound follow. The follow is echoed by IRI.
func NewAccept(id, actor, follow vocab.IRI) *vocab.Activity {
	return &vocab.Activity{
		ID:     vocab.ID(id),
		Type:   vocab.AcceptType,
		Actor:  actor,
		Object: follow,
	}
}

// NewReject declines an inbound follow.
func NewReject(id, actor, follow vocab.IRI) *vocab.Activity {
	return &vocab.Activity{
		ID:     vocab.ID(id),
		Type:   vocab.RejectType,
		Actor:  actor,
		Object: follow,
	}
}

// NewLike reacts on a remote post.
func NewLike(id, actor, object vocab.IRI, content string) *vocab.Activity {
	return &vocab.Activity{
		ID:      vocab.ID(id),
		Type:    vocab.LikeType,
		Actor:   actor,
		Object:  object,
		Content: natural(content),
	}
}

// NewUndo retracts a previously emitted activity, carried embedded so the
// receiver can tell what is being undone.
func NewUndo(id, actor vocab.IRI, prior vocab.Item) *vocab.Activity {
	return &vocab.Activity{
		ID:     vocab.ID(id),
		Type:   vocab.UndoType,
		Actor:  actor,
		Object: prior,
	}
}

// OwnerActor builds the owner's public Actor document with the signing key
// embedded, the shape remote peers fetch from the actor endpoint.
func OwnerActor(iri, inbox vocab.IRI, handle, name, publicKeyPem string) *vocab.Actor {
	if name == "" {
		name = handle
	}
	return &vocab.Actor{
		ID:                vocab.ID(iri),
		Type:              vocab.PersonType,
		PreferredUsername: natural(handle),
		Name:              natural(name),
		Inbox:             inbox,
		Endpoints:         &vocab.Endpoints{SharedInbox: inbox},
		PublicKey: vocab.PublicKey{
			ID:           vocab.ID(iri + "#main-key"),
			Owner:        iri,
			PublicKeyPem: publicKeyPem,
		},
	}
}
