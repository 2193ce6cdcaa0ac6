// Package ap implements the wire grammar of the node: the closed set of
// activities it understands, the decoder that maps raw JSON-LD bodies onto
// that set, and builders for the activities and objects the node emits.
package ap

import (
	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
)

// Activity is the decoded form of an inbound activity. The set of
// implementations is closed; dispatch happens by type switch.
type Activity interface {
	ActivityID() vocab.IRI
	ActorIRI() vocab.IRI
}

type base struct {
	ID    vocab.IRI
	Actor vocab.IRI
}

func (b base) ActivityID() vocab.IRI { return b.ID }
func (b base) ActorIRI() vocab.IRI   { return b.Actor }

// CreatePost announces a new post. The object is carried embedded.
type CreatePost struct {
	base
	Object *vocab.Object
}

// DeletePost retracts a post by canonical URI.
type DeletePost struct {
	base
	Object vocab.IRI
}

// Follow asks to subscribe to the object actor.
type Follow struct {
	base
	Object vocab.IRI
}

// AcceptFollow confirms a previously sent Follow.
type AcceptFollow struct {
	base
	Object vocab.IRI
}

// RejectFollow declines a previously sent Follow.
type RejectFollow struct {
	base
	Object vocab.IRI
}

// Undo retracts a previous Follow or Like. ObjectType carries the embedded
// object's type when the sender included it, and is empty when the object was
// a bare IRI.
type Undo struct {
	base
	Object     vocab.IRI
	ObjectType vocab.ActivityVocabularyType
}

// Like is a reaction on a post. Content carries the emoji or short tag when
// the sender included one.
type Like struct {
	base
	Object  vocab.IRI
	Content string
}

// Unrecognized keeps just enough of an activity the node does not understand
// to log it. Receipt is a no-op.
type Unrecognized struct {
	base
	Type vocab.ActivityVocabularyType
}

func firstValue(n vocab.NaturalLanguageValues) string {
	if len(n) == 0 {
		return ""
	}
	return n.First().Value.String()
}

func itemIRI(it vocab.Item) vocab.IRI {
	if vocab.IsNil(it) {
		return ""
	}
	return it.GetLink()
}

func itemType(it vocab.Item) vocab.ActivityVocabularyType {
	if vocab.IsNil(it) || it.IsLink() {
		return ""
	}
	return it.GetType()
}

// DecodeActivity parses a raw JSON-LD body into the closed activity set,
// validating the fields each variant requires. Unknown activity types decode
// to Unrecognized rather than failing.
func DecodeActivity(raw []byte) (Activity, error) {
	it, err := vocab.UnmarshalJSON(raw)
	if err != nil {
		return nil, errors.NewBadRequest(err, "unable to parse activity body")
	}
	if vocab.IsNil(it) || !vocab.ActivityTypes.Contains(it.GetType()) {
		return nil, errors.BadRequestf("body is not an activity")
	}

	var decoded Activity
	err = vocab.OnActivity(it, func(act *vocab.Activity) error {
		b := base{ID: act.ID, Actor: itemIRI(act.Actor)}
		if len(b.ID) == 0 {
			return errors.BadRequestf("activity is missing its id")
		}
		if len(b.Actor) == 0 {
			return errors.BadRequestf("activity %s is missing its actor", b.ID)
		}

		switch act.Type {
		case vocab.CreateType:
			if vocab.IsNil(act.Object) || act.Object.IsLink() {
				return errors.BadRequestf("create %s carries no embedded object", b.ID)
			}
			if !vocab.ObjectTypes.Contains(act.Object.GetType()) {
				decoded = Unrecognized{base: b, Type: act.Type}
				return nil
			}
			ob, err := vocab.ToObject(act.Object)
			if err != nil {
				return errors.NewBadRequest(err, "invalid object on create %s", b.ID)
			}
			if len(ob.ID) == 0 {
				return errors.BadRequestf("object on create %s is missing its id", b.ID)
			}
			decoded = CreatePost{base: b, Object: ob}
		case vocab.DeleteType:
			obIRI := itemIRI(act.Object)
			if len(obIRI) == 0 {
				return errors.BadRequestf("delete %s carries no object", b.ID)
			}
			decoded = DeletePost{base: b, Object: obIRI}
		case vocab.FollowType:
			obIRI := itemIRI(act.Object)
			if len(obIRI) == 0 {
				return errors.BadRequestf("follow %s carries no object", b.ID)
			}
			decoded = Follow{base: b, Object: obIRI}
		case vocab.AcceptType:
			obIRI := itemIRI(act.Object)
			if len(obIRI) == 0 {
				return errors.BadRequestf("accept %s carries no object", b.ID)
			}
			decoded = AcceptFollow{base: b, Object: obIRI}
		case vocab.RejectType:
			obIRI := itemIRI(act.Object)
			if len(obIRI) == 0 {
				return errors.BadRequestf("reject %s carries no object", b.ID)
			}
			decoded = RejectFollow{base: b, Object: obIRI}
		case vocab.UndoType:
			obIRI := itemIRI(act.Object)
			if len(obIRI) == 0 {
				return errors.BadRequestf("undo %s carries no object", b.ID)
			}
			decoded = Undo{base: b, Object: obIRI, ObjectType: itemType(act.Object)}
		case vocab.LikeType:
			obIRI := itemIRI(act.Object)
			if len(obIRI) == 0 {
				return errors.BadRequestf("like %s carries no object", b.ID)
			}
			decoded = Like{base: b, Object: obIRI, Content: firstValue(act.Content)}
		default:
			decoded = Unrecognized{base: b, Type: act.Type}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decoded, nil
}
