package chamsae

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/go-fed/httpsig"

	"github.com/XiNiHa/chamsae/keyring"
)

func verifyAlgorithms(key crypto.PublicKey) []httpsig.Algorithm {
	switch key.(type) {
	case *rsa.PublicKey:
		return []httpsig.Algorithm{httpsig.RSA_SHA256, httpsig.RSA_SHA512}
	case ed25519.PublicKey:
		return []httpsig.Algorithm{httpsig.ED25519}
	}
	return nil
}

// actorFromKeyID maps a signature keyId back to the owning actor. The
// convention across the fediverse is an actor URI with a fragment naming
// the key.
func actorFromKeyID(keyID string) vocab.IRI {
	base, _, _ := strings.Cut(keyID, "#")
	return vocab.IRI(base)
}

// verifyRequest authenticates an inbound request by its HTTP signature and
// returns the signing actor. A cached public key that fails verification is
// dropped and refetched once before giving up.
func (n *Node) verifyRequest(r *http.Request) (vocab.IRI, error) {
	// the server promotes the Host header into r.Host; restore it so a
	// signature covering "host" can be rebuilt
	if r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}
	v, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", errors.NewUnauthorized(err, "missing or malformed signature header")
	}
	actorIRI := actorFromKeyID(v.KeyId())
	if len(actorIRI) == 0 {
		return "", errors.Unauthorizedf("signature names no key owner")
	}

	for _, force := range []bool{false, true} {
		key, err := n.signingKey(r.Context(), actorIRI, force)
		if err != nil {
			if force {
				return "", err
			}
			continue
		}
		for _, algo := range verifyAlgorithms(key) {
			if err := v.Verify(key, algo); err == nil {
				return actorIRI, nil
			}
		}
		n.kr.Forget(actorIRI)
	}
	return "", errors.Unauthorizedf("signature does not verify against the key of %s", actorIRI)
}

func (n *Node) signingKey(ctx context.Context, actor vocab.IRI, force bool) (crypto.PublicKey, error) {
	if !force {
		if key, ok := n.kr.Get(actor); ok {
			return key, nil
		}
	}
	u, err := n.res.User(ctx, actor, force)
	if err != nil {
		return nil, errors.NewUnauthorized(err, "unable to resolve signing actor %s", actor)
	}
	key, err := keyring.ParsePublicKeyPem(u.PublicKeyPem)
	if err != nil {
		return nil, errors.NewUnauthorized(err, "actor %s publishes no usable key", actor)
	}
	n.kr.Set(actor, key)
	return key, nil
}

// verifyDigest checks the digest header against the body the node actually
// read, which is what ties the signature to the payload.
func verifyDigest(r *http.Request, body []byte) error {
	digest := r.Header.Get("Digest")
	if digest == "" {
		return errors.Unauthorizedf("request carries no digest header")
	}
	algo, value, ok := strings.Cut(digest, "=")
	if !ok || !strings.EqualFold(algo, "SHA-256") {
		return errors.Unauthorizedf("unsupported digest %q", digest)
	}
	sum := sha256.Sum256(body)
	if base64.StdEncoding.EncodeToString(sum[:]) != value {
		return errors.Unauthorizedf("digest does not match the request body")
	}
	return nil
}
