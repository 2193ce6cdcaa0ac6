package keyring

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"golang.org/x/crypto/ssh"
)

type KeyType string

const (
	KeyTypeED25519 KeyType = "ED25519"
	KeyTypeRSA     KeyType = "RSA"
)

// Pair is the owner's signing key pair, loaded once at startup.
type Pair struct {
	Private crypto.PrivateKey
	Public  crypto.PublicKey
	Type    KeyType
}

// Keyring holds the single local signing key pair and a cache of remote
// actor public keys, populated lazily by the object resolver.
type Keyring struct {
	owner     Pair
	ownerID   vocab.IRI
	publicPem string

	w      sync.RWMutex
	remote map[vocab.IRI]crypto.PublicKey
}

// New loads the owner pair from the two PEM files and binds it to the
// owner's actor IRI.
func New(ownerID vocab.IRI, publicPath, privatePath string) (*Keyring, error) {
	prvBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to read private key file %s", privatePath)
	}
	pair, err := PairFromPrivatePem(prvBytes)
	if err != nil {
		return nil, err
	}
	pubBytes, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to read public key file %s", publicPath)
	}
	if _, err := ParsePublicKeyPem(string(pubBytes)); err != nil {
		return nil, errors.Annotatef(err, "invalid public key file %s", publicPath)
	}

	return &Keyring{
		owner:     *pair,
		ownerID:   ownerID,
		publicPem: string(pubBytes),
		remote:    make(map[vocab.IRI]crypto.PublicKey),
	}, nil
}

// PairFromPrivatePem decodes an RSA or Ed25519 private key in PEM form.
func PairFromPrivatePem(prvBytes []byte) (*Pair, error) {
	pair := new(Pair)
	key, err := ssh.ParseRawPrivateKey(prvBytes)
	if err != nil {
		block, _ := pem.Decode(prvBytes)
		if block == nil {
			return nil, errors.Annotatef(err, "no PEM block in private key")
		}
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Annotatef(err, "unable to parse private key")
		}
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		pair.Private = k
		pair.Public = &k.PublicKey
		pair.Type = KeyTypeRSA
	case *ed25519.PrivateKey:
		pair.Private = *k
		pair.Public = k.Public()
		pair.Type = KeyTypeED25519
	case ed25519.PrivateKey:
		pair.Private = k
		pair.Public = k.Public()
		pair.Type = KeyTypeED25519
	default:
		return nil, errors.Newf("unsupported private key type %T", key)
	}
	return pair, nil
}

// ParsePublicKeyPem decodes a PKIX public key in PEM form.
func ParsePublicKeyPem(pubPem string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPem))
	if block == nil {
		return nil, errors.Newf("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to parse public key")
	}
	switch pub.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	}
	return nil, errors.Newf("unsupported public key type %T", pub)
}

// EncodePublicPem renders a public key to the PEM form embedded in actor
// documents.
func EncodePublicPem(pub crypto.PublicKey) (string, error) {
	enc, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: enc,
	}
	return string(pem.EncodeToMemory(&block)), nil
}

func (k *Keyring) Private() crypto.PrivateKey {
	return k.owner.Private
}

func (k *Keyring) Public() crypto.PublicKey {
	return k.owner.Public
}

func (k *Keyring) PublicPem() string {
	return k.publicPem
}

func (k *Keyring) OwnerID() vocab.IRI {
	return k.ownerID
}

// KeyID is the id of the owner key as published on the actor document.
func (k *Keyring) KeyID() string {
	return fmt.Sprintf("%s#main-key", k.ownerID)
}

// Get returns the cached public key of a remote actor, if present.
func (k *Keyring) Get(actor vocab.IRI) (crypto.PublicKey, bool) {
	k.w.RLock()
	defer k.w.RUnlock()
	key, ok := k.remote[actor]
	return key, ok
}

func (k *Keyring) Set(actor vocab.IRI, key crypto.PublicKey) {
	k.w.Lock()
	defer k.w.Unlock()
	k.remote[actor] = key
}

// Forget drops a cached key so the next verification forces a refetch.
func (k *Keyring) Forget(actor vocab.IRI) {
	k.w.Lock()
	defer k.w.Unlock()
	delete(k.remote, actor)
}
