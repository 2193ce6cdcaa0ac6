package keyring

import (
	"net/http"
	"time"

	"github.com/go-ap/errors"
	"github.com/go-fed/httpsig"
)

func (k *Keyring) algorithms() []httpsig.Algorithm {
	if k.owner.Type == KeyTypeED25519 {
		return []httpsig.Algorithm{httpsig.ED25519}
	}
	return []httpsig.Algorithm{httpsig.RSA_SHA256, httpsig.RSA_SHA512}
}

// SignRequest signs an outgoing request with the owner key, covering the
// request target, host and date. A non nil body adds a SHA-256 digest header
// which is covered too. Remote peers that gate fetches by signature resolve
// the keyId back to the owner's actor document.
func (k *Keyring) SignRequest(r *http.Request, body []byte) error {
	headers := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}
	signer, _, err := httpsig.NewSigner(k.algorithms(), httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return errors.Annotatef(err, "unable to build request signer")
	}
	if r.Header.Get("Date") == "" {
		r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if r.Header.Get("Host") == "" {
		r.Header.Set("Host", r.URL.Host)
	}
	return signer.SignRequest(k.owner.Private, k.KeyID(), r, body)
}
