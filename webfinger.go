package chamsae

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-ap/errors"
)

// webfinger answers the discovery lookup remote instances run before they
// can address the owner by handle. The JRD shape is plain JSON, not JSON-LD.
type webfingerResource struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// HandleWebFinger resolves acct:handle@domain to the owner's actor document.
func HandleWebFinger(n *Node) http.HandlerFunc {
	acct := fmt.Sprintf("acct:%s@%s", n.conf.UserHandle, n.conf.Domain)
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			errors.HandleError(errors.BadRequestf("missing resource parameter")).ServeHTTP(w, r)
			return
		}
		if !strings.EqualFold(resource, acct) && resource != n.conf.ActorIRI.String() {
			errors.HandleError(errors.NotFoundf("no such resource")).ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json; charset=utf-8")
		json.NewEncoder(w).Encode(webfingerResource{
			Subject: acct,
			Aliases: []string{n.conf.ActorIRI.String()},
			Links: []webfingerLink{{
				Rel:  "self",
				Type: "application/activity+json",
				Href: n.conf.ActorIRI.String(),
			}},
		})
	}
}
