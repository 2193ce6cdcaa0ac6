package chamsae

import (
	"net/http"
	"path"

	"github.com/go-ap/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// cleanPath normalizes the routed path so IRIs with stray slashes or dot
// segments still reach their handler.
func cleanPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		routePath := rctx.RoutePath
		if routePath == "" {
			routePath = r.URL.Path
			if r.URL.RawPath != "" {
				routePath = r.URL.RawPath
			}
		}
		rctx.RoutePath = path.Clean(routePath)
		next.ServeHTTP(w, r)
	})
}

func (n *Node) Routes() func(chi.Router) {
	return func(r chi.Router) {
		r.Use(middleware.RealIP)
		r.Use(cleanPath)

		r.Route("/ap", func(r chi.Router) {
			r.Method(http.MethodPost, "/inbox", HandleInbox(n))

			r.Method(http.MethodGet, "/user", HandleOwner(n))
			r.Method(http.MethodHead, "/user", HandleOwner(n))
			r.Method(http.MethodGet, "/post/{id}", HandlePost(n))
			r.Method(http.MethodHead, "/post/{id}", HandlePost(n))
			r.Method(http.MethodGet, "/follow/{id}", HandleFollow(n))
			r.Method(http.MethodGet, "/like/{id}", HandleLike(n))
		})

		r.Get("/.well-known/webfinger", HandleWebFinger(n))

		r.Route("/api", n.APIRoutes())

		if n.conf.Env.IsDev() {
			r.Mount("/debug", middleware.Profiler())
		}

		r.NotFound(errors.NotFound.ServeHTTP)
		r.MethodNotAllowed(errors.HandleError(errors.MethodNotAllowedf("method not allowed")).ServeHTTP)
	}
}
