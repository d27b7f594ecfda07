package transport

import (
	"net/http"
)

// Middleware wraps the rest of the chain. A middleware that does not handle
// a request passes it on by calling next.
type Middleware interface {
	Wrap(next http.Handler) http.Handler
}

// MiddlewareFunc adapts a plain function to Middleware.
type MiddlewareFunc func(next http.Handler) http.Handler

func (f MiddlewareFunc) Wrap(next http.Handler) http.Handler {
	return f(next)
}

// Content is a response produced by a Plugin.
type Content struct {
	Status      int
	ContentType string
	Body        []byte
}

// Plugin resolves the content for a request, or reports ok=false to let the
// next plugin try.
type Plugin interface {
	Serve(r *http.Request) (content *Content, ok bool)
}

// PluginFunc adapts a plain function to Plugin.
type PluginFunc func(r *http.Request) (*Content, bool)

func (f PluginFunc) Serve(r *http.Request) (*Content, bool) {
	return f(r)
}

// Chain composes middlewares around final. The first middleware sees the
// request first.
func Chain(final http.Handler, middlewares ...Middleware) http.Handler {
	h := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		h = middlewares[i].Wrap(h)
	}
	return h
}

// Plugins returns a handler that asks each plugin in order and writes the
// first content produced. When no plugin answers the response is a 404.
func Plugins(plugins ...Plugin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range plugins {
			content, ok := p.Serve(r)
			if !ok || content == nil {
				continue
			}
			writeContent(w, content)
			return
		}
		http.NotFound(w, r)
	})
}

func writeContent(w http.ResponseWriter, c *Content) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	status := c.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(c.Body)
}
