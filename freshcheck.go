// Package freshcheck is an HTTP conditional-caching validation engine. Given
// an outgoing response and metadata about the resource it represents, it
// decides whether the client's cached copy is still valid and, if so,
// short-circuits the response with a 304 instead of re-sending the body. It
// also composes the Cache-Control and Expires headers that tell downstream
// caches how long to trust the response.
package freshcheck

import (
	"net/http"
	"time"

	"github.com/freshcheck/freshcheck/watch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Default freshness lifetime for new response contexts.
	MaxAge time.Duration
	// Optional file watch cache for file-backed caching.
	Watch *watch.Cache
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Engine creates per-request response cache contexts and exposes the file
// watch cache to handlers. One Engine serves the whole process.
type Engine struct {
	maxAge time.Duration
	watch  *watch.Cache
	log    zerolog.Logger
}

func New(config Config) *Engine {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Engine{
		maxAge: config.MaxAge,
		watch:  config.Watch,
		log:    logger,
	}
}

// NewContext returns the response cache context for one request/response
// pair. Exactly one context must be created per in-flight response.
func (e *Engine) NewContext(w http.ResponseWriter, r *http.Request) *ResponseCacheContext {
	return NewContext(w, r, e.maxAge, *getLogger(r, e.log))
}

// Middleware wraps next so that every response is routed through a
// ResponseCacheContext with auto-negotiation enabled, and finalized when the
// handler returns. Handlers can recover the context with GetContext to
// declare validators or compose cache headers.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cc := e.NewContext(w, r)
		cc.EnableAutoNegotiation()
		next.ServeHTTP(cc, r)
		cc.Finalize()
	})
}

// Changed reports whether the watched file has changed for the current
// request, declaring its validators to the given context. Without a
// configured watch cache every path is reported as changed.
func (e *Engine) Changed(cc *ResponseCacheContext, path string, force bool) bool {
	if e.watch == nil {
		return true
	}
	return e.watch.Changed(cc, path, force)
}

// WatchCache returns the engine's file watch cache, or nil if none was
// configured.
func (e *Engine) WatchCache() *watch.Cache {
	return e.watch
}

// GetContext returns the ResponseCacheContext when w was wrapped by
// Middleware.
func GetContext(w http.ResponseWriter) (*ResponseCacheContext, bool) {
	cc, ok := w.(*ResponseCacheContext)
	return cc, ok
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the given fallback.
func getLogger(r *http.Request, fallback zerolog.Logger) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &fallback
	}
	return logger
}
