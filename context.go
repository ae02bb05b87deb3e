package freshcheck

import (
	"bytes"
	"io"
	"net/http"
	"time"

	stathash "github.com/freshcheck/freshcheck/pkg/stat-hash"

	"github.com/rs/zerolog"
)

// notModifiedBody is sent in place of the original body when negotiation
// determines the client's cached copy is still valid.
const notModifiedBody = "Cached"

// notModifiedCacheControl forces revalidation on every subsequent request
// for a response served as not modified.
const notModifiedCacheControl = "private, must-revalidate, max-age=0"

// ResponseCacheContext is a wrapper around http.ResponseWriter that holds the
// conditional-caching state for a single response. Body writes are buffered
// and only flushed to the underlying writer on Finalize, so that the whole
// response can be replaced with a 304 if the client's copy turns out to be
// current.
//
// A ResponseCacheContext belongs to exactly one in-flight request and must
// not be shared across requests.
type ResponseCacheContext struct {
	rw     http.ResponseWriter
	req    *http.Request
	log    zerolog.Logger
	body   *bytes.Buffer
	header http.Header
	status int

	etag         string
	lastModified time.Time
	hasher       *stathash.Hash
	negotiate    bool
	finalized    bool

	maxAge time.Duration
}

// NewContext returns a ResponseCacheContext for one request/response pair.
// Most callers should use Engine.NewContext or Engine.Middleware instead.
func NewContext(w http.ResponseWriter, r *http.Request, maxAge time.Duration, logger zerolog.Logger) *ResponseCacheContext {
	return &ResponseCacheContext{
		rw:     w,
		req:    r,
		log:    logger,
		body:   &bytes.Buffer{},
		header: http.Header{},
		maxAge: maxAge,
	}
}

// Implementation of http.ResponseWriter
func (c *ResponseCacheContext) Header() http.Header {
	return c.header
}

// Implementation of http.ResponseWriter
func (c *ResponseCacheContext) WriteHeader(statusCode int) {
	if c.finalized {
		return
	}
	// remember the status code only; headers are flushed on Finalize,
	// after the negotiation verdict is known
	if c.status == 0 {
		c.status = statusCode
	}
}

// Implementation of http.ResponseWriter
func (c *ResponseCacheContext) Write(b []byte) (int, error) {
	// swallow late writes without breaking the io.Writer contract
	if c.finalized {
		return len(b), nil
	}
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if c.hasher != nil {
		c.hasher.Update(b)
	}
	return c.body.Write(b)
}

// EnableAutoNegotiation turns on transparent ETag computation from the bytes
// written to the response body. Calling it twice is a no-op. If an ETag or
// Last-Modified has already been declared explicitly, auto-hashing is skipped
// and the explicit validator is trusted, but the finalize-time comparison
// still runs.
func (c *ResponseCacheContext) EnableAutoNegotiation() {
	if c.finalized || c.hasher != nil {
		return
	}
	c.negotiate = true
	if c.etag == "" && c.lastModified.IsZero() {
		c.hasher = stathash.New()
	}
}

// DeclareETag sets the ETag header and returns whether the current request's
// If-None-Match already matches, in which case the caller may skip producing
// a body. The finalize-time re-check still governs the actual 304 emission.
// A repeated declaration overwrites the previous value.
func (c *ResponseCacheContext) DeclareETag(etag string) bool {
	if c.finalized {
		return false
	}
	c.header.Set("ETag", etag)
	c.etag = etag
	c.negotiate = true
	return matchesETag(etag, c.req.Header.Get("If-None-Match"))
}

// DeclareLastModified sets the Last-Modified header and returns whether the
// resource is unchanged relative to the request's If-Modified-Since.
// A repeated declaration overwrites the previous value.
func (c *ResponseCacheContext) DeclareLastModified(mod time.Time) bool {
	if c.finalized {
		return false
	}
	c.header.Set("Last-Modified", toHTTPDate(mod))
	c.lastModified = mod
	c.negotiate = true
	return matchesLastModified(mod, c.req.Header.Get("If-Modified-Since"))
}

// unchanged is the combined finalize-time verdict. The ETag takes precedence:
// Last-Modified is only consulted when no ETag was declared.
func (c *ResponseCacheContext) unchanged() bool {
	if c.etag != "" {
		return matchesETag(c.etag, c.req.Header.Get("If-None-Match"))
	}
	return matchesLastModified(c.lastModified, c.req.Header.Get("If-Modified-Since"))
}

// Finalize flushes the response to the underlying writer. The first call
// wins; subsequent calls are no-ops. If auto-hashing produced a digest it is
// set as the ETag, and if negotiation finds the client's copy current the
// buffered body is replaced with a 304 short-circuit.
func (c *ResponseCacheContext) Finalize() {
	if c.finalized {
		return
	}
	c.finalized = true
	if c.hasher != nil && c.etag == "" {
		c.etag = c.hasher.Finalize()
		c.header.Set("ETag", c.etag)
	}
	if c.negotiate && c.unchanged() {
		c.header.Set("Cache-Control", notModifiedCacheControl)
		copyHeader(c.rw.Header(), c.header)
		c.rw.WriteHeader(http.StatusNotModified)
		io.WriteString(c.rw, notModifiedBody)
		c.logVerdict(http.StatusNotModified, true)
		return
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	copyHeader(c.rw.Header(), c.header)
	c.rw.WriteHeader(status)
	if _, err := c.rw.Write(c.body.Bytes()); err != nil {
		c.log.Error().Err(err).Msg("Could not write response body to client")
	}
	c.logVerdict(status, false)
}

// Finalized reports whether the response has already been flushed.
func (c *ResponseCacheContext) Finalized() bool {
	return c.finalized
}

func (c *ResponseCacheContext) logVerdict(status int, revalidated bool) {
	c.log.Debug().
		Str("method", c.req.Method).
		Str("url", c.req.URL.String()).
		Int("status", status).
		Bool("revalidated", revalidated).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
