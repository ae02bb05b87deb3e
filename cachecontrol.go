package freshcheck

import (
	"fmt"
	"strings"
	"time"
)

// DefaultAge tells CacheControl to use the max-age configured with SetMaxAge.
const DefaultAge time.Duration = -1

// SetMaxAge stores the freshness lifetime used when composing Cache-Control
// and Expires headers. It does not write any header itself.
func (c *ResponseCacheContext) SetMaxAge(maxAge time.Duration) {
	if c.finalized {
		return
	}
	c.maxAge = maxAge
}

// MaxAge returns the currently configured freshness lifetime.
func (c *ResponseCacheContext) MaxAge() time.Duration {
	return c.maxAge
}

// CacheControl composes and sets the Cache-Control header from the given age
// and keyword directives. Pass DefaultAge to use the stored max-age; an empty
// keyword list defaults to "public".
func (c *ResponseCacheContext) CacheControl(age time.Duration, keywords ...string) {
	if c.finalized {
		return
	}
	if age < 0 {
		age = c.maxAge
	}
	if len(keywords) == 0 {
		keywords = []string{"public"}
	}
	directives := append(keywords, fmt.Sprintf("max-age=%d", int64(age.Seconds())))
	c.header.Set("Cache-Control", strings.Join(directives, ", "))
}

// SetExpires sets the Expires header to the given time, formatted as an
// HTTP-date. A zero time derives the expiry as now plus the stored max-age.
// The header is advisory for clients and intermediate caches only; it is
// never consulted by negotiation.
func (c *ResponseCacheContext) SetExpires(expires time.Time) {
	if c.finalized {
		return
	}
	if expires.IsZero() {
		expires = time.Now().Add(c.maxAge)
	}
	c.header.Set("Expires", toHTTPDate(expires))
}
