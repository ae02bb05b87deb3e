package freshcheck

import (
	"net/http"
	"time"
)

// matchesETag reports whether the declared ETag satisfies the request's
// If-None-Match value. Both must be present and equal; comparison is
// case-sensitive with no weak-validator parsing.
func matchesETag(etag, ifNoneMatch string) bool {
	return etag != "" && ifNoneMatch != "" && etag == ifNoneMatch
}

// matchesLastModified reports whether the declared Last-Modified time
// satisfies the request's If-Modified-Since value. A missing or unparsable
// header never matches.
func matchesLastModified(lastModified time.Time, ifModifiedSince string) bool {
	if lastModified.IsZero() || ifModifiedSince == "" {
		return false
	}
	since, err := httpDate(ifModifiedSince)
	if err != nil {
		return false
	}
	// HTTP-dates carry no sub-second precision
	return !lastModified.Truncate(time.Second).After(since)
}

func httpDate(dateStr string) (time.Time, error) {
	return time.Parse(time.RFC1123, dateStr)
}

func toHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
