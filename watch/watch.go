// Package watch tracks filesystem files for HTTP conditional caching. Each
// watched path gets a cached descriptor (metadata digest, modification time,
// expiry) that is read through on every change check and rebuilt from a fresh
// stat once it expires.
package watch

import (
	"errors"
	"time"

	stathash "github.com/freshcheck/freshcheck/pkg/stat-hash"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Watch when the path does not exist.
var ErrNotFound = errors.New("watch: file not found")

// Negotiator receives the validators of a watched file for the current
// request. It is satisfied by freshcheck.ResponseCacheContext.
type Negotiator interface {
	DeclareETag(etag string) bool
	DeclareLastModified(mod time.Time) bool
}

type Config struct {
	// Freshness lifetime of a descriptor, measured from the file's
	// modification time.
	MaxAge time.Duration
	// Storage for descriptors. An in-memory provider is used if nil.
	Provider EntryProvider
	// Filesystem to stat against. The OS filesystem is used if nil.
	Filesystem Filesystem
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Cache is the process-wide registry of watched files. Create one at process
// start and inject it into request handling; it is safe for concurrent use.
type Cache struct {
	provider EntryProvider
	fs       Filesystem
	maxAge   time.Duration
	group    singleflight.Group
	log      zerolog.Logger
}

func NewCache(config Config) *Cache {
	c := &Cache{
		provider: config.Provider,
		fs:       config.Filesystem,
		maxAge:   config.MaxAge,
	}
	if c.provider == nil {
		c.provider = NewMemProvider()
	}
	if c.fs == nil {
		c.fs = OSFilesystem{}
	}
	if config.Logger == nil {
		c.log = log.Logger
	} else {
		c.log = *config.Logger
	}
	return c
}

// Watch stats the given path and inserts or replaces its descriptor.
// It returns ErrNotFound if the path does not exist.
func (c *Cache) Watch(path string) (Entry, error) {
	if !c.fs.Exists(path) {
		return Entry{}, ErrNotFound
	}
	info, err := c.fs.Stat(path)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Could not stat watched file")
		return Entry{}, err
	}
	entry := Entry{
		Path:       path,
		CreatedAt:  time.Now(),
		ModifiedAt: info.ModTime,
		ExpiresAt:  info.ModTime.Add(c.maxAge),
		ETag:       stathash.ForFileInfo(path, info.Size, info.ModTime),
	}
	// replace, never mutate in place
	c.provider.Purge(path)
	if err := c.provider.Put(entry); err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Could not store watch entry")
		return Entry{}, err
	}
	c.log.Trace().Str("path", path).Time("expires", entry.ExpiresAt).Msg("Watching file")
	return entry, nil
}

// IsWatching reports whether the path currently has a descriptor.
func (c *Cache) IsWatching(path string) bool {
	_, ok := c.lookup(path)
	return ok
}

// Unwatch removes the descriptor for the path; it is a no-op when absent.
func (c *Cache) Unwatch(path string) {
	c.provider.Purge(path)
}

// Changed reports whether the watched file has changed relative to the
// current request's conditional headers. An unwatched path is conservatively
// reported as changed. If force is true or the descriptor has expired, the
// descriptor is rebuilt from a fresh stat first — refresh then evaluate, at
// most one re-stat per call. The file is unchanged only when both the
// Last-Modified and the ETag signals agree: a file can keep the same metadata
// digest across a touch, or vice versa, and requiring agreement avoids false
// "unchanged" verdicts.
func (c *Cache) Changed(neg Negotiator, path string, force bool) bool {
	entry, ok := c.lookup(path)
	if !ok {
		return true
	}
	if force || time.Now().After(entry.ExpiresAt) {
		fresh, err := c.refresh(path)
		if err != nil {
			// degrade to always-changed on filesystem errors
			c.provider.Purge(path)
			return true
		}
		entry = fresh
	}
	lastModifiedUnchanged := neg.DeclareLastModified(entry.ModifiedAt)
	etagUnchanged := neg.DeclareETag(entry.ETag)
	return !(lastModifiedUnchanged && etagUnchanged)
}

// refresh rebuilds the descriptor for a path, collapsing concurrent requests
// that race on the same expired entry into a single stat.
func (c *Cache) refresh(path string) (Entry, error) {
	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		return c.Watch(path)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) lookup(path string) (Entry, bool) {
	entry, ok, err := c.provider.Get(path)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Could not read watch entry")
		return Entry{}, false
	}
	return entry, ok
}
