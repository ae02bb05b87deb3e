package watch

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// fakeFS is an in-memory Filesystem that counts stat calls.
// The counter is atomic so tests can stat from multiple goroutines.
type fakeFS struct {
	files   map[string]FileInfo
	statErr error
	delay   time.Duration
	stats   int64
}

func (f *fakeFS) Exists(path string) bool {
	_, ok := f.files[path]
	return ok
}

func (f *fakeFS) Stat(path string) (FileInfo, error) {
	atomic.AddInt64(&f.stats, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.statErr != nil {
		return FileInfo{}, f.statErr
	}
	info, ok := f.files[path]
	if !ok {
		return FileInfo{}, errors.New("stat: no such file")
	}
	return info, nil
}

func (f *fakeFS) statCalls() int {
	return int(atomic.LoadInt64(&f.stats))
}

// stubNegotiator simulates a request carrying conditional headers.
type stubNegotiator struct {
	ifNoneMatch     string
	ifModifiedSince time.Time
	declaredETag    string
	declaredMod     time.Time
}

func (s *stubNegotiator) DeclareETag(etag string) bool {
	s.declaredETag = etag
	return s.ifNoneMatch != "" && etag == s.ifNoneMatch
}

func (s *stubNegotiator) DeclareLastModified(mod time.Time) bool {
	s.declaredMod = mod
	return !s.ifModifiedSince.IsZero() && !mod.After(s.ifModifiedSince)
}

func newTestCache(t *testing.T, fs *fakeFS, maxAge time.Duration) (*Cache, MemProvider) {
	t.Helper()
	logger := zerolog.Nop()
	provider := NewMemProvider()
	cache := NewCache(Config{
		MaxAge:     maxAge,
		Provider:   provider,
		Filesystem: fs,
		Logger:     &logger,
	})
	return cache, provider
}

func TestWatchMissingFile(t *testing.T) {
	cache, _ := newTestCache(t, &fakeFS{files: map[string]FileInfo{}}, time.Minute)

	_, err := cache.Watch("/tmp/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error is %v", err)
	}
	if cache.IsWatching("/tmp/missing") {
		t.Fatal("missing file should not be watched")
	}
}

func TestWatchCreatesEntry(t *testing.T) {
	mod := time.Now().Add(-10 * time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, _ := newTestCache(t, fs, time.Minute)

	entry, err := cache.Watch("/tmp/f")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.ModifiedAt.Equal(mod) {
		t.Fatalf("ModifiedAt is %v", entry.ModifiedAt)
	}
	if !entry.ExpiresAt.Equal(mod.Add(time.Minute)) {
		t.Fatalf("ExpiresAt is %v", entry.ExpiresAt)
	}
	if entry.ETag == "" {
		t.Fatal("entry has no etag")
	}
	if !cache.IsWatching("/tmp/f") {
		t.Fatal("file should be watched")
	}
}

func TestUnwatch(t *testing.T) {
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 1, ModTime: time.Now()},
	}}
	cache, _ := newTestCache(t, fs, time.Minute)

	cache.Watch("/tmp/f")
	cache.Unwatch("/tmp/f")
	if cache.IsWatching("/tmp/f") {
		t.Fatal("file should be unwatched")
	}
	// unwatching again is a no-op
	cache.Unwatch("/tmp/f")
}

func TestChangedUnwatchedPath(t *testing.T) {
	cache, _ := newTestCache(t, &fakeFS{files: map[string]FileInfo{}}, time.Minute)

	if !cache.Changed(&stubNegotiator{}, "/tmp/missing", false) {
		t.Fatal("unwatched path should be reported as changed")
	}
}

func TestChangedFreshEntryMatchingHeaders(t *testing.T) {
	mod := time.Now().Add(-10 * time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, _ := newTestCache(t, fs, time.Minute)

	entry, err := cache.Watch("/tmp/f")
	if err != nil {
		t.Fatal(err)
	}
	neg := &stubNegotiator{ifNoneMatch: entry.ETag, ifModifiedSince: mod}

	if cache.Changed(neg, "/tmp/f", false) {
		t.Fatal("matching validators should report unchanged")
	}
	if got := fs.statCalls(); got != 1 {
		t.Fatalf("fresh entry should not re-stat, saw %d stats", got)
	}
	if neg.declaredETag != entry.ETag {
		t.Fatal("entry etag was not declared to the negotiator")
	}
	if !neg.declaredMod.Equal(mod) {
		t.Fatal("entry modification time was not declared to the negotiator")
	}
}

func TestChangedRequiresBothSignals(t *testing.T) {
	mod := time.Now().Add(-10 * time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, _ := newTestCache(t, fs, time.Minute)
	entry, _ := cache.Watch("/tmp/f")

	// etag matches but client copy predates the modification
	neg := &stubNegotiator{ifNoneMatch: entry.ETag, ifModifiedSince: mod.Add(-time.Hour)}
	if !cache.Changed(neg, "/tmp/f", false) {
		t.Fatal("stale If-Modified-Since should report changed")
	}

	// modification time matches but the etag does not
	neg = &stubNegotiator{ifNoneMatch: "other", ifModifiedSince: mod}
	if !cache.Changed(neg, "/tmp/f", false) {
		t.Fatal("mismatching etag should report changed")
	}
}

func TestChangedForceTriggersRestat(t *testing.T) {
	mod := time.Now().Add(-10 * time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, _ := newTestCache(t, fs, time.Minute)
	entry, _ := cache.Watch("/tmp/f")
	neg := &stubNegotiator{ifNoneMatch: entry.ETag, ifModifiedSince: mod}

	if cache.Changed(neg, "/tmp/f", true) {
		t.Fatal("identical metadata should still report unchanged after force")
	}
	if got := fs.statCalls(); got != 2 {
		t.Fatalf("force should re-stat exactly once, saw %d stats", got)
	}
}

func TestExpiredEntryIsRefreshed(t *testing.T) {
	maxAge := 50 * time.Millisecond
	mod := time.Now().Add(-time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, provider := newTestCache(t, fs, maxAge)

	previous, err := cache.Watch("/tmp/f")
	if err != nil {
		t.Fatal(err)
	}
	if !time.Now().After(previous.ExpiresAt) {
		t.Fatal("test entry should already be expired")
	}

	// file was touched since the entry was cached
	newMod := time.Now()
	fs.files["/tmp/f"] = FileInfo{Size: 43, ModTime: newMod}

	neg := &stubNegotiator{ifNoneMatch: previous.ETag, ifModifiedSince: mod}
	if !cache.Changed(neg, "/tmp/f", false) {
		t.Fatal("touched file should report changed")
	}
	if got := fs.statCalls(); got != 2 {
		t.Fatalf("expiry should re-stat exactly once, saw %d stats", got)
	}

	refreshed, ok, err := provider.Get("/tmp/f")
	if err != nil || !ok {
		t.Fatalf("refreshed entry missing: ok=%v err=%v", ok, err)
	}
	if !refreshed.ExpiresAt.After(previous.ExpiresAt) {
		t.Fatalf("refreshed expiry %v not after previous %v", refreshed.ExpiresAt, previous.ExpiresAt)
	}
	if refreshed.ETag == previous.ETag {
		t.Fatal("digest was not recomputed")
	}
}

func TestZeroMaxAgeRefreshesOncePerCall(t *testing.T) {
	mod := time.Now().Add(-time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, _ := newTestCache(t, fs, 0)
	entry, _ := cache.Watch("/tmp/f")

	// with a zero max-age even a fresh entry is immediately expired,
	// but a single Changed call still performs at most one re-stat
	neg := &stubNegotiator{ifNoneMatch: entry.ETag, ifModifiedSince: mod}
	cache.Changed(neg, "/tmp/f", false)
	if got := fs.statCalls(); got != 2 {
		t.Fatalf("saw %d stats, want 2", got)
	}
}

func TestRefreshFailureDegradesToChanged(t *testing.T) {
	mod := time.Now().Add(-time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, _ := newTestCache(t, fs, 50*time.Millisecond)
	entry, _ := cache.Watch("/tmp/f")

	// the file disappears before the expired entry is refreshed
	delete(fs.files, "/tmp/f")

	neg := &stubNegotiator{ifNoneMatch: entry.ETag, ifModifiedSince: mod}
	if !cache.Changed(neg, "/tmp/f", false) {
		t.Fatal("missing file should report changed")
	}
	if cache.IsWatching("/tmp/f") {
		t.Fatal("stale entry should have been purged")
	}
}

func TestWatchReplacesEntry(t *testing.T) {
	mod := time.Now().Add(-10 * time.Second)
	fs := &fakeFS{files: map[string]FileInfo{
		"/tmp/f": {Size: 42, ModTime: mod},
	}}
	cache, provider := newTestCache(t, fs, time.Minute)

	first, _ := cache.Watch("/tmp/f")
	fs.files["/tmp/f"] = FileInfo{Size: 43, ModTime: time.Now()}
	second, _ := cache.Watch("/tmp/f")

	if first.ETag == second.ETag {
		t.Fatal("re-watch should replace the digest")
	}
	stored, ok, _ := provider.Get("/tmp/f")
	if !ok || stored.ETag != second.ETag {
		t.Fatal("provider should hold the replacement entry")
	}
}

func TestConcurrentRefreshesCollapseToOneStat(t *testing.T) {
	mod := time.Now().Add(-time.Second)
	fs := &fakeFS{
		files: map[string]FileInfo{"/tmp/f": {Size: 42, ModTime: mod}},
		// keep the stat in flight long enough for all goroutines to join it
		delay: 250 * time.Millisecond,
	}
	cache, _ := newTestCache(t, fs, 50*time.Millisecond)

	entry, err := cache.Watch("/tmp/f")
	if err != nil {
		t.Fatal(err)
	}
	if !time.Now().After(entry.ExpiresAt) {
		t.Fatal("test entry should already be expired")
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			neg := &stubNegotiator{ifNoneMatch: entry.ETag, ifModifiedSince: mod}
			if cache.Changed(neg, "/tmp/f", false) {
				t.Error("identical metadata should report unchanged")
			}
		}()
	}
	close(start)
	wg.Wait()

	// one stat for the initial watch, one shared stat for all racing refreshes
	if got := fs.statCalls(); got != 2 {
		t.Fatalf("racing refreshes performed %d stats, want 2", got)
	}
}

func TestNilLoggerUsesGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	fs := &fakeFS{
		files:   map[string]FileInfo{"/tmp/f": {Size: 42, ModTime: time.Now()}},
		statErr: errors.New("stat: boom"),
	}
	cache := NewCache(Config{MaxAge: time.Minute, Filesystem: fs})

	if _, err := cache.Watch("/tmp/f"); err == nil {
		t.Fatal("stat error should propagate")
	}
	if !strings.Contains(buf.String(), "Could not stat watched file") {
		t.Fatalf("global logger output is %q", buf.String())
	}
}

func TestMemProvider(t *testing.T) {
	provider := NewMemProvider()
	entry := Entry{Path: "/tmp/f", ETag: "a", AuxData: "aux"}

	if err := provider.Put(entry); err != nil {
		t.Fatal(err)
	}
	got, ok, err := provider.Get("/tmp/f")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.ETag != "a" || got.AuxData != "aux" {
		t.Fatalf("entry is %+v", got)
	}

	provider.Purge("/tmp/f")
	if _, ok, _ := provider.Get("/tmp/f"); ok {
		t.Fatal("entry should be purged")
	}
}
