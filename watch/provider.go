package watch

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Entry is the cached descriptor for one watched path. Entries are replaced
// wholesale on refresh, never mutated in place.
type Entry struct {
	Path       string
	CreatedAt  time.Time
	ModifiedAt time.Time
	// ExpiresAt is derived from the file's modification time at the moment
	// of (re)caching, not from request time.
	ExpiresAt time.Time
	ETag      string
	// AuxData is opaque to the cache and carried through unmodified.
	// The sqlite provider does not persist it.
	AuxData any
}

// EntryProvider stores watched-file descriptors keyed by path.
//
// Implementations must be thread-safe!
type EntryProvider interface {
	// Get returns the entry for the given path, if it exists,
	// with a boolean indicating whether it was found.
	Get(path string) (Entry, bool, error)
	// Put stores the given entry under its path, replacing any previous one.
	Put(entry Entry) error
	// Purge removes the entry for the given path, if present.
	Purge(path string)
}

// MemProvider is the default in-memory EntryProvider.
type MemProvider struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemProvider) Get(path string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[path]
	return entry, ok, nil
}

func (m MemProvider) Put(entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Path] = entry
	return nil
}

func (m MemProvider) Purge(path string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, path)
}

// SQLiteProvider persists watched-file descriptors so they survive restarts.
type SQLiteProvider struct {
	db *sql.DB
}

func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, err
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS watched (path TEXT PRIMARY KEY, created INTEGER, modified INTEGER, expires INTEGER, etag TEXT)")
	if err != nil {
		return SQLiteProvider{}, err
	}
	return SQLiteProvider{db: db}, nil
}

func (s SQLiteProvider) Get(path string) (Entry, bool, error) {
	var created, modified, expires int64
	var etag string
	err := s.db.QueryRow("SELECT created, modified, expires, etag FROM watched WHERE path = ?", path).
		Scan(&created, &modified, &expires, &etag)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{
		Path:       path,
		CreatedAt:  time.Unix(0, created),
		ModifiedAt: time.Unix(0, modified),
		ExpiresAt:  time.Unix(0, expires),
		ETag:       etag,
	}, true, nil
}

func (s SQLiteProvider) Put(entry Entry) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO watched (path, created, modified, expires, etag) VALUES (?, ?, ?, ?, ?)",
		entry.Path, entry.CreatedAt.UnixNano(), entry.ModifiedAt.UnixNano(), entry.ExpiresAt.UnixNano(), entry.ETag)
	return err
}

func (s SQLiteProvider) Purge(path string) {
	s.db.Exec("DELETE FROM watched WHERE path = ?", path)
}
