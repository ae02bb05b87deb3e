package stathash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"
)

// ErrFinalized is returned by Update after the digest has been finalized.
var ErrFinalized = errors.New("stathash: hash already finalized")

// Hash computes a hex-encoded sha256 digest incrementally.
// Create one Hash per response-body stream.
type Hash struct {
	digest hash.Hash
	sum    string
	done   bool
}

func New() *Hash {
	return &Hash{digest: sha256.New()}
}

// Update folds a chunk into the running digest.
func (h *Hash) Update(chunk []byte) error {
	if h.done {
		return ErrFinalized
	}
	h.digest.Write(chunk)
	return nil
}

// Finalize closes the computation and returns the digest.
// Subsequent calls return the same digest.
func (h *Hash) Finalize() string {
	if !h.done {
		h.sum = hex.EncodeToString(h.digest.Sum(nil))
		h.done = true
	}
	return h.sum
}

// ForFileInfo returns the digest of a file's stat metadata.
// Hashing the metadata instead of the contents avoids reading
// large files just to cache-bust them.
func ForFileInfo(path string, size int64, modTime time.Time) string {
	h := New()
	h.Update([]byte(fmt.Sprintf("%s:%d:%d", path, size, modTime.UnixNano())))
	return h.Finalize()
}
