// Package dedup computes content fingerprints and tracks which ones a watcher
// has already turned into action items.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
)

// Fingerprint returns the hex SHA-256 of content followed by the metadata
// entries in key order. Identical content and metadata always produce the
// same fingerprint regardless of map iteration order.
func Fingerprint(content string, metadata map[string]string) string {
	h := sha256.New()
	h.Write([]byte(content))

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// NUL separators keep "a=b"+"c" distinct from "a=bc".
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(metadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Set is a fingerprint set. The zero value is not usable; call NewSet.
type Set struct {
	mu     sync.RWMutex
	hashes map[string]struct{}
}

// NewSet returns a set seeded with known fingerprints.
func NewSet(known ...string) *Set {
	s := &Set{hashes: make(map[string]struct{}, len(known))}
	for _, h := range known {
		s.hashes[h] = struct{}{}
	}
	return s
}

// IsDuplicate reports whether hash was recorded before.
func (s *Set) IsDuplicate(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[hash]
	return ok
}

// Record adds hash. It reports whether the hash was new.
func (s *Set) Record(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[hash]; ok {
		return false
	}
	s.hashes[hash] = struct{}{}
	return true
}

// Forget removes hash so a failed attempt can be retried.
func (s *Set) Forget(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, hash)
}

// Len returns the number of recorded fingerprints.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// List returns the recorded fingerprints in sorted order.
func (s *Set) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.hashes))
	for h := range s.hashes {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
