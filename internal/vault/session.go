package vault

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
)

// SessionKey is a per-unlock 256-bit random value used exclusively as
// a cache-invalidation signature for host-level caches. It is never
// used for authentication, so its 64-bit signature is not treated as
// sensitive even though the underlying key material is.
type SessionKey struct {
	mu    sync.RWMutex
	key   *Buffer
	valid bool
	arena *Arena
}

// NewSessionKey constructs a session key bound to arena for wiping.
// The key itself is generated lazily on first access.
func NewSessionKey(arena *Arena) *SessionKey {
	return &SessionKey{arena: arena}
}

// ensureValid regenerates the key if one has never been generated or
// has been destroyed. Called with the write lock held by callers that
// already hold it, or acquires it itself otherwise.
func (s *SessionKey) EnsureValid() error {
	s.mu.RLock()
	ok := s.valid
	s.mu.RUnlock()
	if ok {
		return nil
	}
	return s.Regenerate()
}

// Regenerate replaces the current key with fresh random material,
// wiping the previous key first. Serialized against concurrent
// regenerate/destroy calls; concurrent readers of SessionID are not
// blocked by other readers.
func (s *SessionKey) Regenerate() error {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return newErr("session.regenerate", KindKdfError, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		s.key.Wipe(false)
	}
	s.key = NewBuffer(buf)
	if s.arena != nil {
		s.arena.RegisterBytes(s.key)
	}
	s.valid = true
	return nil
}

// Destroy wipes the current key and marks the session invalid; the
// next access lazily regenerates.
func (s *SessionKey) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		s.key.Wipe(false)
		s.key = nil
	}
	s.valid = false
}

// SessionID returns the 64-bit signature derived from the first 8
// bytes of the current key, lazily regenerating if needed.
func (s *SessionKey) SessionID() (uint64, error) {
	if err := s.EnsureValid(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.key.Bytes()
	if len(b) < 8 {
		return 0, newErr("session.id", KindKdfError, nil)
	}
	return binary.BigEndian.Uint64(b[:8]), nil
}
