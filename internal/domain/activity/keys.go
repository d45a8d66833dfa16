package activity

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// KeySource mints client correlation keys. Keys sort by creation time and
// must be unique across every agent pushing to the same central store.
type KeySource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewKeySource creates a key source backed by crypto/rand.
func NewKeySource() *KeySource {
	return &KeySource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a new key stamped with at.
func (k *KeySource) Next(at time.Time) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), k.entropy).String()
}
