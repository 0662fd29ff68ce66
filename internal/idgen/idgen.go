// Package idgen generates the unique, sortable ids used for IPC envelope
// "id" fields. Envelope ids need monotonic, collision-free generation
// under concurrent senders, which ULID provides cheaply.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a new, lexically-sortable unique envelope id.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
