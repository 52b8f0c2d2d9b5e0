package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewNodeID returns the identity a node writes into the meta frame of every
// message it sends. It is a lower-cased ULID so ids sort by creation time.
func NewNodeID() string {
	return strings.ToLower(CreateULID())
}

// NewRequestID is used to correlate executor calls in logs and traces.
func NewRequestID() string {
	return CreateULID()
}
