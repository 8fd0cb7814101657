package orchestrator

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newJobID returns a random job id.
func newJobID() string {
	return uuid.NewString()
}

// newCorrelationID returns a sortable id sent to the evaluator with every round.
func newCorrelationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}
