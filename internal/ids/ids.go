// Package ids is the single place that allocates identifiers and
// cryptographic entropy: ceremony/timeout IDs via github.com/google/uuid, and
// the finalization beacon via crypto/rand (SPEC_FULL.md Open Question #2 —
// never sourced from math/rand or any other non-cryptographic generator).
package ids

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// New allocates a random identifier suitable for a ceremonyId, circuitId, or
// any other document key that does not need to be human-chosen.
func New() string {
	return uuid.NewString()
}

// SecureBeacon draws n bytes of cryptographically secure randomness for use
// as the finalization beacon's entropy source (spec.md §4.I). Callers that
// need a beacon tied to external public randomness (e.g. a future block
// hash) should source that value themselves; SecureBeacon supplies the
// entropy when the caller provides none.
func SecureBeacon(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("ids: read secure beacon entropy: %w", err)
	}
	return b, nil
}
