// Package metastore defines the transactional document store spec.md §2.A
// abstracts as MetaStore, plus two implementations: an in-memory store for
// tests and local/dev use, and a cockroachdb/pebble-backed store that gives
// the compare-and-set semantics spec.md §5 requires on the WaitingQueue
// field and on participant step transitions.
package metastore

import (
	"context"
	"fmt"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

// Tx is the per-transaction view handed to the function passed to
// RunTransaction. All reads within a Tx observe a consistent snapshot; all
// writes are applied atomically on commit, or the whole transaction is
// retried from the top if another writer raced it (spec.md §5).
type Tx interface {
	GetCeremony(ceremonyID string) (*ceremony.Ceremony, error)
	PutCeremony(c *ceremony.Ceremony) error
	DeleteCeremony(ceremonyID string) error

	GetCircuit(ceremonyID, circuitID string) (*ceremony.Circuit, error)
	ListCircuits(ceremonyID string) ([]*ceremony.Circuit, error)
	PutCircuit(c *ceremony.Circuit) error

	GetParticipant(ceremonyID, uid string) (*ceremony.Participant, error)
	ListParticipants(ceremonyID string) ([]*ceremony.Participant, error)
	PutParticipant(p *ceremony.Participant) error

	GetContribution(ceremonyID, circuitID, contributionID string) (*ceremony.Contribution, error)
	ListContributions(ceremonyID, circuitID string) ([]*ceremony.Contribution, error)
	PutContribution(c *ceremony.Contribution) error

	GetTimeout(ceremonyID, uid string) (*ceremony.Timeout, error)
	PutTimeout(t *ceremony.Timeout) error
	DeleteTimeout(ceremonyID, uid string) error
}

// MetaStore is the top-level handle. RunTransaction is the only mutating
// entry point; everything else is a read-only convenience used by HTTP
// handlers that don't need transactional guarantees (e.g. rendering a
// status page).
type MetaStore interface {
	RunTransaction(ctx context.Context, fn func(Tx) error) error

	GetCeremony(ctx context.Context, ceremonyID string) (*ceremony.Ceremony, error)
	ListCeremonies(ctx context.Context) ([]*ceremony.Ceremony, error)
	GetCircuit(ctx context.Context, ceremonyID, circuitID string) (*ceremony.Circuit, error)
	ListCircuits(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error)
	GetParticipant(ctx context.Context, ceremonyID, uid string) (*ceremony.Participant, error)
	ListContributions(ctx context.Context, ceremonyID, circuitID string) ([]*ceremony.Contribution, error)

	// Close releases any underlying handles (file descriptors, connections).
	Close() error
}

// ErrNotFound is returned by Tx/MetaStore reads when a document does not
// exist. Components translate it to ceremony.CodeNotFound at their boundary.
var ErrNotFound = fmt.Errorf("metastore: not found")

// ErrVersionConflict is returned internally by an implementation's commit
// step when another writer's transaction raced this one. RunTransaction
// retries the whole fn a bounded number of times before surfacing
// ceremony.CodeConflict.
var ErrVersionConflict = fmt.Errorf("metastore: version conflict")

// MaxTransactionRetries bounds RunTransaction's internal retry loop on
// ErrVersionConflict, per spec.md §7 ("concurrent write lost the race after
// all retries" -> CONFLICT).
const MaxTransactionRetries = 10

func participantKey(ceremonyID, uid string) string {
	return fmt.Sprintf("%s/%s", ceremonyID, uid)
}

func circuitKey(ceremonyID, circuitID string) string {
	return fmt.Sprintf("%s/%s", ceremonyID, circuitID)
}

func contributionKey(ceremonyID, circuitID, contributionID string) string {
	return fmt.Sprintf("%s/%s/%s", ceremonyID, circuitID, contributionID)
}
