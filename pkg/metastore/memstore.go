package metastore

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

// MemStore is an in-memory MetaStore. It serializes every transaction behind
// a single mutex, which trivially gives the atomicity spec.md §5 asks for;
// it exists for tests and local development, not production deployments.
type MemStore struct {
	mu sync.Mutex

	ceremonies    map[string]*ceremony.Ceremony
	circuits      map[string]*ceremony.Circuit
	participants  map[string]*ceremony.Participant
	contributions map[string]*ceremony.Contribution
	timeouts      map[string]*ceremony.Timeout
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		ceremonies:    make(map[string]*ceremony.Ceremony),
		circuits:      make(map[string]*ceremony.Circuit),
		participants:  make(map[string]*ceremony.Participant),
		contributions: make(map[string]*ceremony.Contribution),
		timeouts:      make(map[string]*ceremony.Timeout),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("metastore: clone marshal: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic("metastore: clone unmarshal: " + err.Error())
	}
	return out
}

// memTx implements Tx directly against the MemStore's maps. It is only ever
// used while the MemStore mutex is held by RunTransaction.
type memTx struct{ s *MemStore }

func (t *memTx) GetCeremony(id string) (*ceremony.Ceremony, error) {
	c, ok := t.s.ceremonies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (t *memTx) PutCeremony(c *ceremony.Ceremony) error {
	c.Version++
	t.s.ceremonies[c.CeremonyID] = clone(c)
	return nil
}

func (t *memTx) DeleteCeremony(ceremonyID string) error {
	delete(t.s.ceremonies, ceremonyID)
	for k, c := range t.s.circuits {
		if c.CeremonyID == ceremonyID {
			delete(t.s.circuits, k)
		}
	}
	for k, p := range t.s.participants {
		if p.CeremonyID == ceremonyID {
			delete(t.s.participants, k)
		}
	}
	for k, c := range t.s.contributions {
		if c.CeremonyID == ceremonyID {
			delete(t.s.contributions, k)
		}
	}
	for k, tm := range t.s.timeouts {
		if tm.CeremonyID == ceremonyID {
			delete(t.s.timeouts, k)
		}
	}
	return nil
}

func (t *memTx) GetCircuit(ceremonyID, circuitID string) (*ceremony.Circuit, error) {
	c, ok := t.s.circuits[circuitKey(ceremonyID, circuitID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (t *memTx) ListCircuits(ceremonyID string) ([]*ceremony.Circuit, error) {
	var out []*ceremony.Circuit
	for _, c := range t.s.circuits {
		if c.CeremonyID == ceremonyID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (t *memTx) PutCircuit(c *ceremony.Circuit) error {
	c.Version++
	t.s.circuits[circuitKey(c.CeremonyID, c.CircuitID)] = clone(c)
	return nil
}

func (t *memTx) GetParticipant(ceremonyID, uid string) (*ceremony.Participant, error) {
	p, ok := t.s.participants[participantKey(ceremonyID, uid)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (t *memTx) ListParticipants(ceremonyID string) ([]*ceremony.Participant, error) {
	var out []*ceremony.Participant
	for _, p := range t.s.participants {
		if p.CeremonyID == ceremonyID {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (t *memTx) PutParticipant(p *ceremony.Participant) error {
	p.Version++
	t.s.participants[participantKey(p.CeremonyID, p.UID)] = clone(p)
	return nil
}

func (t *memTx) GetContribution(ceremonyID, circuitID, contributionID string) (*ceremony.Contribution, error) {
	c, ok := t.s.contributions[contributionKey(ceremonyID, circuitID, contributionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (t *memTx) ListContributions(ceremonyID, circuitID string) ([]*ceremony.Contribution, error) {
	var out []*ceremony.Contribution
	for _, c := range t.s.contributions {
		if c.CeremonyID == ceremonyID && c.CircuitID == circuitID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (t *memTx) PutContribution(c *ceremony.Contribution) error {
	c.Version++
	t.s.contributions[contributionKey(c.CeremonyID, c.CircuitID, c.ContributionID)] = clone(c)
	return nil
}

func (t *memTx) GetTimeout(ceremonyID, uid string) (*ceremony.Timeout, error) {
	tm, ok := t.s.timeouts[participantKey(ceremonyID, uid)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(tm), nil
}

func (t *memTx) PutTimeout(tm *ceremony.Timeout) error {
	t.s.timeouts[participantKey(tm.CeremonyID, tm.UID)] = clone(tm)
	return nil
}

func (t *memTx) DeleteTimeout(ceremonyID, uid string) error {
	delete(t.s.timeouts, participantKey(ceremonyID, uid))
	return nil
}

// RunTransaction holds the store mutex for the duration of fn, which makes
// the whole sequence atomic w.r.t. every other transaction. If fn returns an
// error, the maps are restored to their state before fn ran, so a failed
// transaction leaves none of its writes behind.
func (s *MemStore) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ceremonies, circuits, participants := maps.Clone(s.ceremonies), maps.Clone(s.circuits), maps.Clone(s.participants)
	contributions, timeouts := maps.Clone(s.contributions), maps.Clone(s.timeouts)
	if err := fn(&memTx{s: s}); err != nil {
		s.ceremonies, s.circuits, s.participants = ceremonies, circuits, participants
		s.contributions, s.timeouts = contributions, timeouts
		return err
	}
	return nil
}

func (s *MemStore) GetCeremony(ctx context.Context, ceremonyID string) (*ceremony.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).GetCeremony(ceremonyID)
}

func (s *MemStore) ListCeremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ceremony.Ceremony, 0, len(s.ceremonies))
	for _, c := range s.ceremonies {
		out = append(out, clone(c))
	}
	return out, nil
}

func (s *MemStore) GetCircuit(ctx context.Context, ceremonyID, circuitID string) (*ceremony.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).GetCircuit(ceremonyID, circuitID)
}

func (s *MemStore) ListCircuits(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).ListCircuits(ceremonyID)
}

func (s *MemStore) GetParticipant(ctx context.Context, ceremonyID, uid string) (*ceremony.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).GetParticipant(ceremonyID, uid)
}

func (s *MemStore) ListContributions(ctx context.Context, ceremonyID, circuitID string) ([]*ceremony.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).ListContributions(ceremonyID, circuitID)
}

func (s *MemStore) Close() error { return nil }
