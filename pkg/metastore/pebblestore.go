package metastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

// PebbleStore is a cockroachdb/pebble-backed MetaStore. Each document is one
// key, JSON-encoded. A transaction reads documents through a pebbleTx that
// remembers every version it observed; on commit, PebbleStore re-reads those
// same keys inside a pebble.Batch and aborts with ErrVersionConflict if any
// version moved, so RunTransaction can retry the whole closure. This gives
// the compare-and-set semantics spec.md §5 requires without a SQL engine.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (creating if absent) a Pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("metastore: open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// versioned is the minimal shape every document satisfies, used generically
// by pebbleTx to read back the version a write observed.
type versioned struct {
	Version int64 `json:"version"`
}

func docVersion(raw []byte) (int64, error) {
	var v versioned
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v.Version, nil
}

// pebbleTx buffers reads (to learn baseline versions) and writes (to apply
// atomically on commit) for a single RunTransaction attempt.
type pebbleTx struct {
	db *pebble.DB

	// readVersions maps a document key to the version observed when it was
	// first read in this attempt. A document read as "not found" is recorded
	// with version -1, so a concurrent create between read and commit is
	// also detected as a conflict.
	readVersions map[string]int64
	writes       map[string][]byte
	deletes      map[string]bool
}

func newPebbleTx(db *pebble.DB) *pebbleTx {
	return &pebbleTx{
		db:           db,
		readVersions: make(map[string]int64),
		writes:       make(map[string][]byte),
		deletes:      make(map[string]bool),
	}
}

func (t *pebbleTx) get(key string, out any) (bool, error) {
	if raw, ok := t.writes[key]; ok {
		return true, json.Unmarshal(raw, out)
	}
	if t.deletes[key] {
		return false, nil
	}
	raw, closer, err := t.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		if _, seen := t.readVersions[key]; !seen {
			t.readVersions[key] = -1
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	v, err := docVersion(raw)
	if err != nil {
		return false, err
	}
	if _, seen := t.readVersions[key]; !seen {
		t.readVersions[key] = v
	}
	return true, json.Unmarshal(raw, out)
}

func (t *pebbleTx) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writes[key] = raw
	delete(t.deletes, key)
	return nil
}

func (t *pebbleTx) del(key string) {
	t.deletes[key] = true
	delete(t.writes, key)
}

func (t *pebbleTx) scanPrefix(prefix string, newItem func() any) ([]any, error) {
	var out []any
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if t.deletes[key] {
			continue
		}
		item := newItem()
		if raw, ok := t.writes[key]; ok {
			if err := json.Unmarshal(raw, item); err != nil {
				return nil, err
			}
		} else {
			raw := iter.Value()
			if _, seen := t.readVersions[key]; !seen {
				v, err := docVersion(raw)
				if err != nil {
					return nil, err
				}
				t.readVersions[key] = v
			}
			if err := json.Unmarshal(raw, item); err != nil {
				return nil, err
			}
		}
		out = append(out, item)
	}
	for key, raw := range t.writes {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			if _, closer, err := t.db.Get([]byte(key)); err != pebble.ErrNotFound {
				if err == nil {
					closer.Close()
				}
				continue // already covered by the iterator above
			}
			item := newItem()
			if err := json.Unmarshal(raw, item); err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	return out, iter.Error()
}

func (t *pebbleTx) GetCeremony(ceremonyID string) (*ceremony.Ceremony, error) {
	out := new(ceremony.Ceremony)
	ok, err := t.get(ceremonyKey(ceremonyID), out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *pebbleTx) PutCeremony(c *ceremony.Ceremony) error {
	c.Version++
	return t.put(ceremonyKey(c.CeremonyID), c)
}

func (t *pebbleTx) DeleteCeremony(ceremonyID string) error {
	t.del(ceremonyKey(ceremonyID))
	circuits, err := t.ListCircuits(ceremonyID)
	if err != nil {
		return err
	}
	for _, c := range circuits {
		t.del(circuitKey(c.CeremonyID, c.CircuitID))
	}
	participants, err := t.ListParticipants(ceremonyID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		t.del(participantKey(p.CeremonyID, p.UID))
		t.del(timeoutKey(p.CeremonyID, p.UID))
	}
	for _, c := range circuits {
		contribs, err := t.ListContributions(c.CeremonyID, c.CircuitID)
		if err != nil {
			return err
		}
		for _, cn := range contribs {
			t.del(contributionKey(cn.CeremonyID, cn.CircuitID, cn.ContributionID))
		}
	}
	return nil
}

func (t *pebbleTx) GetCircuit(ceremonyID, circuitID string) (*ceremony.Circuit, error) {
	out := new(ceremony.Circuit)
	ok, err := t.get(circuitKey(ceremonyID, circuitID), out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *pebbleTx) ListCircuits(ceremonyID string) ([]*ceremony.Circuit, error) {
	items, err := t.scanPrefix(circuitPrefix(ceremonyID), func() any { return new(ceremony.Circuit) })
	if err != nil {
		return nil, err
	}
	out := make([]*ceremony.Circuit, len(items))
	for i, it := range items {
		out[i] = it.(*ceremony.Circuit)
	}
	return out, nil
}

func (t *pebbleTx) PutCircuit(c *ceremony.Circuit) error {
	c.Version++
	return t.put(circuitKey(c.CeremonyID, c.CircuitID), c)
}

func (t *pebbleTx) GetParticipant(ceremonyID, uid string) (*ceremony.Participant, error) {
	out := new(ceremony.Participant)
	ok, err := t.get(participantKey(ceremonyID, uid), out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *pebbleTx) ListParticipants(ceremonyID string) ([]*ceremony.Participant, error) {
	items, err := t.scanPrefix(participantPrefix(ceremonyID), func() any { return new(ceremony.Participant) })
	if err != nil {
		return nil, err
	}
	out := make([]*ceremony.Participant, len(items))
	for i, it := range items {
		out[i] = it.(*ceremony.Participant)
	}
	return out, nil
}

func (t *pebbleTx) PutParticipant(p *ceremony.Participant) error {
	p.Version++
	return t.put(participantKey(p.CeremonyID, p.UID), p)
}

func (t *pebbleTx) GetContribution(ceremonyID, circuitID, contributionID string) (*ceremony.Contribution, error) {
	out := new(ceremony.Contribution)
	ok, err := t.get(contributionKey(ceremonyID, circuitID, contributionID), out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *pebbleTx) ListContributions(ceremonyID, circuitID string) ([]*ceremony.Contribution, error) {
	items, err := t.scanPrefix(contributionPrefix(ceremonyID, circuitID), func() any { return new(ceremony.Contribution) })
	if err != nil {
		return nil, err
	}
	out := make([]*ceremony.Contribution, len(items))
	for i, it := range items {
		out[i] = it.(*ceremony.Contribution)
	}
	return out, nil
}

func (t *pebbleTx) PutContribution(c *ceremony.Contribution) error {
	c.Version++
	return t.put(contributionKey(c.CeremonyID, c.CircuitID, c.ContributionID), c)
}

func (t *pebbleTx) GetTimeout(ceremonyID, uid string) (*ceremony.Timeout, error) {
	out := new(ceremony.Timeout)
	ok, err := t.get(timeoutKey(ceremonyID, uid), out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *pebbleTx) PutTimeout(tm *ceremony.Timeout) error {
	return t.put(timeoutKey(tm.CeremonyID, tm.UID), tm)
}

func (t *pebbleTx) DeleteTimeout(ceremonyID, uid string) error {
	t.del(timeoutKey(ceremonyID, uid))
	return nil
}

func ceremonyKey(ceremonyID string) string        { return "ceremony/" + ceremonyID }
func circuitPrefix(ceremonyID string) string       { return "circuit/" + ceremonyID + "/" }
func participantPrefix(ceremonyID string) string   { return "participant/" + ceremonyID + "/" }
func contributionPrefix(ceremonyID, circuitID string) string {
	return "contribution/" + ceremonyID + "/" + circuitID + "/"
}
func timeoutKey(ceremonyID, uid string) string { return "timeout/" + participantKey(ceremonyID, uid) }

// RunTransaction executes fn against a fresh pebbleTx, then attempts to
// commit: every key the tx read is re-checked against the live database, and
// the batch is only applied if none of them moved. On a detected race, the
// whole closure is retried up to MaxTransactionRetries times.
func (s *PebbleStore) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < MaxTransactionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := newPebbleTx(s.db)
		if err := fn(tx); err != nil {
			return err
		}
		committed, err := s.tryCommit(tx)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		lastErr = ErrVersionConflict
	}
	return ceremony.Wrap(ceremony.CodeConflict, lastErr, "transaction retries exhausted")
}

func (s *PebbleStore) tryCommit(tx *pebbleTx) (bool, error) {
	batch := s.db.NewBatch()
	defer batch.Close()

	for key, baseline := range tx.readVersions {
		raw, closer, err := s.db.Get([]byte(key))
		if err == pebble.ErrNotFound {
			if baseline != -1 {
				return false, nil
			}
			continue
		}
		if err != nil {
			return false, err
		}
		v, err := docVersion(raw)
		closer.Close()
		if err != nil {
			return false, err
		}
		if v != baseline {
			return false, nil
		}
	}

	for key, raw := range tx.writes {
		if err := batch.Set([]byte(key), raw, nil); err != nil {
			return false, err
		}
	}
	for key := range tx.deletes {
		if err := batch.Delete([]byte(key), nil); err != nil {
			return false, err
		}
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) GetCeremony(ctx context.Context, ceremonyID string) (*ceremony.Ceremony, error) {
	return newPebbleTx(s.db).GetCeremony(ceremonyID)
}

func (s *PebbleStore) ListCeremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	items, err := newPebbleTx(s.db).scanPrefix("ceremony/", func() any { return new(ceremony.Ceremony) })
	if err != nil {
		return nil, err
	}
	out := make([]*ceremony.Ceremony, len(items))
	for i, it := range items {
		out[i] = it.(*ceremony.Ceremony)
	}
	return out, nil
}

func (s *PebbleStore) GetCircuit(ctx context.Context, ceremonyID, circuitID string) (*ceremony.Circuit, error) {
	return newPebbleTx(s.db).GetCircuit(ceremonyID, circuitID)
}

func (s *PebbleStore) ListCircuits(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	return newPebbleTx(s.db).ListCircuits(ceremonyID)
}

func (s *PebbleStore) GetParticipant(ctx context.Context, ceremonyID, uid string) (*ceremony.Participant, error) {
	return newPebbleTx(s.db).GetParticipant(ceremonyID, uid)
}

func (s *PebbleStore) ListContributions(ctx context.Context, ceremonyID, circuitID string) ([]*ceremony.Contribution, error) {
	return newPebbleTx(s.db).ListContributions(ceremonyID, circuitID)
}
