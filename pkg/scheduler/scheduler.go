// Package scheduler maintains each circuit's waiting queue, grants the
// baton to exactly one participant at a time, and enforces contribution
// timeouts (spec.md §4.F). Every queue mutation runs inside a single
// MetaStore transaction, giving it the compare-and-set atomicity spec.md §5
// requires without an in-process lock held across I/O.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/MuriData/zk-ceremony-coordinator/internal/ids"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metrics"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/statemachine"
)

type Scheduler struct {
	store   metastore.MetaStore
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(store metastore.MetaStore, log zerolog.Logger) *Scheduler {
	return &Scheduler{store: store, log: log.With().Str("component", "scheduler").Logger()}
}

// WithMetrics attaches a Metrics instance; nil leaves metrics unrecorded.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Admit runs the WAITING → READY → (possibly) CONTRIBUTING transition for a
// participant requesting to join the queue of the circuit matching their
// next contributionProgress (spec.md §4.F "Admission").
func (s *Scheduler) Admit(ctx context.Context, ceremonyID, uid string) error {
	return s.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		now := time.Now()
		cer, err := tx.GetCeremony(ceremonyID)
		if err != nil {
			return translateNotFound(err, "ceremony %s", ceremonyID)
		}
		p, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			return translateNotFound(err, "participant %s", uid)
		}
		circuits, err := tx.ListCircuits(ceremonyID)
		if err != nil {
			return err
		}
		circuit := circuitBySequence(circuits, p.ContributionProgress+1)
		if circuit == nil {
			return ceremony.New(ceremony.CodePreconditionFailed, "no circuit at sequencePosition %d", p.ContributionProgress+1)
		}

		active, err := activeTimeout(tx, ceremonyID, uid, now)
		if err != nil {
			return err
		}
		if err := statemachine.RequestReady(cer, circuit, p, active, now); err != nil {
			return err
		}

		return s.enqueue(tx, circuit, p, now)
	})
}

// ResumeAfterTimeout is the TIMEDOUT → EXHUMED → READY transition: the
// participant re-enters at the tail of its circuit's queue with
// contributionProgress preserved (spec.md §4.F, last paragraph).
func (s *Scheduler) ResumeAfterTimeout(ctx context.Context, ceremonyID, uid string) error {
	return s.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		now := time.Now()
		p, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			return translateNotFound(err, "participant %s", uid)
		}
		active, err := activeTimeout(tx, ceremonyID, uid, now)
		if err != nil {
			return err
		}
		if err := statemachine.ResumeAfterTimeout(p, active, now); err != nil {
			return err
		}
		circuits, err := tx.ListCircuits(ceremonyID)
		if err != nil {
			return err
		}
		circuit := circuitBySequence(circuits, p.ContributionProgress+1)
		if circuit == nil {
			return ceremony.New(ceremony.CodePreconditionFailed, "no circuit at sequencePosition %d", p.ContributionProgress+1)
		}
		return s.enqueue(tx, circuit, p, now)
	})
}

// enqueue appends p to circuit's waiting queue tail and, if the queue was
// empty, immediately promotes it to CONTRIBUTING (spec.md §4.F "Admission").
func (s *Scheduler) enqueue(tx metastore.Tx, circuit *ceremony.Circuit, p *ceremony.Participant, now time.Time) error {
	wasEmpty := circuit.WaitingQueue.CurrentContributor == ""
	circuit.WaitingQueue.Contributors = append(circuit.WaitingQueue.Contributors, p.UID)
	if wasEmpty {
		circuit.WaitingQueue.CurrentContributor = p.UID
		if err := statemachine.AdmitToContributing(p, now); err != nil {
			return err
		}
	}
	if err := tx.PutCircuit(circuit); err != nil {
		return err
	}
	return tx.PutParticipant(p)
}

// HandBaton removes the head of circuit's waiting queue — which must be
// leavingUID — updates the completed/failed counters, and promotes the new
// head (if any) to CONTRIBUTING (spec.md §4.F "Baton hand-off"). Callers are
// the Verifier (on classification) and the timeout scanner below.
func (s *Scheduler) HandBaton(ctx context.Context, ceremonyID, circuitID, leavingUID string, valid bool) error {
	return s.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		return s.handBaton(tx, ceremonyID, circuitID, leavingUID, valid, time.Now())
	})
}

func (s *Scheduler) handBaton(tx metastore.Tx, ceremonyID, circuitID, leavingUID string, valid bool, now time.Time) error {
	circuit, err := tx.GetCircuit(ceremonyID, circuitID)
	if err != nil {
		return translateNotFound(err, "circuit %s", circuitID)
	}
	q := &circuit.WaitingQueue
	if len(q.Contributors) == 0 || q.Contributors[0] != leavingUID {
		return ceremony.New(ceremony.CodeInternal, "circuit %s queue head is not %s", circuitID, leavingUID)
	}
	q.Contributors = q.Contributors[1:]
	if valid {
		q.CompletedContributions++
	} else {
		q.FailedContributions++
	}

	if len(q.Contributors) > 0 {
		nextUID := q.Contributors[0]
		q.CurrentContributor = nextUID
		next, err := tx.GetParticipant(ceremonyID, nextUID)
		if err != nil {
			return translateNotFound(err, "participant %s", nextUID)
		}
		if err := statemachine.AdmitToContributing(next, now); err != nil {
			return err
		}
		if err := tx.PutParticipant(next); err != nil {
			return err
		}
	} else {
		q.CurrentContributor = ""
	}
	return tx.PutCircuit(circuit)
}

// deadline computes when the current contributor of circuit must reach
// step COMPLETED, per the ceremony's configured timeout mechanism
// (spec.md §4.F "Timeout enforcement").
func deadline(cer *ceremony.Ceremony, circuit *ceremony.Circuit, startedAt time.Time) time.Time {
	switch cer.TimeoutMechanism {
	case ceremony.TimeoutDynamic:
		window := time.Duration(float64(circuit.AvgTimings.FullContribution()) * cer.DynamicTimeoutMultiplier)
		if window <= 0 {
			window = circuit.FixedTimeWindow()
		}
		return startedAt.Add(window)
	default:
		return startedAt.Add(circuit.FixedTimeWindow())
	}
}

// ScanTimeouts scans every circuit of ceremonyID with a non-empty current
// contributor and times out any whose deadline has passed without reaching
// step COMPLETED. Intended to be invoked periodically (spec.md §5,
// "configurable, ≥ every 60 seconds") by Run.
func (s *Scheduler) ScanTimeouts(ctx context.Context, ceremonyID string) error {
	return s.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		now := time.Now()
		cer, err := tx.GetCeremony(ceremonyID)
		if err != nil {
			return translateNotFound(err, "ceremony %s", ceremonyID)
		}
		circuits, err := tx.ListCircuits(ceremonyID)
		if err != nil {
			return err
		}
		for _, circuit := range circuits {
			if circuit.WaitingQueue.CurrentContributor == "" {
				continue
			}
			uid := circuit.WaitingQueue.CurrentContributor
			p, err := tx.GetParticipant(ceremonyID, uid)
			if err != nil {
				return translateNotFound(err, "participant %s", uid)
			}
			if p.ContributionStep == ceremony.StepCompleted {
				continue
			}
			dl := deadline(cer, circuit, p.ContributionStartedAt)
			if now.Before(dl) {
				continue
			}
			if err := s.fireTimeout(tx, cer, circuit, p, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// fireTimeout applies spec.md §4.F's four timeout steps atomically: write
// the Timeout record, flip the participant to TIMEDOUT, hand off the baton
// as a failed contribution, and clear the partial upload state (the leaving
// participant's tempContributionData is reset here; the new head's is reset
// by AdmitToContributing).
func (s *Scheduler) fireTimeout(tx metastore.Tx, cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant, now time.Time) error {
	timeout := &ceremony.Timeout{
		CeremonyID: cer.CeremonyID,
		UID:        p.UID,
		TimeoutID:  ids.New(),
		Type:       ceremony.TimeoutBlockingContribution,
		StartDate:  now,
		EndDate:    now.Add(cer.Penalty()),
	}
	if p.ContributionStep == ceremony.StepVerifying {
		timeout.Type = ceremony.TimeoutBlockingCloudFunction
	}
	if err := tx.PutTimeout(timeout); err != nil {
		return err
	}
	if err := statemachine.TimeoutParticipant(p, now); err != nil {
		return err
	}
	p.TempContributionData = ceremony.TempContributionData{}
	if err := tx.PutParticipant(p); err != nil {
		return err
	}
	s.log.Warn().Str("ceremony", cer.CeremonyID).Str("circuit", circuit.CircuitID).Str("participant", p.UID).Msg("contribution timed out")
	if s.metrics != nil {
		s.metrics.TimeoutsTotal.WithLabelValues(string(timeout.Type)).Inc()
	}
	return s.handBaton(tx, cer.CeremonyID, circuit.CircuitID, p.UID, false, now)
}

// Run starts the periodic scan loop, sweeping every known ceremony every
// interval until ctx is cancelled. It is meant to be launched as a single
// long-lived goroutine from cmd/coordinatord.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanAll(ctx)
		}
	}
}

// scanAll fans the per-ceremony scan out across an errgroup: ceremonies are
// independent (each owns its own MetaStore transactions), so one slow or
// failing ceremony's scan never delays another's within the same tick.
func (s *Scheduler) scanAll(ctx context.Context) {
	ceremonies, err := s.store.ListCeremonies(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list ceremonies for timeout scan")
		return
	}

	var openCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, cer := range ceremonies {
		g.Go(func() error {
			s.scanOne(gctx, cer, &openCount)
			return nil
		})
	}
	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.ActiveCeremonies.Set(float64(openCount.Load()))
	}
}

func (s *Scheduler) scanOne(ctx context.Context, cer *ceremony.Ceremony, openCount *atomic.Int64) {
	if err := s.ScanLifecycle(ctx, cer.CeremonyID); err != nil {
		s.log.Error().Err(err).Str("ceremony", cer.CeremonyID).Msg("scan ceremony lifecycle")
	}
	if cer.State != ceremony.CeremonyOpened {
		return
	}
	openCount.Add(1)
	if err := s.ScanTimeouts(ctx, cer.CeremonyID); err != nil {
		s.log.Error().Err(err).Str("ceremony", cer.CeremonyID).Msg("scan timeouts")
	}
	s.reportQueueDepth(ctx, cer.CeremonyID)
}

// reportQueueDepth refreshes the queue_depth gauge for every circuit in
// ceremonyID. It is best-effort: a read failure is logged, not propagated,
// since metrics reporting must never block the timeout scan it rides along.
func (s *Scheduler) reportQueueDepth(ctx context.Context, ceremonyID string) {
	if s.metrics == nil {
		return
	}
	circuits, err := s.store.ListCircuits(ctx, ceremonyID)
	if err != nil {
		s.log.Error().Err(err).Str("ceremony", ceremonyID).Msg("list circuits for queue depth")
		return
	}
	for _, c := range circuits {
		s.metrics.QueueDepth.WithLabelValues(c.Prefix).Set(float64(len(c.WaitingQueue.Contributors)))
	}
}

// ScanLifecycle applies the time-triggered Ceremony transitions of spec.md
// §4.E (SCHEDULED → OPENED once startDate elapses, OPENED → CLOSED once
// endDate elapses). It is a no-op, not an error, once a ceremony is past
// both guards or already CLOSED/FINALIZED.
func (s *Scheduler) ScanLifecycle(ctx context.Context, ceremonyID string) error {
	return s.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		now := time.Now()
		cer, err := tx.GetCeremony(ceremonyID)
		if err != nil {
			return translateNotFound(err, "ceremony %s", ceremonyID)
		}
		switch cer.State {
		case ceremony.CeremonyScheduled:
			if err := statemachine.OpenCeremony(cer, now); err != nil {
				return nil
			}
			s.log.Info().Str("ceremony", ceremonyID).Msg("ceremony opened")
			return tx.PutCeremony(cer)
		case ceremony.CeremonyOpened:
			if err := statemachine.CloseCeremony(cer, now); err != nil {
				return nil
			}
			s.log.Info().Str("ceremony", ceremonyID).Msg("ceremony closed")
			return tx.PutCeremony(cer)
		default:
			return nil
		}
	})
}

func circuitBySequence(circuits []*ceremony.Circuit, pos int) *ceremony.Circuit {
	for _, c := range circuits {
		if c.SequencePosition == pos {
			return c
		}
	}
	return nil
}

func activeTimeout(tx metastore.Tx, ceremonyID, uid string, now time.Time) (bool, error) {
	t, err := tx.GetTimeout(ceremonyID, uid)
	if err == metastore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Active(now), nil
}

func translateNotFound(err error, format string, args ...any) error {
	if err == metastore.ErrNotFound {
		return ceremony.New(ceremony.CodeNotFound, format, args...)
	}
	return err
}
