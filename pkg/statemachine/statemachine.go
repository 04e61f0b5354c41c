// Package statemachine enforces the legal transitions of Ceremony state and
// Participant status/step (spec.md §4.E). Every function here is pure: it
// validates and mutates the in-memory documents passed to it and returns a
// *ceremony.Error on a guard violation, but never touches MetaStore itself.
// Callers (Scheduler, UploadCoordinator, Verifier, the HTTP handlers) read
// the documents inside a MetaStore transaction, call the relevant guard, and
// persist the result — so a guard failure never mutates stored state.
package statemachine

import (
	"time"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

// JoinCeremony is the CREATED → WAITING transition: a participant's first
// registration against an opened ceremony.
func JoinCeremony(cer *ceremony.Ceremony, p *ceremony.Participant, now time.Time) error {
	if cer.State != ceremony.CeremonyOpened {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is not OPENED", cer.CeremonyID)
	}
	if p.Status != "" && p.Status != ceremony.ParticipantCreated {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s already joined ceremony %s", p.UID, cer.CeremonyID)
	}
	p.CeremonyID = cer.CeremonyID
	p.Status = ceremony.ParticipantWaiting
	p.ContributionProgress = 0
	p.LastUpdated = now
	return nil
}

// RequestReady is the WAITING → READY transition: the participant asks to
// be admitted to the queue of the next circuit in sequence. The caller
// (Scheduler.Admit) is responsible for actually appending the participant
// to the circuit's WaitingQueue once this guard passes.
func RequestReady(cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant, hasActiveTimeout bool, now time.Time) error {
	if cer.State != ceremony.CeremonyOpened {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is not OPENED", cer.CeremonyID)
	}
	if p.Status != ceremony.ParticipantWaiting {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is %s, not WAITING", p.UID, p.Status)
	}
	if hasActiveTimeout {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s has an active timeout", p.UID)
	}
	if p.ContributionProgress+1 != circuit.SequencePosition {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s contributionProgress %d does not match circuit sequencePosition %d", p.UID, p.ContributionProgress, circuit.SequencePosition)
	}
	p.Status = ceremony.ParticipantReady
	p.LastUpdated = now
	return nil
}

// AdmitToContributing is the READY → CONTRIBUTING transition, fired by the
// Scheduler when a participant reaches the head of a circuit's queue. It
// resets tempContributionData and starts the contribution clock.
func AdmitToContributing(p *ceremony.Participant, now time.Time) error {
	if p.Status != ceremony.ParticipantReady && p.Status != ceremony.ParticipantWaiting {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is %s, cannot be admitted to contributing", p.UID, p.Status)
	}
	p.Status = ceremony.ParticipantContributing
	p.ContributionStep = ceremony.StepDownloading
	p.TempContributionData = ceremony.TempContributionData{}
	p.ContributionStartedAt = now
	p.LastUpdated = now
	return nil
}

// AdvanceContributionStep enforces the monotone DOWNLOADING → COMPUTING →
// UPLOADING → VERIFYING → COMPLETED progression. Calling it with a step that
// is not strictly ahead of the current one fails with PRECONDITION_FAILED —
// per spec.md §8, this operation is deliberately not idempotent.
func AdvanceContributionStep(p *ceremony.Participant, target ceremony.ContributionStep, now time.Time) error {
	if p.Status != ceremony.ParticipantContributing {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is %s, not CONTRIBUTING", p.UID, p.Status)
	}
	if !p.ContributionStep.Before(target) {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is already at or past step %s", p.UID, target)
	}
	p.ContributionStep = target
	p.LastUpdated = now
	return nil
}

// CompleteCircuitContribution is the CONTRIBUTING → {WAITING | DONE}
// transition fired once the Verifier has classified the current circuit's
// contribution (spec.md §4.H step 6). It requires step == COMPLETED and
// advances contributionProgress regardless of validity: a participant has
// "participated" in a circuit whether or not their contribution was valid.
// contributionProgress counts circuits completed so far (RequestReady and
// Scheduler.Admit target circuit.SequencePosition == contributionProgress+1),
// so the just-finished circuit was numCircuits ⇒ DONE fires at >=, not >.
func CompleteCircuitContribution(p *ceremony.Participant, numCircuits int, now time.Time) error {
	if p.Status != ceremony.ParticipantContributing {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is %s, not CONTRIBUTING", p.UID, p.Status)
	}
	if p.ContributionStep != ceremony.StepCompleted {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s step is %s, not COMPLETED", p.UID, p.ContributionStep)
	}
	p.ContributionProgress++
	if p.ContributionProgress >= numCircuits {
		p.Status = ceremony.ParticipantDone
	} else {
		p.Status = ceremony.ParticipantWaiting
		p.ContributionStep = ""
	}
	p.LastUpdated = now
	return nil
}

// TimeoutParticipant is the {READY, CONTRIBUTING} → TIMEDOUT transition
// fired by the Scheduler's deadline enforcement. It is never a guard
// violation in the PRECONDITION_FAILED sense: the Scheduler only calls this
// on a participant it already knows holds the baton, so a mismatch here is
// a bug, not a client error.
func TimeoutParticipant(p *ceremony.Participant, now time.Time) error {
	if p.Status != ceremony.ParticipantContributing && p.Status != ceremony.ParticipantReady {
		return ceremony.New(ceremony.CodeInternal, "participant %s is %s, cannot be timed out", p.UID, p.Status)
	}
	p.Status = ceremony.ParticipantTimedOut
	p.LastUpdated = now
	return nil
}

// ResumeAfterTimeout is the TIMEDOUT → EXHUMED → READY transition: the
// participant re-requests participation once its active Timeout has
// expired. contributionProgress is preserved; the caller re-admits the
// participant at the tail of the relevant circuit's queue, never the head.
func ResumeAfterTimeout(p *ceremony.Participant, hasActiveTimeout bool, now time.Time) error {
	if p.Status != ceremony.ParticipantTimedOut {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is %s, not TIMEDOUT", p.UID, p.Status)
	}
	if hasActiveTimeout {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s still has an active timeout", p.UID)
	}
	p.Status = ceremony.ParticipantExhumed
	p.Status = ceremony.ParticipantReady
	p.LastUpdated = now
	return nil
}

// OpenCeremony is the SCHEDULED → OPENED time-triggered transition.
func OpenCeremony(cer *ceremony.Ceremony, now time.Time) error {
	if cer.State != ceremony.CeremonyScheduled {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is %s, not SCHEDULED", cer.CeremonyID, cer.State)
	}
	if now.Before(cer.StartDate) {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s startDate has not elapsed", cer.CeremonyID)
	}
	cer.State = ceremony.CeremonyOpened
	return nil
}

// CloseCeremony is the OPENED → CLOSED time-triggered transition.
func CloseCeremony(cer *ceremony.Ceremony, now time.Time) error {
	if cer.State != ceremony.CeremonyOpened {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is %s, not OPENED", cer.CeremonyID, cer.State)
	}
	if now.Before(cer.EndDate) {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s endDate has not elapsed", cer.CeremonyID)
	}
	cer.State = ceremony.CeremonyClosed
	return nil
}

// FinalizeCeremony is the CLOSED → FINALIZED transition, gated by the
// Finalizer on every circuit having a valid final Contribution. Coordinator
// authorization is checked at the RPC boundary, not here.
func FinalizeCeremony(cer *ceremony.Ceremony) error {
	if cer.State != ceremony.CeremonyClosed {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is %s, not CLOSED", cer.CeremonyID, cer.State)
	}
	cer.State = ceremony.CeremonyFinalized
	return nil
}
