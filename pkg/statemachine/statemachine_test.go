package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

func TestJoinCeremonyRequiresOpened(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cer := &ceremony.Ceremony{CeremonyID: "c1", State: ceremony.CeremonyScheduled}
	p := &ceremony.Participant{UID: "alice"}

	err := JoinCeremony(cer, p, now)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))

	cer.State = ceremony.CeremonyOpened
	require.NoError(t, JoinCeremony(cer, p, now))
	assert.Equal(t, ceremony.ParticipantWaiting, p.Status)
}

func TestJoinCeremonyRejectsSecondJoin(t *testing.T) {
	now := time.Now()
	cer := &ceremony.Ceremony{State: ceremony.CeremonyOpened}
	p := &ceremony.Participant{Status: ceremony.ParticipantWaiting}
	err := JoinCeremony(cer, p, now)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))
}

func TestAdvanceContributionStepMonotone(t *testing.T) {
	now := time.Now()
	p := &ceremony.Participant{Status: ceremony.ParticipantContributing, ContributionStep: ceremony.StepDownloading}

	require.NoError(t, AdvanceContributionStep(p, ceremony.StepComputing, now))
	assert.Equal(t, ceremony.StepComputing, p.ContributionStep)

	// Calling again with an already-passed step fails; it is not idempotent.
	err := AdvanceContributionStep(p, ceremony.StepDownloading, now)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))

	err = AdvanceContributionStep(p, ceremony.StepComputing, now)
	require.Error(t, err)
}

func TestCompleteCircuitContributionAdvancesOrFinishes(t *testing.T) {
	now := time.Now()
	p := &ceremony.Participant{
		Status:               ceremony.ParticipantContributing,
		ContributionStep:     ceremony.StepCompleted,
		ContributionProgress: 0,
	}
	require.NoError(t, CompleteCircuitContribution(p, 2, now))
	assert.Equal(t, 1, p.ContributionProgress)
	assert.Equal(t, ceremony.ParticipantWaiting, p.Status)

	p.Status = ceremony.ParticipantContributing
	p.ContributionStep = ceremony.StepCompleted
	require.NoError(t, CompleteCircuitContribution(p, 2, now))
	assert.Equal(t, 2, p.ContributionProgress)

	p.Status = ceremony.ParticipantContributing
	p.ContributionStep = ceremony.StepCompleted
	require.NoError(t, CompleteCircuitContribution(p, 2, now))
	assert.Equal(t, 3, p.ContributionProgress)
	assert.Equal(t, ceremony.ParticipantDone, p.Status)
}

func TestResumeAfterTimeoutPreservesProgress(t *testing.T) {
	now := time.Now()
	p := &ceremony.Participant{Status: ceremony.ParticipantTimedOut, ContributionProgress: 3}

	err := ResumeAfterTimeout(p, true, now)
	require.Error(t, err)

	require.NoError(t, ResumeAfterTimeout(p, false, now))
	assert.Equal(t, ceremony.ParticipantReady, p.Status)
	assert.Equal(t, 3, p.ContributionProgress)
}

func TestCeremonyTimeTriggeredTransitions(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	cer := &ceremony.Ceremony{State: ceremony.CeremonyScheduled, StartDate: start, EndDate: end}

	err := OpenCeremony(cer, start.Add(-time.Minute))
	require.Error(t, err)

	require.NoError(t, OpenCeremony(cer, start))
	assert.Equal(t, ceremony.CeremonyOpened, cer.State)

	err = CloseCeremony(cer, start)
	require.Error(t, err)

	require.NoError(t, CloseCeremony(cer, end))
	assert.Equal(t, ceremony.CeremonyClosed, cer.State)

	require.NoError(t, FinalizeCeremony(cer))
	assert.Equal(t, ceremony.CeremonyFinalized, cer.State)
}
