package verifier

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/compute"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/zkengine"
)

type spyBaton struct {
	calls []struct {
		circuitID, uid string
		valid          bool
	}
}

func (s *spyBaton) HandBaton(ctx context.Context, ceremonyID, circuitID, leavingUID string, valid bool) error {
	s.calls = append(s.calls, struct {
		circuitID, uid string
		valid          bool
	}{circuitID, leavingUID, valid})
	return nil
}

func seedCF(t *testing.T, mechanism ceremony.VerificationMechanism) (metastore.MetaStore, *blobstore.MemBlobStore) {
	t.Helper()
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	ctx := context.Background()

	require.NoError(t, blobs.CreateBucket(ctx, "ceremony-bucket"))
	require.NoError(t, blobs.PutObject(ctx, "ceremony-bucket", "circuits/circuitA/circuitA.r1cs", bytes.NewReader([]byte("r1cs"))))
	require.NoError(t, blobs.PutObject(ctx, "ceremony-bucket", "pot/pot00.ptau", bytes.NewReader([]byte("pot"))))
	require.NoError(t, blobs.PutObject(ctx, "ceremony-bucket", "circuits/circuitA/contributions/circuitA_"+config.GenesisZkeyIndex+".zkey", bytes.NewReader([]byte("genesis"))))
	require.NoError(t, blobs.PutObject(ctx, "ceremony-bucket", "circuits/circuitA/contributions/circuitA_"+ceremony.FormatZkeyIndex(1)+".zkey", bytes.NewReader([]byte("contribution-1"))))

	require.NoError(t, store.RunTransaction(ctx, func(tx metastore.Tx) error {
		if err := tx.PutCeremony(&ceremony.Ceremony{CeremonyID: "c1", State: ceremony.CeremonyOpened, BucketName: "ceremony-bucket"}); err != nil {
			return err
		}
		if err := tx.PutCircuit(&ceremony.Circuit{
			CeremonyID:       "c1",
			CircuitID:        "circuitA",
			SequencePosition: 1,
			Prefix:           "circuitA",
			Verification:     ceremony.CircuitVerification{Mechanism: mechanism, VMInstance: "instance-1"},
		}); err != nil {
			return err
		}
		return tx.PutParticipant(&ceremony.Participant{
			CeremonyID:            "c1",
			UID:                   "alice",
			Status:                ceremony.ParticipantContributing,
			ContributionStep:      ceremony.StepVerifying,
			ContributionProgress:  0,
			ContributionStartedAt: time.Now().Add(-time.Minute),
			VerificationStartedAt: time.Now(),
			TempContributionData:  ceremony.TempContributionData{ContributionComputationSeconds: 12.5},
		})
	}))
	return store, blobs
}

func TestDispatchCFRecordsValidContribution(t *testing.T) {
	store, blobs := seedCF(t, ceremony.VerificationCF)
	sched := &spyBaton{}
	v := New(store, blobs, &zkengine.Fake{}, nil, sched, time.Minute)

	err := v.Dispatch(context.Background(), "c1", "circuitA", "alice")
	require.NoError(t, err)

	contribs, err := store.ListContributions(context.Background(), "c1", "circuitA")
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.True(t, contribs[0].Valid)
	assert.NotEmpty(t, contribs[0].Files.LastZkeyBlake2bHash)
	assert.NotEmpty(t, contribs[0].Files.TranscriptBlake2bHash)

	alice, err := store.GetParticipant(context.Background(), "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ceremony.ParticipantDone, alice.Status)
	assert.Contains(t, alice.Contributions, contribs[0].ContributionID)

	require.Len(t, sched.calls, 1)
	assert.True(t, sched.calls[0].valid)
	assert.Equal(t, "alice", sched.calls[0].uid)

	circuit, err := store.GetCircuit(context.Background(), "c1", "circuitA")
	require.NoError(t, err)
	assert.Equal(t, 12.5, circuit.AvgTimings.ContributionComputationSeconds)
	assert.Greater(t, circuit.AvgTimings.FullContributionSeconds, 0.0)
	assert.Greater(t, circuit.AvgTimings.VerifyCloudFunctionSeconds, 0.0)
}

// S4 — an invalid contribution is recorded but does not advance the circuit's
// running average; HandBaton is still invoked, with valid=false.
func TestDispatchCFRecordsInvalidContribution(t *testing.T) {
	store, blobs := seedCF(t, ceremony.VerificationCF)
	sched := &spyBaton{}
	fake := &zkengine.Fake{IsValid: func([][]byte) bool { return false }}
	v := New(store, blobs, fake, nil, sched, time.Minute)

	err := v.Dispatch(context.Background(), "c1", "circuitA", "alice")
	require.NoError(t, err)

	contribs, err := store.ListContributions(context.Background(), "c1", "circuitA")
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.False(t, contribs[0].Valid)

	circuit, err := store.GetCircuit(context.Background(), "c1", "circuitA")
	require.NoError(t, err)
	assert.Zero(t, circuit.AvgTimings.VerifyCloudFunctionSeconds)

	require.Len(t, sched.calls, 1)
	assert.False(t, sched.calls[0].valid)
}

type fakeCompute struct {
	status compute.CommandStatus
}

func (f *fakeCompute) Provision(ctx context.Context, diskGB int, image string) (string, error) {
	return "instance-1", nil
}

func (f *fakeCompute) RunCommand(ctx context.Context, instanceID, verifyScript string) (string, error) {
	return "cmd-1", nil
}

func (f *fakeCompute) PollCommand(ctx context.Context, instanceID, commandID string) (compute.CommandStatus, error) {
	return f.status, nil
}

func (f *fakeCompute) Terminate(ctx context.Context, instanceID string) error { return nil }

func TestDispatchVMUsesRemoteExitCode(t *testing.T) {
	store, blobs := seedCF(t, ceremony.VerificationVM)
	sched := &spyBaton{}
	provider := &fakeCompute{status: compute.CommandStatus{Done: true, ExitCode: 0, Stdout: "ok\n"}}
	v := New(store, blobs, &zkengine.Fake{}, provider, sched, time.Minute)

	err := v.Dispatch(context.Background(), "c1", "circuitA", "alice")
	require.NoError(t, err)

	contribs, err := store.ListContributions(context.Background(), "c1", "circuitA")
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.True(t, contribs[0].Valid)
	require.Len(t, sched.calls, 1)
	assert.True(t, sched.calls[0].valid)
}

func TestDispatchVMNonZeroExitIsInvalid(t *testing.T) {
	store, blobs := seedCF(t, ceremony.VerificationVM)
	sched := &spyBaton{}
	provider := &fakeCompute{status: compute.CommandStatus{Done: true, ExitCode: 1, Stderr: "mismatch\n"}}
	v := New(store, blobs, &zkengine.Fake{}, provider, sched, time.Minute)

	err := v.Dispatch(context.Background(), "c1", "circuitA", "alice")
	require.NoError(t, err)

	contribs, err := store.ListContributions(context.Background(), "c1", "circuitA")
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.False(t, contribs[0].Valid)
	require.Len(t, sched.calls, 1)
	assert.False(t, sched.calls[0].valid)
}

func TestDispatchRejectsParticipantNotVerifying(t *testing.T) {
	store, blobs := seedCF(t, ceremony.VerificationCF)
	require.NoError(t, store.RunTransaction(context.Background(), func(tx metastore.Tx) error {
		p, err := tx.GetParticipant("c1", "alice")
		if err != nil {
			return err
		}
		p.ContributionStep = ceremony.StepUploading
		return tx.PutParticipant(p)
	}))
	v := New(store, blobs, &zkengine.Fake{}, nil, &spyBaton{}, time.Minute)

	err := v.Dispatch(context.Background(), "c1", "circuitA", "alice")
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))
}
