package bootstrap

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
)

type fakeCompute struct {
	provisioned []int
}

func (f *fakeCompute) Provision(ctx context.Context, diskGB int, image string) (string, error) {
	f.provisioned = append(f.provisioned, diskGB)
	return "instance-1", nil
}
func (f *fakeCompute) RunCommand(ctx context.Context, instanceID, verifyScript string) (string, error) {
	return "", nil
}
func (f *fakeCompute) PollCommand(ctx context.Context, instanceID, commandID string) (compute.CommandStatus, error) {
	return compute.CommandStatus{Done: true}, nil
}
func (f *fakeCompute) Terminate(ctx context.Context, instanceID string) error { return nil }

func validInput() CeremonyInput {
	return CeremonyInput{
		Prefix:        "myceremony",
		Title:         "Test Ceremony",
		CoordinatorID: "coordinator-1",
		StartDate:     time.Now().Add(time.Hour),
		EndDate:       time.Now().Add(48 * time.Hour),
	}
}

func TestSetupCeremonyCreatesBucketAndCircuits(t *testing.T) {
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	b := New(store, blobs, nil, "-ceremony", "")

	circuits := []CircuitInput{
		{
			CircuitID:        "c-a",
			SequencePosition: 1,
			Prefix:           "circuitA",
			Artifacts: CircuitArtifacts{
				GenesisZkey: bytes.NewReader([]byte("genesis")),
				R1CS:        bytes.NewReader([]byte("r1cs")),
				Wasm:        bytes.NewReader([]byte("wasm")),
				Pot:         bytes.NewReader([]byte("pot")),
			},
		},
	}

	ceremonyID, err := b.SetupCeremony(context.Background(), validInput(), circuits)
	require.NoError(t, err)
	require.NotEmpty(t, ceremonyID)

	cer, err := store.GetCeremony(context.Background(), ceremonyID)
	require.NoError(t, err)
	assert.Equal(t, "myceremony-ceremony", cer.BucketName)
	assert.Equal(t, ceremony.CeremonyScheduled, cer.State)

	exists, err := blobs.ObjectExists(context.Background(), cer.BucketName, "circuits/circuitA/contributions/circuitA_"+config.GenesisZkeyIndex+".zkey")
	require.NoError(t, err)
	assert.True(t, exists)

	circuitDocs, err := store.ListCircuits(context.Background(), ceremonyID)
	require.NoError(t, err)
	require.Len(t, circuitDocs, 1)
}

func TestSetupCeremonyRejectsDuplicatePrefix(t *testing.T) {
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	b := New(store, blobs, nil, "-ceremony", "")
	circuits := []CircuitInput{{CircuitID: "c-a", SequencePosition: 1, Prefix: "circuitA"}}

	_, err := b.SetupCeremony(context.Background(), validInput(), circuits)
	require.NoError(t, err)

	_, err = b.SetupCeremony(context.Background(), validInput(), circuits)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodeConflict))
}

func TestSetupCeremonyRejectsNonContiguousSequence(t *testing.T) {
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	b := New(store, blobs, nil, "-ceremony", "")
	circuits := []CircuitInput{
		{CircuitID: "c-a", SequencePosition: 1, Prefix: "circuitA"},
		{CircuitID: "c-b", SequencePosition: 3, Prefix: "circuitB"},
	}

	_, err := b.SetupCeremony(context.Background(), validInput(), circuits)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodeInvalidInput))
}

func TestSetupCeremonyProvisionsVMForVMCircuits(t *testing.T) {
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	provider := &fakeCompute{}
	b := New(store, blobs, provider, "-ceremony", "verifier:latest")

	circuits := []CircuitInput{
		{
			CircuitID:        "c-a",
			SequencePosition: 1,
			Prefix:           "circuitA",
			ZKeySizeInBytes:  1 << 30,
			Metadata:         ceremony.CircuitMetadata{PowersOfTau: 10},
			Verification:     ceremony.CircuitVerification{Mechanism: ceremony.VerificationVM},
		},
	}

	ceremonyID, err := b.SetupCeremony(context.Background(), validInput(), circuits)
	require.NoError(t, err)
	require.Len(t, provider.provisioned, 1)
	assert.Greater(t, provider.provisioned[0], config.ComputeDiskOverheadGB)

	circuitDocs, err := store.ListCircuits(context.Background(), ceremonyID)
	require.NoError(t, err)
	require.Len(t, circuitDocs, 1)
	assert.Equal(t, "instance-1", circuitDocs[0].Verification.VMInstance)
}

func TestSetupCeremonyRejectsVMWithoutComputeProvider(t *testing.T) {
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	b := New(store, blobs, nil, "-ceremony", "")
	circuits := []CircuitInput{
		{CircuitID: "c-a", SequencePosition: 1, Prefix: "circuitA", Verification: ceremony.CircuitVerification{Mechanism: ceremony.VerificationVM}},
	}

	_, err := b.SetupCeremony(context.Background(), validInput(), circuits)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))
}
