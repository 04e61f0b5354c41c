package finalizer

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/zkengine"
)

func seedClosed(t *testing.T, withContribution bool) (metastore.MetaStore, *blobstore.MemBlobStore) {
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
		if err := tx.PutCeremony(&ceremony.Ceremony{CeremonyID: "c1", State: ceremony.CeremonyClosed, BucketName: "ceremony-bucket"}); err != nil {
			return err
		}
		circuit := &ceremony.Circuit{
			CeremonyID:       "c1",
			CircuitID:        "circuitA",
			SequencePosition: 1,
			Prefix:           "circuitA",
		}
		if withContribution {
			circuit.WaitingQueue.CompletedContributions = 1
		}
		if err := tx.PutCircuit(circuit); err != nil {
			return err
		}
		if !withContribution {
			return nil
		}
		return tx.PutContribution(&ceremony.Contribution{
			CeremonyID:     "c1",
			CircuitID:      "circuitA",
			ContributionID: ceremony.FormatZkeyIndex(1),
			ZkeyIndex:      ceremony.FormatZkeyIndex(1),
			Valid:          true,
			Files:          ceremony.ContributionFiles{LastZkeyStoragePath: "circuits/circuitA/contributions/circuitA_" + ceremony.FormatZkeyIndex(1) + ".zkey"},
		})
	}))
	return store, blobs
}

func TestReadyToFinalizeRequiresEveryCircuitVerified(t *testing.T) {
	store, _ := seedClosed(t, false)
	f := New(store, blobstore.NewMemBlobStore(), &zkengine.Fake{}, nil, zerolog.Nop())

	ready, err := f.ReadyToFinalize(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestFinalizeCeremonySealsAndExportsPerCircuit(t *testing.T) {
	store, blobs := seedClosed(t, true)
	f := New(store, blobs, &zkengine.Fake{}, nil, zerolog.Nop())
	ctx := context.Background()

	ready, err := f.ReadyToFinalize(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ready)

	require.NoError(t, f.FinalizeCeremony(ctx, "c1", []byte("entropy")))

	cer, err := store.GetCeremony(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ceremony.CeremonyFinalized, cer.State)

	contribs, err := store.ListContributions(ctx, "c1", "circuitA")
	require.NoError(t, err)
	var final *ceremony.Contribution
	for _, c := range contribs {
		if c.ZkeyIndex == config.FinalZkeyIndex {
			final = c
		}
	}
	require.NotNil(t, final)
	assert.True(t, final.Valid)
	assert.NotEmpty(t, final.Files.VerificationKeyStoragePath)
	assert.NotEmpty(t, final.Files.VerifierContractStoragePath)

	_, err = blobs.GetObject(ctx, "ceremony-bucket", final.Files.VerificationKeyStoragePath)
	require.NoError(t, err)
}

func TestFinalizeCeremonyRejectsInvalidFinalZkey(t *testing.T) {
	store, blobs := seedClosed(t, true)
	fake := &zkengine.Fake{BeaconValid: func([][]byte) bool { return false }}
	f := New(store, blobs, fake, nil, zerolog.Nop())
	ctx := context.Background()

	err := f.FinalizeCeremony(ctx, "c1", []byte("entropy"))
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodeInvalidInput))

	cer, err := store.GetCeremony(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ceremony.CeremonyClosed, cer.State)

	contribs, err := store.ListContributions(ctx, "c1", "circuitA")
	require.NoError(t, err)
	for _, c := range contribs {
		assert.NotEqual(t, config.FinalZkeyIndex, c.ZkeyIndex)
	}
}

func TestFinalizeCeremonyRejectsNotClosed(t *testing.T) {
	store, blobs := seedClosed(t, true)
	require.NoError(t, store.RunTransaction(context.Background(), func(tx metastore.Tx) error {
		c, err := tx.GetCeremony("c1")
		if err != nil {
			return err
		}
		c.State = ceremony.CeremonyOpened
		return tx.PutCeremony(c)
	}))
	f := New(store, blobs, &zkengine.Fake{}, nil, zerolog.Nop())

	err := f.FinalizeCeremony(context.Background(), "c1", []byte("entropy"))
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))
}
