package upload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
)

func seed(t *testing.T) (metastore.MetaStore, *blobstore.MemBlobStore) {
	t.Helper()
	store := metastore.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.RunTransaction(ctx, func(tx metastore.Tx) error {
		if err := tx.PutCeremony(&ceremony.Ceremony{CeremonyID: "c1", State: ceremony.CeremonyOpened, BucketName: "ceremony-bucket"}); err != nil {
			return err
		}
		if err := tx.PutCircuit(&ceremony.Circuit{CeremonyID: "c1", CircuitID: "circuitA", SequencePosition: 1, Prefix: "circuit_small"}); err != nil {
			return err
		}
		return tx.PutParticipant(&ceremony.Participant{
			CeremonyID:           "c1",
			UID:                  "alice",
			Status:               ceremony.ParticipantContributing,
			ContributionStep:     ceremony.StepUploading,
			ContributionProgress: 0,
		})
	}))
	return store, blobstore.NewMemBlobStore()
}

func TestUploadRejectsWrongObjectKey(t *testing.T) {
	store, blobs := seed(t)
	coord := New(store, blobs, time.Hour)

	_, err := coord.OpenUpload(context.Background(), "c1", "alice", "ceremony-bucket", "wrong/key.zkey")
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))
}

func TestUploadRejectsWrongBucket(t *testing.T) {
	store, blobs := seed(t)
	coord := New(store, blobs, time.Hour)
	key := ObjectKey("circuit_small", ceremony.FormatZkeyIndex(1))

	_, err := coord.OpenUpload(context.Background(), "c1", "alice", "wrong-bucket", key)
	require.Error(t, err)
	assert.True(t, ceremony.Is(err, ceremony.CodePreconditionFailed))
}

// S5 — resumable upload: client uploads 3 of 5 chunks, crashes, reopens and
// finds the same uploadId plus the three already-stored chunks, then
// completes with parts 4 and 5.
func TestResumableUploadAcrossReopen(t *testing.T) {
	store, blobs := seed(t)
	coord := New(store, blobs, time.Hour)
	ctx := context.Background()
	key := ObjectKey("circuit_small", ceremony.FormatZkeyIndex(1))

	uploadID, err := coord.OpenUpload(ctx, "c1", "alice", "ceremony-bucket", key)
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	urls, err := coord.SignParts(ctx, "c1", "alice", "ceremony-bucket", key, uploadID, 5)
	require.NoError(t, err)
	assert.Len(t, urls, 5)

	for i := 1; i <= 3; i++ {
		etag := blobs.StagePart(uploadID, i, []byte{byte(i)})
		require.NoError(t, coord.StoreChunk(ctx, "c1", "alice", ceremony.UploadChunk{PartNumber: i, ETag: etag}))
	}

	// Simulate a crash-and-reopen: OpenUpload must return the same uploadId.
	reopenedID, err := coord.OpenUpload(ctx, "c1", "alice", "ceremony-bucket", key)
	require.NoError(t, err)
	assert.Equal(t, uploadID, reopenedID)

	alice, err := store.GetParticipant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Len(t, alice.TempContributionData.Chunks, 3)

	for i := 4; i <= 5; i++ {
		etag := blobs.StagePart(uploadID, i, []byte{byte(i)})
		require.NoError(t, coord.StoreChunk(ctx, "c1", "alice", ceremony.UploadChunk{PartNumber: i, ETag: etag}))
	}

	location, err := coord.CompleteUpload(ctx, "c1", "alice", "ceremony-bucket", key, uploadID)
	require.NoError(t, err)
	assert.NotEmpty(t, location)

	alice, err = store.GetParticipant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ceremony.StepVerifying, alice.ContributionStep)
	assert.Empty(t, alice.TempContributionData.UploadID)
}

func TestStoreChunkResubmitIsNoOp(t *testing.T) {
	store, blobs := seed(t)
	coord := New(store, blobs, time.Hour)
	ctx := context.Background()
	key := ObjectKey("circuit_small", ceremony.FormatZkeyIndex(1))

	uploadID, err := coord.OpenUpload(ctx, "c1", "alice", "ceremony-bucket", key)
	require.NoError(t, err)

	etag := blobs.StagePart(uploadID, 1, []byte{1})
	require.NoError(t, coord.StoreChunk(ctx, "c1", "alice", ceremony.UploadChunk{PartNumber: 1, ETag: etag}))
	require.NoError(t, coord.StoreChunk(ctx, "c1", "alice", ceremony.UploadChunk{PartNumber: 1, ETag: etag}))

	alice, err := store.GetParticipant(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Len(t, alice.TempContributionData.Chunks, 1)
}
