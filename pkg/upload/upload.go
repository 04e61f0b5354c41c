// Package upload implements the resumable multi-part upload protocol a
// current contributor uses to deliver its new zkey (spec.md §4.G). Every
// call re-validates the full precondition set against the state machine
// before touching BlobStore, so a client racing its own timeout can never
// smuggle a write through.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
)

type Coordinator struct {
	store  metastore.MetaStore
	blobs  blobstore.BlobStore
	urlTTL time.Duration
}

func New(store metastore.MetaStore, blobs blobstore.BlobStore, urlTTL time.Duration) *Coordinator {
	return &Coordinator{store: store, blobs: blobs, urlTTL: urlTTL}
}

// ObjectKey returns the expected upload path for the next contribution of
// circuit, per spec.md §4.G / §6.
func ObjectKey(circuitPrefix string, nextZkeyIndex string) string {
	return fmt.Sprintf("circuits/%s/contributions/%s_%s.zkey", circuitPrefix, circuitPrefix, nextZkeyIndex)
}

// checkPreconditions validates the (ceremony, circuit, zkeyIndex,
// participant) tuple spec.md §4.G requires on every UploadCoordinator call.
// It returns the matched circuit for convenience.
func checkPreconditions(cer *ceremony.Ceremony, circuits []*ceremony.Circuit, p *ceremony.Participant, bucket, objectKey string) (*ceremony.Circuit, error) {
	if p.Status != ceremony.ParticipantContributing || p.ContributionStep != ceremony.StepUploading {
		return nil, ceremony.New(ceremony.CodePreconditionFailed, "participant %s is not UPLOADING", p.UID)
	}
	if bucket != cer.BucketName {
		return nil, ceremony.New(ceremony.CodePreconditionFailed, "bucket %s does not match ceremony bucket %s", bucket, cer.BucketName)
	}
	var circuit *ceremony.Circuit
	for _, c := range circuits {
		if c.SequencePosition == p.ContributionProgress+1 {
			circuit = c
			break
		}
	}
	if circuit == nil {
		return nil, ceremony.New(ceremony.CodePreconditionFailed, "no circuit at sequencePosition %d", p.ContributionProgress+1)
	}
	nextIdx := ceremony.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions + 1)
	expected := ObjectKey(circuit.Prefix, nextIdx)
	if objectKey != expected {
		return nil, ceremony.New(ceremony.CodePreconditionFailed, "objectKey %s does not match expected %s", objectKey, expected)
	}
	return circuit, nil
}

// OpenUpload is idempotent per spec.md §8: re-opening with the same
// (ceremony, participant) while still UPLOADING returns the same uploadId.
func (c *Coordinator) OpenUpload(ctx context.Context, ceremonyID, uid, bucket, objectKey string) (string, error) {
	var uploadID string
	err := c.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		cer, p, circuits, err := load(tx, ceremonyID, uid)
		if err != nil {
			return err
		}
		if _, err := checkPreconditions(cer, circuits, p, bucket, objectKey); err != nil {
			return err
		}
		if p.TempContributionData.UploadID != "" {
			uploadID = p.TempContributionData.UploadID
			return nil
		}
		id, err := c.blobs.CreateMultipartUpload(ctx, bucket, objectKey)
		if err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "open multipart upload")
		}
		uploadID = id
		p.TempContributionData.UploadID = id
		p.TempContributionData.Chunks = nil
		p.LastUpdated = time.Now()
		return tx.PutParticipant(p)
	})
	return uploadID, err
}

// SignParts returns a pre-signed PUT URL per part, each valid for the
// configured TTL (spec.md §4.G step 2).
func (c *Coordinator) SignParts(ctx context.Context, ceremonyID, uid, bucket, objectKey, uploadID string, numParts int) ([]string, error) {
	var urls []string
	err := c.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		cer, p, circuits, err := load(tx, ceremonyID, uid)
		if err != nil {
			return err
		}
		if _, err := checkPreconditions(cer, circuits, p, bucket, objectKey); err != nil {
			return err
		}
		if p.TempContributionData.UploadID != uploadID {
			return ceremony.New(ceremony.CodePreconditionFailed, "uploadId %s does not match participant's active upload", uploadID)
		}
		signed, err := c.blobs.SignUploadParts(ctx, bucket, objectKey, uploadID, numParts, c.urlTTL)
		if err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "sign upload parts")
		}
		urls = signed
		return nil
	})
	return urls, err
}

// StoreChunk records a completed part's ETag. Re-submitting the same
// (partNumber, eTag) is a no-op, per spec.md §8.
func (c *Coordinator) StoreChunk(ctx context.Context, ceremonyID, uid string, chunk ceremony.UploadChunk) error {
	return c.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		p, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			return translateNotFound(err, "participant %s", uid)
		}
		if p.Status != ceremony.ParticipantContributing || p.ContributionStep != ceremony.StepUploading {
			return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is not UPLOADING", p.UID)
		}
		for i, existing := range p.TempContributionData.Chunks {
			if existing.PartNumber == chunk.PartNumber {
				p.TempContributionData.Chunks[i] = chunk
				p.LastUpdated = time.Now()
				return tx.PutParticipant(p)
			}
		}
		p.TempContributionData.Chunks = append(p.TempContributionData.Chunks, chunk)
		p.LastUpdated = time.Now()
		return tx.PutParticipant(p)
	})
}

// CompleteUpload finalizes the multi-part upload, clears the uploadId and
// chunks from tempContributionData (keeping ContributionComputationSeconds
// for the Verifier), and advances the participant's step to VERIFYING
// (spec.md §4.G step 4).
func (c *Coordinator) CompleteUpload(ctx context.Context, ceremonyID, uid, bucket, objectKey, uploadID string) (string, error) {
	var location string
	err := c.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		cer, p, circuits, err := load(tx, ceremonyID, uid)
		if err != nil {
			return err
		}
		if _, err := checkPreconditions(cer, circuits, p, bucket, objectKey); err != nil {
			return err
		}
		if p.TempContributionData.UploadID != uploadID {
			return ceremony.New(ceremony.CodePreconditionFailed, "uploadId %s does not match participant's active upload", uploadID)
		}
		parts := make([]blobstore.CompletedPart, len(p.TempContributionData.Chunks))
		for i, ch := range p.TempContributionData.Chunks {
			parts[i] = blobstore.CompletedPart{PartNumber: ch.PartNumber, ETag: ch.ETag}
		}
		loc, err := c.blobs.CompleteMultipartUpload(ctx, bucket, objectKey, uploadID, parts)
		if err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "complete multipart upload")
		}
		location = loc
		p.TempContributionData = ceremony.TempContributionData{
			ContributionComputationSeconds: p.TempContributionData.ContributionComputationSeconds,
		}
		p.ContributionStep = ceremony.StepVerifying
		p.VerificationStartedAt = time.Now()
		p.LastUpdated = time.Now()
		return tx.PutParticipant(p)
	})
	return location, err
}

// DefaultChunkSizeBytes returns config.DefaultStreamChunkSizeMB in bytes.
func DefaultChunkSizeBytes() int64 {
	return int64(config.DefaultStreamChunkSizeMB) * 1024 * 1024
}

func load(tx metastore.Tx, ceremonyID, uid string) (*ceremony.Ceremony, *ceremony.Participant, []*ceremony.Circuit, error) {
	cer, err := tx.GetCeremony(ceremonyID)
	if err != nil {
		return nil, nil, nil, translateNotFound(err, "ceremony %s", ceremonyID)
	}
	p, err := tx.GetParticipant(ceremonyID, uid)
	if err != nil {
		return nil, nil, nil, translateNotFound(err, "participant %s", uid)
	}
	circuits, err := tx.ListCircuits(ceremonyID)
	if err != nil {
		return nil, nil, nil, err
	}
	return cer, p, circuits, nil
}

func translateNotFound(err error, format string, args ...any) error {
	if err == metastore.ErrNotFound {
		return ceremony.New(ceremony.CodeNotFound, format, args...)
	}
	return err
}
