// Package blobstore abstracts the object storage the ceremony's artifacts
// live in (spec.md §2.B / §6). The production implementation is S3-backed
// via aws-sdk-go-v2, the way the rest of the example pack's storage-layer
// code reaches for the official SDK rather than a hand-rolled HTTP client.
package blobstore

import (
	"context"
	"io"
	"time"
)

// CompletedPart is one finished part of a multi-part upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// BlobStore is the storage abstraction every component depends on instead
// of an SDK client directly, so CF/VM verification, upload, and setup code
// stays testable against an in-memory fake.
type BlobStore interface {
	// CreateBucket provisions ceremony storage with the CORS policy
	// spec.md §4.J requires (GET/PUT allowed, ETag and Content-Length
	// exposed) and public-access block disabled so signed reads work.
	CreateBucket(ctx context.Context, bucket string) error

	// PutObject uploads a small object in one call (genesis zkeys, .ptau,
	// .wasm, .r1cs, vkey.json, verifier.sol — spec.md §4.J / §4.I).
	PutObject(ctx context.Context, bucket, key string, body io.Reader) error

	// GetObject downloads an object in full, used by the Verifier to stage
	// inputs for ZKeyEngine (spec.md §4.H step 2).
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// ObjectExists backs checkIfObjectExist (spec.md §6).
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// SignGetObject backs generateGetObjectPreSignedUrl (spec.md §6).
	SignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// CreateMultipartUpload backs openMultiPartUpload (spec.md §4.G step 1).
	CreateMultipartUpload(ctx context.Context, bucket, key string) (uploadID string, err error)

	// SignUploadParts backs generatePreSignedUrlsParts (spec.md §4.G step 2).
	SignUploadParts(ctx context.Context, bucket, key, uploadID string, numParts int, ttl time.Duration) ([]string, error)

	// CompleteMultipartUpload backs completeMultiPartUpload (spec.md §4.G
	// step 4) and returns the resulting object location.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (location string, err error)
}
