package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemBlobStore is an in-memory BlobStore for tests and local dev, mirroring
// the shape of S3Store without any network dependency.
type MemBlobStore struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	parts   map[string]map[int][]byte // uploadID -> partNumber -> data
	keyOf   map[string]string         // uploadID -> bucket/key
}

func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{
		buckets: make(map[string]bool),
		objects: make(map[string][]byte),
		parts:   make(map[string]map[int][]byte),
		keyOf:   make(map[string]string),
	}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (m *MemBlobStore) CreateBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = true
	return nil
}

func (m *MemBlobStore) PutObject(ctx context.Context, bucket, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objKey(bucket, key)] = data
	return nil
}

func (m *MemBlobStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("blobstore: object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemBlobStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objKey(bucket, key)]
	return ok, nil
}

func (m *MemBlobStore) SignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("mem://%s/%s?expires=%d", bucket, key, time.Now().Add(ttl).Unix()), nil
}

func (m *MemBlobStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[id] = make(map[int][]byte)
	m.keyOf[id] = objKey(bucket, key)
	return id, nil
}

func (m *MemBlobStore) SignUploadParts(ctx context.Context, bucket, key, uploadID string, numParts int, ttl time.Duration) ([]string, error) {
	urls := make([]string, numParts)
	for i := range urls {
		urls[i] = fmt.Sprintf("mem://%s/%s?uploadId=%s&part=%d", bucket, key, uploadID, i+1)
	}
	return urls, nil
}

func (m *MemBlobStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.parts[uploadID]
	if !ok {
		return "", fmt.Errorf("blobstore: unknown uploadId %s", uploadID)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := stored[p.PartNumber]
		if !ok {
			return "", fmt.Errorf("blobstore: part %d not staged for upload %s", p.PartNumber, uploadID)
		}
		buf.Write(data)
	}
	m.objects[objKey(bucket, key)] = buf.Bytes()
	delete(m.parts, uploadID)
	delete(m.keyOf, uploadID)
	return objKey(bucket, key), nil
}

// StagePart is a test helper simulating a client PUT to a pre-signed URL: it
// writes the part's bytes directly, as if the client had stored it in S3.
func (m *MemBlobStore) StagePart(uploadID string, partNumber int, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[uploadID][partNumber] = data
	return fmt.Sprintf("etag-%s-%d", uploadID, partNumber)
}
