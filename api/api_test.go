package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/bootstrap"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/finalizer"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/scheduler"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/upload"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/verifier"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/zkengine"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	store := metastore.NewMemStore()
	blobs := blobstore.NewMemBlobStore()
	cfg := &config.Config{
		HTTPAddr:                        ":0",
		CoordinatorAPIKey:               "test-key",
		PresignedURLExpirationInSeconds: 900,
	}
	boot := bootstrap.New(store, blobs, nil, "-ceremony", "")
	sched := scheduler.New(store, zerolog.Nop())
	verif := verifier.New(store, blobs, &zkengine.Fake{}, nil, sched, time.Minute)
	final := finalizer.New(store, blobs, &zkengine.Fake{}, nil, zerolog.Nop())
	uploads := upload.New(store, blobs, time.Minute)

	return NewServer(cfg, zerolog.Nop(), store, blobs, boot, sched, verif, final, uploads, nil)
}

func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityMiddlewareRejectsMissingUID(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc/ceremonies/c1/progressToNextCircuitForContribution", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCoordinatorOnlyRouteRejectsParticipant(t *testing.T) {
	s := setupTestServer(t)

	body, _ := json.Marshal(createBucketRequest{Bucket: "some-bucket"})
	req := httptest.NewRequest(http.MethodPost, "/rpc/createBucket", bytes.NewReader(body))
	req.Header.Set("X-Participant-UID", "alice")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateBucketAsCoordinator(t *testing.T) {
	s := setupTestServer(t)

	body, _ := json.Marshal(createBucketRequest{Bucket: "some-bucket"})
	req := httptest.NewRequest(http.MethodPost, "/rpc/createBucket", bytes.NewReader(body))
	req.Header.Set("X-Participant-UID", "coordinator-1")
	req.Header.Set("X-Coordinator-Key", "test-key")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
}

func TestCheckParticipantForCeremonyRejectsUnknownCeremony(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc/ceremonies/missing/checkParticipantForCeremony", nil)
	req.Header.Set("X-Participant-UID", "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestCheckIfObjectExistRequiresQueryParams(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/rpc/ceremonies/c1/checkIfObjectExist", nil)
	req.Header.Set("X-Participant-UID", "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckIfObjectExist(t *testing.T) {
	s := setupTestServer(t)
	require.NoError(t, s.blobs.CreateBucket(context.Background(), "bucket"))

	req := httptest.NewRequest(http.MethodGet, "/rpc/ceremonies/c1/checkIfObjectExist?bucket=bucket&objectKey=missing.zkey", nil)
	req.Header.Set("X-Participant-UID", "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp objectExistsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Exists)
}
