package api

import (
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MuriData/zk-ceremony-coordinator/internal/ids"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/bootstrap"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/statemachine"
)

// setupCeremony is a multipart request: a "meta" field holding the JSON body
// described by setupCeremonyRequest, plus one or more files per circuit
// named "<circuitId>.zkey", "<circuitId>.wasm", "<circuitId>.r1cs", and
// optionally "<circuitId>.pot" for the genesis artifacts spec.md §4.J step 5
// uploads.
func (s *Server) setupCeremony(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "expected multipart form: %v", err))
		return
	}
	metaFields := form.Value["meta"]
	if len(metaFields) != 1 {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "missing meta field"))
		return
	}

	var req setupCeremonyRequest
	if err := json.Unmarshal([]byte(metaFields[0]), &req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "invalid meta JSON: %v", err))
		return
	}
	startDate, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "invalid startDate: %v", err))
		return
	}
	endDate, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "invalid endDate: %v", err))
		return
	}

	var openFiles []multipart.File
	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()

	circuits := make([]bootstrap.CircuitInput, 0, len(req.Circuits))
	for _, in := range req.Circuits {
		artifacts, opened := openCircuitArtifacts(form, in.CircuitID)
		openFiles = append(openFiles, opened...)
		circuits = append(circuits, bootstrap.CircuitInput{
			CircuitID:              in.CircuitID,
			SequencePosition:       in.SequencePosition,
			Prefix:                 in.Prefix,
			Metadata:               in.Metadata,
			ZKeySizeInBytes:        in.ZKeySizeInBytes,
			FixedTimeWindowSeconds: in.FixedTimeWindowSeconds,
			Verification:           in.Verification,
			Artifacts:              artifacts,
		})
	}

	ceremonyID, err := s.boot.SetupCeremony(c.Request.Context(), bootstrap.CeremonyInput{
		Prefix:                   req.Prefix,
		Title:                    req.Title,
		Description:              req.Description,
		StartDate:                startDate,
		EndDate:                  endDate,
		CoordinatorID:            identityFrom(c).UID,
		TimeoutMechanism:         req.TimeoutMechanism,
		PenaltySeconds:           req.PenaltySeconds,
		DynamicTimeoutMultiplier: req.DynamicTimeoutMultiplier,
	}, circuits)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, setupCeremonyResponse{CeremonyID: ceremonyID})
}

// openCircuitArtifacts opens the multipart files uploaded for circuitID and
// returns them alongside the CircuitArtifacts struct; the caller is
// responsible for closing every returned file once SetupCeremony returns.
func openCircuitArtifacts(form *multipart.Form, circuitID string) (bootstrap.CircuitArtifacts, []multipart.File) {
	var opened []multipart.File
	open := func(name string) multipart.File {
		files := form.File[circuitID+name]
		if len(files) == 0 {
			return nil
		}
		f, err := files[0].Open()
		if err != nil {
			return nil
		}
		opened = append(opened, f)
		return f
	}
	artifacts := bootstrap.CircuitArtifacts{
		GenesisZkey: open(".zkey"),
		Wasm:        open(".wasm"),
		R1CS:        open(".r1cs"),
		Pot:         open(".pot"),
	}
	return artifacts, opened
}

func (s *Server) createBucket(c *gin.Context) {
	var req createBucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	if err := s.blobs.CreateBucket(c.Request.Context(), req.Bucket); err != nil {
		respondError(c, ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "create bucket"))
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) finalizeCircuit(c *gin.Context) {
	ceremonyID, circuitID := c.Param("ceremonyId"), c.Param("circuitId")
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	beacon, err := beaconFrom(req.EntropyBeaconHex)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.final.FinalizeCircuit(c.Request.Context(), ceremonyID, circuitID, beacon); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) finalizeCeremony(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	beacon, err := beaconFrom(req.EntropyBeaconHex)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.final.FinalizeCeremony(c.Request.Context(), ceremonyID, beacon); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// beaconFrom draws fresh entropy via internal/ids.SecureBeacon when the
// caller did not supply one, per SPEC_FULL.md Open Question #2: a
// caller-supplied beacon is accepted (e.g. a public randomness source picked
// by the ceremony's operators) but never silently substituted with a weak
// default.
func beaconFrom(beaconHex string) ([]byte, error) {
	if beaconHex == "" {
		b, err := ids.SecureBeacon(32)
		if err != nil {
			return nil, ceremony.Wrap(ceremony.CodeInternal, err, "draw beacon entropy")
		}
		return b, nil
	}
	return decodeHex(beaconHex)
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ceremony.New(ceremony.CodeInvalidInput, "invalid entropyBeaconHex: %v", err)
	}
	return b, nil
}

func (s *Server) checkAndPrepareCoordinatorForFinalization(c *gin.Context) {
	ready, err := s.final.ReadyToFinalize(c.Request.Context(), c.Param("ceremonyId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, readyToFinalizeResponse{Ready: ready})
}

// checkParticipantForCeremony is the CREATED -> WAITING join (spec.md
// §4.E), handled inline since no existing component wraps a bare join
// outside the Scheduler's admission flow.
func (s *Server) checkParticipantForCeremony(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID

	var result ceremony.Participant
	err := s.store.RunTransaction(c.Request.Context(), func(tx metastore.Tx) error {
		cer, err := tx.GetCeremony(ceremonyID)
		if err != nil {
			return translateNotFound(err, "ceremony %s", ceremonyID)
		}
		p, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			if err != metastore.ErrNotFound {
				return err
			}
			p = &ceremony.Participant{CeremonyID: ceremonyID, UID: uid}
		}
		if p.Status == "" || p.Status == ceremony.ParticipantCreated {
			if err := statemachine.JoinCeremony(cer, p, time.Now()); err != nil {
				return err
			}
		}
		if err := tx.PutParticipant(p); err != nil {
			return err
		}
		result = *p
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinCeremonyResponse{Participant: &result})
}

func (s *Server) progressToNextCircuitForContribution(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	if err := s.sched.Admit(c.Request.Context(), ceremonyID, uid); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// progressToNextContributionStep is the client-driven DOWNLOADING ->
// COMPUTING -> UPLOADING -> VERIFYING step advance (spec.md §4.E), handled
// inline since the Verifier only calls AdvanceContributionStep internally
// for the final VERIFYING -> COMPLETED step.
func (s *Server) progressToNextContributionStep(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	var req progressContributionStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}

	err := s.store.RunTransaction(c.Request.Context(), func(tx metastore.Tx) error {
		p, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			return translateNotFound(err, "participant %s", uid)
		}
		if err := statemachine.AdvanceContributionStep(p, req.Step, time.Now()); err != nil {
			return err
		}
		return tx.PutParticipant(p)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// permanentlyStoreCurrentContributionTimeAndHash records the client-measured
// computation time for the contribution currently in progress. The hash
// itself is not a separate field: it is produced by the Verifier from the
// uploaded zkey and stored on the resulting Contribution, not on
// tempContributionData.
func (s *Server) permanentlyStoreCurrentContributionTimeAndHash(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	var req storeContributionTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}

	err := s.store.RunTransaction(c.Request.Context(), func(tx metastore.Tx) error {
		p, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			return translateNotFound(err, "participant %s", uid)
		}
		if p.Status != ceremony.ParticipantContributing {
			return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is %s, not CONTRIBUTING", uid, p.Status)
		}
		p.TempContributionData.ContributionComputationSeconds = req.ContributionComputationSeconds
		p.LastUpdated = time.Now()
		return tx.PutParticipant(p)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) resumeContributionAfterTimeoutExpiration(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	if err := s.sched.ResumeAfterTimeout(c.Request.Context(), ceremonyID, uid); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) verifyContribution(c *gin.Context) {
	ceremonyID, circuitID := c.Param("ceremonyId"), c.Param("circuitId")
	uid := identityFrom(c).UID
	if err := s.verif.Dispatch(c.Request.Context(), ceremonyID, circuitID, uid); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) generateGetObjectPreSignedUrl(c *gin.Context) {
	bucket, key := c.Query("bucket"), c.Query("objectKey")
	if bucket == "" || key == "" {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "bucket and objectKey query params are required"))
		return
	}
	url, err := s.blobs.SignGetObject(c.Request.Context(), bucket, key, s.cfg.PresignedURLExpiration())
	if err != nil {
		respondError(c, ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "sign get-object url"))
		return
	}
	c.JSON(http.StatusOK, presignedURLResponse{URL: url})
}

func (s *Server) checkIfObjectExist(c *gin.Context) {
	bucket, key := c.Query("bucket"), c.Query("objectKey")
	if bucket == "" || key == "" {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "bucket and objectKey query params are required"))
		return
	}
	exists, err := s.blobs.ObjectExists(c.Request.Context(), bucket, key)
	if err != nil {
		respondError(c, ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "check object existence"))
		return
	}
	c.JSON(http.StatusOK, objectExistsResponse{Exists: exists})
}

func translateNotFound(err error, format string, args ...any) error {
	if err == metastore.ErrNotFound {
		return ceremony.New(ceremony.CodeNotFound, format, args...)
	}
	return err
}
