package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

func (s *Server) openMultiPartUpload(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	var req openUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	uploadID, err := s.uploads.OpenUpload(c.Request.Context(), ceremonyID, uid, req.Bucket, req.ObjectKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, openUploadResponse{UploadID: uploadID})
}

func (s *Server) generatePreSignedUrlsParts(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	var req signPartsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	urls, err := s.uploads.SignParts(c.Request.Context(), ceremonyID, uid, req.Bucket, req.ObjectKey, req.UploadID, req.NumParts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, signPartsResponse{URLs: urls})
}

func (s *Server) completeMultiPartUpload(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	var req completeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	location, err := s.uploads.CompleteUpload(c.Request.Context(), ceremonyID, uid, req.Bucket, req.ObjectKey, req.UploadID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, completeUploadResponse{Location: location})
}

// temporaryStoreCurrentContributionMultiPartUploadId is a no-op beyond what
// openMultiPartUpload already did: Coordinator.OpenUpload persists the
// uploadId onto tempContributionData as part of opening the upload (spec.md
// §4.G step 1), so there is nothing left to separately persist here. The
// route exists to give the RPC named in spec.md §6 a response, for clients
// built against that RPC list directly.
func (s *Server) temporaryStoreCurrentContributionMultiPartUploadId(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	p, err := s.loadParticipant(c, ceremonyID, uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, openUploadResponse{UploadID: p.TempContributionData.UploadID})
}

func (s *Server) temporaryStoreCurrentContributionUploadedChunkData(c *gin.Context) {
	ceremonyID := c.Param("ceremonyId")
	uid := identityFrom(c).UID
	var req storeChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ceremony.New(ceremony.CodeInvalidInput, "%v", err))
		return
	}
	chunk := ceremony.UploadChunk{PartNumber: req.PartNumber, ETag: req.ETag}
	if err := s.uploads.StoreChunk(c.Request.Context(), ceremonyID, uid, chunk); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) loadParticipant(c *gin.Context, ceremonyID, uid string) (*ceremony.Participant, error) {
	p, err := s.store.GetParticipant(c.Request.Context(), ceremonyID, uid)
	if err != nil {
		return nil, translateNotFound(err, "participant %s", uid)
	}
	return p, nil
}
