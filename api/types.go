package api

import "github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"

// ErrorResponse is the JSON body returned for every taxonomy error
// (spec.md §7): Code is one of the stable identifiers in pkg/ceremony, so
// clients can branch on it without parsing Message.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ==================== Setup ====================

type circuitInputDTO struct {
	CircuitID              string                       `json:"circuitId" binding:"required"`
	SequencePosition       int                          `json:"sequencePosition" binding:"required"`
	Prefix                 string                       `json:"prefix" binding:"required"`
	Metadata               ceremony.CircuitMetadata     `json:"metadata"`
	ZKeySizeInBytes        int64                        `json:"zKeySizeInBytes"`
	FixedTimeWindowSeconds int                          `json:"fixedTimeWindowSeconds"`
	Verification           ceremony.CircuitVerification `json:"verification"`
}

type setupCeremonyRequest struct {
	Prefix                   string                    `json:"prefix" binding:"required"`
	Title                    string                    `json:"title"`
	Description              string                    `json:"description"`
	StartDate                string                    `json:"startDate" binding:"required"`
	EndDate                  string                    `json:"endDate" binding:"required"`
	TimeoutMechanism         ceremony.TimeoutMechanism `json:"timeoutMechanism"`
	PenaltySeconds           int                       `json:"penaltySeconds"`
	DynamicTimeoutMultiplier float64                   `json:"dynamicTimeoutMultiplier"`
	Circuits                 []circuitInputDTO         `json:"circuits" binding:"required,min=1"`
}

type setupCeremonyResponse struct {
	CeremonyID string `json:"ceremonyId"`
}

type createBucketRequest struct {
	Bucket string `json:"bucket" binding:"required"`
}

// ==================== Finalization ====================

type finalizeRequest struct {
	// EntropyBeaconHex, when empty, draws fresh entropy via
	// internal/ids.SecureBeacon rather than trusting a caller-supplied
	// value (SPEC_FULL.md Open Question #2).
	EntropyBeaconHex string `json:"entropyBeaconHex,omitempty"`
}

type readyToFinalizeResponse struct {
	Ready bool `json:"ready"`
}

// ==================== Participation ====================

type joinCeremonyResponse struct {
	Participant *ceremony.Participant `json:"participant"`
}

type progressContributionStepRequest struct {
	Step ceremony.ContributionStep `json:"step" binding:"required"`
}

type storeContributionTimeRequest struct {
	ContributionComputationSeconds float64 `json:"contributionComputationSeconds" binding:"required"`
}

// ==================== Upload ====================

type openUploadRequest struct {
	Bucket    string `json:"bucket" binding:"required"`
	ObjectKey string `json:"objectKey" binding:"required"`
}

type openUploadResponse struct {
	UploadID string `json:"uploadId"`
}

type signPartsRequest struct {
	Bucket    string `json:"bucket" binding:"required"`
	ObjectKey string `json:"objectKey" binding:"required"`
	UploadID  string `json:"uploadId" binding:"required"`
	NumParts  int    `json:"numParts" binding:"required,min=1"`
}

type signPartsResponse struct {
	URLs []string `json:"urls"`
}

type storeChunkRequest struct {
	PartNumber int    `json:"partNumber" binding:"required"`
	ETag       string `json:"eTag" binding:"required"`
}

type completeUploadRequest struct {
	Bucket    string `json:"bucket" binding:"required"`
	ObjectKey string `json:"objectKey" binding:"required"`
	UploadID  string `json:"uploadId" binding:"required"`
}

type completeUploadResponse struct {
	Location string `json:"location"`
}

// ==================== Objects ====================

type objectExistsResponse struct {
	Exists bool `json:"exists"`
}

type presignedURLResponse struct {
	URL string `json:"url"`
}
