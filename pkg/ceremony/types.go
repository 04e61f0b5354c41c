// Package ceremony holds the data model shared by every component: the
// documents MetaStore persists, the identifiers that thread them together,
// and the error taxonomy both layers return.
package ceremony

import (
	"fmt"
	"time"

	"github.com/MuriData/zk-ceremony-coordinator/config"
)

// Identity is the authenticated caller of an RPC. Authentication itself
// (OAuth device flow, session tokens, …) is out of scope per spec.md §1; the
// core only ever consumes one of these.
type Identity struct {
	UID           string
	IsCoordinator bool
}

// CeremonyState is the lifecycle state of a Ceremony (spec.md §3).
type CeremonyState string

const (
	CeremonyScheduled CeremonyState = "SCHEDULED"
	CeremonyOpened    CeremonyState = "OPENED"
	CeremonyPaused    CeremonyState = "PAUSED"
	CeremonyClosed    CeremonyState = "CLOSED"
	CeremonyFinalized CeremonyState = "FINALIZED"
)

// TimeoutMechanism selects how the Scheduler computes a contributor's
// deadline for a circuit (spec.md §4.F).
type TimeoutMechanism string

const (
	TimeoutFixed   TimeoutMechanism = "FIXED"
	TimeoutDynamic TimeoutMechanism = "DYNAMIC"
)

// Ceremony is the root aggregate. Circuits and Participants are owned by a
// Ceremony; deleting one recursively deletes its subtree (spec.md §3).
type Ceremony struct {
	CeremonyID    string        `json:"ceremonyId"`
	Prefix        string        `json:"prefix"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	StartDate     time.Time     `json:"startDate"`
	EndDate       time.Time     `json:"endDate"`
	State         CeremonyState `json:"state"`
	CoordinatorID string        `json:"coordinatorId"`

	TimeoutMechanism TimeoutMechanism `json:"timeoutMechanism"`
	// PenaltySeconds is the cooldown applied after a timeout fires.
	PenaltySeconds int `json:"penaltySeconds"`
	// DynamicTimeoutMultiplier is the per-ceremony "k" in
	// k*circuit.avgTimings.fullContribution (Open Question #1 in SPEC_FULL.md).
	DynamicTimeoutMultiplier float64 `json:"dynamicTimeoutMultiplier"`

	// BucketName is the BlobStore bucket allocated for this ceremony by Setup.
	BucketName string `json:"bucketName"`

	Version int64 `json:"version"`
}

func (c *Ceremony) Penalty() time.Duration {
	return time.Duration(c.PenaltySeconds) * time.Second
}

// VerificationMechanism selects how a Circuit's contributions are verified
// (spec.md §4.H).
type VerificationMechanism string

const (
	VerificationCF VerificationMechanism = "CF"
	VerificationVM VerificationMechanism = "VM"
)

// CircuitMetadata carries the R1CS-level descriptive fields spec.md §3 lists.
// The core never parses or produces these; it only stores and forwards them.
type CircuitMetadata struct {
	Constraints    int64  `json:"constraints"`
	Wires          int64  `json:"wires"`
	Labels         int64  `json:"labels"`
	PublicInputs   int64  `json:"publicInputs"`
	PrivateInputs  int64  `json:"privateInputs"`
	Outputs        int64  `json:"outputs"`
	PowersOfTau    int    `json:"pot"`
	Curve          string `json:"curve"`
}

// AvgTimings is a running mean of only-valid contribution timings, updated by
// the Verifier (spec.md §4.H step 6).
type AvgTimings struct {
	ContributionComputationSeconds float64 `json:"contributionComputation"`
	FullContributionSeconds        float64 `json:"fullContribution"`
	VerifyCloudFunctionSeconds     float64 `json:"verifyCloudFunction"`
}

// FullContribution returns FullContributionSeconds as a Duration.
func (a AvgTimings) FullContribution() time.Duration {
	return time.Duration(a.FullContributionSeconds * float64(time.Second))
}

// CircuitVerification selects the verification mechanism and, for VM,
// records the provisioned instance.
type CircuitVerification struct {
	Mechanism  VerificationMechanism `json:"mechanism"`
	VMInstance string                `json:"vmInstanceId,omitempty"`
}

// WaitingQueue is the per-circuit scheduler state, embedded in Circuit.
// Invariant (spec.md §3): CurrentContributor == "" iff Contributors is empty;
// if non-empty, Contributors[0] == CurrentContributor.
type WaitingQueue struct {
	Contributors         []string `json:"contributors"`
	CurrentContributor    string   `json:"currentContributor"`
	CompletedContributions int64  `json:"completedContributions"`
	FailedContributions    int64  `json:"failedContributions"`
}

// Circuit is owned by a Ceremony. SequencePosition values of a ceremony's
// circuits form exactly the set {1..N}.
type Circuit struct {
	CeremonyID       string                `json:"ceremonyId"`
	CircuitID        string                `json:"circuitId"`
	SequencePosition int                   `json:"sequencePosition"`
	Prefix           string                `json:"prefix"`
	Metadata         CircuitMetadata       `json:"metadata"`
	ZKeySizeInBytes  int64                 `json:"zKeySizeInBytes"`
	FixedTimeWindowSeconds int             `json:"fixedTimeWindow,omitempty"`
	WaitingQueue     WaitingQueue          `json:"waitingQueue"`
	AvgTimings       AvgTimings            `json:"avgTimings"`
	Verification     CircuitVerification   `json:"verification"`

	Version int64 `json:"version"`
}

func (c *Circuit) FixedTimeWindow() time.Duration {
	return time.Duration(c.FixedTimeWindowSeconds) * time.Second
}

// ParticipantStatus is the coarse-grained lifecycle status of a Participant
// (spec.md §3/§4.E).
type ParticipantStatus string

const (
	ParticipantCreated     ParticipantStatus = "CREATED"
	ParticipantWaiting     ParticipantStatus = "WAITING"
	ParticipantReady       ParticipantStatus = "READY"
	ParticipantContributing ParticipantStatus = "CONTRIBUTING"
	ParticipantTimedOut    ParticipantStatus = "TIMEDOUT"
	ParticipantDone        ParticipantStatus = "DONE"
	ParticipantFinalizing  ParticipantStatus = "FINALIZING"
	ParticipantFinalized   ParticipantStatus = "FINALIZED"
	ParticipantExhumed     ParticipantStatus = "EXHUMED"
)

// ContributionStep is the fine-grained progress of the current contribution,
// monotone except via TIMEDOUT (spec.md §4.E).
type ContributionStep string

const (
	StepDownloading ContributionStep = "DOWNLOADING"
	StepComputing   ContributionStep = "COMPUTING"
	StepUploading   ContributionStep = "UPLOADING"
	StepVerifying   ContributionStep = "VERIFYING"
	StepCompleted   ContributionStep = "COMPLETED"
)

// stepOrder gives ContributionStep its monotone ordinal, used to reject
// backward transitions (spec.md §5).
var stepOrder = map[ContributionStep]int{
	StepDownloading: 0,
	StepComputing:   1,
	StepUploading:   2,
	StepVerifying:   3,
	StepCompleted:   4,
}

// Before reports whether s comes strictly before other in the monotone step
// order.
func (s ContributionStep) Before(other ContributionStep) bool {
	return stepOrder[s] < stepOrder[other]
}

// UploadChunk is one reported (partNumber, ETag) pair for a multi-part
// upload in progress (spec.md §4.G).
type UploadChunk struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// TempContributionData is the current contributor's single-writer scratch
// state for the upload in progress (spec.md §3/§5).
type TempContributionData struct {
	UploadID                     string        `json:"uploadId,omitempty"`
	Chunks                       []UploadChunk `json:"chunks,omitempty"`
	ContributionComputationSeconds float64     `json:"contributionComputationTime,omitempty"`
}

// Participant is owned by a Ceremony and keyed by user identity.
type Participant struct {
	CeremonyID string `json:"ceremonyId"`
	UID        string `json:"uid"`

	Status               ParticipantStatus `json:"status"`
	ContributionStep     ContributionStep  `json:"contributionStep"`
	ContributionProgress int               `json:"contributionProgress"`
	Contributions        []string          `json:"contributions"`

	TempContributionData TempContributionData `json:"tempContributionData"`

	ContributionStartedAt time.Time `json:"contributionStartedAt,omitzero"`
	VerificationStartedAt time.Time `json:"verificationStartedAt,omitzero"`
	LastUpdated            time.Time `json:"lastUpdated"`

	Version int64 `json:"version"`
}

// ContributionFiles records the artifact paths and hashes produced by a
// verification run (spec.md §3/§4.H).
type ContributionFiles struct {
	LastZkeyStoragePath        string `json:"lastZkeyStoragePath"`
	TranscriptStoragePath       string `json:"transcriptStoragePath"`
	LastZkeyBlake2bHash         string `json:"lastZkeyBlake2bHash"`
	TranscriptBlake2bHash       string `json:"transcriptBlake2bHash"`
	VerificationKeyStoragePath  string `json:"verificationKeyStoragePath,omitempty"`
	VerifierContractStoragePath string `json:"verifierContractStoragePath,omitempty"`
}

// Contribution is owned by a Circuit.
type Contribution struct {
	CeremonyID  string `json:"ceremonyId"`
	CircuitID   string `json:"circuitId"`
	ContributionID string `json:"contributionId"`

	ParticipantID string `json:"participantId"`
	// ZkeyIndex is a 5-digit zero-padded string for intermediate
	// contributions, or the literal "final".
	ZkeyIndex string `json:"zkeyIndex"`
	Valid     bool   `json:"valid"`

	ContributionComputationSeconds float64 `json:"contributionComputationTime"`
	VerificationComputationSeconds float64 `json:"verificationComputationTime"`

	Files  ContributionFiles `json:"files"`
	Beacon string            `json:"beacon,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
	Version     int64     `json:"version"`
}

// TimeoutType distinguishes a blocking-contribution timeout from a
// blocking-cloud-function (verification) timeout (spec.md §3).
type TimeoutType string

const (
	TimeoutBlockingContribution  TimeoutType = "BLOCKING_CONTRIBUTION"
	TimeoutBlockingCloudFunction TimeoutType = "BLOCKING_CLOUD_FUNCTION"
)

// Timeout is owned by a Participant.
type Timeout struct {
	CeremonyID string      `json:"ceremonyId"`
	UID        string      `json:"uid"`
	TimeoutID  string      `json:"timeoutId"`
	Type       TimeoutType `json:"type"`
	StartDate  time.Time   `json:"startDate"`
	EndDate    time.Time   `json:"endDate"`
}

// Active reports whether the Timeout is still in force: spec.md §3 defines
// active as EndDate >= now.
func (t Timeout) Active(now time.Time) bool {
	return !now.After(t.EndDate)
}

// FormatZkeyIndex zero-pads a 1-based contribution rank to the fixed width
// spec.md §3/§6 requires. The genesis zkey is not produced by this function;
// it is the fixed literal config.GenesisZkeyIndex.
func FormatZkeyIndex(rank int64) string {
	return fmt.Sprintf("%0*d", config.ZkeyIndexWidth, rank)
}
