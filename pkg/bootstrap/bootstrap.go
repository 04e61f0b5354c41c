// Package bootstrap implements Setup (spec.md §4.J): allocating a new
// ceremony, its BlobStore bucket, its circuits in sequence order, and — for
// circuits verified remotely — their dedicated VM instances, then seeding
// every circuit's genesis artifacts.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/internal/ids"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/compute"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
)

// CircuitArtifacts are the genesis files Setup uploads for one circuit
// (spec.md §4.J step 5 / §6's storage layout).
type CircuitArtifacts struct {
	GenesisZkey io.Reader
	Wasm        io.Reader
	R1CS        io.Reader
	// Pot is only required the first time a given PowersOfTau value is
	// seen across the ceremony's circuits; pass nil to reuse an
	// already-uploaded pot file.
	Pot io.Reader
}

// CircuitInput is one circuit's setup-time declaration.
type CircuitInput struct {
	CircuitID              string
	SequencePosition       int
	Prefix                 string
	Metadata               ceremony.CircuitMetadata
	ZKeySizeInBytes        int64
	FixedTimeWindowSeconds int
	Verification           ceremony.CircuitVerification
	Artifacts              CircuitArtifacts
}

// CeremonyInput is the setupCeremony request body (spec.md §4.J step 1).
type CeremonyInput struct {
	Prefix                   string
	Title                    string
	Description              string
	StartDate                time.Time
	EndDate                  time.Time
	CoordinatorID            string
	TimeoutMechanism         ceremony.TimeoutMechanism
	PenaltySeconds           int
	DynamicTimeoutMultiplier float64
}

type Bootstrapper struct {
	store            metastore.MetaStore
	blobs            blobstore.BlobStore
	compute          compute.ComputeProvider
	bucketPostfix    string
	vmImage          string
	computeOverheadGB int
}

func New(store metastore.MetaStore, blobs blobstore.BlobStore, provider compute.ComputeProvider, bucketPostfix, vmImage string) *Bootstrapper {
	return &Bootstrapper{
		store:             store,
		blobs:             blobs,
		compute:           provider,
		bucketPostfix:     bucketPostfix,
		vmImage:           vmImage,
		computeOverheadGB: config.ComputeDiskOverheadGB,
	}
}

// SetupCeremony runs every step of spec.md §4.J and returns the new
// ceremonyId.
func (b *Bootstrapper) SetupCeremony(ctx context.Context, input CeremonyInput, circuits []CircuitInput) (string, error) {
	if err := validateCeremonyInput(input); err != nil {
		return "", err
	}
	if err := validateSequence(circuits); err != nil {
		return "", err
	}
	if existing, err := b.prefixInUse(ctx, input.Prefix); err != nil {
		return "", err
	} else if existing {
		return "", ceremony.New(ceremony.CodeConflict, "ceremony prefix %q already in use", input.Prefix)
	}

	ceremonyID := ids.New()
	bucket := input.Prefix + b.bucketPostfix

	if err := b.blobs.CreateBucket(ctx, bucket); err != nil {
		return "", ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "create ceremony bucket")
	}

	cer := &ceremony.Ceremony{
		CeremonyID:               ceremonyID,
		Prefix:                   input.Prefix,
		Title:                    input.Title,
		Description:              input.Description,
		StartDate:                input.StartDate,
		EndDate:                  input.EndDate,
		State:                    ceremony.CeremonyScheduled,
		CoordinatorID:            input.CoordinatorID,
		TimeoutMechanism:         input.TimeoutMechanism,
		PenaltySeconds:           input.PenaltySeconds,
		DynamicTimeoutMultiplier: input.DynamicTimeoutMultiplier,
		BucketName:               bucket,
	}

	uploadedPot := make(map[int]bool)
	circuitDocs := make([]*ceremony.Circuit, 0, len(circuits))
	for _, in := range circuits {
		circuit := &ceremony.Circuit{
			CeremonyID:             ceremonyID,
			CircuitID:              in.CircuitID,
			SequencePosition:       in.SequencePosition,
			Prefix:                 in.Prefix,
			Metadata:               in.Metadata,
			ZKeySizeInBytes:        in.ZKeySizeInBytes,
			FixedTimeWindowSeconds: in.FixedTimeWindowSeconds,
			Verification:           in.Verification,
		}

		if circuit.Verification.Mechanism == ceremony.VerificationVM {
			if b.compute == nil {
				return "", ceremony.New(ceremony.CodePreconditionFailed, "circuit %s requires VM verification but no ComputeProvider is configured", circuit.CircuitID)
			}
			diskGB := verificationDiskGB(in.ZKeySizeInBytes, in.Metadata.PowersOfTau, b.computeOverheadGB)
			instanceID, err := b.compute.Provision(ctx, diskGB, b.vmImage)
			if err != nil {
				return "", ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "provision verification VM for circuit %s", circuit.CircuitID)
			}
			circuit.Verification.VMInstance = instanceID
		}

		if err := b.uploadCircuitArtifacts(ctx, bucket, circuit, in.Artifacts, uploadedPot); err != nil {
			return "", err
		}

		circuitDocs = append(circuitDocs, circuit)
	}

	if err := b.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		if err := tx.PutCeremony(cer); err != nil {
			return err
		}
		for _, c := range circuitDocs {
			if err := tx.PutCircuit(c); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", err
	}

	return ceremonyID, nil
}

func (b *Bootstrapper) uploadCircuitArtifacts(ctx context.Context, bucket string, circuit *ceremony.Circuit, artifacts CircuitArtifacts, uploadedPot map[int]bool) error {
	if artifacts.GenesisZkey != nil {
		key := fmt.Sprintf("circuits/%s/contributions/%s_%s.zkey", circuit.Prefix, circuit.Prefix, config.GenesisZkeyIndex)
		if err := b.blobs.PutObject(ctx, bucket, key, artifacts.GenesisZkey); err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload genesis zkey for circuit %s", circuit.CircuitID)
		}
	}
	if artifacts.Wasm != nil {
		key := fmt.Sprintf("circuits/%s/%s.wasm", circuit.Prefix, circuit.Prefix)
		if err := b.blobs.PutObject(ctx, bucket, key, artifacts.Wasm); err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload wasm for circuit %s", circuit.CircuitID)
		}
	}
	if artifacts.R1CS != nil {
		key := fmt.Sprintf("circuits/%s/%s.r1cs", circuit.Prefix, circuit.Prefix)
		if err := b.blobs.PutObject(ctx, bucket, key, artifacts.R1CS); err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload r1cs for circuit %s", circuit.CircuitID)
		}
	}
	if artifacts.Pot != nil && !uploadedPot[circuit.Metadata.PowersOfTau] {
		key := fmt.Sprintf("pot/pot%02d.ptau", circuit.Metadata.PowersOfTau)
		if err := b.blobs.PutObject(ctx, bucket, key, artifacts.Pot); err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload pot file for circuit %s", circuit.CircuitID)
		}
		uploadedPot[circuit.Metadata.PowersOfTau] = true
	}
	return nil
}

// verificationDiskGB sizes the VM per spec.md §4.H:
// ceil(2*zKeySizeGB + potFileSizeGB) + overhead. potFileSizeGB is
// approximated from PowersOfTau, since the actual .ptau file isn't staged
// until this same call.
func verificationDiskGB(zKeySizeBytes int64, powersOfTau int, overheadGB int) int {
	const gib = 1 << 30
	zKeySizeGB := float64(zKeySizeBytes) / gib
	potFileSizeGB := math.Pow(2, float64(powersOfTau)) * 32 / gib
	return int(math.Ceil(2*zKeySizeGB+potFileSizeGB)) + overheadGB
}

func validateCeremonyInput(input CeremonyInput) error {
	if input.Prefix == "" {
		return ceremony.New(ceremony.CodeInvalidInput, "prefix is required")
	}
	if !input.StartDate.Before(input.EndDate) {
		return ceremony.New(ceremony.CodeInvalidInput, "startDate must be before endDate")
	}
	if !time.Now().Before(input.StartDate) {
		return ceremony.New(ceremony.CodeInvalidInput, "startDate must be in the future")
	}
	return nil
}

func validateSequence(circuits []CircuitInput) error {
	if len(circuits) == 0 {
		return ceremony.New(ceremony.CodeInvalidInput, "at least one circuit is required")
	}
	seen := make(map[int]bool, len(circuits))
	for _, c := range circuits {
		if c.SequencePosition < 1 || c.SequencePosition > len(circuits) {
			return ceremony.New(ceremony.CodeInvalidInput, "circuit %s has out-of-range sequencePosition %d", c.CircuitID, c.SequencePosition)
		}
		if seen[c.SequencePosition] {
			return ceremony.New(ceremony.CodeConflict, "duplicate sequencePosition %d", c.SequencePosition)
		}
		seen[c.SequencePosition] = true
	}
	return nil
}

func (b *Bootstrapper) prefixInUse(ctx context.Context, prefix string) (bool, error) {
	ceremonies, err := b.store.ListCeremonies(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range ceremonies {
		if c.Prefix == prefix {
			return true, nil
		}
	}
	return false, nil
}
