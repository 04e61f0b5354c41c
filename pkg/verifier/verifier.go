// Package verifier implements the contribution verification pipeline
// (spec.md §4.H): on a participant reaching step VERIFYING, it downloads
// the circuit's genesis zkey and the newest upload, assembles the full
// Phase2 contribution chain, invokes ZKeyEngine, hashes and archives the
// transcript, and atomically records the Contribution and counter updates
// before handing the baton back to the Scheduler.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/compute"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metrics"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/scheduler"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/statemachine"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/zkengine"
)

// BatonHandler is the subset of Scheduler the Verifier needs, so tests can
// substitute a spy without standing up a full Scheduler.
type BatonHandler interface {
	HandBaton(ctx context.Context, ceremonyID, circuitID, leavingUID string, valid bool) error
}

var _ BatonHandler = (*scheduler.Scheduler)(nil)

type Verifier struct {
	store   metastore.MetaStore
	blobs   blobstore.BlobStore
	engine  zkengine.Engine
	compute compute.ComputeProvider
	sched   BatonHandler
	timeout time.Duration
	metrics *metrics.Metrics
}

func New(store metastore.MetaStore, blobs blobstore.BlobStore, engine zkengine.Engine, provider compute.ComputeProvider, sched BatonHandler, timeout time.Duration) *Verifier {
	return &Verifier{store: store, blobs: blobs, engine: engine, compute: provider, sched: sched, timeout: timeout}
}

// WithMetrics attaches a Metrics instance; nil leaves metrics unrecorded.
func (v *Verifier) WithMetrics(m *metrics.Metrics) *Verifier {
	v.metrics = m
	return v
}

// Dispatch runs the full pipeline for the current contribution of uid in
// circuitID (spec.md §4.H), choosing the circuit's verification mechanism:
// CF runs ZKeyEngine in-process in the calling goroutine; VM hands the
// bucket, circuit prefix and zkey index to a remote command on the circuit's
// provisioned instance and polls it to completion. Both run under the
// Verifier's timeout.
func (v *Verifier) Dispatch(ctx context.Context, ceremonyID, circuitID, uid string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cer, circuit, p, err := v.load(ctx, ceremonyID, circuitID, uid)
	if err != nil {
		return err
	}
	if p.Status != ceremony.ParticipantContributing || p.ContributionStep != ceremony.StepVerifying {
		return ceremony.New(ceremony.CodePreconditionFailed, "participant %s is not VERIFYING", uid)
	}

	switch circuit.Verification.Mechanism {
	case ceremony.VerificationVM:
		return v.runVM(ctx, cer, circuit, p)
	default:
		return v.runCF(ctx, cer, circuit, p)
	}
}

// runCF verifies the chain in-process (spec.md §4.H's CF mechanism).
func (v *Verifier) runCF(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant) error {
	lastZkeyIndex := ceremony.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions + 1)
	started := time.Now()

	chain, closeChain, err := v.downloadChain(ctx, cer.BucketName, circuit, lastZkeyIndex, p.UID)
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download contribution chain")
	}
	defer closeChain()

	r1cs, err := v.blobs.GetObject(ctx, cer.BucketName, r1csKey(circuit.Prefix))
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download r1cs")
	}
	defer r1cs.Close()
	pot, err := v.blobs.GetObject(ctx, cer.BucketName, potKey(circuit.Metadata.PowersOfTau))
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download pot")
	}
	defer pot.Close()

	var transcript bytes.Buffer
	fmt.Fprintf(&transcript, "verification started %s\n", started.UTC().Format(time.RFC3339))
	valid, err := v.engine.VerifyChain(ctx, r1cs, pot, chain, &transcript)
	if err != nil {
		return ceremony.Wrap(ceremony.CodeInternal, err, "verify chain")
	}
	verificationSeconds := time.Since(started).Seconds()

	return v.finish(ctx, cer, circuit, p, lastZkeyIndex, valid, verificationSeconds, transcript.Bytes())
}

// runVM dispatches verification to the circuit's provisioned instance via
// ComputeProvider, polling until the remote verify script exits. The script
// is expected to write its own transcript to stdout/stderr and signal
// validity through its exit code, since the cryptographic check itself runs
// out-of-process on that instance rather than inside the coordinator.
func (v *Verifier) runVM(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant) error {
	if circuit.Verification.VMInstance == "" {
		return ceremony.New(ceremony.CodePreconditionFailed, "circuit %s has no provisioned VM instance", circuit.CircuitID)
	}
	lastZkeyIndex := ceremony.FormatZkeyIndex(circuit.WaitingQueue.CompletedContributions + 1)
	started := time.Now()

	script := verifyScript(cer.BucketName, circuit.Prefix, lastZkeyIndex)
	commandID, err := v.compute.RunCommand(ctx, circuit.Verification.VMInstance, script)
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "dispatch verify command")
	}

	var status compute.CommandStatus
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		status, err = v.compute.PollCommand(ctx, circuit.Verification.VMInstance, commandID)
		if err != nil {
			return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "poll verify command")
		}
		if status.Done {
			break
		}
		select {
		case <-ctx.Done():
			return ceremony.Wrap(ceremony.CodeDeadlineExceeded, ctx.Err(), "verification command did not finish")
		case <-ticker.C:
		}
	}
	verificationSeconds := time.Since(started).Seconds()

	var transcript bytes.Buffer
	fmt.Fprintf(&transcript, "verification started %s on instance %s\n", started.UTC().Format(time.RFC3339), circuit.Verification.VMInstance)
	transcript.WriteString(status.Stdout)
	if status.Stderr != "" {
		fmt.Fprintf(&transcript, "stderr:\n%s\n", status.Stderr)
	}
	valid := status.ExitCode == 0

	return v.finish(ctx, cer, circuit, p, lastZkeyIndex, valid, verificationSeconds, transcript.Bytes())
}

// verifyScript is the shell command the VM mechanism runs against the
// already-uploaded contribution object; the verifier binary baked into the
// circuit's image owns interpreting bucket/prefix/index. --workspace points
// at the instance's bind-mounted scratch directory (config VMWorkspace),
// where the binary stages the downloaded zkey/pot before checking them.
func verifyScript(bucket, circuitPrefix, zkeyIndex string) string {
	return fmt.Sprintf("zk-verify --bucket %s --circuit %s --index %s --workspace /workspace", bucket, circuitPrefix, zkeyIndex)
}

// finish hashes and archives the transcript, then atomically records the
// verification outcome and hands the baton back (spec.md §4.H steps 4-8),
// shared by both dispatch mechanisms.
func (v *Verifier) finish(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant, lastZkeyIndex string, valid bool, verificationSeconds float64, transcript []byte) error {
	ceremonyID, circuitID, uid := cer.CeremonyID, circuit.CircuitID, p.UID

	lastZkeyPath := contributionZkeyKey(circuit.Prefix, lastZkeyIndex)
	lastZkey, err := v.blobs.GetObject(ctx, cer.BucketName, lastZkeyPath)
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download last zkey for hashing")
	}
	lastZkeyHash, err := hashObject(lastZkey)
	lastZkey.Close()
	if err != nil {
		return ceremony.Wrap(ceremony.CodeInternal, err, "hash last zkey")
	}
	transcriptHash := blake2b.Sum512(transcript)

	if v.metrics != nil {
		v.metrics.ContributionsTotal.WithLabelValues(circuit.Prefix, fmt.Sprintf("%v", valid)).Inc()
		v.metrics.VerificationSeconds.WithLabelValues(circuit.Prefix, string(circuit.Verification.Mechanism)).Observe(verificationSeconds)
	}

	transcriptPath := transcriptKey(circuit.Prefix, lastZkeyIndex, uid)
	if err := v.blobs.PutObject(ctx, cer.BucketName, transcriptPath, bytes.NewReader(transcript)); err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload transcript")
	}

	contribution := &ceremony.Contribution{
		CeremonyID:                     ceremonyID,
		CircuitID:                      circuitID,
		ContributionID:                 lastZkeyIndex,
		ParticipantID:                  uid,
		ZkeyIndex:                      lastZkeyIndex,
		Valid:                          valid,
		ContributionComputationSeconds: p.TempContributionData.ContributionComputationSeconds,
		VerificationComputationSeconds: verificationSeconds,
		Files: ceremony.ContributionFiles{
			LastZkeyStoragePath:   lastZkeyPath,
			TranscriptStoragePath: transcriptPath,
			LastZkeyBlake2bHash:   fmt.Sprintf("%x", lastZkeyHash),
			TranscriptBlake2bHash: fmt.Sprintf("%x", transcriptHash),
		},
		LastUpdated: time.Now(),
	}

	numCircuits, err := v.numCircuits(ctx, ceremonyID)
	if err != nil {
		return err
	}

	if err := v.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		now := time.Now()
		participant, err := tx.GetParticipant(ceremonyID, uid)
		if err != nil {
			return err
		}
		if err := tx.PutContribution(contribution); err != nil {
			return err
		}
		c, err := tx.GetCircuit(ceremonyID, circuitID)
		if err != nil {
			return err
		}
		fullContributionSeconds := now.Sub(participant.ContributionStartedAt).Seconds()
		updateAvgTimings(&c.AvgTimings, participant.TempContributionData.ContributionComputationSeconds, fullContributionSeconds, verificationSeconds, valid)
		if err := tx.PutCircuit(c); err != nil {
			return err
		}
		if err := statemachine.AdvanceContributionStep(participant, ceremony.StepCompleted, now); err != nil {
			return err
		}
		if err := statemachine.CompleteCircuitContribution(participant, numCircuits, now); err != nil {
			return err
		}
		participant.Contributions = append(participant.Contributions, contribution.ContributionID)
		return tx.PutParticipant(participant)
	}); err != nil {
		return err
	}

	return v.sched.HandBaton(ctx, ceremonyID, circuitID, uid, valid)
}

// updateAvgTimings folds a new valid contribution's timings into the
// circuit's running means per spec.md §4.H step 6: avg' = (avg+t)/2 if
// avg>0 and valid, else left unchanged (a non-valid sample never moves any
// average; the very first valid sample seeds it directly). fullContribution
// feeds the DYNAMIC timeout deadline (spec.md §4.F: k * avgTimings.fullContribution).
func updateAvgTimings(avg *ceremony.AvgTimings, contributionComputationSeconds, fullContributionSeconds, verificationSeconds float64, valid bool) {
	if !valid {
		return
	}
	avg.ContributionComputationSeconds = foldAvg(avg.ContributionComputationSeconds, contributionComputationSeconds)
	avg.FullContributionSeconds = foldAvg(avg.FullContributionSeconds, fullContributionSeconds)
	avg.VerifyCloudFunctionSeconds = foldAvg(avg.VerifyCloudFunctionSeconds, verificationSeconds)
}

func foldAvg(avg, sample float64) float64 {
	if avg > 0 {
		return (avg + sample) / 2
	}
	return sample
}

func (v *Verifier) load(ctx context.Context, ceremonyID, circuitID, uid string) (*ceremony.Ceremony, *ceremony.Circuit, *ceremony.Participant, error) {
	cer, err := v.store.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, nil, nil, translateNotFound(err, "ceremony %s", ceremonyID)
	}
	circuit, err := v.store.GetCircuit(ctx, ceremonyID, circuitID)
	if err != nil {
		return nil, nil, nil, translateNotFound(err, "circuit %s", circuitID)
	}
	p, err := v.store.GetParticipant(ctx, ceremonyID, uid)
	if err != nil {
		return nil, nil, nil, translateNotFound(err, "participant %s", uid)
	}
	return cer, circuit, p, nil
}

func (v *Verifier) numCircuits(ctx context.Context, ceremonyID string) (int, error) {
	circuits, err := v.store.ListCircuits(ctx, ceremonyID)
	if err != nil {
		return 0, err
	}
	return len(circuits), nil
}

// downloadChain fetches the genesis zkey through the contribution one below
// lastZkeyIndex from prior valid Contributions, plus the just-uploaded
// lastZkeyIndex object, in order. The returned closer releases every
// opened reader.
func (v *Verifier) downloadChain(ctx context.Context, bucket string, circuit *ceremony.Circuit, lastZkeyIndex, uid string) ([]io.Reader, func(), error) {
	contribs, err := v.store.ListContributions(ctx, circuit.CeremonyID, circuit.CircuitID)
	if err != nil {
		return nil, func() {}, err
	}
	validPaths := map[string]string{config.GenesisZkeyIndex: contributionZkeyKey(circuit.Prefix, config.GenesisZkeyIndex)}
	for _, c := range contribs {
		if c.Valid {
			validPaths[c.ZkeyIndex] = c.Files.LastZkeyStoragePath
		}
	}

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	var readers []io.Reader
	for idx := int64(0); ; idx++ {
		key := ceremony.FormatZkeyIndex(idx)
		path, ok := validPaths[key]
		if !ok {
			if idx == 0 {
				closeAll()
				return nil, func() {}, fmt.Errorf("genesis zkey missing for circuit %s", circuit.CircuitID)
			}
			break
		}
		r, err := v.blobs.GetObject(ctx, bucket, path)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, r)
		readers = append(readers, r)
	}

	r, err := v.blobs.GetObject(ctx, bucket, contributionZkeyKey(circuit.Prefix, lastZkeyIndex))
	if err != nil {
		closeAll()
		return nil, func() {}, err
	}
	closers = append(closers, r)
	readers = append(readers, r)

	return readers, closeAll, nil
}

func hashObject(r io.Reader) ([]byte, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func r1csKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s.r1cs", circuitPrefix, circuitPrefix)
}

// potKey names the shared powers-of-tau file by its power, the way a
// ceremony's pot/ directory is laid out per spec.md §6 ("pot/{potFilename}"):
// circuits requiring the same power reuse the same file.
func potKey(powersOfTau int) string {
	return fmt.Sprintf("pot/pot%02d.ptau", powersOfTau)
}

func contributionZkeyKey(circuitPrefix, zkeyIndex string) string {
	return fmt.Sprintf("circuits/%s/contributions/%s_%s.zkey", circuitPrefix, circuitPrefix, zkeyIndex)
}

func transcriptKey(circuitPrefix, zkeyIndex, contributorID string) string {
	return fmt.Sprintf("circuits/%s/transcripts/%s_%s_%s_verification_transcript.log", circuitPrefix, circuitPrefix, zkeyIndex, contributorID)
}

func translateNotFound(err error, format string, args ...any) error {
	if err == metastore.ErrNotFound {
		return ceremony.New(ceremony.CodeNotFound, format, args...)
	}
	return err
}
