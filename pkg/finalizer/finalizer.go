// Package finalizer closes out a ceremony (spec.md §4.I): once every circuit
// has at least one valid contribution, it applies the closing beacon to
// each circuit's chain, exports the production verifying key and Solidity
// verifier, records a "final" Contribution, tears down any VM instances,
// and transitions the Ceremony to FINALIZED.
package finalizer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/compute"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/statemachine"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/zkengine"
)

type Finalizer struct {
	store   metastore.MetaStore
	blobs   blobstore.BlobStore
	engine  zkengine.Engine
	compute compute.ComputeProvider
	log     zerolog.Logger
}

func New(store metastore.MetaStore, blobs blobstore.BlobStore, engine zkengine.Engine, provider compute.ComputeProvider, log zerolog.Logger) *Finalizer {
	return &Finalizer{store: store, blobs: blobs, engine: engine, compute: provider, log: log.With().Str("component", "finalizer").Logger()}
}

// ReadyToFinalize backs checkAndPrepareCoordinatorForFinalization (spec.md
// §6): a ceremony may only finalize once every circuit has at least one
// valid contribution (Open Question #3 in SPEC_FULL.md, decided as
// all-circuits-must-verify).
func (f *Finalizer) ReadyToFinalize(ctx context.Context, ceremonyID string) (bool, error) {
	circuits, err := f.store.ListCircuits(ctx, ceremonyID)
	if err != nil {
		return false, err
	}
	if len(circuits) == 0 {
		return false, nil
	}
	for _, c := range circuits {
		if c.WaitingQueue.CompletedContributions == 0 {
			return false, nil
		}
	}
	return true, nil
}

// FinalizeCeremony runs the full close-out (spec.md §4.I). It is intended
// to be invoked once, by the coordinator, after ReadyToFinalize is true.
func (f *Finalizer) FinalizeCeremony(ctx context.Context, ceremonyID string, entropyBeacon []byte) error {
	cer, err := f.store.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return translateNotFound(err, "ceremony %s", ceremonyID)
	}
	if cer.State != ceremony.CeremonyClosed {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is not CLOSED", ceremonyID)
	}
	ready, err := f.ReadyToFinalize(ctx, ceremonyID)
	if err != nil {
		return err
	}
	if !ready {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s has circuits with no valid contribution", ceremonyID)
	}

	circuits, err := f.store.ListCircuits(ctx, ceremonyID)
	if err != nil {
		return err
	}
	for _, circuit := range circuits {
		if err := f.finalizeCircuit(ctx, cer, circuit, entropyBeacon); err != nil {
			return fmt.Errorf("finalize circuit %s: %w", circuit.CircuitID, err)
		}
	}

	return f.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		c, err := tx.GetCeremony(ceremonyID)
		if err != nil {
			return err
		}
		if err := statemachine.FinalizeCeremony(c); err != nil {
			return err
		}
		return tx.PutCeremony(c)
	})
}

// FinalizeCircuit runs step 1-5 of spec.md §4.I for a single circuit,
// without gating or advancing the ceremony's overall state. It backs the
// standalone finalizeCircuit RPC (spec.md §6), useful for sealing one
// circuit ahead of (or independently of) the all-circuits finalizeCeremony
// gate.
func (f *Finalizer) FinalizeCircuit(ctx context.Context, ceremonyID, circuitID string, entropyBeacon []byte) error {
	cer, err := f.store.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return translateNotFound(err, "ceremony %s", ceremonyID)
	}
	if cer.State != ceremony.CeremonyClosed {
		return ceremony.New(ceremony.CodePreconditionFailed, "ceremony %s is not CLOSED", ceremonyID)
	}
	circuit, err := f.store.GetCircuit(ctx, ceremonyID, circuitID)
	if err != nil {
		return translateNotFound(err, "circuit %s", circuitID)
	}
	return f.finalizeCircuit(ctx, cer, circuit, entropyBeacon)
}

// ErrFinalZkeyInvalid reports that applying the closing beacon to a
// circuit's chain did not produce a verifying final zkey (SPEC_FULL.md Open
// Question #3): the ceremony is left CLOSED rather than transitioning to
// FINALIZED, since FinalizeCeremony aborts the remaining circuits and the
// ceremony-state transaction as soon as any finalizeCircuit call returns an
// error.
func ErrFinalZkeyInvalid(circuitID string, cause error) error {
	return ceremony.Wrap(ceremony.CodeInvalidInput, cause, "circuit %s: final zkey failed beacon verification", circuitID)
}

func (f *Finalizer) finalizeCircuit(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit, entropyBeacon []byte) error {
	log := f.log.With().Str("ceremonyId", cer.CeremonyID).Str("circuitId", circuit.CircuitID).Logger()

	chain, closeChain, err := f.downloadChain(ctx, cer.BucketName, circuit)
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download contribution chain")
	}
	defer closeChain()

	r1cs, err := f.blobs.GetObject(ctx, cer.BucketName, r1csKey(circuit.Prefix))
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download r1cs")
	}
	defer r1cs.Close()
	pot, err := f.blobs.GetObject(ctx, cer.BucketName, potKey(circuit.Metadata.PowersOfTau))
	if err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "download pot")
	}
	defer pot.Close()

	var finalZkey bytes.Buffer
	sealed, err := f.engine.Beacon(ctx, r1cs, pot, chain, entropyBeacon, config.FinalizationBeaconExpIterations, &finalZkey)
	if err != nil {
		return ErrFinalZkeyInvalid(circuit.CircuitID, err)
	}

	finalZkeyPath := contributionZkeyKey(circuit.Prefix, config.FinalZkeyIndex)
	if err := f.blobs.PutObject(ctx, cer.BucketName, finalZkeyPath, bytes.NewReader(finalZkey.Bytes())); err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload final zkey")
	}

	var vkeyOut, solidityOut bytes.Buffer
	if err := f.engine.Export(sealed, &vkeyOut, &solidityOut, config.FinalizationSolidityVersion); err != nil {
		return ceremony.Wrap(ceremony.CodeInternal, err, "export verifier artifacts")
	}
	vkeyPath := vkeyKey(circuit.Prefix)
	if err := f.blobs.PutObject(ctx, cer.BucketName, vkeyPath, bytes.NewReader(vkeyOut.Bytes())); err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload vkey.json")
	}
	solidityPath := solidityKey(circuit.Prefix)
	if err := f.blobs.PutObject(ctx, cer.BucketName, solidityPath, bytes.NewReader(solidityOut.Bytes())); err != nil {
		return ceremony.Wrap(ceremony.CodeUpstreamUnavailable, err, "upload verifier.sol")
	}

	contribution := &ceremony.Contribution{
		CeremonyID:     cer.CeremonyID,
		CircuitID:      circuit.CircuitID,
		ContributionID: config.FinalZkeyIndex,
		ZkeyIndex:      config.FinalZkeyIndex,
		Valid:          true,
		Beacon:         fmt.Sprintf("%x", entropyBeacon),
		Files: ceremony.ContributionFiles{
			LastZkeyStoragePath:        finalZkeyPath,
			VerificationKeyStoragePath: vkeyPath,
			VerifierContractStoragePath: solidityPath,
		},
		LastUpdated: time.Now(),
	}

	if err := f.store.RunTransaction(ctx, func(tx metastore.Tx) error {
		return tx.PutContribution(contribution)
	}); err != nil {
		return err
	}

	if circuit.Verification.Mechanism == ceremony.VerificationVM && circuit.Verification.VMInstance != "" && f.compute != nil {
		if err := f.compute.Terminate(ctx, circuit.Verification.VMInstance); err != nil {
			log.Warn().Err(err).Str("instance", circuit.Verification.VMInstance).Msg("failed to terminate verification VM")
		} else {
			if err := f.store.RunTransaction(ctx, func(tx metastore.Tx) error {
				c, err := tx.GetCircuit(cer.CeremonyID, circuit.CircuitID)
				if err != nil {
					return err
				}
				c.Verification.VMInstance = ""
				return tx.PutCircuit(c)
			}); err != nil {
				log.Warn().Err(err).Msg("failed to clear terminated VM instance")
			}
		}
	}

	log.Info().Msg("circuit finalized")
	return nil
}

// downloadChain fetches every valid contribution's zkey from genesis
// through the newest, the same chain-assembly rule the Verifier uses,
// since Beacon must seal against the full valid history.
func (f *Finalizer) downloadChain(ctx context.Context, bucket string, circuit *ceremony.Circuit) ([]io.Reader, func(), error) {
	contribs, err := f.store.ListContributions(ctx, circuit.CeremonyID, circuit.CircuitID)
	if err != nil {
		return nil, func() {}, err
	}
	validPaths := map[string]string{config.GenesisZkeyIndex: contributionZkeyKey(circuit.Prefix, config.GenesisZkeyIndex)}
	for _, c := range contribs {
		if c.Valid && c.ZkeyIndex != config.FinalZkeyIndex {
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
		r, err := f.blobs.GetObject(ctx, bucket, path)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, r)
		readers = append(readers, r)
	}
	return readers, closeAll, nil
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

func vkeyKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s_vkey.json", circuitPrefix, circuitPrefix)
}

func solidityKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s_verifier.sol", circuitPrefix, circuitPrefix)
}

func translateNotFound(err error, format string, args ...any) error {
	if err == metastore.ErrNotFound {
		return ceremony.New(ceremony.CodeNotFound, format, args...)
	}
	return err
}
