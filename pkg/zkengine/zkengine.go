// Package zkengine is the cryptographic engine behind ZKeyEngine (spec.md
// §4.H/§4.I): it verifies a chain of Phase 2 MPC contributions and, at
// finalization, applies the closing beacon and exports the production
// verifying key and Solidity verifier. It is grounded directly on the
// teacher's pkg/setup ceremony helpers, generalized from a one-shot CLI
// into a component the Verifier and Finalizer call per circuit.
package zkengine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/groth16/bn254/mpcsetup"
	cs_bn254 "github.com/consensys/gnark/constraint/bn254"
)

// SealedKeys is the production Groth16 key pair produced once a circuit's
// Phase 2 contribution chain has been sealed with the finalization beacon.
type SealedKeys struct {
	ProvingKey   groth16.ProvingKey
	VerifyingKey groth16.VerifyingKey
}

// Engine is the ZKeyEngine abstraction: the Verifier and Finalizer depend on
// this interface, not on gnark directly, so they stay testable against a
// fake that skips real cryptography.
//
// The "zkey"/"verifyFromInit" vocabulary is borrowed from the snarkjs/circom
// ecosystem, where a single zkey file carries its own
// contribution history. gnark's mpcsetup verifies a whole Phase2 chain at
// once rather than one file against its immediate predecessor, so here a
// "zkey" is one serialized mpcsetup.Phase2 snapshot, and verification takes
// the full ordered chain from genesis to the contribution being checked;
// the Verifier is responsible for assembling that chain from MetaStore's
// Contribution history and BlobStore (see pkg/verifier).
type Engine interface {
	// VerifyChain verifies that the ordered Phase2 snapshots in chain
	// (genesis first, newest last) form a valid contribution sequence
	// against r1cs and pot, writing a human-readable transcript. A
	// cryptographic rejection is reported as valid=false with a nil error;
	// err is reserved for I/O/decoding faults.
	VerifyChain(ctx context.Context, r1cs io.Reader, pot io.Reader, chain []io.Reader, transcript io.Writer) (valid bool, err error)

	// Beacon applies the closing public-randomness contribution to the
	// newest snapshot in chain and returns the sealed production keys.
	Beacon(ctx context.Context, r1cs io.Reader, pot io.Reader, chain []io.Reader, entropyBeacon []byte, numExpIterations int, finalZkeyOut io.Writer) (*SealedKeys, error)

	// Export writes vkey.json and a Solidity verifier contract for sealed.
	Export(sealed *SealedKeys, vkeyOut, solidityOut io.Writer, solidityVersion string) error
}

// GnarkEngine is the production Engine, built directly on gnark's BN254
// Groth16 MPC setup package (consensys/gnark/backend/groth16/bn254/mpcsetup).
type GnarkEngine struct{}

func New() *GnarkEngine { return &GnarkEngine{} }

func (e *GnarkEngine) VerifyChain(ctx context.Context, r1csR io.Reader, potR io.Reader, chain []io.Reader, transcript io.Writer) (bool, error) {
	r1cs, err := readR1CS(r1csR)
	if err != nil {
		return false, fmt.Errorf("zkengine: read r1cs: %w", err)
	}
	commons, err := readCommons(potR)
	if err != nil {
		return false, fmt.Errorf("zkengine: read srs commons: %w", err)
	}
	phases, err := readPhase2Chain(chain)
	if err != nil {
		return false, fmt.Errorf("zkengine: read phase2 chain: %w", err)
	}
	if len(phases) == 0 {
		return false, fmt.Errorf("zkengine: empty contribution chain")
	}

	// A nil beacon here is intentional: gnark ties the closing
	// public-randomness step to the same VerifyPhase2 call that checks the
	// chain, but spec.md separates per-contribution verification (§4.H, no
	// beacon) from finalization (§4.I, with one). The chain's internal
	// pairing checks do not depend on the beacon; Beacon below reruns this
	// same verification with the real entropy at close time.
	fmt.Fprintf(transcript, "verifying phase2 chain of %d contribution(s)\n", len(phases))
	_, _, err = mpcsetup.VerifyPhase2(r1cs, commons, nil, phases...)
	if err != nil {
		fmt.Fprintf(transcript, "verification FAILED: %v\n", err)
		return false, nil
	}
	fmt.Fprintln(transcript, "verification OK")
	return true, nil
}

// Beacon applies the closing public-randomness contribution. gnark's
// mpcsetup applies the beacon as the final argument to VerifyPhase2 rather
// than as a separate sealing step; to give numExpIterations — spec.md's
// mixing-strength knob — real effect, the supplied entropy is hashed into
// itself that many times before being handed to VerifyPhase2.
func (e *GnarkEngine) Beacon(ctx context.Context, r1csR io.Reader, potR io.Reader, chain []io.Reader, entropyBeacon []byte, numExpIterations int, finalZkeyOut io.Writer) (*SealedKeys, error) {
	r1cs, err := readR1CS(r1csR)
	if err != nil {
		return nil, fmt.Errorf("zkengine: read r1cs: %w", err)
	}
	commons, err := readCommons(potR)
	if err != nil {
		return nil, fmt.Errorf("zkengine: read srs commons: %w", err)
	}
	phases, err := readPhase2Chain(chain)
	if err != nil {
		return nil, fmt.Errorf("zkengine: read phase2 chain: %w", err)
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("zkengine: empty contribution chain")
	}

	beacon := mixEntropy(entropyBeacon, numExpIterations)
	pk, vk, err := mpcsetup.VerifyPhase2(r1cs, commons, beacon, phases...)
	if err != nil {
		return nil, fmt.Errorf("zkengine: beacon seal failed verification: %w", err)
	}
	if finalZkeyOut != nil {
		if _, err := pk.WriteTo(finalZkeyOut); err != nil {
			return nil, fmt.Errorf("zkengine: write final zkey: %w", err)
		}
	}
	return &SealedKeys{ProvingKey: pk, VerifyingKey: vk}, nil
}

// mixEntropy repeatedly hashes beacon into itself numIterations times, the
// way beacon ceremonies stretch a single source of randomness (e.g. a
// future block hash) into the mixing rounds spec.md's numExpIterations
// names.
func mixEntropy(beacon []byte, numIterations int) []byte {
	h := sha256.Sum256(beacon)
	out := h[:]
	for i := 1; i < numIterations; i++ {
		h = sha256.Sum256(out)
		out = h[:]
	}
	return out
}

func (e *GnarkEngine) Export(sealed *SealedKeys, vkeyOut, solidityOut io.Writer, solidityVersion string) error {
	if err := sealed.VerifyingKey.ExportSolidity(solidityOut); err != nil {
		return fmt.Errorf("zkengine: export solidity verifier: %w", err)
	}
	if err := writeVkeyJSON(sealed.VerifyingKey, vkeyOut); err != nil {
		return fmt.Errorf("zkengine: export vkey.json: %w", err)
	}
	return nil
}

func readR1CS(r io.Reader) (*cs_bn254.R1CS, error) {
	r1cs := new(cs_bn254.R1CS)
	if _, err := r1cs.ReadFrom(r); err != nil {
		return nil, err
	}
	return r1cs, nil
}

func readCommons(r io.Reader) (*mpcsetup.SrsCommons, error) {
	commons := new(mpcsetup.SrsCommons)
	if _, err := commons.ReadFrom(r); err != nil {
		return nil, err
	}
	return commons, nil
}

func readPhase2Chain(chain []io.Reader) ([]*mpcsetup.Phase2, error) {
	phases := make([]*mpcsetup.Phase2, len(chain))
	for i, r := range chain {
		p := new(mpcsetup.Phase2)
		if _, err := p.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("contribution %d: %w", i, err)
		}
		phases[i] = p
	}
	return phases, nil
}

// writeVkeyJSON writes a minimal JSON envelope around the raw serialized
// verifying key. gnark's VerifyingKey has no native JSON encoding (unlike
// snarkjs's vkey.json); downstream consumers that need the gnark key reread
// it with groth16.NewVerifyingKey(ecc.BN254).ReadFrom on the raw bytes.
func writeVkeyJSON(vk groth16.VerifyingKey, w io.Writer) error {
	fmt.Fprintf(w, "{\n  \"curve\": %q,\n  \"raw\": \"", ecc.BN254.String())
	enc := base64.NewEncoder(base64.StdEncoding, w)
	if _, err := vk.WriteTo(enc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	fmt.Fprint(w, "\"\n}\n")
	return nil
}
