package zkengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Fake is a test double for Engine that never touches real cryptography: it
// classifies a chain as valid based on a caller-supplied predicate over the
// raw bytes read from chain, so tests can simulate a tampered contribution
// without constructing a real gnark circuit.
type Fake struct {
	// IsValid decides whether a chain verifies. Nil means always valid.
	IsValid func(chain [][]byte) bool
	// BeaconValid decides whether Beacon's application of the closing
	// entropy verifies, simulating mpcsetup.VerifyPhase2 rejecting the
	// sealed chain. Nil means always valid.
	BeaconValid func(chain [][]byte) bool
}

func (f *Fake) VerifyChain(ctx context.Context, r1cs io.Reader, pot io.Reader, chain []io.Reader, transcript io.Writer) (bool, error) {
	raw, err := readAll(chain)
	if err != nil {
		return false, err
	}
	valid := true
	if f.IsValid != nil {
		valid = f.IsValid(raw)
	}
	fmt.Fprintf(transcript, "fake verification of %d contribution(s): valid=%v\n", len(raw), valid)
	return valid, nil
}

func (f *Fake) Beacon(ctx context.Context, r1cs io.Reader, pot io.Reader, chain []io.Reader, entropyBeacon []byte, numExpIterations int, finalZkeyOut io.Writer) (*SealedKeys, error) {
	raw, err := readAll(chain)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("zkengine: empty contribution chain")
	}
	if f.BeaconValid != nil && !f.BeaconValid(raw) {
		return nil, fmt.Errorf("zkengine: beacon seal failed verification")
	}
	if finalZkeyOut != nil {
		if _, err := finalZkeyOut.Write(raw[len(raw)-1]); err != nil {
			return nil, err
		}
	}
	return &SealedKeys{}, nil
}

func (f *Fake) Export(sealed *SealedKeys, vkeyOut, solidityOut io.Writer, solidityVersion string) error {
	fmt.Fprintf(vkeyOut, `{"solidityVersion":%q}`, solidityVersion)
	fmt.Fprintf(solidityOut, "// SPDX-License-Identifier: MIT\npragma solidity ^%s;\ncontract Verifier {}\n", solidityVersion)
	return nil
}

func readAll(chain []io.Reader) ([][]byte, error) {
	out := make([][]byte, len(chain))
	for i, r := range chain {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		out[i] = buf.Bytes()
	}
	return out, nil
}
