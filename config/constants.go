// Package config holds process-wide ceremony coordinator constants and the
// Viper-backed runtime Config loaded once at startup.
package config

const (
	// ZkeyIndexWidth is the zero-padded digit width of a non-final zkeyIndex.
	ZkeyIndexWidth = 5

	// FinalZkeyIndex is the reserved literal index used for the finalization
	// contribution of each circuit.
	FinalZkeyIndex = "final"

	// GenesisZkeyIndex is the index of the artifact Setup uploads for a circuit
	// before any contributor has run.
	GenesisZkeyIndex = "00000"

	// DefaultStreamChunkSizeMB is the default multi-part upload part size.
	DefaultStreamChunkSizeMB = 128

	// DefaultVerificationTimeoutSeconds bounds in-process (CF) verification.
	DefaultVerificationTimeoutSeconds = 3600

	// DefaultPresignedURLExpirationSeconds bounds the validity of a signed
	// upload or read URL.
	DefaultPresignedURLExpirationSeconds = 3600

	// DefaultSchedulerScanIntervalSeconds is how often the Scheduler scans
	// circuits with an active contributor for expired timeouts. The interval
	// is configurable; config.Load rejects values below 60 seconds.
	DefaultSchedulerScanIntervalSeconds = 60

	// FinalizationBeaconExpIterations is numExpIterations passed to
	// ZKeyEngine.beacon, fixed by spec.md §4.I.
	FinalizationBeaconExpIterations = 10

	// FinalizationSolidityVersion is passed to Engine.Export as the verifier
	// contract's Solidity version. The Fake engine writes it into the pragma;
	// GnarkEngine ignores it and emits gnark's own template pragma.
	FinalizationSolidityVersion = "0.8.0"

	// ComputeDiskOverheadGB is the constant added on top of
	// 2*zKeySizeGB + potFileSizeGB when sizing a verification VM.
	ComputeDiskOverheadGB = 8

	// DefaultRateLimitRPS and DefaultRateLimitBurst size the per-IP token
	// bucket the HTTP API applies to every request (SPEC_FULL.md component N).
	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40

	// DefaultRateLimitCleanupIntervalSeconds is how often idle per-IP
	// limiters are swept out of memory.
	DefaultRateLimitCleanupIntervalSeconds = 600
)
