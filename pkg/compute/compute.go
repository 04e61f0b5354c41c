// Package compute abstracts the remote verification VM spec.md §4.H's "VM"
// mechanism runs against (ComputeProvider in §2). The production
// implementation treats a Docker container as the "instance", grounded on
// the rest of the example pack's use of docker/docker's client for
// container lifecycle and exec, since gnark itself has no VM-provisioning
// concept to adapt from.
package compute

import "context"

// CommandStatus is the outcome of a previously dispatched runCommand.
type CommandStatus struct {
	Done     bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// ComputeProvider provisions and drives the dedicated VM a Circuit with
// verification.mechanism == VM runs its verification script on.
type ComputeProvider interface {
	// Provision creates an instance sized per spec.md §4.H (disk =
	// ceil(2*zKeySizeGB + potFileSize) + 8 GB) and returns its instance ID.
	Provision(ctx context.Context, diskGB int, image string) (instanceID string, err error)

	// RunCommand starts verifyScript on instanceID and returns a command ID
	// to poll with PollCommand.
	RunCommand(ctx context.Context, instanceID string, verifyScript string) (commandID string, err error)

	// PollCommand reports whether commandID has finished and its result.
	PollCommand(ctx context.Context, instanceID, commandID string) (CommandStatus, error)

	// Terminate tears down instanceID, called on finalization (spec.md §4.I).
	Terminate(ctx context.Context, instanceID string) error
}
