// Package sandbox provides the isolated execution environment for agent
// runners: creation, command execution, clean-slate reset, and teardown.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Container mount points presented to the runners.
const (
	TutorialMountPath = "/tutorial"
	WorkMountPath     = "/workspace"
	LogMountPath      = "/logs"
)

// Errors classified per the failure semantics of the driver contract.
var (
	// ErrPrerequisiteMissing means the container runtime or image is
	// unavailable; fatal at startup.
	ErrPrerequisiteMissing = errors.New("prerequisite missing")
	// ErrProvisionFailed means the environment could not be created.
	ErrProvisionFailed = errors.New("provision failed")
	// ErrExecFailed means a command could not be started or its streams
	// drained; the exec itself, not the command's exit code.
	ErrExecFailed = errors.New("exec failed")
	// ErrResetFailed means the environment could not be restored to a
	// clean slate; fatal to the current run.
	ErrResetFailed = errors.New("reset failed")
)

// Spec describes the environment to provision.
type Spec struct {
	// Image is the container image identifier.
	Image string
	// Name is the container name; generated when empty.
	Name string
	// TutorialDir is bind-mounted read-only at TutorialMountPath.
	TutorialDir string
	// WorkDir is bind-mounted read-write at WorkMountPath.
	WorkDir string
	// LogDir is bind-mounted read-write at LogMountPath.
	LogDir string
	// CallbackHost is the hostname mapped to the host gateway so runners
	// can reach the ingress API.
	CallbackHost string
}

// Env is a handle to a provisioned environment.
type Env struct {
	ID   string
	Name string
	Spec Spec
}

// ExecOptions configures one command execution inside the environment.
type ExecOptions struct {
	Argv    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecResult reports the outcome of an exec. TimedOut executions carry a
// synthetic non-zero exit code.
type ExecResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Driver is the environment lifecycle contract used by the orchestrator.
type Driver interface {
	// EnsureAvailable validates that the runtime is reachable and the
	// configured image exists or can be pulled.
	EnsureAvailable(ctx context.Context) error
	// Provision creates and starts a long-running environment so that
	// Exec is available.
	Provision(ctx context.Context, spec Spec) (*Env, error)
	// Exec runs a command inside the environment, draining both streams.
	Exec(ctx context.Context, env *Env, opts ExecOptions) (ExecResult, error)
	// Reset returns an environment observationally indistinguishable from
	// a freshly provisioned one: same mounts, empty working directory, no
	// surviving processes.
	Reset(ctx context.Context, env *Env) (*Env, error)
	// Destroy tears the environment down, or labels and keeps it when
	// keepForDebug is set.
	Destroy(ctx context.Context, env *Env, keepForDebug bool) error
	// CleanupOrphans removes labelled environments left behind by a
	// previous process.
	CleanupOrphans(ctx context.Context) error
}
