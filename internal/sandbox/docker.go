package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	managedLabel = "smile.managed=true"

	// keepNamePrefix marks environments kept for human inspection; Docker
	// labels are immutable after create, so keep is expressed by rename.
	keepNamePrefix = "smile-keep-"

	// timedOutExitCode is the synthetic exit code reported when an exec
	// is killed by its timeout.
	timedOutExitCode = 124

	stopTimeout = 10 * time.Second
)

// DockerDriver implements Driver by shelling out to the docker binary.
// Environments are created with `docker create` + `docker start` and kept
// alive with an idle process so `docker exec` is available between
// iterations.
type DockerDriver struct {
	dockerPath string
	image      string
}

// NewDockerDriver creates a driver for the given image. The docker binary
// is resolved from PATH lazily so construction never fails.
func NewDockerDriver(image string) *DockerDriver {
	return &DockerDriver{image: image}
}

func (d *DockerDriver) docker() (string, error) {
	if d.dockerPath != "" {
		return d.dockerPath, nil
	}
	path, err := exec.LookPath("docker")
	if err != nil {
		return "", fmt.Errorf("%w: Docker is required but not available\n\nTry: install Docker and ensure the daemon is running ('docker info')", ErrPrerequisiteMissing)
	}
	d.dockerPath = path
	return path, nil
}

func (d *DockerDriver) run(ctx context.Context, args ...string) (string, string, error) {
	path, err := d.docker()
	if err != nil {
		return "", "", err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// EnsureAvailable verifies the daemon responds and the configured image is
// present, pulling it when missing.
func (d *DockerDriver) EnsureAvailable(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, stderr, err := d.run(checkCtx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%w: Docker daemon not responding: %s\n\nTry: start the Docker daemon ('docker info')", ErrPrerequisiteMissing, firstLine(stderr, err))
	}

	if out, _, err := d.run(ctx, "image", "inspect", "--format", "{{.Id}}", d.image); err == nil && out != "" {
		return nil
	}
	log.Info().Str("image", d.image).Msg("image not present, pulling")
	if _, stderr, err := d.run(ctx, "pull", d.image); err != nil {
		return fmt.Errorf("%w: container image not found: '%s': %s\n\nTry: 'docker pull %s' or build the image locally", ErrPrerequisiteMissing, d.image, firstLine(stderr, err), d.image)
	}
	return nil
}

// Provision creates and starts an idle container with the three bind
// mounts and the host-callback mapping, then confirms exec readiness with
// a sentinel command.
func (d *DockerDriver) Provision(ctx context.Context, spec Spec) (*Env, error) {
	if spec.Image == "" {
		spec.Image = d.image
	}
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("smile-%s", uuid.NewString()[:8])
	}

	id, stderr, err := d.run(ctx, createArgs(spec)...)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %s", ErrProvisionFailed, firstLine(stderr, err))
	}
	env := &Env{ID: id, Name: spec.Name, Spec: spec}

	if _, stderr, err := d.run(ctx, "start", env.ID); err != nil {
		_ = d.remove(ctx, env, true)
		return nil, fmt.Errorf("%w: start container: %s", ErrProvisionFailed, firstLine(stderr, err))
	}

	// Readiness sentinel: exec must work before the environment is handed
	// to the loop.
	if _, stderr, err := d.run(ctx, "exec", env.ID, "true"); err != nil {
		_ = d.remove(ctx, env, true)
		return nil, fmt.Errorf("%w: container not exec-ready: %s", ErrProvisionFailed, firstLine(stderr, err))
	}

	log.Info().Str("container", shortID(env.ID)).Str("image", spec.Image).Msg("environment provisioned")
	return env, nil
}

// Exec runs argv inside the environment. On timeout the in-container
// process is killed and a synthetic exit code is returned with TimedOut
// set; a non-zero command exit is not an error.
func (d *DockerDriver) Exec(ctx context.Context, env *Env, opts ExecOptions) (ExecResult, error) {
	path, err := d.docker()
	if err != nil {
		return ExecResult{}, err
	}

	args := []string{"exec"}
	if opts.Dir != "" {
		args = append(args, "-w", opts.Dir)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, env.ID)
	args = append(args, opts.Argv...)

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, path, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	started := time.Now()
	runErr := cmd.Run()
	result := ExecResult{Duration: time.Since(started)}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		// CommandContext killed the docker client; the in-container
		// process is orphaned, so kill it explicitly.
		d.killExecProcesses(env, opts.Argv)
		result.ExitCode = timedOutExitCode
		result.TimedOut = true
		log.Warn().Str("container", shortID(env.ID)).Dur("timeout", opts.Timeout).Msg("exec timed out")
		return result, nil
	case runErr == nil:
		result.ExitCode = 0
		return result, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("%w: %v", ErrExecFailed, runErr)
	}
}

// killExecProcesses best-effort kills a timed-out command inside the
// container by its leading argv token.
func (d *DockerDriver) killExecProcesses(env *Env, argv []string) {
	if len(argv) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = d.run(ctx, "exec", env.ID, "pkill", "-f", argv[0])
}

// Reset produces a clean-slate environment: graceful stop then forced
// remove, a fresh provision with the same spec, and a
// post-condition check that the new environment is running and its working
// directory is empty.
func (d *DockerDriver) Reset(ctx context.Context, env *Env) (*Env, error) {
	spec := env.Spec

	if _, _, err := d.run(ctx, "stop", "-t", fmt.Sprintf("%d", int(stopTimeout.Seconds())), env.ID); err != nil {
		log.Warn().Str("container", shortID(env.ID)).Msg("graceful stop failed, forcing removal")
	}
	if err := d.remove(ctx, env, true); err != nil {
		return nil, fmt.Errorf("%w: remove old environment: %v", ErrResetFailed, err)
	}

	fresh, err := d.Provision(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResetFailed, err)
	}

	if err := d.verifyClean(ctx, fresh); err != nil {
		_ = d.remove(ctx, fresh, true)
		return nil, fmt.Errorf("%w: %v", ErrResetFailed, err)
	}
	return fresh, nil
}

// verifyClean checks the reset post-condition: running container, empty
// working directory.
func (d *DockerDriver) verifyClean(ctx context.Context, env *Env) error {
	out, _, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", env.ID)
	if err != nil || out != "true" {
		return fmt.Errorf("environment not running after reset")
	}
	var listing bytes.Buffer
	res, err := d.Exec(ctx, env, ExecOptions{
		Argv:    []string{"ls", "-A", WorkMountPath},
		Timeout: 10 * time.Second,
		Stdout:  &listing,
	})
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("could not inspect working directory after reset")
	}
	if strings.TrimSpace(listing.String()) != "" {
		return fmt.Errorf("working directory not empty after reset")
	}
	return nil
}

// Destroy removes the environment, or, when keepForDebug is set, renames it
// with the keepNamePrefix and keeps it running for human inspection. No
// label is added to a kept environment.
func (d *DockerDriver) Destroy(ctx context.Context, env *Env, keepForDebug bool) error {
	if env == nil {
		return nil
	}
	if keepForDebug {
		kept := keepNamePrefix + env.Name
		if _, stderr, err := d.run(ctx, "rename", env.ID, kept); err != nil {
			log.Warn().Str("container", shortID(env.ID)).Str("stderr", stderr).Msg("rename for keep failed")
		}
		log.Info().Str("container", kept).Msg("environment kept for inspection")
		return nil
	}
	return d.remove(ctx, env, true)
}

func (d *DockerDriver) remove(ctx context.Context, env *Env, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, env.ID)
	if _, stderr, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("remove container: %s", firstLine(stderr, err))
	}
	return nil
}

// CleanupOrphans force-removes managed containers left behind by a
// previous process, skipping ones renamed with keepNamePrefix for debugging.
func (d *DockerDriver) CleanupOrphans(ctx context.Context) error {
	out, stderr, err := d.run(ctx, "ps", "-aq",
		"--filter", "label="+managedLabel)
	if err != nil {
		return fmt.Errorf("list orphans: %s", firstLine(stderr, err))
	}
	for _, id := range strings.Fields(out) {
		name, _, err := d.run(ctx, "inspect", "-f", "{{.Name}}", id)
		if err == nil && strings.Contains(name, keepNamePrefix) {
			continue
		}
		if _, _, err := d.run(ctx, "rm", "-f", id); err != nil {
			log.Warn().Str("container", shortID(id)).Msg("orphan removal failed")
			continue
		}
		log.Info().Str("container", shortID(id)).Msg("orphan environment removed")
	}
	return nil
}

// createArgs builds the docker create invocation for a spec: the three
// bind mounts, the managed label, the host-callback mapping, and an idle
// process keeping the container alive for exec.
func createArgs(spec Spec) []string {
	args := []string{
		"create",
		"--name", spec.Name,
		"--label", managedLabel,
		"-v", fmt.Sprintf("%s:%s:ro", spec.TutorialDir, TutorialMountPath),
		"-v", fmt.Sprintf("%s:%s", spec.WorkDir, WorkMountPath),
		"-v", fmt.Sprintf("%s:%s", spec.LogDir, LogMountPath),
		"-w", WorkMountPath,
	}
	if spec.CallbackHost != "" {
		args = append(args, "--add-host", fmt.Sprintf("%s:host-gateway", spec.CallbackHost))
	}
	return append(args, spec.Image, "sleep", "infinity")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func firstLine(stderr string, err error) string {
	if stderr != "" {
		if i := strings.IndexByte(stderr, '\n'); i >= 0 {
			return stderr[:i]
		}
		return stderr
	}
	return err.Error()
}

