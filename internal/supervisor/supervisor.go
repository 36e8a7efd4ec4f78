// Package supervisor wires the components of a validation run together:
// workspace lock, state resume, isolation environment, ingress, the loop
// controller, and report emission.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/smilelab/smile/internal/config"
	"github.com/smilelab/smile/internal/events"
	"github.com/smilelab/smile/internal/ingress"
	"github.com/smilelab/smile/internal/loop"
	"github.com/smilelab/smile/internal/report"
	"github.com/smilelab/smile/internal/sandbox"
	"github.com/smilelab/smile/internal/state"
	"github.com/smilelab/smile/internal/tutorial"
)

// CallbackHost is the hostname runners use to reach the ingress from
// inside the environment.
const CallbackHost = "host.docker.internal"

// shutdownGrace is how long teardown waits for in-flight work.
const shutdownGrace = 5 * time.Second

// Exit codes for the process, keyed by terminal status.
const (
	ExitCompleted     = 0
	ExitBlocker       = 1
	ExitMaxIterations = 2
	ExitTimeout       = 3
	ExitError         = 4
	ExitPrerequisite  = 10
)

// ExitCode maps a terminal status to the process exit code.
func ExitCode(status state.Status) int {
	switch status {
	case state.StatusCompleted:
		return ExitCompleted
	case state.StatusBlocker:
		return ExitBlocker
	case state.StatusMaxIterations:
		return ExitMaxIterations
	case state.StatusTimeout:
		return ExitTimeout
	default:
		return ExitError
	}
}

// ErrPrerequisite wraps startup failures that map to exit code 10.
var ErrPrerequisite = sandbox.ErrPrerequisiteMissing

// Supervisor owns component lifetimes for one run.
type Supervisor struct {
	Config       config.Config
	TutorialPath string

	// Driver overrides the Docker driver; used by tests.
	Driver sandbox.Driver
	// Listener overrides the ingress listener; used by tests. When nil a
	// loopback listener on Config.Port is created.
	Listener net.Listener
	// KeepEnvOverride forces the keep-for-debug policy regardless of the
	// configured container policy.
	KeepEnvOverride *bool
}

// Run executes one validation run to its terminal status. The returned
// status decides the process exit code; the error carries fatal
// conditions that prevented the loop from running at all.
func (s *Supervisor) Run(ctx context.Context) (state.Status, error) {
	cfg := s.Config

	tutorialPath := s.TutorialPath
	if tutorialPath == "" {
		tutorialPath = cfg.Tutorial
	}
	tut, err := tutorial.Load(tutorialPath)
	if err != nil {
		return state.StatusError, err
	}

	configDigest := cfg.Digest()
	fingerprint := tutorial.Fingerprint(tut.Path, tut.ContentDigest(), configDigest)
	runID := uuid.NewString()

	statePath := cfg.StateFile
	if !filepath.IsAbs(statePath) {
		statePath = filepath.Join(".", statePath)
	}
	stateDir := filepath.Dir(statePath)

	lock, err := state.AcquireLock(filepath.Join(stateDir, "state.lock"), runID)
	if err != nil {
		return state.StatusError, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("lock release failed")
		}
	}()

	store := state.NewStore(statePath)
	st, err := s.loadOrCreate(store, runID, fingerprint, tut, configDigest)
	if err != nil {
		return state.StatusError, err
	}

	driver := s.Driver
	if driver == nil {
		driver = sandbox.NewDockerDriver(cfg.ContainerImage)
	}
	if err := driver.EnsureAvailable(ctx); err != nil {
		return state.StatusError, err
	}
	if err := driver.CleanupOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("orphan cleanup failed")
	}

	workDir := filepath.Join(stateDir, "workspace")
	logDir := filepath.Join(stateDir, "logs")
	for _, dir := range []string{workDir, logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return state.StatusError, fmt.Errorf("create run dir: %w", err)
		}
	}

	env, err := driver.Provision(ctx, sandbox.Spec{
		Image:        cfg.ContainerImage,
		TutorialDir:  filepath.Dir(tut.Path),
		WorkDir:      workDir,
		LogDir:       logDir,
		CallbackHost: CallbackHost,
	})
	if err != nil {
		return state.StatusError, err
	}

	ln := s.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
		if err != nil {
			return state.StatusError, fmt.Errorf("bind ingress port: %w", err)
		}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	callbackURL := fmt.Sprintf("http://%s:%d", CallbackHost, port)

	bus := events.NewBus(events.DefaultRingCapacity)
	audit, err := events.NewAuditWriter(bus, filepath.Join(stateDir, "smile-audit.log"))
	if err != nil {
		return state.StatusError, err
	}

	ctrl := loop.New(cfg, tut, st, store, bus, driver, env, logDir, callbackURL)
	srv := ingress.NewServer(ctrl, bus, runID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })

	status := ctrl.Run(gctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ingress shutdown failed")
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("ingress server error")
	}
	bus.Close()
	audit.Close()

	final := ctrl.Snapshot()
	if final == nil {
		final = st
	}
	s.emitReports(final, tut)

	if status == state.StatusCompleted {
		if err := store.Clear(); err != nil {
			log.Warn().Err(err).Msg("state clear failed")
		}
	}

	keep := cfg.Container.KeepOnFailure
	if status == state.StatusCompleted {
		keep = cfg.Container.KeepOnSuccess
	}
	if s.KeepEnvOverride != nil {
		keep = *s.KeepEnvOverride
	}
	if err := driver.Destroy(shutdownCtx, env, keep); err != nil {
		log.Warn().Err(err).Msg("environment teardown failed")
	}

	return status, nil
}

// loadOrCreate applies the resume policy: a matching non-terminal state
// is resumed, a terminal or mismatched one fails closed, corruption is
// fatal.
func (s *Supervisor) loadOrCreate(store *state.Store, runID, fingerprint string, tut *tutorial.Tutorial, configDigest string) (*state.LoopState, error) {
	existing, err := store.Load()
	if err != nil {
		return nil, err
	}
	if existing == nil {
		st := state.New(runID, fingerprint)
		st.TutorialPath = tut.Path
		st.TutorialDigest = tut.ContentDigest()
		st.ConfigDigest = configDigest
		return st, nil
	}

	if existing.IsTerminal() {
		return nil, fmt.Errorf("A previous run already finished with status %q (state file: '%s')\n\nTry: remove the state file to start a new run", existing.Status, store.Path())
	}

	if existing.WorkspaceFingerprint != fingerprint {
		var changed []string
		if existing.TutorialPath != tut.Path {
			changed = append(changed, fmt.Sprintf("tutorial path (%s -> %s)", existing.TutorialPath, tut.Path))
		}
		if existing.TutorialDigest != tut.ContentDigest() {
			changed = append(changed, "tutorial content")
		}
		if existing.ConfigDigest != configDigest {
			changed = append(changed, "configuration")
		}
		if len(changed) == 0 {
			changed = append(changed, "workspace fingerprint")
		}
		return nil, fmt.Errorf("Cannot resume: the workspace changed since the interrupted run (%s)\n\nTry: remove '%s' to start fresh, or restore the original workspace", strings.Join(changed, ", "), store.Path())
	}

	log.Info().
		Str("status", string(existing.Status)).
		Int("iteration", existing.Iteration).
		Msg("resuming interrupted run")
	existing.RunID = runID
	return existing, nil
}

func (s *Supervisor) emitReports(st *state.LoopState, tut *tutorial.Tutorial) {
	r := report.Build(st, tut)

	outDir := s.Config.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Error().Err(err).Msg("create report dir failed")
		return
	}

	jsonPath := filepath.Join(outDir, "smile-report.json")
	data, err := r.JSON()
	if err != nil {
		log.Error().Err(err).Msg("report serialization failed")
		return
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", jsonPath).Msg("Failed to write report\n\nTry: check write permissions and disk space")
		return
	}

	mdPath := filepath.Join(outDir, "smile-report.md")
	if err := os.WriteFile(mdPath, []byte(r.Markdown()), 0o644); err != nil {
		log.Error().Err(err).Str("path", mdPath).Msg("Failed to write report\n\nTry: check write permissions and disk space")
		return
	}

	log.Info().Str("json", jsonPath).Str("markdown", mdPath).Int("gaps", len(r.Gaps)).Msg("reports written")
}

// IsPrerequisite reports whether the error maps to exit code 10.
func IsPrerequisite(err error) bool {
	return errors.Is(err, sandbox.ErrPrerequisiteMissing)
}
