// Package loop implements the controller driving the student-mentor
// iteration state machine.
package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilelab/smile/internal/config"
	"github.com/smilelab/smile/internal/events"
	"github.com/smilelab/smile/internal/sandbox"
	"github.com/smilelab/smile/internal/state"
	"github.com/smilelab/smile/internal/tutorial"
)

const (
	// maxInvalidSubmissions is the number of consecutive invalid
	// submissions for one iteration before the controller synthesizes
	// cannot_complete.
	maxInvalidSubmissions = 3

	// spawnRetryDelay is the pause before the single spawn retry.
	spawnRetryDelay = time.Second

	// execGrace extends the in-container exec deadline past the step
	// timer so the controller decides timeouts, not the runtime.
	execGrace = 5 * time.Second
)

const (
	roleStudent = "student"
	roleMentor  = "mentor"
)

type spawnResult struct {
	role string
	res  sandbox.ExecResult
	err  error
}

// Controller owns the LoopState for the duration of a run. It is driven
// by a single goroutine in Run; everyone else communicates through the
// command channel, so the state is free of data races by construction.
type Controller struct {
	cfg         config.Config
	tut         *tutorial.Tutorial
	st          *state.LoopState
	store       *state.Store
	bus         *events.Bus
	driver      sandbox.Driver
	env         *sandbox.Env
	logDir      string
	callbackURL string

	cmds      chan command
	spawnDone chan spawnResult
	finished  chan struct{}
	snapshot  atomic.Pointer[state.LoopState]

	invalidCount int
	spawnRetried bool
	resumed      bool
}

// New creates a controller for a fresh or resumed state. logDir is the
// host side of the log mount; prompt files and runner logs are written
// there.
func New(cfg config.Config, tut *tutorial.Tutorial, st *state.LoopState, store *state.Store, bus *events.Bus, driver sandbox.Driver, env *sandbox.Env, logDir, callbackURL string) *Controller {
	c := &Controller{
		cfg:         cfg,
		tut:         tut,
		st:          st,
		store:       store,
		bus:         bus,
		driver:      driver,
		env:         env,
		logDir:      logDir,
		callbackURL: callbackURL,
		cmds:        make(chan command),
		spawnDone:   make(chan spawnResult, 2),
		finished:    make(chan struct{}),
		resumed:     st.Status != state.StatusStarting,
	}
	c.publishSnapshot()
	bus.SetSnapshotSource(c.Snapshot)
	return c
}

func (c *Controller) publishSnapshot() {
	clone := *c.st
	c.snapshot.Store(&clone)
}

// commit persists the state and then publishes the given events, in that
// order. Any observer-visible event is therefore recoverable after a
// crash. A persistence failure is fatal to the run.
func (c *Controller) commit(evs ...events.Event) error {
	if err := c.store.Save(c.st); err != nil {
		return err
	}
	c.publishSnapshot()
	for _, e := range evs {
		c.bus.Publish(e)
	}
	return nil
}

// ioFail handles an unrecoverable persistence error: the terminal status
// is set in memory and best-effort persisted.
func (c *Controller) ioFail(err error) {
	log.Error().Err(err).Msg("state persistence failed")
	if !c.st.IsTerminal() {
		_ = c.st.Fail(fmt.Sprintf("state persistence failed: %v", err))
	}
	c.publishSnapshot()
	_ = c.store.Save(c.st)
}

// Run drives the state machine until a terminal status is reached or the
// context is cancelled. It returns the terminal status.
func (c *Controller) Run(ctx context.Context) state.Status {
	defer close(c.finished)

	globalRemaining := time.Duration(c.cfg.Timeout)*time.Second - c.st.Elapsed()
	if globalRemaining < 0 {
		globalRemaining = 0
	}
	globalTimer := time.NewTimer(globalRemaining)
	defer globalTimer.Stop()

	stepTimer := time.NewTimer(time.Hour)
	stepTimer.Stop()
	defer stepTimer.Stop()

	if c.resumed {
		c.normalizeResume()
	}

	for !c.st.IsTerminal() {
		switch c.st.Status {
		case state.StatusStarting:
			if err := c.beginIteration(); err != nil {
				return c.st.Status
			}

		case state.StatusRunningStudent:
			c.prepareStudent(ctx, stepTimer)

		case state.StatusRunningMentor:
			c.prepareMentor(ctx, stepTimer)

		case state.StatusAwaitingStudent, state.StatusAwaitingMentor:
			c.await(ctx, stepTimer, globalTimer)

		default:
			_ = c.st.Fail(fmt.Sprintf("unexpected controller status %s", c.st.Status))
		}
	}

	if err := c.commit(events.LoopComplete(c.st)); err != nil {
		c.ioFail(err)
	}
	log.Info().
		Str("run_id", c.st.RunID).
		Str("status", string(c.st.Status)).
		Int("iterations", c.st.Iteration).
		Dur("duration", c.st.Elapsed()).
		Msg("loop finished")
	return c.st.Status
}

// normalizeResume re-enters the persisted phase after a crash. An
// interrupted phase is re-run in a fresh environment without advancing the
// iteration counter; only when the mentor answer was already persisted does
// the next iteration begin, which advances it.
func (c *Controller) normalizeResume() {
	c.resumed = false
	switch {
	case c.st.Status == state.StatusStarting || c.st.IsTerminal():
		// Fresh start, or nothing to do.
	case c.st.Status == state.StatusAwaitingMentor && c.st.PendingStudent == nil && c.st.CurrentQuestion == "":
		// The mentor answer was persisted but the next iteration had not
		// started yet: begin it now.
		_ = c.beginIteration()
	case c.st.PendingStudent != nil || c.st.Status == state.StatusRunningMentor || c.st.Status == state.StatusAwaitingMentor:
		c.st.Status = state.StatusRunningMentor
		c.st.Touch()
		_ = c.commitOrFail()
	default:
		if err := c.st.ResumeIteration(); err != nil {
			_ = c.st.Fail(fmt.Sprintf("resume failed: %v", err))
			return
		}
		_ = c.commitOrFail()
	}
}

// beginIteration advances into RunningStudent for a new attempt.
func (c *Controller) beginIteration() error {
	if err := c.st.StartIteration(); err != nil {
		_ = c.st.Fail(fmt.Sprintf("iteration start failed: %v", err))
		return fmt.Errorf("iteration start failed")
	}
	return c.commitOrFail(events.IterationStart(c.st.Iteration))
}

func (c *Controller) commitOrFail(evs ...events.Event) error {
	if err := c.commit(evs...); err != nil {
		c.ioFail(err)
		return err
	}
	return nil
}

// prepareStudent performs the pre-iteration sequence: reset the
// environment to a clean slate, persist the visible phase, compose the
// prompt, and spawn the student runner. AwaitingStudent is entered as
// soon as the spawn is launched; the result arrives through the ingress.
func (c *Controller) prepareStudent(ctx context.Context, stepTimer *time.Timer) {
	fresh, err := c.driver.Reset(ctx, c.env)
	if err != nil {
		_ = c.st.Fail(fmt.Sprintf("environment reset failed: %v", err))
		_ = c.commitOrFail(events.Error(c.st.ErrorMessage))
		return
	}
	c.env = fresh

	if c.commitOrFail() != nil {
		return
	}

	prompt := BuildStudentPrompt(c.cfg, c.tut.Content, c.st.MentorNotes, c.st.Iteration)
	promptPath, err := c.writePrompt(roleStudent, prompt)
	if err != nil {
		_ = c.st.Fail(fmt.Sprintf("write student prompt: %v", err))
		_ = c.commitOrFail(events.Error(c.st.ErrorMessage))
		return
	}

	c.spawnRetried = false
	c.invalidCount = 0
	c.spawn(ctx, roleStudent, promptPath, 0)

	if err := c.st.AwaitStudent(); err != nil {
		_ = c.st.Fail(fmt.Sprintf("await student: %v", err))
		return
	}
	if c.commitOrFail() != nil {
		return
	}
	c.resetStepTimer(stepTimer)
}

// prepareMentor spawns the mentor in the same environment as the
// preceding student so it can observe the working directory. No reset.
func (c *Controller) prepareMentor(ctx context.Context, stepTimer *time.Timer) {
	studentOutput := state.StudentOutput{}
	if c.st.PendingStudent != nil {
		studentOutput = *c.st.PendingStudent
	}
	prompt := BuildMentorPrompt(c.tut.Content, c.st.CurrentQuestion, studentOutput, c.st.MentorNotes)
	promptPath, err := c.writePrompt(roleMentor, prompt)
	if err != nil {
		_ = c.st.Fail(fmt.Sprintf("write mentor prompt: %v", err))
		_ = c.commitOrFail(events.Error(c.st.ErrorMessage))
		return
	}

	c.spawnRetried = false
	c.spawn(ctx, roleMentor, promptPath, 0)

	if err := c.st.AwaitMentor(); err != nil {
		_ = c.st.Fail(fmt.Sprintf("await mentor: %v", err))
		return
	}
	if c.commitOrFail() != nil {
		return
	}
	c.resetStepTimer(stepTimer)
}

func (c *Controller) resetStepTimer(stepTimer *time.Timer) {
	if !stepTimer.Stop() {
		select {
		case <-stepTimer.C:
		default:
		}
	}
	stepTimer.Reset(time.Duration(c.cfg.StudentBehavior.TimeoutSeconds) * time.Second)
}

func (c *Controller) writePrompt(role, prompt string) (string, error) {
	name := fmt.Sprintf("%s-iter%d-prompt.md", role, c.st.Iteration)
	hostPath := filepath.Join(c.logDir, name)
	if err := os.WriteFile(hostPath, []byte(prompt), 0o644); err != nil {
		return "", err
	}
	return filepath.Join(sandbox.LogMountPath, name), nil
}

// spawn launches the runner exec in its own goroutine; completion is
// delivered back to the controller as a spawnDone message. A non-zero
// delay (the retry backoff) elapses inside the goroutine so the
// controller's select loop stays responsive.
func (c *Controller) spawn(ctx context.Context, role, promptPath string, delay time.Duration) {
	argv := []string{
		"smile-" + role,
		"--prompt", promptPath,
		"--api-base", c.callbackURL,
		"--provider", c.cfg.LLMProvider,
	}
	envVars := []string{
		"SMILE_API_BASE=" + c.callbackURL,
		"SMILE_RUN_ID=" + c.st.RunID,
		fmt.Sprintf("SMILE_STEP_TIMEOUT=%d", c.cfg.StudentBehavior.TimeoutSeconds),
		"SMILE_PROVIDER=" + c.cfg.LLMProvider,
	}

	stdoutPath := filepath.Join(c.logDir, fmt.Sprintf("%s-iter%d-stdout.log", role, c.st.Iteration))
	stderrPath := filepath.Join(c.logDir, fmt.Sprintf("%s-iter%d-stderr.log", role, c.st.Iteration))

	env := c.env
	timeout := time.Duration(c.cfg.StudentBehavior.TimeoutSeconds)*time.Second + execGrace

	log.Info().
		Str("role", role).
		Str("run_id", c.st.RunID).
		Int("iteration", c.st.Iteration).
		Str("container", env.Name).
		Msg("runner start")

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		stdout, err := os.Create(stdoutPath)
		if err != nil {
			c.deliverSpawn(ctx, spawnResult{role: role, err: fmt.Errorf("create runner stdout log: %w", err)})
			return
		}
		defer stdout.Close()
		stderr, err := os.Create(stderrPath)
		if err != nil {
			c.deliverSpawn(ctx, spawnResult{role: role, err: fmt.Errorf("create runner stderr log: %w", err)})
			return
		}
		defer stderr.Close()

		res, execErr := c.driver.Exec(ctx, env, sandbox.ExecOptions{
			Argv:    argv,
			Env:     envVars,
			Timeout: timeout,
			Stdout:  stdout,
			Stderr:  stderr,
		})
		c.deliverSpawn(ctx, spawnResult{role: role, res: res, err: execErr})
	}()
}

func (c *Controller) deliverSpawn(ctx context.Context, sr spawnResult) {
	select {
	case c.spawnDone <- sr:
	case <-ctx.Done():
	}
}

// await is the controller's single suspension point: it selects over the
// command channel, the step timer, the global timer, spawn completions,
// and shutdown.
func (c *Controller) await(ctx context.Context, stepTimer, globalTimer *time.Timer) {
	select {
	case cmd := <-c.cmds:
		c.handleCommand(cmd, globalTimer)

	case <-stepTimer.C:
		// A submission already enqueued wins over the step timeout.
		select {
		case cmd := <-c.cmds:
			before := c.st.Status
			c.handleCommand(cmd, globalTimer)
			if c.st.Status == before && c.st.Status.IsAwaiting() {
				c.handleStepTimeout()
			}
		default:
			c.handleStepTimeout()
		}

	case <-globalTimer.C:
		c.handleGlobalTimeout()

	case sr := <-c.spawnDone:
		c.handleSpawnDone(ctx, sr)

	case <-ctx.Done():
		_ = c.st.Fail("shutdown")
		_ = c.commitOrFail(events.Error("shutdown"))
	}
}

func (c *Controller) handleCommand(cmd command, globalTimer *time.Timer) {
	// The global timeout wins over a submission that became ready in the
	// same scheduling turn.
	select {
	case <-globalTimer.C:
		c.handleGlobalTimeout()
	default:
	}

	switch cmd.kind {
	case cmdQuery:
		cmd.reply <- reply{state: *c.st}

	case cmdStop:
		if c.st.IsTerminal() {
			cmd.reply <- reply{err: ErrWrongState, next: NextStop, state: *c.st}
			return
		}
		_ = c.st.Fail("user-requested stop: " + cmd.reason)
		_ = c.commitOrFail(events.Error(c.st.ErrorMessage))
		cmd.reply <- reply{next: NextStop, state: *c.st}

	case cmdSubmitStudent:
		c.handleSubmitStudent(cmd)

	case cmdSubmitMentor:
		c.handleSubmitMentor(cmd)
	}
}

func (c *Controller) handleSubmitStudent(cmd command) {
	if c.st.Status != state.StatusAwaitingStudent {
		cmd.reply <- reply{err: ErrWrongState, next: c.nextAction(), state: *c.st}
		return
	}
	if err := cmd.output.Validate(); err != nil {
		c.invalidCount++
		log.Warn().Err(err).Int("count", c.invalidCount).Msg("invalid student submission")
		if c.invalidCount >= maxInvalidSubmissions {
			synth := state.StudentOutput{
				Status:      state.StudentCannotComplete,
				CurrentStep: cmd.output.CurrentStep,
				Reason:      "repeated invalid submissions",
				Summary:     "the student runner produced repeatedly invalid results",
			}
			if synth.CurrentStep == "" {
				synth.CurrentStep = "unknown"
			}
			_ = c.st.ReceiveStudent(synth, c.cfg.MaxIterations)
			_ = c.commitOrFail(events.StudentOutput(c.st.Iteration, synth))
		}
		cmd.reply <- reply{err: fmt.Errorf("%w: %v", ErrInvalidSubmission, err), next: c.nextAction(), state: *c.st}
		return
	}

	c.invalidCount = 0
	iteration := c.st.Iteration
	if err := c.st.ReceiveStudent(cmd.output, c.cfg.MaxIterations); err != nil {
		cmd.reply <- reply{err: fmt.Errorf("%w: %v", ErrInvalidSubmission, err), next: c.nextAction(), state: *c.st}
		return
	}
	if c.commitOrFail(events.StudentOutput(iteration, cmd.output)) != nil {
		cmd.reply <- reply{err: ErrWrongState, next: NextStop, state: *c.st}
		return
	}
	log.Info().
		Str("status", string(cmd.output.Status)).
		Str("step", cmd.output.CurrentStep).
		Int("iteration", iteration).
		Msg("student result received")
	cmd.reply <- reply{next: c.nextAction(), state: *c.st}
}

func (c *Controller) handleSubmitMentor(cmd command) {
	if c.st.Status != state.StatusAwaitingMentor {
		cmd.reply <- reply{err: ErrWrongState, next: c.nextAction(), state: *c.st}
		return
	}
	iteration := c.st.Iteration
	answer := state.TruncateAnswer(cmd.text)
	if err := c.st.ReceiveMentor(answer); err != nil {
		cmd.reply <- reply{err: fmt.Errorf("%w: %v", ErrInvalidSubmission, err), next: c.nextAction(), state: *c.st}
		return
	}
	if c.commitOrFail(events.MentorOutput(iteration, answer)) != nil {
		cmd.reply <- reply{err: ErrWrongState, next: NextStop, state: *c.st}
		return
	}
	log.Info().Int("iteration", iteration).Int("bytes", len(answer)).Msg("mentor result received")

	// Next student attempt begins from AwaitingMentor.
	if err := c.st.StartIteration(); err != nil {
		_ = c.st.Fail(fmt.Sprintf("iteration start failed: %v", err))
	} else {
		_ = c.commitOrFail(events.IterationStart(c.st.Iteration))
	}
	cmd.reply <- reply{next: c.nextAction(), state: *c.st}
}

func (c *Controller) nextAction() string {
	if c.st.IsTerminal() {
		return NextStop
	}
	return NextContinue
}

// handleStepTimeout synthesizes the timeout outcome for the awaited
// phase: a student that never called back escalates to the mentor; a
// silent mentor is a hard blocker.
func (c *Controller) handleStepTimeout() {
	switch c.st.Status {
	case state.StatusAwaitingStudent:
		log.Warn().Int("iteration", c.st.Iteration).Msg("student step timeout, escalating to mentor")
		synth := state.StudentOutput{
			Status:            state.StudentAskMentor,
			CurrentStep:       "unknown",
			Problem:           "no callback",
			QuestionForMentor: "The student did not report a result within the step timeout. What should be checked to make progress on this tutorial?",
			Summary:           "no callback within the step timeout",
		}
		if err := c.st.ReceiveStudent(synth, c.cfg.MaxIterations); err != nil {
			_ = c.st.Fail(fmt.Sprintf("step timeout handling failed: %v", err))
		}
		_ = c.commitOrFail(events.StudentOutput(c.st.Iteration, synth))

	case state.StatusAwaitingMentor:
		log.Warn().Int("iteration", c.st.Iteration).Msg("mentor step timeout")
		if err := c.st.MentorTimedOut(); err != nil {
			_ = c.st.Fail(fmt.Sprintf("mentor timeout handling failed: %v", err))
		}
		_ = c.commitOrFail(events.Error("mentor did not respond within the step timeout"))
	}
}

func (c *Controller) handleGlobalTimeout() {
	if c.st.IsTerminal() {
		return
	}
	log.Warn().Dur("elapsed", c.st.Elapsed()).Msg("global timeout")
	_ = c.st.Expire()
	_ = c.commitOrFail(events.Error("global timeout exceeded"))
}

// handleSpawnDone reacts to the runner exec finishing. A successful exec
// is uninteresting here: the result arrives through the ingress. Exec
// failures are transient once and fatal twice; a non-zero exit is retried
// once, then recorded as cannot_complete for a student runner, while a
// mentor runner's second non-zero exit ends the run as a blocker.
func (c *Controller) handleSpawnDone(ctx context.Context, sr spawnResult) {
	// Only a completion for the currently awaited role matters; anything
	// else is a stale exec from an earlier phase winding down.
	switch {
	case sr.role == roleStudent && c.st.Status == state.StatusAwaitingStudent:
	case sr.role == roleMentor && c.st.Status == state.StatusAwaitingMentor:
	default:
		return
	}
	switch {
	case sr.err != nil:
		log.Warn().Err(sr.err).Str("role", sr.role).Msg("runner spawn failed")
		if !c.spawnRetried {
			c.spawnRetried = true
			c.respawn(ctx, sr.role)
			return
		}
		_ = c.st.Fail(fmt.Sprintf("%s runner spawn failed twice: %v", sr.role, sr.err))
		_ = c.commitOrFail(events.Error(c.st.ErrorMessage))

	case sr.res.TimedOut:
		// The in-container process hit the exec deadline; equivalent to
		// the step timer firing.
		c.handleStepTimeout()

	case sr.res.ExitCode != 0:
		log.Warn().Int("exit_code", sr.res.ExitCode).Str("role", sr.role).Msg("runner exited non-zero")
		if !c.spawnRetried {
			c.spawnRetried = true
			c.respawn(ctx, sr.role)
			return
		}
		if sr.role == roleStudent {
			synth := state.StudentOutput{
				Status:      state.StudentCannotComplete,
				CurrentStep: "unknown",
				Reason:      fmt.Sprintf("student runner exited with code %d", sr.res.ExitCode),
				Summary:     "runner failed without reporting a result",
			}
			if err := c.st.ReceiveStudent(synth, c.cfg.MaxIterations); err != nil {
				_ = c.st.Fail(fmt.Sprintf("runner failure handling: %v", err))
			}
			_ = c.commitOrFail(events.StudentOutput(c.st.Iteration, synth))
		} else {
			if err := c.st.MentorTimedOut(); err != nil {
				_ = c.st.Fail(fmt.Sprintf("mentor runner exited with code %d", sr.res.ExitCode))
			}
			_ = c.commitOrFail(events.Error("mentor runner failed"))
		}
	}
}

// respawn relaunches the runner with the retry backoff; the backoff
// elapses inside the spawn goroutine, never on the controller goroutine.
func (c *Controller) respawn(ctx context.Context, role string) {
	promptName := fmt.Sprintf("%s-iter%d-prompt.md", role, c.st.Iteration)
	c.spawn(ctx, role, filepath.Join(sandbox.LogMountPath, promptName), spawnRetryDelay)
}
