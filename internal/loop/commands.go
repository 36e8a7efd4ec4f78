package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smilelab/smile/internal/state"
)

// NextAction values returned to runners after a submission.
const (
	NextContinue = "continue"
	NextStop     = "stop"
)

var (
	// ErrWrongState rejects a submission the loop is not waiting for.
	ErrWrongState = errors.New("wrong state")
	// ErrInvalidSubmission rejects a submission that fails validation.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrBusy means the controller did not acknowledge within the caller's
	// deadline; the command channel itself is unaffected.
	ErrBusy = errors.New("controller busy")
)

type cmdKind int

const (
	cmdSubmitStudent cmdKind = iota
	cmdSubmitMentor
	cmdStop
	cmdQuery
)

type command struct {
	kind   cmdKind
	output state.StudentOutput
	text   string
	reason string
	reply  chan reply
}

type reply struct {
	err   error
	next  string
	state state.LoopState
}

// SubmitResult is the acknowledgement returned for a mutating command.
type SubmitResult struct {
	NextAction string
	State      state.LoopState
}

func (c *Controller) send(ctx context.Context, cmd command) (reply, error) {
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return reply{}, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	case <-c.finished:
		return reply{}, fmt.Errorf("%w: loop finished", ErrWrongState)
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}
}

// SubmitStudent forwards a student result to the controller and awaits the
// acknowledgement. Valid only while the loop awaits the student.
func (c *Controller) SubmitStudent(ctx context.Context, output state.StudentOutput) (SubmitResult, error) {
	r, err := c.send(ctx, command{kind: cmdSubmitStudent, output: output, reply: make(chan reply, 1)})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{NextAction: r.next, State: r.state}, r.err
}

// SubmitMentor forwards a mentor answer to the controller and awaits the
// acknowledgement. Valid only while the loop awaits the mentor.
func (c *Controller) SubmitMentor(ctx context.Context, text string) (SubmitResult, error) {
	r, err := c.send(ctx, command{kind: cmdSubmitMentor, text: text, reply: make(chan reply, 1)})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{NextAction: r.next, State: r.state}, r.err
}

// Stop requests termination with the given reason. Valid in any
// non-terminal state; the loop ends with status error.
func (c *Controller) Stop(ctx context.Context, reason string) (SubmitResult, error) {
	r, err := c.send(ctx, command{kind: cmdStop, reason: reason, reply: make(chan reply, 1)})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{NextAction: r.next, State: r.state}, r.err
}

// Query returns a strongly consistent state snapshot through the command
// channel. Prefer Snapshot for paths that must never wait on the
// controller.
func (c *Controller) Query(ctx context.Context) (state.LoopState, error) {
	r, err := c.send(ctx, command{kind: cmdQuery, reply: make(chan reply, 1)})
	if err != nil {
		return state.LoopState{}, err
	}
	return r.state, nil
}

// Snapshot returns the last committed loop state without touching the
// command channel, so it stays fast regardless of what the controller is
// doing.
func (c *Controller) Snapshot() *state.LoopState {
	if st := c.snapshot.Load(); st != nil {
		clone := *st
		return &clone
	}
	return nil
}

// WaitDone blocks until the controller loop has finished or the timeout
// elapses.
func (c *Controller) WaitDone(timeout time.Duration) bool {
	select {
	case <-c.finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
