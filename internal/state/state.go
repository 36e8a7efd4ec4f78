// Package state defines the loop state machine, its durable document, and
// the on-disk store that persists it between iterations and across crashes.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StateVersion is persisted inside state.json; documents written by an
// incompatible build are treated as corrupt rather than silently resumed.
const StateVersion = 1

// MaxMentorAnswerBytes caps a mentor answer before it is persisted.
const MaxMentorAnswerBytes = 8192

// Status is the loop execution status.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusRunningStudent  Status = "running_student"
	StatusAwaitingStudent Status = "awaiting_student"
	StatusRunningMentor   Status = "running_mentor"
	StatusAwaitingMentor  Status = "awaiting_mentor"
	StatusCompleted       Status = "completed"
	StatusMaxIterations   Status = "max_iterations"
	StatusBlocker         Status = "blocker"
	StatusTimeout         Status = "timeout"
	StatusError           Status = "error"
)

// ParseStatus parses a status string case-insensitively. The aliases
// waiting_for_student / waiting_for_mentor are accepted for compatibility
// with older state files.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starting":
		return StatusStarting, nil
	case "running_student":
		return StatusRunningStudent, nil
	case "awaiting_student", "waiting_for_student":
		return StatusAwaitingStudent, nil
	case "running_mentor":
		return StatusRunningMentor, nil
	case "awaiting_mentor", "waiting_for_mentor":
		return StatusAwaitingMentor, nil
	case "completed":
		return StatusCompleted, nil
	case "max_iterations":
		return StatusMaxIterations, nil
	case "blocker":
		return StatusBlocker, nil
	case "timeout":
		return StatusTimeout, nil
	case "error":
		return StatusError, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// UnmarshalJSON accepts status values case-insensitively.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the status ends the run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusMaxIterations, StatusBlocker, StatusTimeout, StatusError:
		return true
	}
	return false
}

// IsAwaiting reports whether the loop is waiting for a runner callback.
func (s Status) IsAwaiting() bool {
	return s == StatusAwaitingStudent || s == StatusAwaitingMentor
}

// IsRunning reports whether a runner is being spawned or executing.
func (s Status) IsRunning() bool {
	return s == StatusRunningStudent || s == StatusRunningMentor
}

// Description returns a human-readable description of the status.
func (s Status) Description() string {
	switch s {
	case StatusStarting:
		return "Loop is initializing"
	case StatusRunningStudent:
		return "Student agent is processing"
	case StatusAwaitingStudent:
		return "Waiting for student response"
	case StatusRunningMentor:
		return "Mentor agent is processing"
	case StatusAwaitingMentor:
		return "Waiting for mentor response"
	case StatusCompleted:
		return "Tutorial completed successfully"
	case StatusMaxIterations:
		return "Maximum iterations reached"
	case StatusBlocker:
		return "Unresolvable blocker encountered"
	case StatusTimeout:
		return "Global timeout exceeded"
	case StatusError:
		return "Unrecoverable error occurred"
	default:
		return string(s)
	}
}

// StudentStatus is the status reported by the student runner.
type StudentStatus string

const (
	StudentCompleted      StudentStatus = "completed"
	StudentAskMentor      StudentStatus = "ask_mentor"
	StudentCannotComplete StudentStatus = "cannot_complete"
)

// ParseStudentStatus parses a student status case-insensitively.
func ParseStudentStatus(s string) (StudentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed":
		return StudentCompleted, nil
	case "ask_mentor":
		return StudentAskMentor, nil
	case "cannot_complete":
		return StudentCannotComplete, nil
	default:
		return "", fmt.Errorf("unknown student status %q", s)
	}
}

// UnmarshalJSON accepts student status values case-insensitively.
func (s *StudentStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStudentStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StudentOutput is the structured result reported by the student runner.
type StudentOutput struct {
	Status             StudentStatus `json:"status"`
	CurrentStep        string        `json:"current_step"`
	AttemptedActions   []string      `json:"attempted_actions"`
	Problem            string        `json:"problem,omitempty"`
	QuestionForMentor  string        `json:"question_for_mentor,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	Summary            string        `json:"summary"`
	FilesCreated       []string      `json:"files_created,omitempty"`
	CommandsRun        []string      `json:"commands_run,omitempty"`
}

// Validate enforces the required-when rules of the student contract.
func (o *StudentOutput) Validate() error {
	switch o.Status {
	case StudentCompleted, StudentAskMentor, StudentCannotComplete:
	default:
		return fmt.Errorf("unknown student status %q", o.Status)
	}
	if o.Status == StudentAskMentor && strings.TrimSpace(o.QuestionForMentor) == "" {
		return errors.New("question_for_mentor is required when status is ask_mentor")
	}
	if o.Status == StudentCannotComplete && strings.TrimSpace(o.Reason) == "" {
		return errors.New("reason is required when status is cannot_complete")
	}
	return nil
}

// MentorNote records one mentor consultation.
type MentorNote struct {
	Iteration int       `json:"iteration"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// IterationRecord records one completed iteration: the student phase and
// the mentor phase when the student escalated.
type IterationRecord struct {
	Iteration     int           `json:"iteration"`
	StudentOutput StudentOutput `json:"student_output"`
	MentorOutput  string        `json:"mentor_output,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
}

// LoopState is the single durable document for a run.
type LoopState struct {
	Version              int               `json:"version"`
	Status               Status            `json:"status"`
	Iteration            int               `json:"iteration"`
	MentorNotes          []MentorNote      `json:"mentor_notes"`
	History              []IterationRecord `json:"history"`
	StartedAt            time.Time         `json:"started_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	RunID                string            `json:"run_id"`
	WorkspaceFingerprint string            `json:"workspace_fingerprint"`

	// Fingerprint inputs, kept alongside the composite hash so a resume
	// mismatch can say what changed.
	TutorialPath   string `json:"tutorial_path,omitempty"`
	TutorialDigest string `json:"tutorial_digest,omitempty"`
	ConfigDigest   string `json:"config_digest,omitempty"`
	CurrentQuestion      string            `json:"current_question,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`

	// IterationStartedAt tracks the in-flight iteration start; the value
	// moves into the history record when the iteration commits.
	IterationStartedAt time.Time `json:"iteration_started_at,omitempty"`

	// PendingStudent holds an ask_mentor output between the student
	// submission and the mentor answer so a crash in between loses nothing.
	PendingStudent *StudentOutput `json:"pending_student,omitempty"`
}

// ErrInvalidTransition is returned for a state transition the machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// New creates a LoopState in Starting with the given identity.
func New(runID, fingerprint string) *LoopState {
	now := time.Now().UTC()
	return &LoopState{
		Version:              StateVersion,
		Status:               StatusStarting,
		Iteration:            0,
		MentorNotes:          []MentorNote{},
		History:              []IterationRecord{},
		StartedAt:            now,
		UpdatedAt:            now,
		RunID:                runID,
		WorkspaceFingerprint: fingerprint,
	}
}

// IsTerminal reports whether the loop has finished.
func (s *LoopState) IsTerminal() bool { return s.Status.IsTerminal() }

// Touch advances the updated_at timestamp.
func (s *LoopState) Touch() { s.UpdatedAt = time.Now().UTC() }

// Elapsed returns the duration since the loop started.
func (s *LoopState) Elapsed() time.Duration {
	return time.Since(s.StartedAt)
}

func (s *LoopState) transition(from []Status, to Status) error {
	for _, f := range from {
		if s.Status == f {
			s.Status = to
			s.Touch()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
}

// StartIteration moves to RunningStudent and increments the iteration.
// Valid from Starting (first iteration) and AwaitingMentor (next cycle).
func (s *LoopState) StartIteration() error {
	if err := s.transition([]Status{StatusStarting, StatusAwaitingMentor}, StatusRunningStudent); err != nil {
		return err
	}
	s.Iteration++
	s.IterationStartedAt = time.Now().UTC()
	return nil
}

// ResumeIteration re-enters RunningStudent after a crash without
// incrementing the iteration counter.
func (s *LoopState) ResumeIteration() error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusRunningStudent
	if s.IterationStartedAt.IsZero() {
		s.IterationStartedAt = time.Now().UTC()
	}
	if s.Iteration == 0 {
		s.Iteration = 1
	}
	s.Touch()
	return nil
}

// AwaitStudent marks the student runner as spawned.
func (s *LoopState) AwaitStudent() error {
	return s.transition([]Status{StatusRunningStudent}, StatusAwaitingStudent)
}

// ReceiveStudent consumes a validated student output and transitions
// according to its status and the iteration budget. The iteration record
// for completed/cannot_complete outcomes is appended immediately; for
// ask_mentor it is appended when the mentor answer (or its absence) is
// known, so history length stays consistent with the iteration phase.
func (s *LoopState) ReceiveStudent(output StudentOutput, maxIterations int) error {
	if s.Status != StatusAwaitingStudent {
		return fmt.Errorf("%w: cannot accept student result in %s", ErrInvalidTransition, s.Status)
	}
	if err := output.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch output.Status {
	case StudentCompleted:
		s.appendRecord(output, "", now)
		s.Status = StatusCompleted
	case StudentCannotComplete:
		s.appendRecord(output, "", now)
		s.Status = StatusBlocker
	case StudentAskMentor:
		if s.Iteration >= maxIterations {
			s.appendRecord(output, "", now)
			s.Status = StatusMaxIterations
		} else {
			s.CurrentQuestion = output.QuestionForMentor
			s.PendingStudent = &output
			s.Status = StatusRunningMentor
		}
	}
	s.Touch()
	return nil
}

func (s *LoopState) appendRecord(output StudentOutput, mentorOutput string, endedAt time.Time) {
	startedAt := s.IterationStartedAt
	if startedAt.IsZero() {
		startedAt = endedAt
	}
	s.History = append(s.History, IterationRecord{
		Iteration:     s.Iteration,
		StudentOutput: output,
		MentorOutput:  mentorOutput,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
	})
	s.IterationStartedAt = time.Time{}
}

// AwaitMentor marks the mentor runner as spawned.
func (s *LoopState) AwaitMentor() error {
	return s.transition([]Status{StatusRunningMentor}, StatusAwaitingMentor)
}

// ReceiveMentor consumes the mentor answer, records the consultation and
// the completed iteration, and leaves the loop in AwaitingMentor ready for
// StartIteration. The answer is truncated to MaxMentorAnswerBytes.
func (s *LoopState) ReceiveMentor(answer string) error {
	if s.Status != StatusAwaitingMentor {
		return fmt.Errorf("%w: cannot accept mentor result in %s", ErrInvalidTransition, s.Status)
	}
	answer = TruncateAnswer(answer)
	now := time.Now().UTC()

	question := s.CurrentQuestion
	if question == "" {
		question = "Unknown question"
	}
	s.MentorNotes = append(s.MentorNotes, MentorNote{
		Iteration: s.Iteration,
		Question:  question,
		Answer:    answer,
		Timestamp: now,
	})

	output := StudentOutput{Status: StudentAskMentor, QuestionForMentor: question}
	if s.PendingStudent != nil {
		output = *s.PendingStudent
	}
	s.appendRecord(output, answer, now)
	s.PendingStudent = nil
	s.CurrentQuestion = ""
	s.Touch()
	return nil
}

// MentorTimedOut ends the run with Blocker after the mentor failed to
// answer within the step timeout. The pending iteration is recorded with
// the unanswered student output.
func (s *LoopState) MentorTimedOut() error {
	if s.Status != StatusAwaitingMentor && s.Status != StatusRunningMentor {
		return fmt.Errorf("%w: mentor timeout in %s", ErrInvalidTransition, s.Status)
	}
	output := StudentOutput{Status: StudentAskMentor, QuestionForMentor: s.CurrentQuestion}
	if s.PendingStudent != nil {
		output = *s.PendingStudent
	}
	s.appendRecord(output, "", time.Now().UTC())
	s.PendingStudent = nil
	s.Status = StatusBlocker
	s.ErrorMessage = "mentor did not respond within the step timeout"
	s.Touch()
	return nil
}

// Fail ends the run with Error and the given message. Rejected when the
// loop is already terminal.
func (s *LoopState) Fail(message string) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: already terminal (%s)", ErrInvalidTransition, s.Status)
	}
	s.flushPending()
	s.Status = StatusError
	s.ErrorMessage = message
	s.Touch()
	return nil
}

// Expire ends the run with Timeout after the global deadline.
func (s *LoopState) Expire() error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: already terminal (%s)", ErrInvalidTransition, s.Status)
	}
	s.flushPending()
	s.Status = StatusTimeout
	s.Touch()
	return nil
}

// flushPending records an in-flight ask_mentor iteration that will never
// receive its answer, so the history is complete in the terminal document.
func (s *LoopState) flushPending() {
	if s.PendingStudent != nil {
		s.appendRecord(*s.PendingStudent, "", time.Now().UTC())
		s.PendingStudent = nil
	}
}

// TruncateAnswer caps a mentor answer at MaxMentorAnswerBytes, keeping the
// prefix on a rune boundary.
func TruncateAnswer(answer string) string {
	if len(answer) <= MaxMentorAnswerBytes {
		return answer
	}
	cut := MaxMentorAnswerBytes
	for cut > 0 && !isRuneStart(answer[cut]) {
		cut--
	}
	return answer[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
