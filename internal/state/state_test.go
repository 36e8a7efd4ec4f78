package state

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func askMentorOutput(question string) StudentOutput {
	return StudentOutput{
		Status:            StudentAskMentor,
		CurrentStep:       "Step 2",
		QuestionForMentor: question,
		Summary:           "stuck",
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusCompleted, StatusMaxIterations, StatusBlocker, StatusTimeout, StatusError} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []Status{StatusStarting, StatusRunningStudent, StatusAwaitingStudent, StatusRunningMentor, StatusAwaitingMentor} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestParseStatus_CaseInsensitiveAndAliases(t *testing.T) {
	t.Parallel()

	got, err := ParseStatus("Running_Student")
	require.NoError(t, err)
	assert.Equal(t, StatusRunningStudent, got)

	got, err = ParseStatus("waiting_for_student")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingStudent, got)

	got, err = ParseStatus("waiting_for_mentor")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingMentor, got)

	_, err = ParseStatus("exploded")
	require.Error(t, err)
}

func TestStudentOutput_Validate(t *testing.T) {
	t.Parallel()

	ok := StudentOutput{Status: StudentCompleted, CurrentStep: "done", Summary: "ok"}
	require.NoError(t, ok.Validate())

	askNoQuestion := StudentOutput{Status: StudentAskMentor, Summary: "stuck"}
	require.Error(t, askNoQuestion.Validate())

	cannotNoReason := StudentOutput{Status: StudentCannotComplete, Summary: "blocked"}
	require.Error(t, cannotNoReason.Validate())

	ask := askMentorOutput("Which Python version?")
	require.NoError(t, ask.Validate())
}

func TestStudentStatus_UnmarshalCaseInsensitive(t *testing.T) {
	t.Parallel()

	var out StudentOutput
	require.NoError(t, json.Unmarshal([]byte(`{"status":"ASK_MENTOR","current_step":"s","summary":"x","question_for_mentor":"q"}`), &out))
	assert.Equal(t, StudentAskMentor, out.Status)
}

func TestNew_InitialState(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp-1")
	assert.Equal(t, StatusStarting, st.Status)
	assert.Equal(t, 0, st.Iteration)
	assert.Empty(t, st.MentorNotes)
	assert.Empty(t, st.History)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, "fp-1", st.WorkspaceFingerprint)
	assert.Equal(t, StateVersion, st.Version)
	assert.False(t, st.IsTerminal())
}

func TestLoopState_CompletedFlow(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	assert.Equal(t, 1, st.Iteration)
	require.NoError(t, st.AwaitStudent())

	out := StudentOutput{Status: StudentCompleted, CurrentStep: "All done", Summary: "ok"}
	require.NoError(t, st.ReceiveStudent(out, 3))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Len(t, st.History, 1)
	assert.Equal(t, 1, st.History[0].Iteration)
	assert.Empty(t, st.MentorNotes)
}

func TestLoopState_MentorCycleThenComplete(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, st.ReceiveStudent(askMentorOutput("Which Python version?"), 3))
	assert.Equal(t, StatusRunningMentor, st.Status)
	assert.Equal(t, "Which Python version?", st.CurrentQuestion)
	// History is not committed until the mentor phase resolves.
	assert.Empty(t, st.History)

	require.NoError(t, st.AwaitMentor())
	require.NoError(t, st.ReceiveMentor("Use Python 3.11+"))

	require.Len(t, st.MentorNotes, 1)
	assert.Equal(t, "Which Python version?", st.MentorNotes[0].Question)
	assert.Equal(t, "Use Python 3.11+", st.MentorNotes[0].Answer)
	require.Len(t, st.History, 1)
	assert.Equal(t, "Use Python 3.11+", st.History[0].MentorOutput)
	assert.Empty(t, st.CurrentQuestion)

	require.NoError(t, st.StartIteration())
	assert.Equal(t, 2, st.Iteration)
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, st.ReceiveStudent(StudentOutput{Status: StudentCompleted, CurrentStep: "done", Summary: "ok"}, 3))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Len(t, st.History, 2)
	assert.Len(t, st.MentorNotes, 1)
}

func TestLoopState_CannotCompleteIsBlocker(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	out := StudentOutput{Status: StudentCannotComplete, CurrentStep: "Step 1", Reason: "Requires paid service", Summary: "blocked"}
	require.NoError(t, st.ReceiveStudent(out, 3))

	assert.Equal(t, StatusBlocker, st.Status)
	require.Len(t, st.History, 1)
	assert.Equal(t, "Requires paid service", st.History[0].StudentOutput.Reason)
}

func TestLoopState_AskMentorAtMaxIterations(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, st.ReceiveStudent(askMentorOutput("help?"), 1))

	// No mentor run: the budget is exhausted.
	assert.Equal(t, StatusMaxIterations, st.Status)
	assert.Len(t, st.History, 1)
	assert.Empty(t, st.MentorNotes)
}

func TestLoopState_WrongStateRejected(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	err := st.ReceiveStudent(StudentOutput{Status: StudentCompleted, Summary: "x"}, 3)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = st.ReceiveMentor("advice")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, st.StartIteration())
	err = st.StartIteration()
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLoopState_InvalidOutputLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())

	bad := StudentOutput{Status: StudentAskMentor, Summary: "no question"}
	require.Error(t, st.ReceiveStudent(bad, 3))

	assert.Equal(t, StatusAwaitingStudent, st.Status)
	assert.Empty(t, st.History)
}

func TestLoopState_MentorTimeoutIsBlocker(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, st.ReceiveStudent(askMentorOutput("help?"), 5))
	require.NoError(t, st.AwaitMentor())
	require.NoError(t, st.MentorTimedOut())

	assert.Equal(t, StatusBlocker, st.Status)
	require.Len(t, st.History, 1)
	assert.Empty(t, st.History[0].MentorOutput)
	assert.Empty(t, st.MentorNotes)
}

func TestLoopState_FailAndExpire(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.Fail("user requested stop"))
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "user requested stop", st.ErrorMessage)

	// Terminal writes are rejected.
	require.ErrorIs(t, st.Fail("again"), ErrInvalidTransition)
	require.ErrorIs(t, st.Expire(), ErrInvalidTransition)

	st2 := New("run-2", "fp")
	require.NoError(t, st2.StartIteration())
	require.NoError(t, st2.Expire())
	assert.Equal(t, StatusTimeout, st2.Status)
}

func TestLoopState_ExpireFlushesPendingIteration(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, st.ReceiveStudent(askMentorOutput("help?"), 5))
	require.NoError(t, st.Expire())

	assert.Equal(t, StatusTimeout, st.Status)
	require.Len(t, st.History, 1)
	assert.Equal(t, StudentAskMentor, st.History[0].StudentOutput.Status)
}

func TestLoopState_ResumeIterationDoesNotIncrement(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())

	require.NoError(t, st.ResumeIteration())
	assert.Equal(t, 1, st.Iteration)
	assert.Equal(t, StatusRunningStudent, st.Status)
}

func TestTruncateAnswer(t *testing.T) {
	t.Parallel()

	short := "short answer"
	assert.Equal(t, short, TruncateAnswer(short))

	long := strings.Repeat("x", MaxMentorAnswerBytes+100)
	got := TruncateAnswer(long)
	assert.Len(t, got, MaxMentorAnswerBytes)

	// Truncation never splits a multi-byte rune.
	runes := strings.Repeat("é", MaxMentorAnswerBytes)
	got = TruncateAnswer(runes)
	assert.LessOrEqual(t, len(got), MaxMentorAnswerBytes)
	for _, r := range got {
		assert.NotEqual(t, '�', r)
	}
}

func TestLoopState_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, st.ReceiveStudent(askMentorOutput("How do I start?"), 5))

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"running_mentor"`)

	var restored LoopState
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, st.Status, restored.Status)
	assert.Equal(t, st.Iteration, restored.Iteration)
	assert.Equal(t, st.CurrentQuestion, restored.CurrentQuestion)
	require.NotNil(t, restored.PendingStudent)
	assert.Equal(t, "How do I start?", restored.PendingStudent.QuestionForMentor)
}
