package loop

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/smilelab/smile/internal/config"
	"github.com/smilelab/smile/internal/state"
)

func TestBuildStudentPrompt_FirstIteration(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	prompt := BuildStudentPrompt(cfg, "# My Tutorial\n\nStep 1.", nil, 1)

	assert.Contains(t, prompt, "first attempt")
	assert.Contains(t, prompt, "# My Tutorial")
	assert.Contains(t, prompt, "Maximum retry attempts before asking for help: 3")
	assert.Contains(t, prompt, "Patience level: low")
	assert.NotContains(t, prompt, "Previous Mentor Guidance")
}

func TestBuildStudentPrompt_IncludesMentorNotesInOrder(t *testing.T) {
	t.Parallel()

	notes := []state.MentorNote{
		{Iteration: 1, Question: "Which Python?", Answer: "Use 3.11+", Timestamp: time.Now()},
		{Iteration: 2, Question: "Which port?", Answer: "Use 8080", Timestamp: time.Now()},
	}
	prompt := BuildStudentPrompt(config.Default(), "# T", notes, 3)

	assert.Contains(t, prompt, "iteration 3")
	first := strings.Index(prompt, "Use 3.11+")
	second := strings.Index(prompt, "Use 8080")
	assert.Greater(t, first, 0)
	assert.Greater(t, second, first)
}

func TestBuildStudentPrompt_BehaviorTogglesRespected(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.StudentBehavior.AskOnMissingDependency = false
	cfg.StudentBehavior.AskOnTimeout = false
	prompt := BuildStudentPrompt(cfg, "# T", nil, 1)

	assert.NotContains(t, prompt, "dependency or tool is missing")
	assert.NotContains(t, prompt, "takes longer than")
	assert.Contains(t, prompt, "unclear or ambiguous")
}

func TestBuildMentorPrompt_CarriesQuestionAndContext(t *testing.T) {
	t.Parallel()

	out := state.StudentOutput{
		Status:           state.StudentAskMentor,
		CurrentStep:      "Step 2: Install dependencies",
		Problem:          "npm fails",
		Summary:          "stuck on install",
		AttemptedActions: []string{"npm install", "npm ci"},
	}
	prompt := BuildMentorPrompt("# T\nStep 2: Install dependencies", "Which registry?", out, nil)

	assert.Contains(t, prompt, "Which registry?")
	assert.Contains(t, prompt, "Step 2: Install dependencies")
	assert.Contains(t, prompt, "npm fails")
	assert.Contains(t, prompt, "- npm ci")
	assert.Contains(t, prompt, "Do not solve the tutorial")
}
