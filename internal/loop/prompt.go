package loop

import (
	"fmt"
	"strings"

	"github.com/smilelab/smile/internal/config"
	"github.com/smilelab/smile/internal/state"
)

// BuildStudentPrompt composes the student prompt: behavior rules from the
// config, accumulated mentor guidance ordered by iteration, and the raw
// tutorial content verbatim. The orchestrator never parses the tutorial.
func BuildStudentPrompt(cfg config.Config, tutorialContent string, notes []state.MentorNote, iteration int) string {
	var b strings.Builder

	b.WriteString("You are a student following a technical tutorial step by step.\n")
	b.WriteString("Work inside your sandbox and report your result as a single JSON object.\n\n")

	if iteration == 1 {
		b.WriteString("This is your first attempt. Start at the beginning of the tutorial.\n\n")
	} else {
		fmt.Fprintf(&b, "This is iteration %d. Resume from where you got stuck, applying the mentor guidance below.\n\n", iteration)
	}

	b.WriteString("## Behavior Rules\n\n")
	b.WriteString(formatBehaviorRules(cfg.StudentBehavior))
	b.WriteString("\n\n")

	if section := formatMentorNotes(notes); section != "" {
		b.WriteString(section)
		b.WriteString("\n\n")
	}

	b.WriteString("## Tutorial\n\n")
	b.WriteString(tutorialContent)
	b.WriteString("\n")

	return b.String()
}

// BuildMentorPrompt composes the mentor prompt: the student's question and
// context plus the tutorial content. The mentor gives hints, never
// solutions.
func BuildMentorPrompt(tutorialContent string, question string, studentOutput state.StudentOutput, notes []state.MentorNote) string {
	var b strings.Builder

	b.WriteString("You are a mentor helping a student who is stuck following a tutorial.\n")
	b.WriteString("Give a short, concrete hint that unblocks the student. Do not solve the tutorial for them.\n\n")

	b.WriteString("## Student Question\n\n")
	b.WriteString(question)
	b.WriteString("\n\n")

	b.WriteString("## Student Context\n\n")
	fmt.Fprintf(&b, "Current step: %s\n", studentOutput.CurrentStep)
	if studentOutput.Problem != "" {
		fmt.Fprintf(&b, "Problem: %s\n", studentOutput.Problem)
	}
	if studentOutput.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", studentOutput.Summary)
	}
	if len(studentOutput.AttemptedActions) > 0 {
		b.WriteString("Attempted actions:\n")
		for _, a := range studentOutput.AttemptedActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	b.WriteString("\n")

	if section := formatMentorNotes(notes); section != "" {
		b.WriteString(section)
		b.WriteString("\n\n")
	}

	b.WriteString("## Tutorial\n\n")
	b.WriteString(tutorialContent)
	b.WriteString("\n")

	return b.String()
}

func formatBehaviorRules(behavior config.StudentBehavior) string {
	patience := map[string]string{
		config.PatienceLow:    "Ask for help relatively quickly when stuck.",
		config.PatienceMedium: "Make a moderate effort before asking for help.",
		config.PatienceHigh:   "Try hard to solve problems yourself before asking.",
	}

	rules := []string{
		fmt.Sprintf("- Maximum retry attempts before asking for help: %d", behavior.MaxRetriesBeforeHelp),
		fmt.Sprintf("- Patience level: %s - %s", behavior.PatienceLevel, patience[behavior.PatienceLevel]),
	}
	if behavior.AskOnMissingDependency {
		rules = append(rules, "- Ask for help when a required dependency or tool is missing.")
	}
	if behavior.AskOnAmbiguousInstruction {
		rules = append(rules, "- Ask for help when instructions are unclear or ambiguous.")
	}
	if behavior.AskOnCommandFailure {
		rules = append(rules, "- Ask for help when a command fails unexpectedly.")
	}
	if behavior.AskOnTimeout {
		rules = append(rules, fmt.Sprintf("- Ask for help when an operation takes longer than %d seconds.", behavior.TimeoutSeconds))
	}
	return strings.Join(rules, "\n")
}

func formatMentorNotes(notes []state.MentorNote) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Previous Mentor Guidance\n\n")
	b.WriteString("The mentor provided the following guidance in earlier iterations:\n\n")
	for i, note := range notes {
		fmt.Fprintf(&b, "### Note %d (iteration %d)\n\nQ: %s\n\n%s\n\n", i+1, note.Iteration, note.Question, note.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
