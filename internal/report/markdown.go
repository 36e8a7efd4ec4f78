package report

import (
	"fmt"
	"strings"
	"time"
)

// Markdown renders the report for human consumption. The content mirrors
// the JSON document; JSON stays canonical for programmatic consumers.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Tutorial Validation Report: %s\n\n", r.TutorialName)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Status | %s (%s) |\n", r.Summary.Status, r.Summary.Status.Description())
	fmt.Fprintf(&b, "| Iterations | %d |\n", r.Summary.Iterations)
	fmt.Fprintf(&b, "| Duration | %s |\n", (time.Duration(r.Summary.DurationSeconds) * time.Second).String())
	fmt.Fprintf(&b, "| Tutorial | %s |\n\n", r.Summary.TutorialPath)

	counts := r.Counts()
	b.WriteString("## Gaps\n\n")
	if counts.Total() == 0 {
		b.WriteString("No gaps were identified.\n\n")
	} else {
		fmt.Fprintf(&b, "%d gap(s): %d critical, %d major, %d minor.\n\n",
			counts.Total(), counts.Critical, counts.Major, counts.Minor)
		for _, g := range r.Gaps {
			fmt.Fprintf(&b, "### Gap %d: %s\n\n", g.ID, g.Title)
			fmt.Fprintf(&b, "- **Severity**: %s\n", g.Severity.Label())
			if !g.Location.IsEmpty() {
				fmt.Fprintf(&b, "- **Location**: line %d: `%s`\n", g.Location.LineNumber, g.Location.Quote)
			} else {
				b.WriteString("- **Location**: not found in tutorial\n")
			}
			fmt.Fprintf(&b, "- **Problem**: %s\n", g.Problem)
			fmt.Fprintf(&b, "- **Suggested fix**: %s\n\n", g.SuggestedFix)
		}
	}

	b.WriteString("## Timeline\n\n")
	for _, e := range r.Timeline {
		line := fmt.Sprintf("- %s · iteration %d · %s", e.Timestamp.UTC().Format(time.RFC3339), e.Iteration, e.Event)
		if e.Details != "" {
			line += ": " + e.Details
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	b.WriteString("## Audit Trail\n\n")
	fmt.Fprintf(&b, "%d command(s), %d file(s) created, %d agent run(s).\n\n",
		len(r.AuditTrail.Commands), len(r.AuditTrail.Files), len(r.AuditTrail.Agents))
	if len(r.AuditTrail.Commands) > 0 {
		b.WriteString("### Commands\n\n")
		for _, c := range r.AuditTrail.Commands {
			fmt.Fprintf(&b, "- iteration %d: `%s`\n", c.Iteration, c.Command)
		}
		b.WriteString("\n")
	}
	if len(r.AuditTrail.Files) > 0 {
		b.WriteString("### Files Created\n\n")
		for _, f := range r.AuditTrail.Files {
			fmt.Fprintf(&b, "- iteration %d: `%s`\n", f.Iteration, f.Path)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recommendations\n\n")
	if len(r.Recommendations) == 0 {
		b.WriteString("None.\n")
	} else {
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&b, "%d. (P%d) %s\n", i+1, rec.Priority, rec.Text)
		}
	}

	return b.String()
}
