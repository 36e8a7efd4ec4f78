// Package report derives the gap report from a terminal loop state and
// renders it as canonical JSON and Markdown.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smilelab/smile/internal/state"
)

// Severity of a documentation gap.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Priority returns a numeric priority, lower is more severe.
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityMajor:
		return 2
	default:
		return 3
	}
}

// Label returns the display label for the severity.
func (s Severity) Label() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityMajor:
		return "Major"
	default:
		return "Minor"
	}
}

// MaxSuggestedFixBytes caps the rendered suggested fix.
const MaxSuggestedFixBytes = 500

// maxAuditOutputBytes caps the recorded command text.
const maxAuditOutputBytes = 4096

// Report is the complete gap report for one run.
type Report struct {
	TutorialName    string           `json:"tutorial_name"`
	Summary         Summary          `json:"summary"`
	Gaps            []Gap            `json:"gaps"`
	Timeline        []TimelineEntry  `json:"timeline"`
	AuditTrail      AuditTrail       `json:"audit_trail"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Summary is the high-level outcome of the run.
type Summary struct {
	Status          state.Status `json:"status"`
	Iterations      int          `json:"iterations"`
	DurationSeconds int64        `json:"duration_seconds"`
	TutorialPath    string       `json:"tutorial_path"`
}

// Gap is one documentation gap identified by the loop.
type Gap struct {
	ID           int      `json:"id"`
	Title        string   `json:"title"`
	Location     Location `json:"location"`
	Problem      string   `json:"problem"`
	SuggestedFix string   `json:"suggested_fix"`
	Severity     Severity `json:"severity"`
}

// Location points into the tutorial document; both fields are best-effort.
type Location struct {
	LineNumber int    `json:"line_number,omitempty"`
	Quote      string `json:"quote,omitempty"`
}

// IsEmpty reports whether no location information was found.
func (l Location) IsEmpty() bool { return l.LineNumber == 0 && l.Quote == "" }

// TimelineEntry is one timestamped event in the run.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Iteration int       `json:"iteration"`
	Event     string    `json:"event"`
	Details   string    `json:"details,omitempty"`
}

// AuditTrail aggregates everything the student reported doing.
type AuditTrail struct {
	Commands []AuditCommand `json:"commands"`
	Files    []AuditFile    `json:"files"`
	Agents   []AuditAgent   `json:"agents"`
}

// AuditCommand is one command reported by the student.
type AuditCommand struct {
	Iteration int    `json:"iteration"`
	Command   string `json:"command"`
}

// AuditFile is one file reported created by the student.
type AuditFile struct {
	Iteration int    `json:"iteration"`
	Path      string `json:"path"`
}

// AuditAgent is one iteration/agent execution tuple.
type AuditAgent struct {
	Iteration int    `json:"iteration"`
	Agent     string `json:"agent"`
	Status    string `json:"status"`
}

// Recommendation is a prioritized improvement suggestion.
type Recommendation struct {
	Priority int    `json:"priority"`
	Text     string `json:"text"`
}

// GapCounts aggregates gaps by severity.
type GapCounts struct {
	Critical int `json:"critical"`
	Major    int `json:"major"`
	Minor    int `json:"minor"`
}

// Total returns the overall gap count.
func (c GapCounts) Total() int { return c.Critical + c.Major + c.Minor }

// Counts tallies the report's gaps by severity.
func (r *Report) Counts() GapCounts {
	var c GapCounts
	for _, g := range r.Gaps {
		switch g.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityMajor:
			c.Major++
		default:
			c.Minor++
		}
	}
	return c
}

// HasCriticalGaps reports whether any gap is critical.
func (r *Report) HasCriticalGaps() bool {
	for _, g := range r.Gaps {
		if g.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// JSON renders the canonical JSON document.
func (r *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
