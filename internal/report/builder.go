package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smilelab/smile/internal/state"
	"github.com/smilelab/smile/internal/tutorial"
)

// Build derives the report from a terminal loop state and the tutorial it
// validated.
func Build(st *state.LoopState, tut *tutorial.Tutorial) *Report {
	r := &Report{
		TutorialName: tut.Name(),
		Summary: Summary{
			Status:          st.Status,
			Iterations:      st.Iteration,
			DurationSeconds: int64(st.UpdatedAt.Sub(st.StartedAt).Seconds()),
			TutorialPath:    tut.Path,
		},
		Gaps:     buildGaps(st, tut),
		Timeline: buildTimeline(st),
	}
	r.AuditTrail = buildAuditTrail(st)
	r.Recommendations = buildRecommendations(r)
	return r
}

// buildGaps produces one gap per iteration whose student outcome was
// ask_mentor or cannot_complete.
func buildGaps(st *state.LoopState, tut *tutorial.Tutorial) []Gap {
	gaps := []Gap{}
	for _, rec := range st.History {
		out := rec.StudentOutput
		if out.Status != state.StudentAskMentor && out.Status != state.StudentCannotComplete {
			continue
		}
		gap := Gap{
			ID:       len(gaps) + 1,
			Title:    gapTitle(out),
			Location: locate(tut.Content, out.CurrentStep),
			Problem:  gapProblem(out),
			Severity: deriveSeverity(st, rec),
		}
		switch {
		case rec.MentorOutput != "":
			gap.SuggestedFix = truncate(rec.MentorOutput, MaxSuggestedFixBytes)
		case out.Status == state.StudentCannotComplete:
			gap.SuggestedFix = "Unresolved blocker"
		default:
			gap.SuggestedFix = "Unresolved blocker"
		}
		gaps = append(gaps, gap)
	}
	return gaps
}

func gapTitle(out state.StudentOutput) string {
	step := strings.TrimSpace(out.CurrentStep)
	if step == "" || step == "unknown" {
		return "Student stuck at an unidentified step"
	}
	return "Student stuck at: " + truncate(step, 120)
}

func gapProblem(out state.StudentOutput) string {
	if out.Problem != "" {
		return out.Problem
	}
	if out.Reason != "" {
		return out.Reason
	}
	return out.Summary
}

// locate scans the tutorial for the exact current_step substring and
// returns its 1-indexed line and a quote; an empty location when the step
// text does not appear verbatim.
func locate(content, step string) Location {
	step = strings.TrimSpace(step)
	if step == "" {
		return Location{}
	}
	for i, line := range strings.Split(content, "\n") {
		if strings.Contains(line, step) {
			return Location{LineNumber: i + 1, Quote: strings.TrimSpace(line)}
		}
	}
	return Location{}
}

// deriveSeverity applies the derivation rules: cannot_complete is
// critical; ask_mentor is minor when the following iteration progressed
// past the same step, major otherwise.
func deriveSeverity(st *state.LoopState, rec state.IterationRecord) Severity {
	if rec.StudentOutput.Status == state.StudentCannotComplete {
		return SeverityCritical
	}
	for _, later := range st.History {
		if later.Iteration != rec.Iteration+1 {
			continue
		}
		if madeProgress(rec.StudentOutput, later.StudentOutput) {
			return SeverityMinor
		}
		return SeverityMajor
	}
	// No subsequent iteration ran.
	return SeverityMajor
}

// madeProgress reports whether the follow-up iteration moved beyond the
// step the student was stuck on.
func madeProgress(stuck, next state.StudentOutput) bool {
	if next.Status == state.StudentCompleted {
		return true
	}
	if next.Status == state.StudentCannotComplete {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(next.CurrentStep), strings.TrimSpace(stuck.CurrentStep))
}

// buildTimeline flattens the run into timestamp-ordered events.
func buildTimeline(st *state.LoopState) []TimelineEntry {
	timeline := []TimelineEntry{}
	for _, rec := range st.History {
		timeline = append(timeline, TimelineEntry{
			Timestamp: rec.StartedAt,
			Iteration: rec.Iteration,
			Event:     "iteration_start",
		})
		timeline = append(timeline, TimelineEntry{
			Timestamp: rec.EndedAt,
			Iteration: rec.Iteration,
			Event:     "student_result",
			Details:   fmt.Sprintf("%s: %s", rec.StudentOutput.Status, rec.StudentOutput.Summary),
		})
		if rec.MentorOutput != "" {
			timeline = append(timeline, TimelineEntry{
				Timestamp: rec.EndedAt,
				Iteration: rec.Iteration,
				Event:     "mentor_result",
				Details:   truncate(rec.MentorOutput, 200),
			})
		}
	}
	timeline = append(timeline, TimelineEntry{
		Timestamp: st.UpdatedAt,
		Iteration: st.Iteration,
		Event:     "loop_complete",
		Details:   st.Status.Description(),
	})
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})
	return timeline
}

// buildAuditTrail aggregates commands, files, and agent runs from history.
func buildAuditTrail(st *state.LoopState) AuditTrail {
	trail := AuditTrail{
		Commands: []AuditCommand{},
		Files:    []AuditFile{},
		Agents:   []AuditAgent{},
	}
	for _, rec := range st.History {
		for _, cmd := range rec.StudentOutput.CommandsRun {
			trail.Commands = append(trail.Commands, AuditCommand{
				Iteration: rec.Iteration,
				Command:   truncate(cmd, maxAuditOutputBytes),
			})
		}
		for _, f := range rec.StudentOutput.FilesCreated {
			trail.Files = append(trail.Files, AuditFile{Iteration: rec.Iteration, Path: f})
		}
		trail.Agents = append(trail.Agents, AuditAgent{
			Iteration: rec.Iteration,
			Agent:     "student",
			Status:    string(rec.StudentOutput.Status),
		})
		if rec.MentorOutput != "" {
			trail.Agents = append(trail.Agents, AuditAgent{
				Iteration: rec.Iteration,
				Agent:     "mentor",
				Status:    "answered",
			})
		}
	}
	return trail
}

// adjacentLineWindow bounds how far apart two major gaps may sit in the
// tutorial and still be treated as one section to review.
const adjacentLineWindow = 10

// buildRecommendations applies the deterministic rules: critical gaps at
// priority 1, clustered major gaps as a single section review at priority
// 2, and a limits recommendation at priority 3 for timeout or exhausted
// iteration budgets.
func buildRecommendations(r *Report) []Recommendation {
	recs := []Recommendation{}

	for _, g := range r.Gaps {
		if g.Severity == SeverityCritical {
			recs = append(recs, Recommendation{
				Priority: 1,
				Text:     fmt.Sprintf("Fix critical gap #%d: %s", g.ID, g.Problem),
			})
		}
	}

	recs = append(recs, clusterMajorGaps(r.Gaps)...)

	if r.Summary.Status == state.StatusTimeout || r.Summary.Status == state.StatusMaxIterations {
		recs = append(recs, Recommendation{
			Priority: 3,
			Text:     "The run exhausted its limits; simplify the tutorial or raise maxIterations/timeout.",
		})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

// clusterMajorGaps groups major gaps on adjacent tutorial lines into one
// "review section" recommendation per cluster.
func clusterMajorGaps(gaps []Gap) []Recommendation {
	type located struct {
		gap  Gap
		line int
	}
	var majors []located
	for _, g := range gaps {
		if g.Severity != SeverityMajor {
			continue
		}
		majors = append(majors, located{gap: g, line: g.Location.LineNumber})
	}
	if len(majors) == 0 {
		return nil
	}
	sort.SliceStable(majors, func(i, j int) bool { return majors[i].line < majors[j].line })

	var recs []Recommendation
	start := 0
	for i := 1; i <= len(majors); i++ {
		boundary := i == len(majors) ||
			majors[i].line == 0 || majors[start].line == 0 ||
			majors[i].line-majors[i-1].line > adjacentLineWindow
		if !boundary {
			continue
		}
		cluster := majors[start:i]
		if len(cluster) > 1 && cluster[0].line > 0 {
			recs = append(recs, Recommendation{
				Priority: 2,
				Text: fmt.Sprintf("Review the tutorial section around lines %d-%d; %d related gaps were found there.",
					cluster[0].line, cluster[len(cluster)-1].line, len(cluster)),
			})
		} else {
			for _, m := range cluster {
				recs = append(recs, Recommendation{
					Priority: 2,
					Text:     fmt.Sprintf("Address major gap #%d: %s", m.gap.ID, m.gap.Problem),
				})
			}
		}
		start = i
	}
	return recs
}
