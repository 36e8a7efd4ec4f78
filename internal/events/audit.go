package events

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter subscribes to the bus and appends one line per event to the
// audit log file.
type AuditWriter struct {
	file *os.File
	sub  *Subscription
	done chan struct{}
}

// NewAuditWriter opens (or creates) the append-only audit log at path and
// starts consuming events from the bus.
func NewAuditWriter(bus *Bus, path string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	w := &AuditWriter{
		file: file,
		sub:  bus.Subscribe(),
		done: make(chan struct{}),
	}
	go w.consume()
	return w, nil
}

func (w *AuditWriter) consume() {
	defer close(w.done)
	for e := range w.sub.C() {
		line := formatAuditLine(e)
		if _, err := w.file.WriteString(line + "\n"); err != nil {
			log.Warn().Err(err).Msg("audit log write failed")
		}
		if e.Kind == KindClosed {
			return
		}
	}
}

func formatAuditLine(e Event) string {
	ts := e.Timestamp.UTC().Format(time.RFC3339)
	switch e.Kind {
	case KindSnapshot:
		return fmt.Sprintf("%s snapshot status=%s iteration=%d", ts, e.State.Status, e.State.Iteration)
	case KindIterationStart:
		return fmt.Sprintf("%s iteration_start iteration=%d", ts, e.Iteration)
	case KindStudentOutput:
		return fmt.Sprintf("%s student_output iteration=%d status=%s step=%q", ts, e.Iteration, e.Student.Status, e.Student.CurrentStep)
	case KindMentorOutput:
		return fmt.Sprintf("%s mentor_output iteration=%d bytes=%d", ts, e.Iteration, len(e.Mentor.Notes))
	case KindLoopComplete:
		return fmt.Sprintf("%s loop_complete status=%s iterations=%d", ts, e.Complete.Status, e.Complete.Iterations)
	case KindError:
		return fmt.Sprintf("%s error message=%q", ts, e.Message)
	case KindClosed:
		return fmt.Sprintf("%s closed", ts)
	default:
		return fmt.Sprintf("%s %s", ts, e.Kind)
	}
}

// Close stops consumption and closes the log file.
func (w *AuditWriter) Close() {
	w.sub.Cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
	_ = w.file.Close()
}
