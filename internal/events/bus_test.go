package events

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smilelab/smile/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(got), n)
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestBus_DeliversInPublicationOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(10)
	sub := bus.Subscribe()
	defer sub.Cancel()

	for i := 1; i <= 3; i++ {
		bus.Publish(IterationStart(i))
	}

	got := collect(t, sub, 3)
	for i, e := range got {
		assert.Equal(t, KindIterationStart, e.Kind)
		assert.Equal(t, i+1, e.Iteration)
		assert.Zero(t, e.Dropped)
	}
}

func TestBus_SnapshotFirstForLateSubscriber(t *testing.T) {
	t.Parallel()

	st := state.New("run-1", "fp")
	require.NoError(t, st.StartIteration())

	bus := NewBus(10)
	bus.SetSnapshotSource(func() *state.LoopState { return st })

	sub := bus.Subscribe()
	defer sub.Cancel()
	bus.Publish(IterationStart(2))

	got := collect(t, sub, 2)
	assert.Equal(t, KindSnapshot, got[0].Kind)
	require.NotNil(t, got[0].State)
	assert.Equal(t, state.StatusRunningStudent, got[0].State.Status)
	assert.Equal(t, KindIterationStart, got[1].Kind)
}

func TestBus_OverflowEvictsOldestAndCountsDrops(t *testing.T) {
	t.Parallel()

	bus := NewBus(3)
	sub := bus.Subscribe()
	defer sub.Cancel()

	// Nobody drains while the flood is in progress, so the ring must evict.
	for i := 1; i <= 20; i++ {
		bus.Publish(IterationStart(i))
	}
	bus.Close()

	dropped := 0
	maxSeen := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				t.Fatal("channel closed before terminal event")
			}
			dropped += e.Dropped
			if e.Iteration > maxSeen {
				maxSeen = e.Iteration
			}
			if e.Kind == KindClosed {
				assert.Equal(t, 20, maxSeen)
				assert.Greater(t, dropped, 0)
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for closed event")
		}
	}
}

func TestBus_CloseDeliversTerminalEvent(t *testing.T) {
	t.Parallel()

	bus := NewBus(10)
	sub := bus.Subscribe()

	bus.Publish(Error("boom"))
	bus.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, KindError, got[0].Kind)
	assert.Equal(t, KindClosed, got[1].Kind)

	// The channel closes after the terminal event.
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after close is a no-op.
	bus.Publish(IterationStart(1))
}

func TestBus_SubscribeAfterCloseGetsClosed(t *testing.T) {
	t.Parallel()

	bus := NewBus(10)
	bus.Close()

	sub := bus.Subscribe()
	got := collect(t, sub, 1)
	assert.Equal(t, KindClosed, got[0].Kind)
}

func TestBus_MultipleSubscribersSeeSameOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(50)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Cancel()
	defer b.Cancel()

	for i := 1; i <= 10; i++ {
		bus.Publish(IterationStart(i))
	}

	gotA := collect(t, a, 10)
	gotB := collect(t, b, 10)
	for i := range gotA {
		assert.Equal(t, gotA[i].Iteration, gotB[i].Iteration)
	}
}

func TestAuditWriter_WritesPerEventLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "smile-audit.log")
	bus := NewBus(10)

	w, err := NewAuditWriter(bus, path)
	require.NoError(t, err)

	bus.Publish(IterationStart(1))
	bus.Publish(StudentOutput(1, state.StudentOutput{Status: state.StudentCompleted, Summary: "ok", CurrentStep: "All done"}))
	bus.Close()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0 && countLines(data) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	w.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "iteration_start iteration=1")
	assert.Contains(t, text, "student_output iteration=1 status=completed")
	assert.Contains(t, text, "closed")
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestEventConstructors(t *testing.T) {
	t.Parallel()

	st := state.New("run-1", "fp")
	require.NoError(t, st.Fail(fmt.Sprintf("stop: %s", "reason")))

	e := LoopComplete(st)
	require.NotNil(t, e.Complete)
	assert.Equal(t, state.StatusError, e.Complete.Status)

	m := MentorOutput(2, "use npm ci")
	require.NotNil(t, m.Mentor)
	assert.Equal(t, "use npm ci", m.Mentor.Notes)
}
