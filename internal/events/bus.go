// Package events provides the in-process broadcast bus that decouples
// loop observers from the controller.
package events

import (
	"sync"
	"time"

	"github.com/smilelab/smile/internal/state"
)

// DefaultRingCapacity is the per-subscription buffer size.
const DefaultRingCapacity = 100

// Kind names an event on the bus. The wire names match the observation
// channel frames.
type Kind string

const (
	KindSnapshot       Kind = "snapshot"
	KindIterationStart Kind = "iteration_start"
	KindStudentOutput  Kind = "student_output"
	KindMentorOutput   Kind = "mentor_output"
	KindLoopComplete   Kind = "loop_complete"
	KindError          Kind = "error"
	KindClosed         Kind = "closed"
)

// Event is a single bus message. Dropped reports how many events the
// subscription lost to ring overflow since the previous delivery.
type Event struct {
	Kind      Kind             `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Iteration int              `json:"iteration,omitempty"`
	State     *state.LoopState `json:"state,omitempty"`
	Student   *StudentPayload  `json:"student,omitempty"`
	Mentor    *MentorPayload   `json:"mentor,omitempty"`
	Complete  *CompletePayload `json:"complete,omitempty"`
	Message   string           `json:"message,omitempty"`
	Dropped   int              `json:"dropped,omitempty"`
}

// StudentPayload summarizes a student result for observers.
type StudentPayload struct {
	Status      state.StudentStatus `json:"status"`
	Summary     string              `json:"summary"`
	CurrentStep string              `json:"current_step"`
}

// MentorPayload carries the mentor guidance for observers.
type MentorPayload struct {
	Notes string `json:"notes"`
}

// CompletePayload describes the terminal outcome.
type CompletePayload struct {
	Status     state.Status `json:"status"`
	Summary    string       `json:"summary"`
	Iterations int          `json:"iterations"`
}

// Snapshot builds the synthetic first event delivered to late subscribers.
func Snapshot(st *state.LoopState) Event {
	clone := *st
	return Event{Kind: KindSnapshot, Timestamp: time.Now().UTC(), Iteration: st.Iteration, State: &clone}
}

// IterationStart builds an iteration_start event.
func IterationStart(iteration int) Event {
	return Event{Kind: KindIterationStart, Timestamp: time.Now().UTC(), Iteration: iteration}
}

// StudentOutput builds a student_output event.
func StudentOutput(iteration int, out state.StudentOutput) Event {
	return Event{
		Kind:      KindStudentOutput,
		Timestamp: time.Now().UTC(),
		Iteration: iteration,
		Student: &StudentPayload{
			Status:      out.Status,
			Summary:     out.Summary,
			CurrentStep: out.CurrentStep,
		},
	}
}

// MentorOutput builds a mentor_output event.
func MentorOutput(iteration int, notes string) Event {
	return Event{Kind: KindMentorOutput, Timestamp: time.Now().UTC(), Iteration: iteration, Mentor: &MentorPayload{Notes: notes}}
}

// LoopComplete builds a loop_complete event.
func LoopComplete(st *state.LoopState) Event {
	return Event{
		Kind:      KindLoopComplete,
		Timestamp: time.Now().UTC(),
		Iteration: st.Iteration,
		Complete: &CompletePayload{
			Status:     st.Status,
			Summary:    st.Status.Description(),
			Iterations: st.Iteration,
		},
	}
}

// Error builds an error event.
func Error(message string) Event {
	return Event{Kind: KindError, Timestamp: time.Now().UTC(), Message: message}
}

// Subscription is one observer's view of the bus. Events arrive on C in
// publication order; when the ring overflows the oldest events are evicted
// and the next delivered event carries the loss in Dropped.
type Subscription struct {
	mu      sync.Mutex
	ring    []Event
	cap     int
	dropped int
	wake    chan struct{}
	out     chan Event
	closed  bool
	done    chan struct{}
}

// C returns the delivery channel. It is closed after the terminal closed
// event has been delivered.
func (s *Subscription) C() <-chan Event { return s.out }

// Cancel detaches the subscription. Pending events are discarded.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= s.cap {
		s.ring = s.ring[1:]
		s.dropped++
	}
	s.ring = append(s.ring, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *Event
		if len(s.ring) > 0 {
			e := s.ring[0]
			s.ring = s.ring[1:]
			e.Dropped = s.dropped
			s.dropped = 0
			next = &e
		}
		closed := s.closed
		s.mu.Unlock()

		if next != nil {
			select {
			case s.out <- *next:
				if next.Kind == KindClosed {
					return
				}
				continue
			case <-s.done:
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// Bus broadcasts loop events to any number of subscriptions. Publishing
// never blocks on a slow subscriber.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	snapshot func() *state.LoopState
	closed   bool
}

// NewBus creates a bus with the given per-subscription ring capacity.
// Capacity values below 1 fall back to DefaultRingCapacity.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = DefaultRingCapacity
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// SetSnapshotSource installs the provider used to seed late subscribers
// with a snapshot event.
func (b *Bus) SetSnapshotSource(fn func() *state.LoopState) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// Subscribe registers a new observer. When a snapshot source is installed
// the first delivered event is a snapshot of the current loop state.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		cap:  b.capacity,
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go sub.pump()

	b.mu.Lock()
	snapshot := b.snapshot
	closed := b.closed
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if snapshot != nil {
		if st := snapshot(); st != nil {
			sub.push(Snapshot(st))
		}
	}
	if closed {
		sub.push(Event{Kind: KindClosed, Timestamp: time.Now().UTC()})
	}
	return sub
}

// Publish broadcasts the event to all subscriptions without blocking.
// Events published after Close are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(e)
	}
}

// Close delivers a terminal closed event to every subscription and stops
// accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	closing := Event{Kind: KindClosed, Timestamp: time.Now().UTC()}
	for _, sub := range subs {
		sub.push(closing)
	}
}
