package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by reportd components.
const (
	TypeSchedDispatch = "sched.dispatch" // a due schedule was handed to the runner
	TypeSchedSkip     = "sched.skip"     // a due-check left schedules waiting (busy, or launch declined)
	TypeSchedComplete = "sched.complete" // a run finished and next_run advanced
	TypeRunStarted    = "run.started"    // the runner launched a report process
	TypeRunFinished   = "run.finished"   // the report process exited
)

// DispatchData accompanies TypeSchedDispatch.
type DispatchData struct {
	ScheduleID int64
	Name       string
	Task       string
}

// SkipData accompanies TypeSchedSkip. ScheduleID is 0 when the whole tick was
// skipped rather than a single schedule.
type SkipData struct {
	Reason     string
	ScheduleID int64
}

// CompleteData accompanies TypeSchedComplete.
type CompleteData struct {
	ScheduleID int64
	Success    bool
	NextRun    string
}

// RunStartData accompanies TypeRunStarted. ScheduleID is 0 for manual runs.
type RunStartData struct {
	Task       string
	Date       string
	Origin     string
	ScheduleID int64
}

// RunEndData accompanies TypeRunFinished.
type RunEndData struct {
	Task    string
	Date    string
	Success bool
	LogPath string
}

// Event is a lightweight, in-memory signal used to decouple components.
// Data holds one of the typed payloads above.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks; slow subscribers lose events.
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &bus{}
}

type bus struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Publish delivers e to every live subscriber. Sends happen under the bus
// lock, which is safe because they are non-blocking against buffered
// channels; holding the lock rules out a send racing a concurrent close.
func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
		default: // full buffer: the subscriber misses this event
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			sub.closed = true
			for i, cur := range b.subs {
				if cur == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, unsub
}
