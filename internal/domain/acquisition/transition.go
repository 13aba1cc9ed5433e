package acquisition

import (
	"fmt"
	"time"
)

// Event drives a work item between states.
type Event string

const (
	EventPromote         Event = "Promote"
	EventMissingConfig   Event = "MissingConfig"
	EventPublishFailed   Event = "PublishFailed"
	EventStart           Event = "Start"
	EventComplete        Event = "Complete"
	EventFail            Event = "Fail"
	EventRetry           Event = "Retry"
	EventRetriesExceeded Event = "RetriesExceeded"
)

// Effects are the side effects a transition asks the caller to apply.
type Effects struct {
	SetExecutionDate bool
	IncrementRetry   bool
	SetCompletion    bool
}

// TransitionError reports an event that is not legal in the current state.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("acquisition: illegal transition %s from %s", e.Event, e.From)
}

type edge struct {
	to      Status
	effects Effects
}

var transitions = map[Status]map[Event]edge{
	StatusPending: {
		EventPromote:       {StatusReady, Effects{SetExecutionDate: true}},
		EventMissingConfig: {StatusFailed, Effects{}},
	},
	StatusReady: {
		EventStart:         {StatusProcessing, Effects{}},
		EventPublishFailed: {StatusFailed, Effects{}},
		EventFail:          {StatusFailed, Effects{}},
	},
	StatusProcessing: {
		EventComplete:        {StatusCompleted, Effects{SetCompletion: true}},
		EventFail:            {StatusFailed, Effects{}},
		EventRetry:           {StatusProcessing, Effects{IncrementRetry: true}},
		EventRetriesExceeded: {StatusMaxRetriesReached, Effects{IncrementRetry: true}},
	},
}

// Transition returns the state reached from `from` on ev. Terminal states
// accept no events.
func Transition(from Status, ev Event) (Status, Effects, error) {
	e, ok := transitions[from][ev]
	if !ok {
		return from, Effects{}, &TransitionError{From: from, Event: ev}
	}
	return e.to, e.effects, nil
}

// Advance applies ev to w, its effects, and an optional note stamped with
// now.
func Advance(w *WorkItem, ev Event, note string, now time.Time) error {
	to, eff, err := Transition(w.Status, ev)
	if err != nil {
		return err
	}
	now = now.UTC()

	w.Status = to
	if eff.SetExecutionDate {
		w.ExecutionDate = &now
	}
	if eff.IncrementRetry {
		w.RetryAttempts++
	}
	if eff.SetCompletion {
		w.CompletionDate = &now
		start := w.CreatedAt
		if w.ExecutionDate != nil {
			start = *w.ExecutionDate
		}
		ms := now.Sub(start).Milliseconds()
		w.CompletionTimeMillis = &ms
	}
	if note != "" {
		w.Notes = append(w.Notes, FormatNote(now, note))
	}
	w.ModifiedAt = now
	return nil
}

// FormatNote prefixes a note with its UTC timestamp.
func FormatNote(at time.Time, note string) string {
	return "[" + at.UTC().Format(time.RFC3339) + "] " + note
}
