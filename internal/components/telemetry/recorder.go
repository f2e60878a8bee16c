package telemetry

import "sync"

type EventLevel int

const (
	LevelDebug EventLevel = iota
	LevelWarning
	LevelBroken
	LevelCount
)

type Event struct {
	Level  EventLevel
	ID     string
	Params []any
	Count  int64
}

// Recorder is an API that keeps every report in memory, it is meant to be
// used in tests to assert that something was (or was not) reported.
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) ReportBroken(id string, params ...any) {
	r.add(Event{Level: LevelBroken, ID: id, Params: params})
}

func (r *Recorder) ReportWarning(id string, params ...any) {
	r.add(Event{Level: LevelWarning, ID: id, Params: params})
}

func (r *Recorder) ReportDebug(msg string, params ...any) {
	r.add(Event{Level: LevelDebug, ID: msg, Params: params})
}

func (r *Recorder) ReportCount(id string, count int64) {
	r.add(Event{Level: LevelCount, ID: id, Count: count})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the recorded events with the given level and id.
func (r *Recorder) Find(level EventLevel, id string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Level == level && e.ID == id {
			out = append(out, e)
		}
	}
	return out
}
