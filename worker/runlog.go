package worker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is one log line captured during a cycle.
type LogEntry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Elapsed string                 `json:"elapsed"`
	Total   string                 `json:"total"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// RunLog is a logrus hook collecting the entries of one cycle for its report.
type RunLog struct {
	runID string
	start time.Time

	mu      sync.Mutex
	last    time.Time
	entries []LogEntry
}

func NewRunLog(runID string, start time.Time) *RunLog {
	return &RunLog{runID: runID, start: start, last: start}
}

func (h *RunLog) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire records entries carrying this run's id.
func (h *RunLog) Fire(e *logrus.Entry) error {
	if id, ok := e.Data["run_id"]; !ok || id != h.runID {
		return nil
	}

	fields := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		if k == "run_id" {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, LogEntry{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
		Elapsed: e.Time.Sub(h.last).Round(time.Millisecond).String(),
		Total:   e.Time.Sub(h.start).Round(time.Millisecond).String(),
		Fields:  fields,
	})
	h.last = e.Time
	return nil
}

func (h *RunLog) Entries() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LogEntry(nil), h.entries...)
}

// Errors returns entries logged at error level or above.
func (h *RunLog) Errors() []LogEntry {
	var out []LogEntry
	for _, e := range h.Entries() {
		if lvl, err := logrus.ParseLevel(e.Level); err == nil && lvl <= logrus.ErrorLevel {
			out = append(out, e)
		}
	}
	return out
}
