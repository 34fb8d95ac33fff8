package worker

import (
	"time"

	"listproc/models"
)

// Phase is the state of a processing cycle.
type Phase string

const (
	PhaseIdle             Phase = "IDLE"
	PhaseConnecting       Phase = "CONNECTING"
	PhaseDrainingInbox    Phase = "DRAINING_INBOX"
	PhaseDrainingApproved Phase = "DRAINING_APPROVED"
	PhaseCleanup          Phase = "CLEANUP"
	PhaseDone             Phase = "DONE"
)

// RunReport is what a cycle hands back to its caller.
type RunReport struct {
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	Phase     Phase           `json:"phase"`
	Stats     models.RunStats `json:"stats"`
	Stopped   string          `json:"stopped,omitempty"`
	Entries   []LogEntry      `json:"entries"`
	Fatal     string          `json:"fatal,omitempty"`
}

// Failed reports whether the cycle aborted.
func (r *RunReport) Failed() bool {
	return r.Fatal != ""
}
