package models

import "time"

// RunStats are the counters of one processing cycle.
type RunStats struct {
	InboxProcessed    int           `json:"inbox_processed"`
	ApprovedForwarded int           `json:"approved_forwarded"`
	Pending           int           `json:"pending"`
	Discarded         int           `json:"discarded"`
	Blocked           int           `json:"blocked"`
	Errors            int           `json:"errors"`
	SentMessages      int           `json:"sent_messages"`
	SentEmails        int           `json:"sent_emails"`
	TotalTime         time.Duration `json:"total_time"`
}

// Processed is the number of messages taken from either drained folder.
func (s RunStats) Processed() int {
	return s.InboxProcessed + s.ApprovedForwarded
}
