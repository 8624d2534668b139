package backend

import "time"

// Cronjob records one past execution of a timed process start. Future
// executions are not stored.
type Cronjob struct {
	ProcessModelID string    `json:"process_model_id"`
	StartEventID   string    `json:"start_event_id,omitempty"`
	Crontab        string    `json:"crontab"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// CronjobFilter narrows QueryCronjobEntries. Zero-valued fields are ignored.
type CronjobFilter struct {
	ProcessModelID string
	StartEventID   string
	Crontab        string
}
