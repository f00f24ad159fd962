package engine

import (
	"time"

	"ruleengine/pkg/models"
)

// Status is the terminal state of one inbound envelope.
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Outcome is reported exactly once per submitted envelope. Err holds the first
// terminal error of any branch for Failed, and the rejection reason for Dropped.
type Outcome struct {
	Status   Status
	Err      error
	Envelope models.Envelope
	Duration time.Duration
}

// AckFunc receives the outcome of a submitted envelope. It is called from an
// engine goroutine and must not block.
type AckFunc func(Outcome)
