package domain

import (
	"context"
	"time"
)

// Session outcomes written to the history log.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeStopped      = "stopped" // force-acknowledged by a stop command
	OutcomeShutdown     = "shutdown"
)

// SessionRecord is the write-only audit entry for one finished reminder
// session. It is never read back by the engine.
type SessionRecord struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	Contacts       []string // handles, session order
	AcknowledgedBy []string // handles, sorted
	Outcome        string
}

// SessionRecorder persists finished sessions.
type SessionRecorder interface {
	Record(ctx context.Context, rec SessionRecord) error
}
