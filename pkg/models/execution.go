package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UnitStatus is the lifecycle state of one execution unit.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitTimeout   UnitStatus = "timeout"
	UnitCancelled UnitStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case UnitCompleted, UnitFailed, UnitTimeout, UnitCancelled:
		return true
	}
	return false
}

// rank orders statuses so transitions only move forward.
func (s UnitStatus) rank() int {
	switch s {
	case UnitPending:
		return 0
	case UnitRunning:
		return 1
	case UnitCompleted, UnitFailed, UnitTimeout, UnitCancelled:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether s -> next is a legal unit transition:
//
//	pending -> running | cancelled | failed
//	running -> completed | failed | timeout | cancelled
//
// pending -> failed covers units that never got a slot or a target.
func (s UnitStatus) CanTransitionTo(next UnitStatus) bool {
	if s.IsTerminal() || next.rank() <= s.rank() {
		return false
	}
	if s == UnitPending {
		return next == UnitRunning || next == UnitCancelled || next == UnitFailed
	}
	return next.IsTerminal()
}

// ExecutionUnit is one attempt to run one command on one system.
type ExecutionUnit struct {
	ID              uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	JobID           uuid.UUID  `json:"job_id" gorm:"type:uuid;not null;index"`
	SystemID        uuid.UUID  `json:"system_id" gorm:"type:uuid;not null;index"`
	Command         string     `json:"command" gorm:"not null"`
	Sequence        int        `json:"sequence"`
	Status          UnitStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	ExitCode        *int       `json:"exit_code"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	OutputTruncated bool       `json:"output_truncated"`
	OutputURI       string     `json:"output_uri"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationMs      int64      `json:"duration_ms"`
}

func (e *ExecutionUnit) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

// Elapsed is the wall time spent running so far, or in total once finished.
func (e ExecutionUnit) Elapsed(now time.Time) time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(*e.StartedAt)
	}
	return now.Sub(*e.StartedAt)
}
