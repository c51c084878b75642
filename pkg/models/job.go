package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the state of a job in the engine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial" // best-effort job with at least one failed unit
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartial, JobCancelled:
		return true
	}
	return false
}

// FailurePolicy decides how a unit failure affects the rest of its job.
type FailurePolicy string

const (
	// FailFast cancels the job's pending units after the first failed or
	// timed-out unit and marks the job failed.
	FailFast FailurePolicy = "fail_fast"
	// BestEffort lets every unit run; failures leave the job partial.
	BestEffort FailurePolicy = "best_effort"
)

func (p FailurePolicy) Valid() bool {
	return p == FailFast || p == BestEffort
}

// JSONB structures need to implement Scanner/Valuer for GORM

// StringList is an ordered list of strings stored as jsonb.
type StringList []string

func (l *StringList) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

func (l StringList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// UUIDList is an ordered list of ids stored as jsonb.
type UUIDList []uuid.UUID

func (l *UUIDList) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

func (l UUIDList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// JobRequest is what callers hand to the engine. Commands and systems are
// expanded in the order listed.
type JobRequest struct {
	ID            uuid.UUID     `json:"id,omitempty"`
	Name          string        `json:"name" validate:"max=256"`
	Commands      []string      `json:"commands" validate:"required,min=1,dive,required"`
	SystemIDs     []uuid.UUID   `json:"system_ids" validate:"required,min=1,unique"`
	FailurePolicy FailurePolicy `json:"failure_policy" validate:"required,oneof=fail_fast best_effort"`
}

// Job is a set of commands run against a set of systems, tracked as one
// logical unit of work.
type Job struct {
	ID              uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	Name            string        `json:"name"`
	Commands        StringList    `json:"commands" gorm:"type:jsonb;not null"`
	SystemIDs       UUIDList      `json:"system_ids" gorm:"type:jsonb;not null"`
	FailurePolicy   FailurePolicy `json:"failure_policy" gorm:"type:varchar(20);not null"`
	Status          JobStatus     `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	CancelRequested bool          `json:"cancel_requested"`
	UnitCount       int           `json:"unit_count"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// BeforeCreate hook to generate UUID if not present
func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return
}
