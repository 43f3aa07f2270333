// Package model holds the kernel's persistent entity types: Mission, Task,
// Job, ChainContext, ChainSpec, WorkerInfo, and the ledger's event/account
// types. These are design types — storage packages map them to rows.
package model

import "time"

// MissionStatus is the lifecycle state of a Mission. Monotonic except for an
// explicit admin reset.
type MissionStatus string

const (
	MissionPlanned   MissionStatus = "planned"
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
)

// Mission is a user-scoped goal; owns tasks.
type Mission struct {
	ID        string                 `json:"id" db:"id" validate:"required"`
	UserID    string                 `json:"user_id" db:"user_id" validate:"required"`
	Status    MissionStatus          `json:"status" db:"status" validate:"required"`
	Metadata  map[string]interface{} `json:"metadata" db:"metadata"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
}

// Task is a typed activity (one kind) within a mission; groups related jobs.
// Immutable after create.
type Task struct {
	ID        string                 `json:"id" db:"id" validate:"required"`
	MissionID string                 `json:"mission_id" db:"mission_id" validate:"required"`
	Kind      string                 `json:"kind" db:"kind" validate:"required"`
	Params    map[string]interface{} `json:"params" db:"params"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
