package model

import (
	"time"

	"github.com/loomworks/loom/ident"
)

// ExecutionStatus is the aggregate state of a playbook run. The stored
// column is a cache; the event log is authoritative.
type ExecutionStatus string

// Execution states. PENDING is the row before execution_start is applied;
// STARTED until the first step dispatch; RUNNING while work is outstanding;
// PAUSED by admin abort (resumable); FAILED and COMPLETED are terminal.
const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionStarted   ExecutionStatus = "STARTED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionPaused    ExecutionStatus = "PAUSED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionFailed || s == ExecutionCompleted
}

// Execution is one run of a playbook.
type Execution struct {
	ExecutionID       ident.ID        `json:"execution_id"`
	ParentExecutionID ident.ID        `json:"parent_execution_id,omitempty"`
	CatalogID         string          `json:"catalog_id,omitempty"`
	Path              string          `json:"path"`
	Status            ExecutionStatus `json:"status"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	Workload          JSONMap         `json:"workload,omitempty"`
}
