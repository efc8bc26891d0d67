package core

import "time"

// ExecutionStatus is the lifecycle state of a task execution.
type ExecutionStatus string

// Task execution lifecycle states.
const (
	ExecutionStarted    ExecutionStatus = "started"
	ExecutionInProgress ExecutionStatus = "in-progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

// TaskExecution is one run of a task. Its ID is the correlation id shared
// across every event belonging to the run. Mutated only by the task broker.
type TaskExecution struct {
	ID       string            `json:"id"`
	TaskID   string            `json:"task_id"`
	OrgID    string            `json:"org_id"`
	Users    []string          `json:"users,omitempty"`
	Status   ExecutionStatus   `json:"status"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	ParentID string            `json:"parent_task_execution_id,omitempty"`
	Outputs  string            `json:"outputs,omitempty"` // serialized JSON document
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
}

// WorkStatus is the lifecycle state of a work request.
type WorkStatus string

// Work request lifecycle states.
const (
	WorkQueued     WorkStatus = "queued"
	WorkInProgress WorkStatus = "in-progress"
	WorkComplete   WorkStatus = "complete"
	WorkError      WorkStatus = "error"
)

// FunctionSchema describes one callable function exposed to a worker.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema object
}

// WorkOrder is the serialized execution request handed to the worker
// scheduling layer. It carries everything a worker session needs so the
// session engine never has to re-resolve task configuration mid-run.
type WorkOrder struct {
	ExecutionID string            `json:"execution_id"`
	TaskID      string            `json:"task_id"`
	OrgID       string            `json:"org_id"`
	Users       []string          `json:"users,omitempty"`
	Skills      []string          `json:"skills,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Tools       []FunctionSchema  `json:"tools,omitempty"`
	ChannelID   string            `json:"channel_id,omitempty"`
	CostLimit   float64           `json:"cost_limit,omitempty"`
	Critique    bool              `json:"critique,omitempty"`
}

// WorkRequest binds a task execution to a specific worker attempt. Identity
// is the task execution id; one work request exists per execution per
// attempt. Owned by the worker scheduling layer.
type WorkRequest struct {
	ExecutionID string     `json:"execution_id"`
	WorkerID    string     `json:"worker_id"`
	Status      WorkStatus `json:"status"`
	Order       WorkOrder  `json:"order"`
	Cost        float64    `json:"cost"`
	Tokens      int        `json:"tokens"`
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
}
