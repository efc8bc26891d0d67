package core

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ListOptions bounds and filters store listings. Limit is a page size;
// Offset selects the page. Statuses filters where the record has one.
type ListOptions struct {
	Offset   int
	Limit    int
	OrgID    string
	Statuses []string
}

// Store is the persistence contract of the orchestration core. The store is
// the source of truth; in-memory registries are a disposable cache
// rebuildable through the reconciliation loop.
//
// Implementations must isolate records per id: operations on different
// execution ids never contend. EnsureExecutionUser must be atomic
// create-or-find.
type Store interface {
	// Desired-state configuration.
	ListFlows(ctx context.Context, opts ListOptions) ([]Flow, error)
	GetFlow(ctx context.Context, id string) (Flow, error)
	ListWorkers(ctx context.Context, opts ListOptions) ([]WorkerConfig, error)
	GetWorker(ctx context.Context, id string) (WorkerConfig, error)
	ListDocRepos(ctx context.Context, opts ListOptions) ([]DocRepoConfig, error)
	GetDocRepo(ctx context.Context, id string) (DocRepoConfig, error)

	// Task executions.
	CreateTaskExecution(ctx context.Context, exec TaskExecution) error
	GetTaskExecution(ctx context.Context, id string) (TaskExecution, error)
	UpdateTaskExecution(ctx context.Context, exec TaskExecution) error
	DeleteTaskExecution(ctx context.Context, id string) error
	EnsureExecutionUser(ctx context.Context, executionID, userID string) error

	// Work requests, keyed by execution id.
	CreateWorkRequest(ctx context.Context, req WorkRequest) error
	GetWorkRequest(ctx context.Context, executionID string) (WorkRequest, error)
	UpdateWorkRequest(ctx context.Context, req WorkRequest) error
	ListWorkRequests(ctx context.Context, workerID string, statuses ...WorkStatus) ([]WorkRequest, error)
	CountWorkRequests(ctx context.Context, workerID string, status WorkStatus) (int, error)

	// Chat sessions.
	CreateChatSession(ctx context.Context, sess ChatSession) error
	GetChatSession(ctx context.Context, id string) (ChatSession, error)
	ChatSessionByExecution(ctx context.Context, executionID string) (ChatSession, error)
	AppendChatMessage(ctx context.Context, sessionID string, msg ChatMessage) error
}
