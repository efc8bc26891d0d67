// Package store provides persistence backends for the orchestration core.
// The in-memory store backs tests and single-process deployments; the
// postgres subpackage is the durable production backend.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// InMemoryStore is a thread-safe core.Store keeping everything in process
// memory. All reads return deep copies so callers can never mutate stored
// state behind the store's back.
type InMemoryStore struct {
	mu sync.RWMutex

	flows    map[string]core.Flow
	workers  map[string]core.WorkerConfig
	docRepos map[string]core.DocRepoConfig

	executions map[string]core.TaskExecution
	execUsers  map[string]map[string]struct{}
	work       map[string]core.WorkRequest
	sessions   map[string]core.ChatSession
	byExec     map[string]string // execution id -> session id
}

var _ core.Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      make(map[string]core.Flow),
		workers:    make(map[string]core.WorkerConfig),
		docRepos:   make(map[string]core.DocRepoConfig),
		executions: make(map[string]core.TaskExecution),
		execUsers:  make(map[string]map[string]struct{}),
		work:       make(map[string]core.WorkRequest),
		sessions:   make(map[string]core.ChatSession),
		byExec:     make(map[string]string),
	}
}

// PutFlow inserts or replaces a flow snapshot. Configuration writes are a
// control-plane concern, so they sit outside the core.Store contract.
func (s *InMemoryStore) PutFlow(f core.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = cloneFlow(f)
}

// DeleteFlow removes a flow snapshot.
func (s *InMemoryStore) DeleteFlow(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
}

// PutWorker inserts or replaces a worker snapshot.
func (s *InMemoryStore) PutWorker(w core.WorkerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = cloneWorker(w)
}

// DeleteWorker removes a worker snapshot.
func (s *InMemoryStore) DeleteWorker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
}

// PutDocRepo inserts or replaces a document repository snapshot.
func (s *InMemoryStore) PutDocRepo(d core.DocRepoConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docRepos[d.ID] = d
}

// DeleteDocRepo removes a document repository snapshot.
func (s *InMemoryStore) DeleteDocRepo(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docRepos, id)
}

// ListFlows implements core.Store.
func (s *InMemoryStore) ListFlows(_ context.Context, opts core.ListOptions) ([]core.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := sortedKeys(s.flows)
	out := make([]core.Flow, 0, len(ids))
	for _, id := range ids {
		f := s.flows[id]
		if opts.OrgID != "" && f.OrgID != opts.OrgID {
			continue
		}
		if len(opts.Statuses) > 0 && !contains(opts.Statuses, string(f.Status)) {
			continue
		}
		out = append(out, cloneFlow(f))
	}
	return page(out, opts), nil
}

// GetFlow implements core.Store.
func (s *InMemoryStore) GetFlow(_ context.Context, id string) (core.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[id]
	if !ok {
		return core.Flow{}, fmt.Errorf("flow %s: %w", id, core.ErrNotFound)
	}
	return cloneFlow(f), nil
}

// ListWorkers implements core.Store.
func (s *InMemoryStore) ListWorkers(_ context.Context, opts core.ListOptions) ([]core.WorkerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := sortedKeys(s.workers)
	out := make([]core.WorkerConfig, 0, len(ids))
	for _, id := range ids {
		w := s.workers[id]
		if opts.OrgID != "" && w.OrgID != opts.OrgID {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	return page(out, opts), nil
}

// GetWorker implements core.Store.
func (s *InMemoryStore) GetWorker(_ context.Context, id string) (core.WorkerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[id]
	if !ok {
		return core.WorkerConfig{}, fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	return cloneWorker(w), nil
}

// ListDocRepos implements core.Store.
func (s *InMemoryStore) ListDocRepos(_ context.Context, opts core.ListOptions) ([]core.DocRepoConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := sortedKeys(s.docRepos)
	out := make([]core.DocRepoConfig, 0, len(ids))
	for _, id := range ids {
		d := s.docRepos[id]
		if opts.OrgID != "" && d.OrgID != opts.OrgID {
			continue
		}
		out = append(out, d)
	}
	return page(out, opts), nil
}

// GetDocRepo implements core.Store.
func (s *InMemoryStore) GetDocRepo(_ context.Context, id string) (core.DocRepoConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docRepos[id]
	if !ok {
		return core.DocRepoConfig{}, fmt.Errorf("docrepo %s: %w", id, core.ErrNotFound)
	}
	return d, nil
}

// CreateTaskExecution implements core.Store.
func (s *InMemoryStore) CreateTaskExecution(_ context.Context, exec core.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("task execution %s already exists", exec.ID)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// GetTaskExecution implements core.Store.
func (s *InMemoryStore) GetTaskExecution(_ context.Context, id string) (core.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return core.TaskExecution{}, fmt.Errorf("task execution %s: %w", id, core.ErrNotFound)
	}
	out := cloneExecution(exec)
	for user := range s.execUsers[id] {
		if !contains(out.Users, user) {
			out.Users = append(out.Users, user)
		}
	}
	sort.Strings(out.Users)
	return out, nil
}

// UpdateTaskExecution implements core.Store.
func (s *InMemoryStore) UpdateTaskExecution(_ context.Context, exec core.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return fmt.Errorf("task execution %s: %w", exec.ID, core.ErrNotFound)
	}
	exec.Updated = time.Now().UTC()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// DeleteTaskExecution implements core.Store.
func (s *InMemoryStore) DeleteTaskExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.executions, id)
	delete(s.execUsers, id)
	return nil
}

// EnsureExecutionUser implements core.Store.
func (s *InMemoryStore) EnsureExecutionUser(_ context.Context, executionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[executionID]; !ok {
		return fmt.Errorf("task execution %s: %w", executionID, core.ErrNotFound)
	}
	users, ok := s.execUsers[executionID]
	if !ok {
		users = make(map[string]struct{})
		s.execUsers[executionID] = users
	}
	users[userID] = struct{}{}
	return nil
}

// CreateWorkRequest implements core.Store.
func (s *InMemoryStore) CreateWorkRequest(_ context.Context, req core.WorkRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.work[req.ExecutionID]; ok {
		return fmt.Errorf("work request %s already exists", req.ExecutionID)
	}
	s.work[req.ExecutionID] = cloneWorkRequest(req)
	return nil
}

// GetWorkRequest implements core.Store.
func (s *InMemoryStore) GetWorkRequest(_ context.Context, executionID string) (core.WorkRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.work[executionID]
	if !ok {
		return core.WorkRequest{}, fmt.Errorf("work request %s: %w", executionID, core.ErrNotFound)
	}
	return cloneWorkRequest(req), nil
}

// UpdateWorkRequest implements core.Store.
func (s *InMemoryStore) UpdateWorkRequest(_ context.Context, req core.WorkRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.work[req.ExecutionID]; !ok {
		return fmt.Errorf("work request %s: %w", req.ExecutionID, core.ErrNotFound)
	}
	req.Updated = time.Now().UTC()
	s.work[req.ExecutionID] = cloneWorkRequest(req)
	return nil
}

// ListWorkRequests implements core.Store. Results are ordered oldest first
// so queue draining is FIFO.
func (s *InMemoryStore) ListWorkRequests(_ context.Context, workerID string, statuses ...core.WorkStatus) ([]core.WorkRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.WorkRequest
	for _, req := range s.work {
		if req.WorkerID != workerID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, req.Status) {
			continue
		}
		out = append(out, cloneWorkRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// CountWorkRequests implements core.Store.
func (s *InMemoryStore) CountWorkRequests(_ context.Context, workerID string, status core.WorkStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, req := range s.work {
		if req.WorkerID == workerID && req.Status == status {
			n++
		}
	}
	return n, nil
}

// CreateChatSession implements core.Store.
func (s *InMemoryStore) CreateChatSession(_ context.Context, sess core.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("chat session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	if sess.ExecutionID != "" {
		s.byExec[sess.ExecutionID] = sess.ID
	}
	return nil
}

// GetChatSession implements core.Store.
func (s *InMemoryStore) GetChatSession(_ context.Context, id string) (core.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return core.ChatSession{}, fmt.Errorf("chat session %s: %w", id, core.ErrNotFound)
	}
	return cloneSession(sess), nil
}

// ChatSessionByExecution implements core.Store.
func (s *InMemoryStore) ChatSessionByExecution(_ context.Context, executionID string) (core.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExec[executionID]
	if !ok {
		return core.ChatSession{}, fmt.Errorf("chat session for execution %s: %w", executionID, core.ErrNotFound)
	}
	return cloneSession(s.sessions[id]), nil
}

// AppendChatMessage implements core.Store. Re-delivery of a message id
// already present in the transcript is a no-op.
func (s *InMemoryStore) AppendChatMessage(_ context.Context, sessionID string, msg core.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("chat session %s: %w", sessionID, core.ErrNotFound)
	}
	for _, m := range sess.Messages {
		if m.ID == msg.ID {
			return nil
		}
	}
	sess.Messages = append(sess.Messages, cloneMessage(msg))
	sess.Updated = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func page[T any](items []T, opts core.ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsStatus(haystack []core.WorkStatus, needle core.WorkStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func cloneFlow(f core.Flow) core.Flow {
	out := f
	out.Variables = cloneStringMap(f.Variables)
	out.Channels = append([]core.ChannelConfig(nil), f.Channels...)
	out.Tools = append([]core.ToolConfig(nil), f.Tools...)
	out.Resources = append([]core.ResourceConfig(nil), f.Resources...)
	out.Trackers = append([]core.TrackerConfig(nil), f.Trackers...)
	out.Tasks = make([]core.TaskConfig, len(f.Tasks))
	for i, t := range f.Tasks {
		out.Tasks[i] = cloneTask(t)
	}
	return out
}

func cloneTask(t core.TaskConfig) core.TaskConfig {
	out := t
	out.Variables = cloneStringMap(t.Variables)
	out.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	out.Triggers = append([]string(nil), t.Triggers...)
	out.Tools = append([]string(nil), t.Tools...)
	out.Subtasks = cloneStringMap(t.Subtasks)
	out.Outputs = append([]core.Output(nil), t.Outputs...)
	return out
}

func cloneWorker(w core.WorkerConfig) core.WorkerConfig {
	out := w
	out.Variables = cloneStringMap(w.Variables)
	out.Skills = append([]string(nil), w.Skills...)
	out.Credentials = cloneStringMap(w.Credentials)
	return out
}

func cloneExecution(e core.TaskExecution) core.TaskExecution {
	out := e
	out.Users = append([]string(nil), e.Users...)
	out.Inputs = cloneStringMap(e.Inputs)
	return out
}

func cloneWorkRequest(r core.WorkRequest) core.WorkRequest {
	out := r
	out.Order.Users = append([]string(nil), r.Order.Users...)
	out.Order.Skills = append([]string(nil), r.Order.Skills...)
	out.Order.Inputs = cloneStringMap(r.Order.Inputs)
	out.Order.Tools = append([]core.FunctionSchema(nil), r.Order.Tools...)
	return out
}

func cloneSession(s core.ChatSession) core.ChatSession {
	out := s
	out.Messages = make([]core.ChatMessage, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m core.ChatMessage) core.ChatMessage {
	out := m
	out.ToolCalls = append([]core.ToolCall(nil), m.ToolCalls...)
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
