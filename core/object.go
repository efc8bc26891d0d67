package core

import "fmt"

// Kind identifies a configuration object family. Every broker registry is
// keyed by exactly one Kind.
type Kind string

// Configuration object kinds.
const (
	KindFlow     Kind = "flow"
	KindTask     Kind = "task"
	KindWorker   Kind = "worker"
	KindChannel  Kind = "channel"
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindTracker  Kind = "tracker"
	KindDocRepo  Kind = "docrepo"
)

// Object is implemented by every configuration object snapshot.
type Object interface {
	ObjectID() string
}

// Meta carries the identity fields common to all configuration objects.
// Configuration objects are immutable value snapshots; a new snapshot with
// the same id replaces the previous live instance in its registry.
type Meta struct {
	ID        string            `json:"id"`
	OrgID     string            `json:"org_id"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ObjectID implements Object.
func (m Meta) ObjectID() string { return m.ID }

// Variable returns a type-specific variable or the empty string.
func (m Meta) Variable(key string) string { return m.Variables[key] }

// Validate checks the fields every configuration object must carry.
func (m Meta) Validate(kind Kind) error {
	if m.ID == "" {
		return fmt.Errorf("%s: missing id", kind)
	}
	if m.OrgID == "" {
		return fmt.Errorf("%s %s: missing org id", kind, m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("%s %s: missing name", kind, m.ID)
	}
	return nil
}

// Output binds a completion-argument name to the target object the value is
// written to (a resource or a channel, resolved at write time).
type Output struct {
	Name     string `json:"name"`
	TargetID string `json:"target_id"`
}

// TaskConfig is the desired-state snapshot of a configured task.
type TaskConfig struct {
	Meta           `json:",inline"`
	RequiredSkills []string          `json:"required_skills,omitempty"`
	Triggers       []string          `json:"triggers,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	Subtasks       map[string]string `json:"subtasks,omitempty"` // function name -> task id
	Outputs        []Output          `json:"outputs,omitempty"`
	TrackerID      string            `json:"tracker_id,omitempty"`
	DefaultChannel string            `json:"default_channel,omitempty"`
	CostLimit      float64           `json:"cost_limit,omitempty"`
}

// Validate fails fast on malformed task snapshots so brokers never carry
// half-valid configuration.
func (c TaskConfig) Validate() error {
	if err := c.Meta.Validate(KindTask); err != nil {
		return err
	}
	for name, taskID := range c.Subtasks {
		if name == "" || taskID == "" {
			return fmt.Errorf("task %s: malformed subtask reference %q -> %q", c.ID, name, taskID)
		}
	}
	for _, out := range c.Outputs {
		if out.Name == "" || out.TargetID == "" {
			return fmt.Errorf("task %s: malformed output %q -> %q", c.ID, out.Name, out.TargetID)
		}
	}
	return nil
}

// WorkerConfig is the desired-state snapshot of a worker agent.
type WorkerConfig struct {
	Meta        `json:",inline"`
	Skills      []string          `json:"skills,omitempty"`
	WIPLimit    int               `json:"wip_limit"`
	Credentials map[string]string `json:"credentials,omitempty"` // channel type -> secret id
	Critique    bool              `json:"critique,omitempty"`
	Provider    string            `json:"provider,omitempty"` // inference provider hint
	Model       string            `json:"model,omitempty"`
}

// Validate fails fast on malformed worker snapshots.
func (c WorkerConfig) Validate() error {
	if err := c.Meta.Validate(KindWorker); err != nil {
		return err
	}
	if c.WIPLimit < 0 {
		return fmt.Errorf("worker %s: negative wip limit", c.ID)
	}
	return nil
}

// HasSkills reports whether the worker's skill set is a superset of required.
func (c WorkerConfig) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(c.Skills))
	for _, s := range c.Skills {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// ChannelConfig is the desired-state snapshot of a chat channel.
type ChannelConfig struct {
	Meta `json:",inline"`
	Type string `json:"type"` // transport type, e.g. "websocket"
}

// Validate fails fast on malformed channel snapshots.
func (c ChannelConfig) Validate() error {
	if err := c.Meta.Validate(KindChannel); err != nil {
		return err
	}
	if c.Type == "" {
		return fmt.Errorf("channel %s: missing type", c.ID)
	}
	return nil
}

// ToolConfig is the desired-state snapshot of a callable tool.
type ToolConfig struct {
	Meta `json:",inline"`
	Type string `json:"type"`
}

// Validate fails fast on malformed tool snapshots.
func (c ToolConfig) Validate() error { return c.Meta.Validate(KindTool) }

// ResourceConfig is the desired-state snapshot of a shared resource.
type ResourceConfig struct {
	Meta `json:",inline"`
}

// Validate fails fast on malformed resource snapshots.
func (c ResourceConfig) Validate() error { return c.Meta.Validate(KindResource) }

// TrackerConfig is the desired-state snapshot of a ticket tracker.
type TrackerConfig struct {
	Meta `json:",inline"`
	Type string `json:"type"`
}

// Validate fails fast on malformed tracker snapshots.
func (c TrackerConfig) Validate() error { return c.Meta.Validate(KindTracker) }

// DocRepoConfig is the desired-state snapshot of a document repository.
type DocRepoConfig struct {
	Meta `json:",inline"`
}

// Validate fails fast on malformed document repository snapshots.
func (c DocRepoConfig) Validate() error { return c.Meta.Validate(KindDocRepo) }

// FlowStatus is the lifecycle state of a flow.
type FlowStatus string

// Flow lifecycle states.
const (
	FlowActive   FlowStatus = "active"
	FlowInactive FlowStatus = "inactive"
)

// Flow is a named bundle owning a set of configuration objects. When a flow
// is inactive all of its owned objects must be removed from live registries.
type Flow struct {
	Meta      `json:",inline"`
	Status    FlowStatus       `json:"status"`
	Channels  []ChannelConfig  `json:"channels,omitempty"`
	Tools     []ToolConfig     `json:"tools,omitempty"`
	Resources []ResourceConfig `json:"resources,omitempty"`
	Trackers  []TrackerConfig  `json:"trackers,omitempty"`
	Tasks     []TaskConfig     `json:"tasks,omitempty"`
}

// Validate fails fast on malformed flow snapshots.
func (f Flow) Validate() error {
	if err := f.Meta.Validate(KindFlow); err != nil {
		return err
	}
	if f.Status != FlowActive && f.Status != FlowInactive {
		return fmt.Errorf("flow %s: unknown status %q", f.ID, f.Status)
	}
	return nil
}
