package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeta_Validate(t *testing.T) {
	valid := Meta{ID: "x", OrgID: "org", Name: "X"}
	assert.NoError(t, valid.Validate(KindTask))

	assert.Error(t, Meta{OrgID: "org", Name: "X"}.Validate(KindTask))
	assert.Error(t, Meta{ID: "x", Name: "X"}.Validate(KindTask))
	assert.Error(t, Meta{ID: "x", OrgID: "org"}.Validate(KindTask))
}

func TestTaskConfig_Validate(t *testing.T) {
	cfg := TaskConfig{Meta: Meta{ID: "t", OrgID: "org", Name: "T"}}
	assert.NoError(t, cfg.Validate())

	cfg.Subtasks = map[string]string{"split": ""}
	assert.Error(t, cfg.Validate())

	cfg.Subtasks = map[string]string{"split": "t-child"}
	cfg.Outputs = []Output{{Name: "report"}}
	assert.Error(t, cfg.Validate())

	cfg.Outputs = []Output{{Name: "report", TargetID: "res-1"}}
	assert.NoError(t, cfg.Validate())
}

func TestWorkerConfig_Validate(t *testing.T) {
	cfg := WorkerConfig{Meta: Meta{ID: "w", OrgID: "org", Name: "W"}}
	assert.NoError(t, cfg.Validate())

	cfg.WIPLimit = -1
	assert.Error(t, cfg.Validate())
}

func TestWorkerConfig_HasSkills(t *testing.T) {
	cfg := WorkerConfig{Skills: []string{"go", "sql"}}

	assert.True(t, cfg.HasSkills(nil))
	assert.True(t, cfg.HasSkills([]string{"go"}))
	assert.True(t, cfg.HasSkills([]string{"sql", "go"}))
	assert.False(t, cfg.HasSkills([]string{"go", "rust"}))

	empty := WorkerConfig{}
	assert.True(t, empty.HasSkills(nil))
	assert.False(t, empty.HasSkills([]string{"go"}))
}

func TestChannelConfig_Validate(t *testing.T) {
	cfg := ChannelConfig{Meta: Meta{ID: "c", OrgID: "org", Name: "C"}}
	assert.Error(t, cfg.Validate())

	cfg.Type = "websocket"
	assert.NoError(t, cfg.Validate())
}

func TestFlow_Validate(t *testing.T) {
	f := Flow{Meta: Meta{ID: "f", OrgID: "org", Name: "F"}}
	assert.Error(t, f.Validate())

	f.Status = FlowActive
	assert.NoError(t, f.Validate())
	f.Status = FlowInactive
	assert.NoError(t, f.Validate())
	f.Status = "paused"
	assert.Error(t, f.Validate())
}

func TestMeta_Variable(t *testing.T) {
	m := Meta{Variables: map[string]string{"instruction": "do it"}}
	assert.Equal(t, "do it", m.Variable("instruction"))
	assert.Empty(t, m.Variable("missing"))
	assert.Empty(t, Meta{}.Variable("any"))
}
