package tool_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/tool"
)

func toolCfg(id string) core.ToolConfig {
	return core.ToolConfig{Meta: core.Meta{ID: id, OrgID: "org", Name: id}}
}

func schema(name string) core.FunctionSchema {
	return core.FunctionSchema{
		Name:        name,
		Description: name,
		Parameters:  map[string]any{"type": "object"},
	}
}

func TestBroker_ExecuteByFunctionName(t *testing.T) {
	adapter := testutil.NewToolAdapter(schema("create_ticket"))
	adapter.SetResult("create_ticket", core.ToolResult{Success: true, Message: "created"})

	b := tool.New(func(core.ToolConfig) (core.ToolAdapter, error) { return adapter, nil })
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.Sync(ctx, toolCfg("jira")))

	res, err := b.Execute(ctx, core.ToolRequest{Name: "create_ticket", Arguments: "{}"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "created", res.Message)

	require.Len(t, adapter.Calls, 1)
	assert.Equal(t, "jira", adapter.Calls[0].ToolID)

	_, err = b.Execute(ctx, core.ToolRequest{Name: "unknown_fn"})
	assert.Error(t, err)
}

func TestBroker_ExecuteByToolID(t *testing.T) {
	adapter := testutil.NewToolAdapter(schema("fn"))
	b := tool.New(func(core.ToolConfig) (core.ToolAdapter, error) { return adapter, nil })
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.Sync(ctx, toolCfg("t1")))

	_, err := b.Execute(ctx, core.ToolRequest{ToolID: "t1", Name: "fn"})
	assert.NoError(t, err)

	_, err = b.Execute(ctx, core.ToolRequest{ToolID: "missing", Name: "fn"})
	assert.Error(t, err)
}

func TestBroker_Schemas(t *testing.T) {
	adapters := map[string]*testutil.ToolAdapter{
		"t1": testutil.NewToolAdapter(schema("a"), schema("b")),
		"t2": testutil.NewToolAdapter(schema("c")),
	}
	b := tool.New(func(cfg core.ToolConfig) (core.ToolAdapter, error) {
		a, ok := adapters[cfg.ID]
		if !ok {
			return nil, fmt.Errorf("no adapter for %s", cfg.ID)
		}
		return a, nil
	})
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.Sync(ctx, toolCfg("t1")))
	require.NoError(t, b.Sync(ctx, toolCfg("t2")))

	schemas, err := b.Schemas([]string{"t1", "t2"})
	require.NoError(t, err)
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, err = b.Schemas([]string{"t1", "missing"})
	assert.Error(t, err)
}

func TestBroker_ResyncReindexesFunctions(t *testing.T) {
	current := testutil.NewToolAdapter(schema("old_fn"))
	b := tool.New(func(core.ToolConfig) (core.ToolAdapter, error) { return current, nil })
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.Sync(ctx, toolCfg("t1")))
	_, err := b.Execute(ctx, core.ToolRequest{Name: "old_fn"})
	require.NoError(t, err)

	current = testutil.NewToolAdapter(schema("new_fn"))
	require.NoError(t, b.Sync(ctx, toolCfg("t1")))

	_, err = b.Execute(ctx, core.ToolRequest{Name: "old_fn"})
	assert.Error(t, err)
	_, err = b.Execute(ctx, core.ToolRequest{Name: "new_fn"})
	assert.NoError(t, err)
}

func TestBroker_RemoveDropsIndex(t *testing.T) {
	adapter := testutil.NewToolAdapter(schema("fn"))
	b := tool.New(func(core.ToolConfig) (core.ToolAdapter, error) { return adapter, nil })
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.Sync(ctx, toolCfg("t1")))
	require.NoError(t, b.Remove(ctx, "t1"))

	_, err := b.Execute(ctx, core.ToolRequest{Name: "fn"})
	assert.Error(t, err)
	require.NoError(t, b.Remove(ctx, "t1"))
}
