package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderRegistersHooksAndCommands(t *testing.T) {
	registry := NewRegistry()
	builder := &Builder{registry: registry, name: "test"}

	var ran []string
	builder.OnHook(HookInitialize, func(ctx context.Context) { ran = append(ran, "init") })
	builder.OnHook(HookInitialize, func(ctx context.Context) { ran = append(ran, "init2") })
	builder.OnHook(HookExit, func(ctx context.Context) { ran = append(ran, "exit") })
	builder.OnCommand("clice/custom", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "result", nil
	})

	registry.RunHook(context.Background(), HookInitialize)
	assert.Equal(t, []string{"init", "init2"}, ran, "hooks run in registration order")

	registry.RunHook(context.Background(), HookShutdown)
	assert.Len(t, ran, 2, "no shutdown hooks registered")

	commands := registry.Commands()
	require.Contains(t, commands, "clice/custom")
	result, err := commands["clice/custom"](context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestDuplicateCommandKeepsFirst(t *testing.T) {
	registry := NewRegistry()
	builder := &Builder{registry: registry, name: "test"}

	builder.OnCommand("clice/cmd", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "first", nil
	})
	builder.OnCommand("clice/cmd", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "second", nil
	})

	result, err := registry.Commands()["clice/cmd"](context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}

func TestLoadRejectsMissingLibrary(t *testing.T) {
	registry := NewRegistry()
	assert.Error(t, registry.Load("/does/not/exist.so"))
}
