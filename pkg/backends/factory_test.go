package backends

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/toolengine/pkg/backends/twin"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_CreatesEveryKind(t *testing.T) {
	f := NewFactory(WithFs(afero.NewMemMapFs()), WithTwinStore(twin.NewMemoryStore()))

	tools := []*toolexecutor.Tool{
		{ID: "files", Type: toolexecutor.ToolType{Kind: toolexecutor.KindFile, File: &toolexecutor.FileConfig{BaseDir: "/data"}}},
		{ID: "web", Type: toolexecutor.ToolType{Kind: toolexecutor.KindHTTP, HTTP: &toolexecutor.HTTPConfig{BaseURL: "https://api.example.com"}}},
		{ID: "plc", Type: toolexecutor.ToolType{Kind: toolexecutor.KindModbus, Modbus: &toolexecutor.ModbusConfig{Transport: "tcp", Address: "10.0.0.5:502"}}},
		{ID: "bus", Type: toolexecutor.ToolType{Kind: toolexecutor.KindMQTT, MQTT: &toolexecutor.MQTTConfig{BrokerURL: "tcp://broker:1883"}}},
		{ID: "pump", Type: toolexecutor.ToolType{Kind: toolexecutor.KindTwinQuery, Twin: &toolexecutor.TwinQueryConfig{TwinID: "pump-1"}}},
	}
	for _, tool := range tools {
		t.Run(string(tool.Type.Kind), func(t *testing.T) {
			b, err := f.Create(tool)
			require.NoError(t, err)
			assert.Equal(t, tool.Type.Kind, b.Kind())
			assert.Equal(t, tool.BackendName(), b.Name())
		})
	}
}

func TestFactory_RejectsInvalidConfig(t *testing.T) {
	f := NewFactory()

	tests := []struct {
		name string
		tool *toolexecutor.Tool
		want string
	}{
		{"missing config", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindFile}}, "missing backend config"},
		{"file without base dir", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindFile, File: &toolexecutor.FileConfig{}}}, "BaseDir"},
		{"bad base url", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindHTTP, HTTP: &toolexecutor.HTTPConfig{BaseURL: "::nope"}}}, "BaseURL"},
		{"bad transport", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindModbus, Modbus: &toolexecutor.ModbusConfig{Transport: "udp", Address: "a"}}}, "Transport"},
		{"too many retries", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindModbus, Modbus: &toolexecutor.ModbusConfig{Transport: "tcp", Address: "a", MaxRetries: 11}}}, "MaxRetries"},
		{"missing broker", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindMQTT, MQTT: &toolexecutor.MQTTConfig{}}}, "BrokerURL"},
		{"unknown kind", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: "ftp"}}, "unknown kind"},
		{"twin without store", &toolexecutor.Tool{ID: "x", Type: toolexecutor.ToolType{Kind: toolexecutor.KindTwinQuery, Twin: &toolexecutor.TwinQueryConfig{TwinID: "t"}}}, "no twin store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := f.Create(tt.tool)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := f.Create(tests[0].tool)
	assert.True(t, errors.Is(err, ErrMissingConfig))
}

func TestFactory_DrivesExecutor(t *testing.T) {
	store := twin.NewMemoryStore()
	store.Put("pump-1", map[string]interface{}{"model": "XP-200"}, twin.State{Status: "idle"})

	tool := &toolexecutor.Tool{
		ID:   "pump",
		Name: "pump",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: toolexecutor.ParameterType{Kind: toolexecutor.ParamEnum, Values: []string{"properties", "sensor_data", "state"}}, Required: true},
		},
		Type: toolexecutor.ToolType{Kind: toolexecutor.KindTwinQuery, Twin: &toolexecutor.TwinQueryConfig{TwinID: "pump-1"}},
	}
	catalog, err := toolexecutor.NewMemoryCatalog(tool)
	require.NoError(t, err)
	exec, err := toolexecutor.New(toolexecutor.Config{
		Catalog: catalog,
		Factory: NewFactory(WithTwinStore(store)),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Execute(context.Background(), &toolexecutor.ExecutionRequest{
		ToolID:     "pump",
		Parameters: map[string]interface{}{"query": "state"},
		Context:    toolexecutor.ExecutionContext{AgentID: "a", Security: toolexecutor.SecurityContext{Permissions: []string{twin.PermRead}}},
	})
	require.NoError(t, err)
	assert.Equal(t, toolexecutor.StatusSuccess, result.Status)
	assert.Equal(t, "idle", result.Output.JSON.(map[string]interface{})["status"])
}

func TestFactory_RebuildsBackendAfterCatalogReload(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fileTool := func(maxSize int64) *toolexecutor.Tool {
		return &toolexecutor.Tool{
			ID:   "files",
			Name: "files",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "operation", Type: toolexecutor.ParameterType{Kind: toolexecutor.ParamEnum, Values: []string{"read", "write", "delete"}}, Required: true},
				{Name: "path", Type: toolexecutor.ParameterType{Kind: toolexecutor.ParamFilePath}, Required: true},
				{Name: "content", Type: toolexecutor.ParameterType{Kind: toolexecutor.ParamString}},
			},
			Type: toolexecutor.ToolType{Kind: toolexecutor.KindFile, File: &toolexecutor.FileConfig{BaseDir: "/data", MaxFileSize: maxSize}},
		}
	}

	catalog, err := toolexecutor.NewMemoryCatalog(fileTool(1000))
	require.NoError(t, err)
	exec, err := toolexecutor.New(toolexecutor.Config{
		Catalog: catalog,
		Factory: NewFactory(WithFs(fsys)),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	defer exec.Close()

	write := func(path string) (*toolexecutor.ToolResult, error) {
		return exec.Execute(context.Background(), &toolexecutor.ExecutionRequest{
			ToolID:     "files",
			Parameters: map[string]interface{}{"operation": "write", "path": path, "content": "hello"},
			Context:    toolexecutor.ExecutionContext{AgentID: "a", Security: toolexecutor.SecurityContext{Permissions: []string{"file:*"}}},
		})
	}

	result, err := write("a.txt")
	require.NoError(t, err)
	assert.Equal(t, toolexecutor.StatusSuccess, result.Status)

	require.NoError(t, catalog.Replace([]*toolexecutor.Tool{fileTool(4)}))

	result, err = write("b.txt")
	assert.True(t, errors.Is(err, toolexecutor.ErrResourceLimitExceeded), "tightened max_file_size applies after reload")
	require.NotNil(t, result)
	assert.Equal(t, toolexecutor.StatusFailed, result.Status)
	require.NotNil(t, result.Output)
	require.NotNil(t, result.Output.Error)
	assert.Equal(t, string(toolexecutor.KindResourceLimitExceeded), result.Output.Error.Code)

	exists, err := afero.Exists(fsys, "/data/b.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}
