package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolengine/internal/config"
	"github.com/harun/toolengine/internal/logger"
	"github.com/harun/toolengine/pkg/toolexecutor"
)

const testCatalog = `[
	{
		"id": "notes",
		"name": "Read notes",
		"parameters": [
			{"name": "operation", "type": "string", "required": true},
			{"name": "path", "type": "string", "required": true}
		],
		"tool_type": {"kind": "file", "file": {"base_dir": "/notes"}},
		"security": {"required_permissions": ["file:read"]}
	}
]`

// newTestDaemon builds a daemon over a temp data dir whose file root holds
// notes/today.txt.
func newTestDaemon(t *testing.T, withGateway bool) (*Daemon, *config.Config) {
	t.Helper()
	tmpDir := t.TempDir()

	root := filepath.Join(tmpDir, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "today.txt"), []byte("ship it"), 0644))

	catalogPath := filepath.Join(tmpDir, "tools.json")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0644))

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Catalog.Path = catalogPath
	cfg.Catalog.Watch = false
	cfg.Backends.FileRoot = root
	cfg.Gateway.Enabled = withGateway
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "test-secret"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d, cfg
}

func TestNew(t *testing.T) {
	d, cfg := newTestDaemon(t, true)

	assert.NotNil(t, d.GetExecutor())
	assert.NotNil(t, d.GetGatewayServer())
	assert.Equal(t, cfg, d.GetConfig())

	tools, err := d.GetCatalog().ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestNewWithoutGateway(t *testing.T) {
	d, _ := newTestDaemon(t, false)
	assert.Nil(t, d.GetGatewayServer())
}

func TestNewRejectsBadCatalog(t *testing.T) {
	tmpDir := t.TempDir()
	catalogPath := filepath.Join(tmpDir, "tools.json")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`[{"id": "x"}]`), 0644))

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Catalog.Path = catalogPath
	cfg.Gateway.Enabled = false

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newTestDaemon(t, true)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start must fail")

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Gateway)
	assert.Equal(t, 1, status.Tools)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "second stop must fail")
}

func TestDaemonExecutesFileTool(t *testing.T) {
	d, _ := newTestDaemon(t, false)
	require.NoError(t, d.Start())
	defer d.Stop()

	result, err := d.GetExecutor().Execute(context.Background(), &toolexecutor.ExecutionRequest{
		ToolID: "notes",
		Parameters: map[string]interface{}{
			"operation": "read",
			"path":      "today.txt",
		},
		Context: toolexecutor.ExecutionContext{
			AgentID:  "tester",
			Security: toolexecutor.SecurityContext{Permissions: []string{"file:read"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, toolexecutor.StatusSuccess, result.Status)
	assert.Equal(t, "ship it", result.Output.JSON.(map[string]interface{})["content"])
}

func TestDaemonWaitStopsOnContext(t *testing.T) {
	d, _ := newTestDaemon(t, false)
	require.NoError(t, d.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, d.Wait(ctx))
	assert.False(t, d.Status().Running)
}

func TestDaemonCloseWithoutStart(t *testing.T) {
	d, cfg := newTestDaemon(t, false)

	require.NoError(t, d.Close())

	_, err := os.Stat(filepath.Join(cfg.DataDir, PIDFileName))
	assert.True(t, os.IsNotExist(err), "close must not leave a PID file")
}
