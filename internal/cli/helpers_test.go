package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const cliCatalog = `[
	{
		"id": "notes",
		"name": "Read notes",
		"parameters": [
			{"name": "operation", "type": {"kind": "enum", "values": ["read", "write", "delete"]}, "required": true},
			{"name": "path", "type": "file_path", "required": true},
			{"name": "content", "type": "string"}
		],
		"tool_type": {"kind": "file", "file": {"base_dir": "/notes"}},
		"security": {"required_permissions": ["file:read"]}
	}
]`

// writeTestConfig lays out a data dir with a catalog and a file root
// holding notes/today.txt, and returns the config path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "today.txt"), []byte("ship it"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.json"), []byte(cliCatalog), 0644))

	cfg := `{
		"data_dir": "` + dir + `",
		"logging": {"level": "error", "pretty": false},
		"gateway": {"enabled": false},
		"catalog": {"path": "` + filepath.Join(dir, "tools.json") + `", "watch": false},
		"backends": {"file_root": "` + root + `"}
	}`
	path := filepath.Join(dir, "toolengine.json")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// runCLI executes the root command with fresh flag state.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)

	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), err
}
