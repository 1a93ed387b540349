package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := runCLI(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "toolengine version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := runCLI(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "toolengine")
		assert.Contains(t, out, "Modbus")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "status", "stop", "exec", "tools", "config"} {
			assert.True(t, names[want], "missing %s command", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
