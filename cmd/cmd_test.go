package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs a fresh command tree with the given args and returns
// the combined output. Every call gets its own instance so flag and config
// state cannot leak between tests.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeTempFile drops content into a fresh temp file and returns its path.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// staticConfig is the minimal config file the tests use: the in-memory
// surface so nothing needs a browser.
const staticConfig = `
surface:
  driver: static
`

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "waldo version "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "closed")
	assert.Contains(t, out, "catalogue of semantic actions")
}

func TestRootCmd_BadConfigFile(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", "surface:\n  driver: carrier-pigeon\n")
	_, err := executeCommand(t, "--config", cfgFile, "actions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surface.driver")
}

func TestRunCmd_SourceFlagConflict(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)
	_, err := executeCommand(t, "--config", cfgFile, "run", "--script", "plan.json", "--interactive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestRunCmd_RequiresSource(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)
	_, err := executeCommand(t, "--config", cfgFile, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --script or --interactive is required")
}

func TestRunCmd_ScriptAgainstStaticSurface(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)
	script := writeTempFile(t, "plan.json", `[
		{"action": "READ_SCREEN"},
		{"action": "SWITCH_TAB", "args": {"tab_voice_id": "tab-polls"}}
	]`)

	out, err := executeCommand(t, "--config", cfgFile, "run", "--script", script, "--session", "cmd-test")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] READ_SCREEN")
	assert.Contains(t, out, "[2] SWITCH_TAB")
	assert.Contains(t, out, "all 2 actions verified")
}

func TestRunCmd_ScriptReportsFailures(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)
	script := writeTempFile(t, "plan.json", `[
		{"action": "CLICK_BUTTON", "args": {"button_voice_id": "no-such-button"}}
	]`)

	out, err := executeCommand(t, "--config", cfgFile, "run", "--script", script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 actions failed")
	assert.Contains(t, out, "TARGET_NOT_FOUND")
}

func TestRunCmd_Interactive(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(bytes.NewBufferString(`{"action":"READ_SCREEN"}` + "\nexit\n"))
	root.SetArgs([]string{"--config", cfgFile, "run", "--interactive"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, buf.String(), "[1] READ_SCREEN")
	assert.Contains(t, buf.String(), "bye")
}

func TestActionsCmd_Text(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)
	out, err := executeCommand(t, "--config", cfgFile, "actions")
	require.NoError(t, err)

	assert.Contains(t, out, "SWITCH_TAB [low]")
	assert.Contains(t, out, "END_SESSION [high] (requires confirmation)")
	assert.Contains(t, out, "tab_voice_id (string, required)")
}

func TestActionsCmd_JSON(t *testing.T) {
	cfgFile := writeTempFile(t, "config.yaml", staticConfig)
	out, err := executeCommand(t, "--config", cfgFile, "actions", "--json")
	require.NoError(t, err)

	var catalogue []map[string]any
	require.NoError(t, json.UnmarshalFromString(out, &catalogue))
	assert.NotEmpty(t, catalogue)

	ids := make([]string, 0, len(catalogue))
	for _, entry := range catalogue {
		id, _ := entry["id"].(string)
		ids = append(ids, id)
	}
	assert.Contains(t, ids, "NAVIGATE")
	assert.Contains(t, ids, "CONFIRM")
}

func TestLoadScript(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := loadScript(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read script")
	})

	t.Run("empty script", func(t *testing.T) {
		path := writeTempFile(t, "plan.json", `[]`)
		_, err := loadScript(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "contains no actions")
	})

	t.Run("step without action", func(t *testing.T) {
		path := writeTempFile(t, "plan.json", `[{"args": {"page": "polls"}}]`)
		_, err := loadScript(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "step 1 is missing an action id")
	})

	t.Run("valid", func(t *testing.T) {
		path := writeTempFile(t, "plan.json", `[{"action": "NAVIGATE", "args": {"page": "polls"}}]`)
		steps, err := loadScript(path)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "NAVIGATE", steps[0].Action)
		assert.Equal(t, "polls", steps[0].Args["page"])
	})
}

func TestConfigFromCommand_Missing(t *testing.T) {
	root := NewRootCommand()
	root.SetContext(context.Background())
	_, err := configFromCommand(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration missing")
}
