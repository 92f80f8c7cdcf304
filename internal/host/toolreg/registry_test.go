package toolreg

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, name string, manifest Manifest) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tool.json"), data, 0o644))
	return dir
}

func TestDiscoverAndList(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "echo", Manifest{
		Name:        "echo_input",
		Description: "echoes its input",
		Tags:        []string{"debug"},
		Binary:      "/bin/cat",
	})
	writeManifest(t, root, "other", Manifest{
		Name:   "another",
		Binary: "/bin/true",
	})

	registry := NewRegistry(0)
	registry.Discover([]string{root, filepath.Join(root, "does-not-exist")})

	tools, err := registry.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	// Name order.
	assert.Equal(t, "another", tools[0].Name)
	assert.Equal(t, "echo_input", tools[1].Name)
	assert.Equal(t, []string{"debug"}, tools[1].Tags)
}

func TestDiscoverSkipsBadManifests(t *testing.T) {
	root := t.TempDir()

	noName := filepath.Join(root, "no-name")
	require.NoError(t, os.MkdirAll(noName, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(noName, "tool.json"), []byte(`{"binary":"/bin/true"}`), 0o644))

	malformed := filepath.Join(root, "malformed")
	require.NoError(t, os.MkdirAll(malformed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(malformed, "tool.json"), []byte(`{`), 0o644))

	noManifest := filepath.Join(root, "empty")
	require.NoError(t, os.MkdirAll(noManifest, 0o755))

	registry := NewRegistry(0)
	registry.Discover([]string{root})

	tools, err := registry.ListTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestInvokeTool(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "echo", Manifest{Name: "echo_input", Binary: "/bin/cat"})

	registry := NewRegistry(0)
	registry.Discover([]string{root})

	result, err := registry.InvokeTool(context.Background(), "echo_input", map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"Berlin"}`, result.Content)
}

func TestInvokeToolRelativeBinary(t *testing.T) {
	root := t.TempDir()
	dir := writeManifest(t, root, "greet", Manifest{Name: "greet", Binary: "run.sh"})
	script := "#!/bin/sh\necho hello\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))

	registry := NewRegistry(0)
	registry.Discover([]string{root})

	result, err := registry.InvokeTool(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Content)
}

func TestInvokeUnknownTool(t *testing.T) {
	registry := NewRegistry(0)

	_, err := registry.InvokeTool(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestInvokeToolFailureIncludesStderr(t *testing.T) {
	root := t.TempDir()
	dir := writeManifest(t, root, "fail", Manifest{Name: "fail", Binary: "fail.sh"})
	script := "#!/bin/sh\necho 'no such city' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fail.sh"), []byte(script), 0o755))

	registry := NewRegistry(0)
	registry.Discover([]string{root})

	_, err := registry.InvokeTool(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such city")
}

func TestInvokeToolTimeout(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "slow", Manifest{Name: "slow", Binary: "/bin/sleep", Args: []string{"5"}})

	registry := NewRegistry(50 * time.Millisecond)
	registry.Discover([]string{root})

	start := time.Now()
	_, err := registry.InvokeTool(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
