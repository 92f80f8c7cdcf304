// Package toolreg implements the tool half of the host capability:
// executable tools discovered from manifest files on disk.
package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lm-bridge/internal/host"
)

// DefaultTimeout bounds a single tool invocation when the configuration
// does not say otherwise.
const DefaultTimeout = 30 * time.Second

// Manifest is the tool.json format. Binary paths are resolved relative to
// the manifest's directory.
type Manifest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	Binary      string         `json:"binary"`
	Args        []string       `json:"args"`
	InputSchema map[string]any `json:"input_schema"`
}

type entry struct {
	manifest Manifest
	dir      string
}

// Registry holds discovered tools and executes them on request.
type Registry struct {
	tools   map[string]entry
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:   make(map[string]entry),
		timeout: timeout,
	}
}

// Discover scans directories for tool.json manifests. Missing directories
// and malformed manifests are skipped with a log line; discovery is best
// effort.
func (r *Registry) Discover(dirs []string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Debug("skipping tool directory", "dir", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			toolDir := filepath.Join(dir, e.Name())
			manifestPath := filepath.Join(toolDir, "tool.json")
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				continue
			}
			var manifest Manifest
			if err := json.Unmarshal(data, &manifest); err != nil {
				slog.Warn("ignoring malformed tool manifest", "path", manifestPath, "err", err)
				continue
			}
			if manifest.Name == "" || manifest.Binary == "" {
				slog.Warn("ignoring incomplete tool manifest", "path", manifestPath)
				continue
			}
			r.tools[manifest.Name] = entry{manifest: manifest, dir: toolDir}
		}
	}
}

// ListTools returns descriptors for every discovered tool, in name order.
func (r *Registry) ListTools(ctx context.Context) ([]host.ToolDescriptor, error) {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]host.ToolDescriptor, 0, len(names))
	for _, name := range names {
		m := r.tools[name].manifest
		descriptors = append(descriptors, host.ToolDescriptor{
			Name:        m.Name,
			Description: m.Description,
			Tags:        m.Tags,
			InputSchema: m.InputSchema,
		})
	}
	return descriptors, nil
}

// InvokeTool runs a tool binary with the JSON-encoded input on stdin and
// returns its stdout as the result content.
func (r *Registry) InvokeTool(ctx context.Context, name string, input map[string]any) (host.ToolResult, error) {
	tool, ok := r.tools[name]
	if !ok {
		return host.ToolResult{}, fmt.Errorf("unknown tool %q", name)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return host.ToolResult{}, fmt.Errorf("encode tool input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	binary := tool.manifest.Binary
	if !filepath.IsAbs(binary) {
		binary = filepath.Join(tool.dir, binary)
	}

	cmd := exec.CommandContext(runCtx, binary, tool.manifest.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return host.ToolResult{}, fmt.Errorf("tool %q: %s", name, detail)
	}

	return host.ToolResult{Content: stdout.String()}, nil
}
