// Package setup knows the on-disk layout of a flowline data root and
// scaffolds a new one.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowline-dev/flowline/internal/ipc"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/taskfile"
)

const (
	configName     = "config.yaml"
	lockName       = "daemon.lock"
	logName        = "daemon.log"
	activityName   = "activity.jsonl"
	workspacesName = "workspaces"
	// DefaultWorkspace is created by Init so a fresh root is immediately usable.
	DefaultWorkspace = "default"
)

// Layout resolves paths inside a data root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) ConfigPath() string   { return filepath.Join(l.Root, configName) }
func (l Layout) SocketPath() string   { return filepath.Join(l.Root, ipc.DefaultSocketName) }
func (l Layout) LocksDir() string     { return filepath.Join(l.Root, "locks") }
func (l Layout) LockPath() string     { return filepath.Join(l.LocksDir(), lockName) }
func (l Layout) LogsDir() string      { return filepath.Join(l.Root, "logs") }
func (l Layout) LogPath() string      { return filepath.Join(l.LogsDir(), logName) }
func (l Layout) ActivityPath() string { return filepath.Join(l.LogsDir(), activityName) }

func (l Layout) WorkspacesDir() string { return filepath.Join(l.Root, workspacesName) }

func (l Layout) WorkspaceDir(name string) string {
	return filepath.Join(l.WorkspacesDir(), name)
}

// Workspaces lists workspace names present under the root.
func (l Layout) Workspaces() ([]string, error) {
	entries, err := os.ReadDir(l.WorkspacesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// EnsureWorkspace creates the workspace directory tree if absent.
func (l Layout) EnsureWorkspace(name string) error {
	base := l.WorkspaceDir(name)
	for _, dir := range []string{
		filepath.Join(base, "tasks"),
		filepath.Join(base, "drafts"),
		filepath.Join(base, "quarantine"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Init scaffolds a data root: directories, a default config if none exists,
// and a default workspace. Safe to run on an existing root.
func Init(root, projectName string) error {
	l := NewLayout(root)

	for _, dir := range []string{l.Root, l.LocksDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := l.EnsureWorkspace(DefaultWorkspace); err != nil {
		return err
	}

	if _, err := os.Stat(l.ConfigPath()); err == nil {
		return nil // keep the existing config
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config: %w", err)
	}

	cfg := model.Config{
		Project: model.ProjectConfig{Name: projectName},
		Agent: model.AgentConfig{
			Command: "agent-session",
		},
		Logging: model.LoggingConfig{Level: "info"},
	}
	return taskfile.AtomicWrite(l.ConfigPath(), cfg)
}

// LoadConfig reads the root config, returning zero-value defaults when the
// file does not exist. Unknown keys are rejected.
func LoadConfig(root string) (model.Config, error) {
	var cfg model.Config
	err := taskfile.LoadStrict(NewLayout(root).ConfigPath(), &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
