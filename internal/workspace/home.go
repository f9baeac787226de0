// Package workspace resolves the dotclaw install tree and translates paths
// between the host and the sandboxed container mount.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvHome overrides the install home when set.
const EnvHome = "DOTCLAW_HOME"

// defaultHomeDir is the fallback install home under $HOME.
const defaultHomeDir = ".dotclaw"

// Layout holds the derived directories of one install home. All paths are
// absolute once constructed through NewLayout.
type Layout struct {
	Home        string
	ConfigDir   string
	DataDir     string
	StoreDir    string
	SessionsDir string

	// SnapshotsDir holds per-run session copies used by isolated context
	// mode. Kept apart from SessionsDir so retention can sweep snapshots
	// without touching live sessions.
	SnapshotsDir string

	IPCDir     string
	GroupsDir  string
	LogsDir    string
	TracesDir  string
	PromptsDir string
}

// DefaultHome resolves the install home: $DOTCLAW_HOME when set, else
// ~/.dotclaw.
func DefaultHome() (string, error) {
	if home := strings.TrimSpace(os.Getenv(EnvHome)); home != "" {
		return filepath.Clean(home), nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(userHome, defaultHomeDir), nil
}

// NewLayout derives the directory layout for a home path.
func NewLayout(home string) Layout {
	home = filepath.Clean(home)
	dataDir := filepath.Join(home, "data")
	return Layout{
		Home:         home,
		ConfigDir:    filepath.Join(home, "config"),
		DataDir:      dataDir,
		StoreDir:     filepath.Join(dataDir, "store"),
		SessionsDir:  filepath.Join(dataDir, "sessions"),
		SnapshotsDir: filepath.Join(dataDir, "snapshots"),
		IPCDir:       filepath.Join(dataDir, "ipc"),
		GroupsDir:    filepath.Join(home, "groups"),
		LogsDir:      filepath.Join(home, "logs"),
		TracesDir:    filepath.Join(home, "traces"),
		PromptsDir:   filepath.Join(home, "prompts"),
	}
}

// Bootstrap creates the layout directories with owner-only permissions.
// Existing directories are left untouched.
func (l Layout) Bootstrap() error {
	dirs := []string{
		l.Home,
		l.ConfigDir,
		l.DataDir,
		l.StoreDir,
		l.SessionsDir,
		l.SnapshotsDir,
		l.IPCDir,
		l.GroupsDir,
		l.LogsDir,
		l.TracesDir,
		l.PromptsDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigPath is the runtime config file inside the layout.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.ConfigDir, "config.json")
}

// StorePath is the SQLite database file.
func (l Layout) StorePath() string {
	return filepath.Join(l.StoreDir, "dotclaw.db")
}

// CooldownPath is the model-cooldown persistence file.
func (l Layout) CooldownPath() string {
	return filepath.Join(l.DataDir, "model_cooldowns.json")
}

// InboxPath is the append-only file provider bridges write inbound
// messages to, one JSON object per line.
func (l Layout) InboxPath() string {
	return filepath.Join(l.DataDir, "inbox.jsonl")
}

// GroupDir returns the workspace directory for a group.
func (l Layout) GroupDir(group string) (string, error) {
	if err := validGroupName(group); err != nil {
		return "", err
	}
	return filepath.Join(l.GroupsDir, group), nil
}

// EnsureGroupDir creates the group workspace (and its jobs/ subdirectory)
// if missing and returns its path.
func (l Layout) EnsureGroupDir(group string) (string, error) {
	dir, err := l.GroupDir(group)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0o700); err != nil {
		return "", fmt.Errorf("create group dir %s: %w", dir, err)
	}
	return dir, nil
}

// JobOutputPath is where a job's spilled output lands, relative to the
// group workspace: jobs/<job>/output.md.
func JobOutputPath(jobID string) string {
	return filepath.Join("jobs", jobID, "output.md")
}

// validGroupName rejects group ids that could traverse outside GroupsDir.
func validGroupName(group string) error {
	if group == "" {
		return fmt.Errorf("empty group name")
	}
	if strings.ContainsAny(group, "/\\\x00") || group == "." || group == ".." {
		return fmt.Errorf("invalid group name %q", group)
	}
	return nil
}
