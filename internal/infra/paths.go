package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	AppName = "exec-core"

	localWorkspace = "_workspace"
	lockName       = "instance.lock"
)

// ErrWorkspaceLocked is returned when another process holds the workspace.
var ErrWorkspaceLocked = errors.New("workspace locked by another instance")

// dataHome is the OS data directory; empty means use the local workspace.
func dataHome() string {
	switch runtime.GOOS {
	case "windows":
		if d := os.Getenv("APPDATA"); d != "" {
			return d
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, "Library", "Application Support")
	case "linux":
		if d := os.Getenv("XDG_DATA_HOME"); d != "" {
			return d
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, ".local", "share")
	}
	return ""
}

// ResolveWorkspaceDir picks the runtime data root: override, then a local
// _workspace directory, then the OS data directory.
func ResolveWorkspaceDir(override string) string {
	if override != "" {
		return override
	}
	if fi, err := os.Stat(localWorkspace); err == nil && fi.IsDir() {
		return localWorkspace
	}
	if home := dataHome(); home != "" {
		return filepath.Join(home, AppName)
	}
	return localWorkspace
}

// ResolveConfigPath returns configs/config.yaml when present, else the copy
// under the OS config dir. Falls back to the relative path so LoadConfig
// reports the missing file.
func ResolveConfigPath() string {
	local := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if root, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(root, AppName, "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return local
}

// WorkspacePaths are the runtime files of one trading mode.
type WorkspacePaths struct {
	Root      string
	DB        string // SQLite: idempotency records, order archive, fill journal
	Snapshots string // ledger snapshots
	Logs      string
}

// NewWorkspacePaths lays out <base>/<mode> and creates its directories.
// Modes never share a database.
func NewWorkspacePaths(base, mode string) (WorkspacePaths, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return WorkspacePaths{}, errors.New("workspace: empty trading mode")
	}
	root := filepath.Join(base, mode)
	p := WorkspacePaths{
		Root:      root,
		DB:        filepath.Join(root, "data", "exec_core.db"),
		Snapshots: filepath.Join(root, "snapshots"),
		Logs:      filepath.Join(root, "logs"),
	}
	for _, d := range []string{filepath.Dir(p.DB), p.Snapshots, p.Logs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return p, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return p, nil
}

// Lock claims the workspace with an exclusive lock file holding our PID.
// The returned func releases it.
func (p WorkspacePaths) Lock() (func(), error) {
	lockPath := filepath.Join(p.Root, lockName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(lockPath)
			return nil, fmt.Errorf("%w: %s (pid %s)", ErrWorkspaceLocked, lockPath, strings.TrimSpace(string(holder)))
		}
		return nil, err
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock: %w", werr)
	}
	return func() { os.Remove(lockPath) }, nil
}
