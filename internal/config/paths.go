package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the daemon's standard XDG-style global directories
// (machine id cache, global config overrides). Per-project state lives
// under ProjectStateDir instead (spec.md §6 "Persisted state layout").
type Paths struct {
	Data   string // ~/.local/share/oak-ci
	Config string // ~/.config/oak-ci
	Cache  string // ~/.cache/oak-ci
	State  string // ~/.local/state/oak-ci
}

// GetPaths returns the standard global paths for the daemon.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "oak-ci"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "oak-ci"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "oak-ci"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "oak-ci"),
	}
}

// EnsurePaths creates all required global directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// ProjectStateDir returns the project-local state directory
// "<project>/.oak/ci/" spec.md §6 puts every per-project artifact under:
// activities.db, the vector index directory, daemon.pid/.lock/.port/.log,
// and hooks.log.
func ProjectStateDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".oak", "ci")
}

// TeamSharedPortFile is the port override file committed with the
// project, second-priority in the port selection order (spec.md §4.1).
func TeamSharedPortFile(projectRoot string) string {
	return filepath.Join(projectRoot, "oak", "ci", "daemon.port")
}

// LocalPortFile is the local (uncommitted) override file, first
// priority, also where the daemon writes the port it actually bound.
func LocalPortFile(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "daemon.port")
}

func ActivitiesDBPath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "activities.db")
}

func VectorIndexDir(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "chroma")
}

func PIDFilePath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "daemon.pid")
}

// LockFilePath returns the base path handed to storage.NewFileLock,
// which appends ".lock" itself; the file that ends up on disk is
// "daemon.lock" as spec.md §6 names it.
func LockFilePath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "daemon")
}

func DaemonLogPath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "daemon.log")
}

func HooksLogPath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "hooks.log")
}

func ManifestsDirPath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "manifests")
}

// ConfigFilePath is the project-local config file Load merges on top of
// the global config; PUT /api/config writes here.
func ConfigFilePath(projectRoot string) string {
	return filepath.Join(ProjectStateDir(projectRoot), "config.json")
}
