package config

import (
	"log/slog"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"
)

const appDir = "pcmout"

// XDGDirs provides XDG Base Directory compliant paths for pcmout
type XDGDirs struct {
	fs afero.Fs
}

// NewXDGDirs creates a new XDG directory manager creating directories on fs
func NewXDGDirs(fs afero.Fs) *XDGDirs {
	return &XDGDirs{fs: fs}
}

// GetConfigPaths returns prioritized paths where config files can be found:
// the user config dir, then the system config dirs
func (x *XDGDirs) GetConfigPaths(filename string) []string {
	paths := make([]string, 0, 1+len(xdg.ConfigDirs))
	paths = append(paths, filepath.Join(xdg.ConfigHome, appDir, filename))
	for _, configDir := range xdg.ConfigDirs {
		paths = append(paths, filepath.Join(configDir, appDir, filename))
	}

	slog.Debug("generated config paths",
		"filename", filename,
		"total_paths", len(paths),
		"user_path", paths[0])
	return paths
}

// GetCachePath returns the cache directory path for a specific purpose
func (x *XDGDirs) GetCachePath(purpose string) string {
	return filepath.Join(xdg.CacheHome, appDir, purpose)
}

// CreateCacheDir creates the cache directory for a specific purpose
func (x *XDGDirs) CreateCacheDir(purpose string) error {
	cachePath := x.GetCachePath(purpose)
	if err := x.fs.MkdirAll(cachePath, 0o755); err != nil {
		slog.Error("failed to create cache directory", "path", cachePath, "error", err)
		return err
	}
	slog.Debug("cache directory ready", "path", cachePath)
	return nil
}
