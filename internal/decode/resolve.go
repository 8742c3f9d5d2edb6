package decode

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
)

// Extensions are tried in this order when a path names no existing file
var Extensions = []string{".wav", ".mp3", ".aiff", ".aif"}

// ResolvePath returns path when it exists on fs, otherwise the first
// path+extension that does
func ResolvePath(fs afero.Fs, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrReadFailure)
	}
	if info, err := fs.Stat(path); err == nil && !info.IsDir() {
		return path, nil
	}

	for _, ext := range Extensions {
		candidate := path + ext
		if _, err := fs.Stat(candidate); err == nil {
			slog.Debug("audio file resolved by extension", "base_path", path, "resolved_path", candidate)
			return candidate, nil
		}
	}

	slog.Debug("audio file resolution failed", "base_path", path, "extensions_tried", Extensions)
	return "", fmt.Errorf("%w: no file for %s with extensions %v: %w", ErrReadFailure, path, Extensions, os.ErrNotExist)
}
