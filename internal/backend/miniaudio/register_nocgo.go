//go:build !cgo

package miniaudio

import (
	"fmt"

	"pcmout.dev/internal/audio"
)

var errCGORequired = fmt.Errorf(`%w: the malgo backend requires cgo.

This binary was built with CGO_ENABLED=0, so native output is unavailable and
another backend is used instead. To get native output:
1. Ensure CGO_ENABLED=1 (the default for native builds)
2. Install a C compiler:
   - Linux: sudo apt-get install build-essential
   - macOS: xcode-select --install
   - Windows: Install MinGW or Visual Studio Build Tools
3. Rebuild: go install pcmout.dev/cmd/pcmout`, audio.BackendInitFailed)

func init() {
	audio.Register(audio.Registration{
		ID:          ID,
		Description: "miniaudio native output (unavailable: built without cgo)",
		Priority:    priority,
		New: func(audio.BackendConfig) (audio.Backend, error) {
			return nil, errCGORequired
		},
	})
}
