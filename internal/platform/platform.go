// Package platform answers the host questions backend selection depends on.
package platform

import (
	"os"
	"os/exec"
	"strings"
)

// Host reads facts about the machine audio backends run on. Use Probe for
// the real machine.
type Host struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	lookPath func(string) (string, error)
}

// Probe returns a Host backed by the process environment, /proc and PATH
func Probe() Host {
	return Host{getenv: os.Getenv, readFile: os.ReadFile, lookPath: exec.LookPath}
}

// WSL reports whether the process runs under Windows Subsystem for Linux,
// along with the evidence found. miniaudio output crackles there.
func (h Host) WSL() (bool, string) {
	if distro := h.getenv("WSL_DISTRO_NAME"); distro != "" {
		return true, "WSL_DISTRO_NAME=" + distro
	}
	kernel, err := h.readFile("/proc/version")
	if err != nil {
		return false, ""
	}
	lower := strings.ToLower(string(kernel))
	for _, marker := range []string{"microsoft", "wsl"} {
		if strings.Contains(lower, marker) {
			return true, "kernel " + marker
		}
	}
	return false, ""
}

// Has reports whether the playback command is on PATH
func (h Host) Has(command string) bool {
	if command == "" {
		return false
	}
	_, err := h.lookPath(command)
	return err == nil
}
