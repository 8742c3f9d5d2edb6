// Package miniaudio registers the "malgo" backend: native low-latency output
// through miniaudio (ALSA, PulseAudio, CoreAudio, WASAPI). The native layer
// pulls periods from its own real-time thread. Builds without cgo register a
// placeholder that explains how to get real output.
package miniaudio

import "pcmout.dev/internal/audio"

// ID is the backend id used in configuration and on the command line
const ID audio.BackendID = "malgo"

const priority = 10
