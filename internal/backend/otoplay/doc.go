// Package otoplay registers the "oto" backend: portable output through
// ebitengine/oto. oto allows one context per process, so the first session
// fixes the format for every later one. The player pulls periods through an
// io.Reader on oto's mixing goroutine.
package otoplay

import "pcmout.dev/internal/audio"

// ID is the backend id used in configuration and on the command line
const ID audio.BackendID = "oto"

const priority = 20

// DefaultDeviceID is the only device oto exposes: the system default output
const DefaultDeviceID = "default"
