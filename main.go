package main

import (
	"os"

	"pcmout.dev/internal/cli"

	// compiled-in backends register themselves
	_ "pcmout.dev/internal/backend/miniaudio"
	_ "pcmout.dev/internal/backend/otoplay"
	_ "pcmout.dev/internal/backend/syscmd"
	_ "pcmout.dev/internal/backend/wavfile"
)

func main() {
	// Create CLI instance and run with system arguments and I/O
	c := cli.NewCLI()
	exitCode := c.Run(os.Args, os.Stdin, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}
