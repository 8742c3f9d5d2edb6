package main

import (
	"log/slog"
	"os"

	"pcmout.dev/internal/cli"

	_ "pcmout.dev/internal/backend/miniaudio"
	_ "pcmout.dev/internal/backend/otoplay"
	_ "pcmout.dev/internal/backend/syscmd"
	_ "pcmout.dev/internal/backend/wavfile"
)

func main() {
	// logging is reconfigured from the config once a command runs
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	os.Exit(cli.NewCLI().Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}
