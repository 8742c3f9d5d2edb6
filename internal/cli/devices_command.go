package cli

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pcmout.dev/internal/audio"
)

func newBackendsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List compiled-in audio backends in selection order",
		Args:  cobra.NoArgs,
		RunE:  runBackendsE,
	}
	cmd.Flags().Bool("probe", false, "Initialize each backend and report whether it has devices")
	return cmd
}

func runBackendsE(cmd *cobra.Command, _ []string) error {
	cli := cliFromContext(cmd.Context())
	probe, _ := cmd.Flags().GetBool("probe")

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tBACKEND\tDESCRIPTION\tSTATUS")
	for _, reg := range cli.newSubsystem().Backends() {
		status := "-"
		if probe {
			status = cli.probeBackend(cmd, reg.ID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", reg.Priority, reg.ID, reg.Description, status)
	}
	return w.Flush()
}

// probeBackend reports whether a backend initializes and how many devices it has
func (c *CLI) probeBackend(cmd *cobra.Command, id audio.BackendID) string {
	sys := c.newSubsystem()
	if err := sys.Initialize(cmd.Context(), id); err != nil {
		slog.Debug("backend probe failed", "backend", string(id), "error", err)
		return "unavailable: " + audio.ResultOf(err).String()
	}
	defer func() { _ = sys.Shutdown() }()

	devices, err := sys.EnumerateDevices(cmd.Context())
	if err != nil {
		return "unavailable: " + audio.ResultOf(err).String()
	}
	return fmt.Sprintf("available, %d device(s)", len(devices))
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List output devices of the selected backend",
		Long: "Initializes the configured backend and lists its output devices together " +
			"with the format the requested one would negotiate to.",
		Args: cobra.NoArgs,
		RunE: runDevicesE,
	}
}

func runDevicesE(cmd *cobra.Command, _ []string) error {
	cli := cliFromContext(cmd.Context())
	ctx := cmd.Context()

	requested, err := cli.cfg.RequestedFormat()
	if err != nil {
		return err
	}

	sys := cli.newSubsystem()
	if err := sys.Initialize(ctx, cli.cfg.BackendID()); err != nil {
		cmd.PrintErrf("Error initializing audio: %v\n", err)
		return err
	}
	defer func() { _ = sys.Shutdown() }()

	active, _ := sys.ActiveBackend()
	devices, err := sys.EnumerateDevices(ctx)
	if err != nil {
		return err
	}

	cmd.Printf("backend: %s\n", active)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEFAULT\tID\tNAME\tNEGOTIATED")
	for _, d := range devices {
		mark := ""
		if d.IsDefault {
			mark = "*"
		}
		negotiated := "-"
		if caps, err := sys.DeviceCapabilities(ctx, d); err == nil {
			if f, err := audio.Negotiate(requested, caps); err == nil {
				negotiated = f.String()
			} else {
				negotiated = audio.ResultOf(err).String()
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, d.ID, d.Name, negotiated)
	}
	return w.Flush()
}
