package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/backend/wavfile"
	"pcmout.dev/internal/config"
)

const Version = "0.1.0"

// CLI represents the command-line interface
type CLI struct {
	rootCmd          *cobra.Command
	configManager    *config.ConfigManager
	fs               afero.Fs
	terminalDetector TerminalDetector

	// subsystemOptions are appended after the config-derived options
	subsystemOptions []audio.SubsystemOption

	cfg *config.Config
}

type cliKey struct{}

// NewCLI creates a new CLI instance
func NewCLI() *CLI {
	slog.Debug("creating new CLI instance")
	return &CLI{rootCmd: newRootCommand()}
}

// newRootCommand builds the command tree. Cobra keeps the context and parsed
// flag values of the last execution on every command, so each Run gets a
// fresh tree.
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pcmout",
		Short: "Cross-platform PCM audio output",
		Long: "pcmout opens an output device on the best available audio backend, negotiates a " +
			"sample format and streams decoded files or generated tones to it.",
		SilenceUsage:      true,
		PersistentPreRunE: prepareE,
		RunE:              runRootE,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file")
	flags.String("backend", "", "Audio backend (auto, malgo, oto, syscmd, wavfile)")
	flags.String("device", "", "Output device id or name (default device when empty)")
	flags.Int("rate", 0, "Requested sample rate in Hz")
	flags.Int("channels", 0, "Requested channel count")
	flags.Int("bits", 0, "Requested bits per sample (8, 16, 24, 32)")
	flags.String("encoding", "", "Requested sample encoding (signed, unsigned, float)")
	flags.Int("period", 0, "Period size in frames (0 = about 10ms)")
	flags.String("volume", "", "Set volume (0.0 to 1.0)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("wav-output", "", "Output path for the wavfile backend")
	flags.String("metrics-addr", "", "Serve Prometheus session metrics on this address while playing")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(newBackendsCommand())
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newPlayCommand())
	rootCmd.AddCommand(newToneCommand())

	return rootCmd
}

// cliFromContext extracts CLI instance from context
func cliFromContext(ctx context.Context) *CLI {
	if cli, ok := ctx.Value(cliKey{}).(*CLI); ok {
		return cli
	}
	return nil
}

// Run executes the CLI with the given arguments and I/O streams
func (c *CLI) Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	slog.Debug("CLI run started", "args", args)

	if c.configManager == nil {
		c.configManager = config.NewConfigManager()
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c.rootCmd = newRootCommand()

	c.rootCmd.SetArgs(args[1:]) // Skip program name
	c.rootCmd.SetIn(stdin)
	c.rootCmd.SetOut(stdout)
	c.rootCmd.SetErr(stderr)

	if err := c.rootCmd.ExecuteContext(context.WithValue(ctx, cliKey{}, c)); err != nil {
		slog.Error("command failed", "error", err, "result", audio.ResultOf(err))
		return 1
	}
	return 0
}

func runRootE(cmd *cobra.Command, _ []string) error {
	if version, _ := cmd.Flags().GetBool("version"); version {
		cmd.Printf("pcmout version %s\n", Version)
		return nil
	}
	return cmd.Help()
}

// prepareE loads the configuration and sets up logging before any command runs
func prepareE(cmd *cobra.Command, _ []string) error {
	cli := cliFromContext(cmd.Context())
	if cli == nil {
		return fmt.Errorf("CLI instance not found in context")
	}
	cfg, err := loadAndValidateConfig(cmd, cli)
	if err != nil {
		return err
	}
	setupLogging(cli.configManager, cfg, cmd.ErrOrStderr())
	cli.cfg = cfg
	return nil
}

// loadAndValidateConfig loads configuration from file, applies environment
// overrides and then flag overrides, and validates the result
func loadAndValidateConfig(cmd *cobra.Command, cli *CLI) (*config.Config, error) {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = cli.configManager.LoadFromFile(configFile)
	} else {
		cfg, err = cli.configManager.LoadConfig()
	}
	if err != nil {
		cmd.PrintErrf("Error loading config: %v\n", err)
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	cfg = cli.configManager.ApplyEnvironmentOverrides(cfg)

	override := &config.Config{}
	override.Backend, _ = flags.GetString("backend")
	override.Device, _ = flags.GetString("device")
	override.SampleRate, _ = flags.GetInt("rate")
	override.Channels, _ = flags.GetInt("channels")
	override.BitDepth, _ = flags.GetInt("bits")
	override.Encoding, _ = flags.GetString("encoding")
	override.PeriodFrames, _ = flags.GetInt("period")
	override.LogLevel, _ = flags.GetString("log-level")
	override.WavOutput, _ = flags.GetString("wav-output")

	if volumeStr, _ := flags.GetString("volume"); volumeStr != "" {
		vol, err := strconv.ParseFloat(volumeStr, 64)
		if err != nil {
			cmd.PrintErrf("Error: invalid volume value '%s': %v\n", volumeStr, err)
			return nil, fmt.Errorf("invalid volume value '%s': %w", volumeStr, err)
		}
		override.Volume = &vol
	}
	cfg = cli.configManager.MergeConfigs(cfg, override)

	if err := cli.configManager.ValidateConfig(cfg); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return nil, err
	}
	return cfg, nil
}

// setupLogging sends records at the configured level to stderr and, when file
// logging is enabled, everything from debug up to a rotating file
func setupLogging(cm *config.ConfigManager, cfg *config.Config, stderrWriter io.Writer) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(stderrWriter, &slog.HandlerOptions{Level: level}),
	}

	if fl := cfg.FileLogging; fl != nil && fl.Enabled {
		if fl.Filename == "" {
			if err := cm.XDG().CreateCacheDir("logs"); err != nil {
				slog.Error("failed to create log directory", "error", err)
			}
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cm.ResolveLogFilePath(fl.Filename),
			MaxSize:    fl.MaxSizeMB,
			MaxBackups: fl.MaxBackups,
			MaxAge:     fl.MaxAgeDays,
			Compress:   fl.Compress,
		}
		handlers = append(handlers, slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	slog.SetDefault(slog.New(NewMultiLevelHandler(handlers...)))

	slog.Debug("logging setup completed",
		"level", level.String(),
		"handlers", len(handlers),
		"file_enabled", cfg.FileLogging != nil && cfg.FileLogging.Enabled)
}

// newSubsystem builds an uninitialized audio subsystem from the configuration
func (c *CLI) newSubsystem() *audio.Subsystem {
	opts := []audio.SubsystemOption{audio.WithLogger(slog.Default())}
	if c.cfg.WavOutput != "" {
		opts = append(opts, audio.WithBackendOptions(wavfile.ID, map[string]string{"path": c.cfg.WavOutput}))
	}
	opts = append(opts, c.subsystemOptions...)
	return audio.NewSubsystem(opts...)
}

// openSession initializes the configured backend and opens the configured
// device. The caller shuts the subsystem down.
func (c *CLI) openSession(ctx context.Context) (*audio.Subsystem, *audio.Session, error) {
	requested, err := c.cfg.RequestedFormat()
	if err != nil {
		return nil, nil, err
	}

	sys := c.newSubsystem()
	if err := sys.Initialize(ctx, c.cfg.BackendID()); err != nil {
		return nil, nil, fmt.Errorf("initialize audio: %w", err)
	}

	device, err := sys.FindDevice(ctx, c.cfg.Device)
	if err != nil {
		_ = sys.Shutdown()
		return nil, nil, err
	}

	var opts []audio.OpenOption
	if c.cfg.PeriodFrames > 0 {
		opts = append(opts, audio.WithPeriodFrames(c.cfg.PeriodFrames))
	}
	if c.cfg.BufferPeriods > 0 {
		opts = append(opts, audio.WithBufferPeriods(c.cfg.BufferPeriods))
	}

	sess, err := sys.OpenDevice(ctx, device, requested, opts...)
	if err != nil {
		_ = sys.Shutdown()
		return nil, nil, fmt.Errorf("open %s: %w", device.Name, err)
	}
	return sys, sess, nil
}
