package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DB         string
	Backend    string
	Identity   string

	// Config is the effective configuration, resolved before any command
	// runs.
	Config Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the spacesync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "spacesync",
		Short: "spacesync - replicated spaces of shared documents",
		Long: `spacesync keeps spaces of shared documents in sync between peers.

Every member writes to its own signed append-only feed. Membership is a
credential chain inside the space, documents are CRDTs, and epochs compact
history into content-addressed snapshots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML host configuration")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "store path (default spacesync.db)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "store backend (sqlite|leveldb)")
	cmd.PersistentFlags().StringVarP(&opts.Identity, "identity", "i", "", "local identity name or key")

	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewSpacesCommand(opts))
	cmd.AddCommand(NewInviteCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewMemberCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewEpochCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve validates global flags, loads the config file and applies flag
// overrides.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		err := fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return WrapExitError(ExitCommandError, "format", err)
	}
	f := o.formatter(cmd)

	cfg := DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = LoadConfig(o.ConfigPath); err != nil {
			return f.Fail("config", err)
		}
	}
	if o.DB != "" {
		cfg.DB = o.DB
	}
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.Identity != "" {
		cfg.Identity = o.Identity
	}
	if err := cfg.validate(); err != nil {
		return f.Fail("config", err)
	}
	o.Config = cfg

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
