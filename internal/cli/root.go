// Package cli implements the localityd command line.
package cli

import (
	"io"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Swind/go-locality-runner/core"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is loaded in PersistentPreRunE.
	Config *Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "localityd",
		Short: "Cooperative locality scheduler",
		Long: `localityd drives a domain of localities that tick cooperative tasks
through declarative state machines.

It runs synthetic workloads, validates descriptor files and renders them
as Graphviz DOT.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return errors.Newf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.ConfigPath == "" {
				opts.Config = DefaultConfig()
				return nil
			}
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.Config = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDOTCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// config returns the loaded configuration, or the defaults when the command
// runs without its parent (as in tests).
func (o *RootOptions) config() *Config {
	if o.Config == nil {
		o.Config = DefaultConfig()
	}
	return o.Config
}

// logger builds the slog-backed logger for a command writing to w.
func (o *RootOptions) logger(w io.Writer) core.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return core.NewSlogLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
