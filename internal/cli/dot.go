package cli

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Swind/go-locality-runner/core"
	"github.com/Swind/go-locality-runner/descriptor"
	"github.com/Swind/go-locality-runner/sink/sqlite"
)

// DOTOptions holds flags for the dot command.
type DOTOptions struct {
	*RootOptions
	Output  string
	StatsDB string
	Active  []string
}

// NewDOTCommand creates the dot command.
func NewDOTCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DOTOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dot <file>",
		Short: "Render a descriptor as Graphviz DOT",
		Long: `Render a state machine descriptor file as Graphviz DOT.

With --stats-db every edge is labelled with the transition count last
flushed to that database by "localityd run".

Example:
  localityd dot phases/replication.yaml | dot -Tsvg > replication.svg
  localityd dot --stats-db stats.db --active RUN phases/replication.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDOT(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&opts.StatsDB, "stats-db", "", "SQLite database with flushed transition stats")
	cmd.Flags().StringSliceVar(&opts.Active, "active", nil, "states to highlight")

	return cmd
}

func runDOT(ctx context.Context, opts *DOTOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	desc, err := descriptor.LoadFile(path)
	if err != nil {
		return err
	}
	for _, name := range opts.Active {
		if _, ok := desc.Lookup(name); !ok {
			return errors.Newf("%s has no state %q", desc.Name(), name)
		}
	}

	dotOpts := descriptor.DOTOptions{Active: opts.Active}
	if opts.StatsDB != "" {
		stats, err := loadStats(ctx, opts.StatsDB, desc)
		if err != nil {
			return err
		}
		dotOpts.Stats = stats
	}

	w := cmd.OutOrStdout()
	if opts.Output != "" {
		fh, err := os.Create(opts.Output)
		if err != nil {
			return errors.Wrap(err, "create output")
		}
		defer fh.Close()
		w = fh
	}
	return descriptor.WriteDOT(w, desc, dotOpts)
}

func loadStats(ctx context.Context, dbPath string, desc *core.Descriptor) (*core.TransitionStats, error) {
	st, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	recs, err := st.Transitions(ctx, desc.Name())
	if err != nil {
		return nil, err
	}
	stats := core.NewTransitionStats(desc)
	for _, r := range recs {
		if r.FromName != desc.StateName(r.From) || r.ToName != desc.StateName(r.To) {
			return nil, errors.Newf("stored stats of %s do not match the descriptor: edge %s -> %s",
				desc.Name(), r.FromName, r.ToName)
		}
		stats.Add(r)
	}
	return stats, nil
}
