package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-locality-runner/core"
	"github.com/Swind/go-locality-runner/descriptor"
	promexp "github.com/Swind/go-locality-runner/observability/prometheus"
	"github.com/Swind/go-locality-runner/sink/sqlite"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// listening, when set, receives the metrics listener address.
	listening func(addr string)
}

// RunSummary is what the run command reports once the workload finished.
type RunSummary struct {
	Domain     string            `json:"domain"`
	Tasks      int               `json:"tasks"`
	Ticks      int64             `json:"ticks"`
	Elapsed    time.Duration     `json:"elapsed_ns"`
	Localities []LocalitySummary `json:"localities"`
	Lifecycle  []TransitionLine  `json:"lifecycle"`
}

// LocalitySummary reports one locality.
type LocalitySummary struct {
	Name  string `json:"name"`
	Homed int    `json:"homed"`
	Ticks int64  `json:"ticks"`
}

// TransitionLine is one edge of a transition table.
type TransitionLine struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count uint64 `json:"count"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	var (
		localities    int
		tasks         int
		ticks         int
		waitEvery     int
		blockEvery    int
		blockFor      time.Duration
		timeout       time.Duration
		metricsAddr   string
		statsDB       string
		flushInterval time.Duration
		pin           bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic workload on a domain",
		Long: `Start a domain and tick a synthetic workload through it.

Every task is homed to one locality and ticked there until it has run
--ticks times. Tasks can park on a timer every --wait-every ticks and hold
a blocking section of --block-for every --block-every ticks.

Example:
  localityd run --localities 8 --tasks 1000 --ticks 5
  localityd run -c localityd.yaml --metrics-addr :9090 --stats-db stats.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *opts.config()
			flags := cmd.Flags()
			if flags.Changed("localities") {
				cfg.Domain.Localities = localities
			}
			if flags.Changed("pin") {
				cfg.Domain.PinLocalities = pin
			}
			if flags.Changed("tasks") {
				cfg.Run.Tasks = tasks
			}
			if flags.Changed("ticks") {
				cfg.Run.Ticks = ticks
			}
			if flags.Changed("wait-every") {
				cfg.Run.WaitEvery = waitEvery
			}
			if flags.Changed("block-every") {
				cfg.Run.BlockEvery = blockEvery
			}
			if flags.Changed("block-for") {
				cfg.Run.BlockFor = blockFor
			}
			if flags.Changed("timeout") {
				cfg.Run.Timeout = timeout
			}
			if flags.Changed("metrics-addr") {
				cfg.Run.MetricsAddr = metricsAddr
			}
			if flags.Changed("stats-db") {
				cfg.Run.StatsDB = statsDB
			}
			if flags.Changed("flush-interval") {
				cfg.Run.FlushInterval = flushInterval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWorkload(cmd, opts, &cfg)
		},
	}

	def := DefaultConfig()
	f := cmd.Flags()
	f.IntVarP(&localities, "localities", "l", 0, "number of localities (0 = one per CPU)")
	f.BoolVar(&pin, "pin", false, "pin each locality's primary worker to a CPU")
	f.IntVarP(&tasks, "tasks", "n", def.Run.Tasks, "number of tasks")
	f.IntVar(&ticks, "ticks", def.Run.Ticks, "ticks per task")
	f.IntVar(&waitEvery, "wait-every", 0, "park on a 1ms timer every N ticks (0 = never)")
	f.IntVar(&blockEvery, "block-every", 0, "enter a blocking section every N ticks (0 = never)")
	f.DurationVar(&blockFor, "block-for", def.Run.BlockFor, "time spent in each blocking section")
	f.DurationVar(&timeout, "timeout", def.Run.Timeout, "give up after this long")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&statsDB, "stats-db", "", "flush transition stats to this SQLite database")
	f.DurationVar(&flushInterval, "flush-interval", def.Run.FlushInterval, "stats flush interval")

	return cmd
}

func runWorkload(cmd *cobra.Command, opts *RunOptions, cfg *Config) error {
	logger := opts.logger(cmd.ErrOrStderr())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := core.NewRegistry()
	reg.MustRegister(WorkloadPhases)
	if _, err := descriptor.LoadInto(reg, cfg.Descriptors...); err != nil {
		return err
	}

	var (
		metrics core.Metrics
		promReg *prom.Registry
		poller  *promexp.SnapshotPoller
	)
	if cfg.Run.MetricsAddr != "" {
		promReg = prom.NewRegistry()
		exporter, err := promexp.NewMetricsExporter("", promReg, promexp.ExporterOptions{})
		if err != nil {
			return err
		}
		metrics = exporter
		if poller, err = promexp.NewSnapshotPoller(promReg, time.Second); err != nil {
			return err
		}
	}

	d := core.NewDomain(cfg.DomainConfig(logger, metrics, reg))
	defer d.Stop()

	if promReg != nil {
		tc := promexp.NewTransitionCollector("", reg)
		tc.AddTable(d.LifecycleStats())
		if _, err := tc.Register(promReg); err != nil {
			return err
		}
		poller.AddDomain(d.Name(), d)
	}

	var store *sqlite.Store
	if cfg.Run.StatsDB != "" {
		var err error
		if store, err = sqlite.Open(cfg.Run.StatsDB); err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("close stats database", core.F("error", err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if promReg != nil {
		ln, err := net.Listen("tcp", cfg.Run.MetricsAddr)
		if err != nil {
			return errors.Wrap(err, "listen for metrics")
		}
		if opts.listening != nil {
			opts.listening(ln.Addr().String())
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("serving metrics", core.F("addr", ln.Addr().String()))

		poller.Start(runCtx)
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serve metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			poller.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if store != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Run.FlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return nil
				case <-ticker.C:
					if err := flushStats(runCtx, store, reg, d); err != nil {
						logger.Warn("flush stats", core.F("error", err))
					}
				}
			}
		})
	}

	w := newWorkload(cfg.Run, d.LocalityCount())
	var summary RunSummary
	g.Go(func() error {
		defer cancelRun()
		d.Start(runCtx)
		start := time.Now()
		if err := w.start(d); err != nil {
			return err
		}
		if err := w.wait(runCtx, cfg.Run.Timeout); err != nil {
			return err
		}
		summary = summarize(d, w, time.Since(start))
		return nil
	})

	err := g.Wait()
	d.Stop()
	if store != nil {
		// The final flush runs after the workers are gone so nothing is missed.
		if ferr := flushStats(context.Background(), store, reg, d); ferr != nil {
			err = errors.CombineErrors(err, ferr)
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info("interrupted", core.F("live", d.LiveTasks()))
			return nil
		}
		return err
	}
	return printSummary(cmd, opts, summary)
}

func flushStats(ctx context.Context, store *sqlite.Store, reg *core.Registry, d *core.Domain) error {
	if err := reg.Flush(ctx, store); err != nil {
		return err
	}
	return d.LifecycleStats().Flush(ctx, store)
}

func summarize(d *core.Domain, w *workload, elapsed time.Duration) RunSummary {
	stats := d.Stats()
	s := RunSummary{
		Domain:  stats.Name,
		Tasks:   w.cfg.Tasks,
		Elapsed: elapsed,
	}
	for _, ls := range stats.Localities {
		s.Ticks += ls.Ticks
		s.Localities = append(s.Localities, LocalitySummary{
			Name:  ls.Name,
			Homed: w.homed[ls.Index],
			Ticks: ls.Ticks,
		})
	}
	for _, r := range d.LifecycleStats().Snapshot() {
		s.Lifecycle = append(s.Lifecycle, TransitionLine{From: r.FromName, To: r.ToName, Count: r.Count})
	}
	return s
}

func printSummary(cmd *cobra.Command, opts *RunOptions, s RunSummary) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(s), "encode summary")
	}

	fmt.Fprintf(out, "domain %s: %d tasks, %d ticks in %v on %d localities\n",
		s.Domain, s.Tasks, s.Ticks, s.Elapsed.Round(time.Microsecond), len(s.Localities))
	for _, l := range s.Localities {
		fmt.Fprintf(out, "  %-20s homed=%-6d ticks=%d\n", l.Name, l.Homed, l.Ticks)
	}
	for _, e := range s.Lifecycle {
		fmt.Fprintf(out, "  %s -> %s: %d\n", e.From, e.To, e.Count)
	}
	return nil
}
