// Package main provides the espresso CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/espresso/pkg/cache"
	"github.com/orneryd/espresso/pkg/config"
	"github.com/orneryd/espresso/pkg/espresso"
	"github.com/orneryd/espresso/pkg/logging"
	"github.com/orneryd/espresso/pkg/metrics"
	"github.com/orneryd/espresso/pkg/pmi"
	"github.com/orneryd/espresso/pkg/report"
	"github.com/orneryd/espresso/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:   "espresso",
		Short: "Espresso - semi-supervised relation instance bootstrapping",
		Long: `Espresso harvests instances of a binary (or n-ary) relation from a
precomputed instance/pattern dpmi table, starting from a handful of seeds.

Each iteration promotes the N most reliable patterns, then the N most
reliable instances, persisting every promotion to a candidate store.`,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", defaults.Storage.DataDir, "Candidate store directory")
	rootCmd.PersistentFlags().Bool("in-memory", false, "Use a throwaway in-memory candidate store")
	rootCmd.PersistentFlags().String("log-level", defaults.Logging.Level, "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.Logging.Format, "Log format (text or json)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "espresso v%s (%s)\n", version, commit)
		},
	})

	// Bootstrap command
	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap <relation> <matrix.tsv> [seed-file...]",
		Short: "Run bootstrapping iterations for a relation",
		Long: `Run bootstrapping iterations for a relation.

Seeds are read from the given files, or from stdin when none is given,
one tab-separated tuple per line.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runBootstrap,
	}
	bootstrapCmd.Flags().IntP("n-best", "n", defaults.Bootstrap.N, "Patterns and instances promoted per iteration")
	bootstrapCmd.Flags().IntP("start", "s", defaults.Bootstrap.Start, "First iteration")
	bootstrapCmd.Flags().IntP("stop", "t", defaults.Bootstrap.Stop, "Last iteration (inclusive)")
	bootstrapCmd.Flags().BoolP("keep-seeds", "k", false, "Keep seeds and promoted items in later iterations")
	bootstrapCmd.Flags().BoolP("reset", "r", false, "Drop the relation's stored scores first")
	bootstrapCmd.Flags().Int("cache-size", defaults.PMI.CacheSize, "dpmi cache entries (0 disables)")
	bootstrapCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile at exit")
	bootstrapCmd.Flags().Bool("json", false, "Print results as JSON")
	bootstrapCmd.Flags().String("save", "", "Also save results as JSON to this file")
	rootCmd.AddCommand(bootstrapCmd)

	// Show command
	showCmd := &cobra.Command{
		Use:   "show <relation>",
		Short: "Show the latest score of every stored instance and pattern",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().Bool("json", false, "Print as JSON")
	rootCmd.AddCommand(showCmd)

	// Confidence command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "confidence <relation> <matrix.tsv> <arg1> <arg2> [argN...]",
		Short: "Compute S(i, P) against the patterns of the latest iteration",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runConfidence,
	})

	// Reset command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset <relation>",
		Short: "Drop both collections of a relation",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	})

	// Init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	initCmd.Flags().StringP("output", "o", "espresso.yaml", "Configuration file to create")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	return rootCmd
}

// loadConfig resolves defaults, the config file, the environment and then
// any flag the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory, _ = flags.GetBool("in-memory")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Lookup("n-best") != nil {
		if flags.Changed("n-best") {
			cfg.Bootstrap.N, _ = flags.GetInt("n-best")
		}
		if flags.Changed("start") {
			cfg.Bootstrap.Start, _ = flags.GetInt("start")
		}
		if flags.Changed("stop") {
			cfg.Bootstrap.Stop, _ = flags.GetInt("stop")
		}
		if flags.Changed("keep-seeds") {
			cfg.Bootstrap.Keep, _ = flags.GetBool("keep-seeds")
		}
		if flags.Changed("reset") {
			cfg.Bootstrap.Reset, _ = flags.GetBool("reset")
		}
		if flags.Changed("cache-size") {
			cfg.PMI.CacheSize, _ = flags.GetInt("cache-size")
		}
		if flags.Changed("metrics-file") {
			cfg.Metrics.TextfilePath, _ = flags.GetString("metrics-file")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	return logging.Configure(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
}

func openStore(cfg *config.Config, log *logrus.Logger) (*storage.BadgerEngine, error) {
	opts := storage.BadgerOptions{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
	}
	if log.IsLevelEnabled(logrus.DebugLevel) {
		opts.Logger = log.WithField("component", "badger")
	}
	if !cfg.Storage.InMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	store, err := storage.NewBadgerEngineWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("opening candidate store: %w", err)
	}
	return store, nil
}

func readSeeds(cmd *cobra.Command, files []string, arity int) ([]storage.Instance, error) {
	if len(files) == 0 {
		return pmi.ReadSeeds(cmd.InOrStdin(), arity)
	}
	var seeds []storage.Instance
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening seeds: %w", err)
		}
		s, err := pmi.ReadSeeds(f, arity)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		seeds = append(seeds, s...)
		if arity == 0 && len(s) > 0 {
			arity = s[0].Arity()
		}
	}
	return seeds, nil
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Relation = args[0]
	cfg.PMI.MatrixPath = args[1]
	asJSON, _ := cmd.Flags().GetBool("json")
	savePath, _ := cmd.Flags().GetString("save")
	out := cmd.OutOrStdout()

	log, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}
	log.WithField("config", cfg.String()).Debug("configuration resolved")

	if !asJSON {
		fmt.Fprintf(out, "☕ espresso v%s: bootstrapping %q\n", version, cfg.Relation)
		fmt.Fprintf(out, "   PMI matrix:  %s\n", cfg.PMI.MatrixPath)
		fmt.Fprintf(out, "   Data dir:    %s\n", storeLabel(cfg))
		fmt.Fprintln(out)
	}

	table, err := pmi.LoadFile(cfg.PMI.MatrixPath)
	if err != nil {
		return fmt.Errorf("loading pmi matrix: %w", err)
	}
	seeds, err := readSeeds(cmd, args[2:], table.Arity())
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return fmt.Errorf("no seed instances given")
	}

	var provider espresso.PMIProvider = table
	var cached *cache.CachedProvider
	if cfg.PMI.CacheSize > 0 {
		cached = cache.NewCachedProvider(table, cfg.PMI.CacheSize)
		provider = cached
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := metrics.NewBootstrap(registry)

	ctrl, err := espresso.New(store, provider, table, espresso.Options{
		Relation: cfg.Relation,
		Seeds:    seeds,
		Arity:    table.Arity(),
		N:        cfg.Bootstrap.N,
		Keep:     cfg.Bootstrap.Keep,
		Reset:    cfg.Bootstrap.Reset,
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	results, runErr := ctrl.Bootstrap(ctx, cfg.Bootstrap.Start, cfg.Bootstrap.Stop)

	run := &report.Run{
		RunID:      ctrl.RunID(),
		Relation:   cfg.Relation,
		Collection: report.CollectionsOf(cfg.Relation),
		Seeds:      seeds,
		N:          cfg.Bootstrap.N,
		Start:      cfg.Bootstrap.Start,
		Stop:       cfg.Bootstrap.Stop,
		Keep:       cfg.Bootstrap.Keep,
		Reset:      cfg.Bootstrap.Reset,
		Timestamp:  started.UTC(),
		Duration:   time.Since(started),
		Iterations: results,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	if cached != nil {
		stats := cached.Stats()
		m.PMICache.WithLabelValues("hit").Set(float64(stats.Hits))
		m.PMICache.WithLabelValues("miss").Set(float64(stats.Misses))
		log.WithFields(logrus.Fields{"hits": stats.Hits, "misses": stats.Misses}).Debug("pmi cache")
	}

	reporter := report.NewReporter(out)
	if asJSON {
		if err := reporter.PrintJSON(run); err != nil {
			return err
		}
	} else {
		reporter.PrintSummary(run)
		reporter.PrintDetails(run)
	}
	if savePath != "" {
		if err := reporter.SaveJSON(run, savePath); err != nil {
			return err
		}
	}

	if cfg.Metrics.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.TextfilePath, registry); err != nil {
			log.WithError(err).Warn("writing metrics textfile")
		}
	}

	return runErr
}

func runShow(cmd *cobra.Command, args []string) error {
	relation := args[0]
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	patterns, instances, err := latestRecords(store, relation)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Relation  string                   `json:"relation"`
			Patterns  []storage.ScoredPattern  `json:"patterns"`
			Instances []storage.ScoredInstance `json:"instances"`
		}{relation, patterns, instances})
	}
	report.NewReporter(cmd.OutOrStdout()).PrintStore(relation, patterns, instances)
	return nil
}

// latestRecords returns the latest record of every pattern and instance of
// relation, best first.
func latestRecords(store storage.Engine, relation string) ([]storage.ScoredPattern, []storage.ScoredInstance, error) {
	patternHistory, err := store.Patterns(relation)
	if err != nil {
		return nil, nil, err
	}
	instanceHistory, err := store.Instances(relation)
	if err != nil {
		return nil, nil, err
	}

	patterns := storage.LatestPatterns(patternHistory)
	sort.SliceStable(patterns, func(a, b int) bool { return patterns[a].Score > patterns[b].Score })
	instances := storage.LatestInstances(instanceHistory)
	sort.SliceStable(instances, func(a, b int) bool { return instances[a].Score > instances[b].Score })
	return patterns, instances, nil
}

// lastIterationPatterns returns the patterns promoted in the most recent
// iteration of relation.
func lastIterationPatterns(store storage.Engine, relation string) ([]storage.Pattern, int, error) {
	history, err := store.Patterns(relation)
	if err != nil {
		return nil, 0, err
	}
	last := -1
	for _, rec := range history {
		if rec.Iteration > last {
			last = rec.Iteration
		}
	}
	seen := make(map[storage.Pattern]bool)
	var patterns []storage.Pattern
	for _, rec := range history {
		if rec.Iteration == last && !seen[rec.Pattern] {
			seen[rec.Pattern] = true
			patterns = append(patterns, rec.Pattern)
		}
	}
	return patterns, last, nil
}

func runConfidence(cmd *cobra.Command, args []string) error {
	relation, matrix := args[0], args[1]
	inst := storage.Instance(args[2:])

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}

	table, err := pmi.LoadFile(matrix)
	if err != nil {
		return fmt.Errorf("loading pmi matrix: %w", err)
	}
	if table.Arity() != 0 && inst.Arity() != table.Arity() {
		return fmt.Errorf("%w: %s has %d arguments, matrix has %d",
			espresso.ErrArityMismatch, inst, inst.Arity(), table.Arity())
	}
	maxPMI, err := table.MaxPMI()
	if err != nil {
		return fmt.Errorf("%w: %w", espresso.ErrProviderUnavailable, err)
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	patterns, iteration, err := lastIterationPatterns(store, relation)
	if err != nil {
		return err
	}
	scorer, err := espresso.NewScorer(relation, store, table, maxPMI, nil, log, nil)
	if err != nil {
		return err
	}
	score, err := scorer.Confidence(inst, patterns)
	if err != nil {
		if errors.Is(err, espresso.ErrEmptyPromotedSet) {
			return fmt.Errorf("no patterns promoted for %q yet: %w", relation, err)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "S(%s) = %.6f (%d patterns from iteration %d)\n",
		inst, score, len(patterns), iteration)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	relation := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Drop(relation); err != nil {
		return err
	}
	c := report.CollectionsOf(relation)
	fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Dropped %s and %s\n", c.Instances, c.Patterns)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().WriteFile(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "✅ Wrote %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  espresso bootstrap --config %s <relation> <matrix.tsv> seeds.tsv\n", path)
	return nil
}

func storeLabel(cfg *config.Config) string {
	if cfg.Storage.InMemory {
		return "(in memory)"
	}
	return cfg.Storage.DataDir
}
