package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirrobot01/dlextract/internal/config"
	"github.com/sirrobot01/dlextract/internal/logger"
	"github.com/sirrobot01/dlextract/pkg/archive"
	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"github.com/sirrobot01/dlextract/pkg/extract"
	"github.com/sirrobot01/dlextract/pkg/remote"
)

// Exit codes, distinguishable for scripting.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitUnknownFormat = 2
	exitAuth          = 3
	exitNetwork       = 4
)

var (
	flagConfig    string
	flagOutput    string
	flagPassword  string
	flagInclude   []string
	flagList      bool
	flagWorkers   int
	flagOverwrite bool
	flagKeepGoing bool
	flagLogLevel  string
)

func main() {
	root := &cobra.Command{
		Use:   "dlextract <url>",
		Short: "List and extract files from remote archives without downloading them whole",
		Long: `dlextract inspects zip, rar and 7z archives over HTTP range requests,
reading only the metadata and the entries you select.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	root.Flags().StringVarP(&flagOutput, "output", "o", "", "output directory (default \"extracted\")")
	root.Flags().StringVarP(&flagPassword, "password", "p", "", "archive password")
	root.Flags().StringSliceVar(&flagInclude, "include", nil, "extract only entries matching these patterns")
	root.Flags().BoolVarP(&flagList, "list", "l", false, "list entries instead of extracting")
	root.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "parallel extraction workers (default 1)")
	root.Flags().BoolVar(&flagOverwrite, "overwrite", false, "overwrite existing files")
	root.Flags().BoolVarP(&flagKeepGoing, "keep-going", "k", false, "continue past per-entry failures")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dlextract: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, url string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		logger.SetLogFile(cfg.LogFile)
	}
	log := logger.Default()

	opts := archive.Options{
		Remote: remote.Options{
			ChunkSize:      cfg.ChunkSize,
			TailSize:       cfg.TailSize,
			CacheSize:      cfg.CacheSize,
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			RequestTimeout: cfg.RequestTimeout,
			RequestsPerSec: cfg.RequestsPerSec,
			UserAgent:      cfg.UserAgent,
		},
		Password: flagPassword,
	}

	engine, err := archive.Open(ctx, url, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Probe(ctx); err != nil {
		return err
	}
	entries := engine.Entries()
	log.Info().
		Str("format", string(engine.Format())).
		Int("entries", len(entries)).
		Msg("probed archive")

	if flagList {
		return listEntries(entries)
	}

	selected, err := extract.Select(entries, flagInclude)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("no entries match the given patterns")
	}

	factory := func(ctx context.Context) (types.Engine, error) {
		return archive.Open(ctx, url, opts)
	}
	summary, err := extract.Run(ctx, engine, selected, factory, extract.Options{
		OutputDir: cfg.Output,
		Workers:   cfg.Workers,
		Overwrite: cfg.Overwrite,
		KeepGoing: cfg.KeepGoing,
	})

	for _, f := range summary.Failures {
		fmt.Fprintf(os.Stderr, "failed: %s: %v\n", f.Path, f.Err)
	}
	fmt.Printf("extracted %d (%d bytes), skipped %d, failed %d\n",
		summary.Extracted, summary.Bytes, summary.Skipped, summary.Failed)

	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d entries failed", summary.Failed)
	}
	return nil
}

// applyFlags overlays explicit CLI flags on the loaded config.
func applyFlags(cfg *config.Config) {
	if flagOutput != "" {
		cfg.Output = flagOutput
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if flagOverwrite {
		cfg.Overwrite = true
	}
	if flagKeepGoing {
		cfg.KeepGoing = true
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
}

func listEntries(entries []types.Entry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SIZE\tPACKED\tFLAGS\tPATH")
	for _, e := range entries {
		flags := ""
		if e.IsDirectory {
			flags += "d"
		}
		if e.Encrypted {
			flags += "e"
		}
		if flags == "" {
			flags = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.UncompressedSize, e.CompressedSize, flags, e.Path)
	}
	return w.Flush()
}

func exitCode(err error) int {
	var netErr *remote.NetError
	switch {
	case errors.Is(err, types.ErrUnknownFormat):
		return exitUnknownFormat
	case errors.Is(err, types.ErrAuthentication),
		errors.Is(err, types.ErrPasswordRequired):
		return exitAuth
	case errors.As(err, &netErr),
		errors.Is(err, remote.ErrRangeUnsupported),
		errors.Is(err, remote.ErrRangeInconsistency):
		return exitNetwork
	default:
		return exitGeneric
	}
}
