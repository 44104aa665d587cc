package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seenimoa/edgarsync/internal/archive"
	"github.com/seenimoa/edgarsync/internal/cik"
	"github.com/seenimoa/edgarsync/internal/config"
	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/filings"
	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/internal/infra"
	"github.com/seenimoa/edgarsync/internal/layout"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// tickerTableTTL bounds how long the ticker and title tables are reused.
const tickerTableTTL = 24 * time.Hour

func addQueryFlags(c *cobra.Command) {
	c.Flags().StringP("form", "f", "", "form type to retrieve, e.g. 10-K")
	c.Flags().String("match", "exact", "form type match: exact, amendments or prefix")
	c.Flags().IntP("limit", "n", 0, "maximum number of filings (0 = no limit)")
	c.Flags().Bool("bulk", false, "extract filings from the nightly bulk archives")
	c.Flags().Bool("strict", false, "fail when a bulk archive lacks a wanted filing")
}

// queryFromFlags reads the flags every retrieval command shares.
func queryFromFlags(cmd *cobra.Command, mode filings.Mode) (filings.Query, error) {
	q := filings.Query{Mode: mode}
	flags := cmd.Flags()

	q.FormType, _ = flags.GetString("form")
	matchFlag, _ := flags.GetString("match")
	m, err := filings.ParseMatch(matchFlag)
	if err != nil {
		return q, err
	}
	q.Match = m

	if q.Limit, _ = flags.GetInt("limit"); q.Limit < 0 {
		return q, fmt.Errorf("--limit must not be negative, got %d", q.Limit)
	}
	q.Bulk, _ = flags.GetBool("bulk")
	if flags.Lookup("cik") != nil {
		q.Terms, _ = flags.GetStringSlice("cik")
	}
	return q, nil
}

// dateFlag parses an optional date flag; an unset flag gives the zero time.
func dateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := utils.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

// applyOverrides copies explicitly set command-line flags over cfg.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetString("dir"); v != "" {
		cfg.Download.TargetDir = v
	}
	if v, _ := flags.GetString("user-agent"); v != "" {
		cfg.Edgar.UserAgent = v
	}
	if flags.Lookup("strict") != nil && flags.Changed("strict") {
		cfg.Download.Strict, _ = flags.GetBool("strict")
	}
}

// app holds the components built from the loaded configuration.
type app struct {
	fetcher *fetch.Fetcher
	service *filings.Service
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	tmpl, err := layout.Parse(cfg.Download.Template)
	if err != nil {
		return nil, err
	}
	endpoints := edgar.NewEndpoints(cfg.Edgar.BaseURL)

	f := fetch.New(
		fetch.WithUserAgent(cfg.Edgar.UserAgent),
		fetch.WithRateLimit(cfg.RateLimit.RequestsPerSecond),
		fetch.WithRetry(cfg.RateLimit.Retries, cfg.RateLimit.Pause, cfg.RateLimit.BackoffFactor),
		fetch.WithTimeout(cfg.RateLimit.Timeout),
		fetch.WithLogger(log),
	)

	resolver := cik.NewResolver(f, endpoints, infra.NewCache(tickerTableTTL), log)
	locator := index.NewLocator(f, endpoints, log)
	extractor := archive.NewExtractor(f, endpoints, archive.Options{
		ScratchDir: cfg.Download.ScratchDir,
		Workers:    cfg.Download.Workers,
		Strict:     cfg.Download.Strict,
		Logger:     log,
	})

	svc := filings.NewService(f, resolver, locator, extractor, filings.Config{
		Endpoints:      endpoints,
		TargetDir:      cfg.Download.TargetDir,
		Layout:         tmpl,
		BalancingPoint: cfg.Download.BalancingPoint,
		Logger:         log,
	})
	return &app{fetcher: f, service: svc}, nil
}

// run executes q and prints its report. Interrupts cancel in-flight work.
func run(cmd *cobra.Command, q filings.Query) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.fetcher.Close(cfg.RateLimit.CloseTimeout); err != nil {
			log.Warn("closing fetcher", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	rep, err := a.service.Save(ctx, q)
	printReport(cmd.OutOrStdout(), rep, time.Since(started))

	var none *filings.NoResultsError
	switch {
	case errors.As(err, &none):
		fmt.Fprintln(cmd.OutOrStdout(), none.Error())
		return nil
	case fetch.IsCanceled(err) && ctx.Err() != nil:
		return errors.New("interrupted")
	}
	return err
}

func printReport(w io.Writer, rep filings.Report, elapsed time.Duration) {
	if len(rep.Directives) > 0 {
		fmt.Fprintf(w, "Plan: %d index lookups\n", len(rep.Directives))
		for _, d := range rep.Directives {
			fmt.Fprintf(w, "  %s\n", d)
		}
	}
	if len(rep.Skipped) > 0 {
		terms := make([]string, 0, len(rep.Skipped))
		for term := range rep.Skipped {
			terms = append(terms, term)
		}
		sort.Strings(terms)
		fmt.Fprintln(w, "Skipped:")
		for _, term := range terms {
			fmt.Fprintf(w, "  %-20s %v\n", term, rep.Skipped[term])
		}
	}
	if len(rep.Files) > 0 {
		fmt.Fprintf(w, "Saved %s filings (%s entries) in %s\n",
			humanize.Comma(int64(len(rep.Files))),
			humanize.Comma(int64(len(rep.Entries))),
			elapsed.Round(time.Millisecond),
		)
	}
}
