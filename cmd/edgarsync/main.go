// edgarsync retrieves SEC EDGAR filings by company, day, quarter or date range.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seenimoa/edgarsync/internal/config"
	"github.com/seenimoa/edgarsync/internal/filings"
	"github.com/seenimoa/edgarsync/internal/logging"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config and logger
var (
	cfg *config.Config
	log *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "edgarsync",
	Short: "Retrieve SEC EDGAR filings",
	Long: `edgarsync downloads SEC EDGAR filings to a local directory tree.

Filings are located through a company's filing listing, a daily index, a
quarterly index, or a planned mix of both for a date range, then fetched one
by one or extracted from the bulk nightly archives.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if log, err = logging.New(cfg.Logging); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("dir", "d", "", "target directory override")
	rootCmd.PersistentFlags().String("user-agent", "", "User-Agent override (SEC asks for a name and contact address)")

	for _, c := range []*cobra.Command{companyCmd, dailyCmd, quarterlyCmd, rangeCmd} {
		addQueryFlags(c)
	}
	for _, c := range []*cobra.Command{dailyCmd, quarterlyCmd, rangeCmd} {
		c.Flags().StringSlice("cik", nil, "only keep filings of these tickers, names or CIKs")
	}
	companyCmd.Flags().String("start", "", "earliest filing date (YYYY-MM-DD)")
	companyCmd.Flags().String("end", "", "latest filing date (YYYY-MM-DD)")
	rangeCmd.Flags().String("start", "", "first day of the range (YYYY-MM-DD)")
	rangeCmd.Flags().String("end", "", "last day of the range (default: today)")
	_ = rangeCmd.MarkFlagRequired("start")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(companyCmd)
	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(quarterlyCmd)
	rootCmd.AddCommand(rangeCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("edgarsync %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Company Command ---

var companyCmd = &cobra.Command{
	Use:   "company [ticker|name|cik...]",
	Short: "Retrieve filings from company filing listings",
	Long: `Retrieve filings from the filing listing of each company. Terms may be
tickers, company names or 10-digit CIKs.

Examples:
  edgarsync company AAPL MSFT --form 10-K
  edgarsync company 0000320193 --form 10-Q --match amendments --limit 8
  edgarsync company "INTERNATIONAL BUSINESS MACHINES" --start 2020-01-01`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryFromFlags(cmd, filings.ModeCompany)
		if err != nil {
			return err
		}
		q.Terms = args
		if q.Start, err = dateFlag(cmd, "start"); err != nil {
			return err
		}
		if q.End, err = dateFlag(cmd, "end"); err != nil {
			return err
		}
		return run(cmd, q)
	},
}

// --- Daily Command ---

var dailyCmd = &cobra.Command{
	Use:   "daily [date]",
	Short: "Retrieve filings from one daily index",
	Long: `Retrieve the filings listed in the daily index of one day.

Examples:
  edgarsync daily 2020-12-10
  edgarsync daily 20201210 --form 8-K --bulk`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryFromFlags(cmd, filings.ModeDaily)
		if err != nil {
			return err
		}
		if q.Date, err = utils.ParseDate(args[0]); err != nil {
			return err
		}
		return run(cmd, q)
	},
}

// --- Quarterly Command ---

var quarterlyCmd = &cobra.Command{
	Use:   "quarterly [year] [quarter]",
	Short: "Retrieve filings from one quarterly index",
	Long: `Retrieve the filings listed in the full index of one quarter.

Examples:
  edgarsync quarterly 2020 1 --form 10-Q
  edgarsync quarterly 2019 4 --cik AAPL --bulk`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryFromFlags(cmd, filings.ModeQuarterly)
		if err != nil {
			return err
		}
		if q.Year, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("invalid year %q", args[0])
		}
		if q.Quarter, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid quarter %q", args[1])
		}
		return run(cmd, q)
	},
}

// --- Range Command ---

var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Retrieve filings over a date range",
	Long: `Retrieve the filings of every day in a date range. Whole quarters and long
partial quarters use the quarterly index; short stretches use daily indexes.

Examples:
  edgarsync range --start 2020-01-01 --end 2020-06-30 --form 10-Q
  edgarsync range --start 2020-12-01 --cik MSFT,AAPL`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryFromFlags(cmd, filings.ModeRange)
		if err != nil {
			return err
		}
		if q.Start, err = dateFlag(cmd, "start"); err != nil {
			return err
		}
		if q.End, err = dateFlag(cmd, "end"); err != nil {
			return err
		}
		return run(cmd, q)
	},
}
