package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Napageneral/unthread-extractor/internal/audit"
	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/jobs"
	"github.com/Napageneral/unthread-extractor/internal/logging"
	"github.com/Napageneral/unthread-extractor/internal/metrics"
	"github.com/Napageneral/unthread-extractor/internal/store"
	"github.com/Napageneral/unthread-extractor/internal/unthread"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	logLevel   string
)

func main() {
	config.LoadEnvFiles()

	rootCmd := &cobra.Command{
		Use:   "unthread",
		Short: "Unthread ticket extractor",
		Long: `Unthread mirrors users, customers, conversations and messages from the
Unthread API into a local SQLite database, and pushes locally computed
classifications back to each ticket's custom fields.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides UNTHREAD_LOG_LEVEL)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("unthread %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(extractCommands()...)
	rootCmd.AddCommand(newUpdateCmd(), newClassifyCmd(), newMigrateCmd(), newFixMissingCmd())
	rootCmd.AddCommand(newJobsCmd(), newHistoryCmd(), newFieldsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errItemsFailed) {
			// The report has been printed already.
			os.Exit(1)
		}
		fail(err)
	}
}

// app holds what every data command opens: config, store, API client and
// metrics. Build it with openApp and release it with close.
type app struct {
	cfg     *config.Config
	store   *store.Store
	client  *unthread.Client
	metrics *metrics.Metrics
	audit   *audit.Log
	logger  zerolog.Logger

	closeLog func() error
}

type appOptions struct {
	// needAPI requires UNTHREAD_API_KEY and builds a client.
	needAPI bool
	// logFile, when set, also writes log lines to that file.
	logFile string
}

func openApp(opts appOptions) (*app, error) {
	var cfg *config.Config
	var err error
	if opts.needAPI {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadWithoutCredentials()
	}
	if err != nil {
		return nil, err
	}

	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	a := &app{cfg: cfg, metrics: metrics.New()}
	if opts.logFile != "" {
		logger, closeFn, err := logging.SetupFile(level, cfg.LogFormat, opts.logFile)
		if err != nil {
			return nil, err
		}
		a.logger, a.closeLog = logger, closeFn
	} else {
		a.logger = logging.Setup(level, cfg.LogFormat)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		a.close(context.Background(), "")
		return nil, err
	}
	a.store = st
	a.audit = audit.New(st.DB())

	if opts.needAPI {
		a.client = a.newClient()
	}
	return a, nil
}

func (a *app) newClient() *unthread.Client {
	return unthread.NewClient(unthread.Options{
		BaseURL:    a.cfg.BaseURL,
		APIKey:     a.cfg.APIKey,
		Timeout:    a.cfg.HTTPTimeout,
		MaxRetries: a.cfg.MaxRetries,
		Metrics:    a.metrics,
		Logger:     &a.logger,
	})
}

// close pushes metrics under job (when a Pushgateway is configured) and
// releases the store and log file.
func (a *app) close(ctx context.Context, job string) {
	if job != "" {
		if err := a.metrics.Push(ctx, a.cfg.PushgatewayURL, job); err != nil {
			a.logger.Warn().Err(err).Msg("metrics push failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// fail reports err and exits 1.
func fail(err error) {
	type Result struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if jsonOutput {
		printJSON(Result{OK: false, Message: err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		if errors.Is(err, config.ErrMissingAPIKey) {
			fmt.Fprintln(os.Stderr, "Set UNTHREAD_API_KEY in the environment or a .env file.")
		}
	}
	os.Exit(1)
}

// errItemsFailed makes a command exit non-zero after its report is printed.
var errItemsFailed = errors.New("some items failed")

// printSummary reports a batch job's outcome. It returns errItemsFailed when
// any item failed.
func printSummary(job string, s jobs.Summary, extra func()) error {
	if jsonOutput {
		type Result struct {
			OK  bool   `json:"ok"`
			Job string `json:"job"`
			jobs.Summary
		}
		printJSON(Result{OK: s.OK(), Job: job, Summary: s})
	} else {
		mark := "✓"
		if !s.OK() {
			mark = "✗"
		}
		fmt.Printf("%s %s: %s processed, %s succeeded, %s failed in %s batches\n",
			mark, job,
			humanize.Comma(int64(s.Processed)),
			humanize.Comma(int64(s.Succeeded)),
			humanize.Comma(int64(s.Failed)),
			humanize.Comma(int64(s.Batches)))
		if extra != nil {
			extra()
		}
		for _, e := range s.Errors {
			fmt.Printf("  %s: %s\n", e.ID, e.Error)
		}
	}
	if !s.OK() {
		return errItemsFailed
	}
	return nil
}
