package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Napageneral/unthread-extractor/internal/backfill"
	"github.com/Napageneral/unthread-extractor/internal/classify"
	"github.com/Napageneral/unthread-extractor/internal/llm"
	"github.com/Napageneral/unthread-extractor/internal/migrate"
	"github.com/Napageneral/unthread-extractor/internal/propagate"
	"github.com/Napageneral/unthread-extractor/internal/warehouse"
)

const defaultMigrationLog = "logs/migrate_categories.log"

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Push pending local classifications to Unthread",
		RunE: func(cmd *cobra.Command, args []string) error {
			batchSize, _ := cmd.Flags().GetInt("batch-size")

			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), propagate.JobName)

			p := &propagate.Propagator{
				Client:       a.client,
				Store:        a.store,
				Fields:       a.cfg.Fields,
				Audit:        a.audit,
				Metrics:      a.metrics,
				Logger:       &a.logger,
				BatchSize:    batchSize,
				PendingLimit: a.cfg.PendingLimit,
			}
			sum, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printSummary(propagate.JobName, sum, nil)
		},
	}
	cmd.Flags().Int("batch-size", propagate.DefaultBatchSize, "Conversations patched per round")
	return cmd
}

// newModel loads the prompt file and builds the chat-completion classifier.
func (a *app) newModel() (*llm.Classifier, error) {
	prompt, err := llm.LoadPrompt(a.cfg.PromptPath)
	if err != nil {
		return nil, err
	}
	return llm.New(llm.Options{
		APIKey:       a.cfg.OpenAIAPIKey,
		Model:        a.cfg.OpenAIModel,
		SystemPrompt: prompt,
	})
}

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify stored conversations that have no classification yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			limit, _ := cmd.Flags().GetInt("max")

			a, err := openApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), classify.JobName)

			model, err := a.newModel()
			if err != nil {
				return err
			}
			c := &classify.Classifier{
				LLM:       model,
				Store:     a.store,
				Metrics:   a.metrics,
				Logger:    &a.logger,
				GroupSize: batchSize,
			}
			sum, err := c.Run(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printSummary(classify.JobName, sum, nil)
		},
	}
	cmd.Flags().Int("batch-size", classify.DefaultGroupSize, "Conversations per model request")
	cmd.Flags().Int("max", 0, "Classify at most this many conversations (0 means all)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate-categories",
		Short: "Set the combined migration category on stored tickets",
		Long: `Derive "<category> - <sub category>" for each stored conversation and write it
to the migration custom field, keeping every other ticket field. One line per
ticket is logged and appended to --log-file for fix-missing-categories.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			maxTickets, _ := cmd.Flags().GetInt("max-tickets")
			ids, _ := cmd.Flags().GetStringSlice("ticket-ids")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			logFile, _ := cmd.Flags().GetString("log-file")

			a, err := openApp(appOptions{needAPI: true, logFile: logFile})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), migrate.JobName)

			m := &migrate.Migrator{
				Client:  a.client,
				Store:   a.store,
				Fields:  a.cfg.Fields,
				Audit:   a.audit,
				Metrics: a.metrics,
				Logger:  &a.logger,
				DryRun:  dryRun,
			}
			if len(ids) > 0 {
				sum, err := m.MigrateIDs(cmd.Context(), ids)
				if err != nil {
					return err
				}
				return printSummary(migrate.JobName, sum, nil)
			}
			sum, err := m.MigrateAll(cmd.Context(), batchSize, maxTickets)
			if err != nil {
				return err
			}
			return printSummary(migrate.JobName, sum, nil)
		},
	}
	cmd.Flags().Int("batch-size", migrate.DefaultBatchSize, "Stored conversations read per batch")
	cmd.Flags().Int("max-tickets", 0, "Stop after this many tickets (0 means all)")
	cmd.Flags().StringSlice("ticket-ids", nil, "Only migrate these conversation IDs")
	cmd.Flags().Bool("dry-run", false, "Log the changes without calling the API")
	cmd.Flags().String("log-file", defaultMigrationLog, "Also append log lines to this file")
	return cmd
}

func newFixMissingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix-missing-categories",
		Short: "Backfill tickets whose migration found no category",
		Long: `Find tickets the migration logged with an empty category and fill them from,
in order: the BigQuery staging table, the ticket's own fields in Unthread,
and an LLM classification of the stored transcript.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("conversation-id")
			logFile, _ := cmd.Flags().GetString("log-file")
			limit, _ := cmd.Flags().GetInt("limit")
			chunk, _ := cmd.Flags().GetInt("batch-size")

			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), backfill.JobName)

			var ids []string
			if id != "" {
				ids = []string{id}
			} else {
				f, err := os.Open(logFile)
				if err != nil {
					return fmt.Errorf("failed to open migration log: %w", err)
				}
				ids, err = backfill.IDsFromLog(f)
				f.Close()
				if err != nil {
					return err
				}
			}
			if len(ids) == 0 {
				return errors.New("no conversations with missing categories found")
			}

			var resolvers []backfill.Resolver
			if a.cfg.BQProject != "" || a.cfg.BQCredentialsPath != "" {
				wh, err := warehouse.New(cmd.Context(), warehouse.Options{
					Project:         a.cfg.BQProject,
					CredentialsPath: a.cfg.BQCredentialsPath,
					Table:           a.cfg.BQTable,
					ChunkSize:       chunk,
				})
				if err != nil {
					a.logger.Warn().Err(err).Msg("warehouse unavailable, skipping")
				} else {
					defer wh.Close()
					resolvers = append(resolvers, &backfill.WarehouseResolver{Warehouse: wh})
				}
			}
			resolvers = append(resolvers, &backfill.UpstreamResolver{Client: a.client, Fields: a.cfg.Fields})
			if a.cfg.OpenAIAPIKey != "" {
				model, err := a.newModel()
				if err != nil {
					a.logger.Warn().Err(err).Msg("LLM unavailable, skipping")
				} else {
					resolvers = append(resolvers, &backfill.LLMResolver{Store: a.store, Classifier: model})
				}
			}

			b := &backfill.Backfiller{
				Resolvers: resolvers,
				Client:    a.client,
				Fields:    a.cfg.Fields,
				Audit:     a.audit,
				Metrics:   a.metrics,
				Logger:    &a.logger,
			}
			stats, err := b.Run(cmd.Context(), ids, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				type Result struct {
					OK bool `json:"ok"`
					backfill.Stats
				}
				printJSON(Result{OK: stats.OK(), Stats: stats})
				if !stats.OK() {
					return errItemsFailed
				}
				return nil
			}
			return printSummary(backfill.JobName, stats.Summary, func() {
				fmt.Printf("  Total: %s\n", humanize.Comma(int64(stats.Total)))
				fmt.Printf("  No data: %s\n", humanize.Comma(int64(stats.NoData)))
				sources := make([]string, 0, len(stats.Sources))
				for s := range stats.Sources {
					sources = append(sources, s)
				}
				sort.Strings(sources)
				parts := make([]string, 0, len(sources))
				for _, s := range sources {
					parts = append(parts, fmt.Sprintf("%s=%d", s, stats.Sources[s]))
				}
				if len(parts) > 0 {
					fmt.Printf("  Sources: %s\n", strings.Join(parts, " "))
				}
			})
		},
	}
	cmd.Flags().StringP("conversation-id", "c", "", "Backfill a single conversation instead of scraping the log")
	cmd.Flags().StringP("log-file", "l", defaultMigrationLog, "Migration log to scrape")
	cmd.Flags().IntP("limit", "n", 0, "Process at most this many conversations (0 means all)")
	cmd.Flags().IntP("batch-size", "b", warehouse.DefaultChunkSize, "IDs per warehouse query")
	return cmd
}
