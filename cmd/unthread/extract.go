package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Napageneral/unthread-extractor/internal/extract"
	"github.com/Napageneral/unthread-extractor/internal/unthread"
)

// extractOptions are the flags shared by the download commands.
type extractOptions struct {
	workers   int
	batchSize int
	pageLimit int
}

// downloadFlags reads --page-limit and, when the command has them, the
// parallel flags. --parallel uses extract.DefaultWorkers unless --workers is
// set explicitly.
func downloadFlags(cmd *cobra.Command) extractOptions {
	opts := extractOptions{workers: 1}
	opts.pageLimit, _ = cmd.Flags().GetInt("page-limit")
	if cmd.Flags().Lookup("workers") == nil {
		return opts
	}
	opts.workers, _ = cmd.Flags().GetInt("workers")
	opts.batchSize, _ = cmd.Flags().GetInt("batch-size")
	if parallel, _ := cmd.Flags().GetBool("parallel"); parallel && !cmd.Flags().Changed("workers") {
		opts.workers = extract.DefaultWorkers
	}
	return opts
}

func addParallelFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("parallel", false, "Download conversations in parallel batches")
	cmd.Flags().Int("workers", 1, "Parallel workers (1 processes conversations in order)")
	cmd.Flags().Int("batch-size", extract.DefaultBatchSize, "Conversations per parallel batch")
}

func addPageLimitFlag(cmd *cobra.Command) {
	cmd.Flags().Int("page-limit", 0, "Stop after this many list pages (0 means all)")
}

func (a *app) extractor(opts extractOptions) *extract.Extractor {
	return &extract.Extractor{
		Client:    a.client,
		NewClient: func() extract.API { return a.newClient() },
		Store:     a.store,
		JobsDB:    a.store.DB(),
		Metrics:   a.metrics,
		Logger:    &a.logger,
		Workers:   opts.workers,
		BatchSize: opts.batchSize,
		PageLimit: opts.pageLimit,
	}
}

// report prints download results and returns errItemsFailed when any
// conversation was skipped.
func report(results ...extract.Result) error {
	failed := 0
	for _, r := range results {
		failed += r.Failed
	}
	if jsonOutput {
		type Result struct {
			OK      bool             `json:"ok"`
			Results []extract.Result `json:"results"`
		}
		printJSON(Result{OK: failed == 0, Results: results})
	} else {
		for _, r := range results {
			mark := "✓"
			if r.Failed > 0 {
				mark = "✗"
			}
			fmt.Printf("%s %s: %s stored from %s pages\n", mark, r.Entity, humanize.Comma(int64(r.Stored)), humanize.Comma(int64(r.Pages)))
			if r.Messages > 0 {
				fmt.Printf("  Messages: %s\n", humanize.Comma(int64(r.Messages)))
			}
			if r.Batches > 0 {
				fmt.Printf("  Batches: %d\n", r.Batches)
			}
			if r.Failed > 0 {
				fmt.Printf("  Failed: %d\n", r.Failed)
				for _, e := range r.Errors {
					fmt.Printf("    %s: %s\n", e.ID, e.Error)
				}
			}
		}
	}
	if failed > 0 {
		return errItemsFailed
	}
	return nil
}

func extractCommands() []*cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Download all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "users")

			res, err := a.extractor(downloadFlags(cmd)).DownloadUsers(cmd.Context())
			if err != nil {
				return err
			}
			return report(res)
		},
	}

	customersCmd := &cobra.Command{
		Use:   "customers",
		Short: "Download all customers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "customers")

			res, err := a.extractor(downloadFlags(cmd)).DownloadCustomers(cmd.Context())
			if err != nil {
				return err
			}
			return report(res)
		},
	}

	conversationsCmd := &cobra.Command{
		Use:   "conversations",
		Short: "Download conversations and their messages",
		Long: `Download conversations, newest first, together with every message of each
conversation. --conversation-id takes precedence over the date range.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := conversationFilter(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "conversations")

			res, err := a.extractor(downloadFlags(cmd)).DownloadConversations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return report(res)
		},
	}
	conversationsCmd.Flags().String("conversation-id", "", "Download a single conversation")
	conversationsCmd.Flags().String("start-date", "", "Only conversations created on or after YYYY-MM-DD")
	conversationsCmd.Flags().String("end-date", "", "Only conversations created on or before YYYY-MM-DD")
	addParallelFlags(conversationsCmd)

	messagesCmd := &cobra.Command{
		Use:   "messages",
		Short: "Download the messages of one conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("conversation-id")
			if id == "" {
				return errors.New("--conversation-id is required")
			}
			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "messages")

			n, err := a.extractor(extractOptions{workers: 1}).DownloadMessages(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "conversation_id": id, "messages": n})
			} else {
				fmt.Printf("✓ %s: %s messages stored\n", id, humanize.Comma(int64(n)))
			}
			return nil
		},
	}
	messagesCmd.Flags().String("conversation-id", "", "Conversation to download messages for")

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Download users, then all conversations with their messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(appOptions{needAPI: true})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "all")

			ex := a.extractor(downloadFlags(cmd))
			users, err := ex.DownloadUsers(cmd.Context())
			if err != nil {
				return err
			}
			convs, err := ex.DownloadConversations(cmd.Context(), unthread.ConversationFilter{})
			if err != nil {
				return err
			}
			return report(users, convs)
		},
	}
	addParallelFlags(allCmd)

	for _, c := range []*cobra.Command{usersCmd, customersCmd, conversationsCmd, allCmd} {
		addPageLimitFlag(c)
	}

	return []*cobra.Command{usersCmd, customersCmd, conversationsCmd, messagesCmd, allCmd}
}

func conversationFilter(cmd *cobra.Command) (unthread.ConversationFilter, error) {
	id, _ := cmd.Flags().GetString("conversation-id")
	start, _ := cmd.Flags().GetString("start-date")
	end, _ := cmd.Flags().GetString("end-date")

	after, err := unthread.ParseDate(start)
	if err != nil {
		return unthread.ConversationFilter{}, fmt.Errorf("invalid --start-date: %w", err)
	}
	before, err := unthread.ParseDate(end)
	if err != nil {
		return unthread.ConversationFilter{}, fmt.Errorf("invalid --end-date: %w", err)
	}
	return unthread.ConversationFilter{ConversationID: id, CreatedAfter: after, CreatedBefore: before}, nil
}
