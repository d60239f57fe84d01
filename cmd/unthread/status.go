package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Napageneral/unthread-extractor/internal/audit"
	"github.com/Napageneral/unthread-extractor/internal/jobs"
)

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Show the last run of each extraction job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "")

			list, err := jobs.List(cmd.Context(), a.store.DB())
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "jobs": list})
				return nil
			}
			if len(list) == 0 {
				fmt.Println("No jobs have run yet.")
				return nil
			}
			for _, j := range list {
				fmt.Printf("%s  %s (%s), updated %s\n", j.Name, j.Status, j.Phase, humanize.Time(time.Unix(j.UpdatedAt, 0)))
				if j.Cursor != nil && *j.Cursor != "" {
					fmt.Printf("  Cursor: %s\n", *j.Cursor)
				}
				if j.LastError != nil {
					fmt.Printf("  Error: %s\n", *j.LastError)
				}
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the ticket updates sent to Unthread",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("conversation-id")
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context(), "")

			events, err := audit.List(cmd.Context(), a.store.DB(), audit.Filter{
				AfterSeq:       after,
				ConversationID: id,
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "events": events})
				return nil
			}
			for _, e := range events {
				conv, job := "-", "-"
				if e.ConversationID != nil {
					conv = *e.ConversationID
				}
				if e.Job != nil {
					job = *e.Job
				}
				fmt.Printf("%6d  %s  %-26s %-24s %s\n", e.Seq, time.Unix(e.CreatedAt, 0).Format(time.RFC3339), e.Type, job, conv)
			}
			return nil
		},
	}
	cmd.Flags().String("conversation-id", "", "Only events for this conversation")
	cmd.Flags().Int64("after", 0, "Only events after this sequence number")
	cmd.Flags().Int("limit", 100, "Maximum events to list")
	return cmd
}
