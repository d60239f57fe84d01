package main

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"

	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/extract"
	"github.com/Napageneral/unthread-extractor/internal/jobs"
)

func filterCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "conversations"}
	cmd.Flags().String("conversation-id", "", "")
	cmd.Flags().String("start-date", "", "")
	cmd.Flags().String("end-date", "", "")
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func TestConversationFilter(t *testing.T) {
	f, err := conversationFilter(filterCmd(t, "--start-date", "2024-01-01", "--end-date", "2024-01-31"))
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if f.CreatedAfter.Format("2006-01-02") != "2024-01-01" || f.CreatedBefore.Format("2006-01-02") != "2024-01-31" {
		t.Fatalf("unexpected range: %+v", f)
	}

	f, err = conversationFilter(filterCmd(t, "--conversation-id", "c1"))
	if err != nil || f.ConversationID != "c1" {
		t.Fatalf("unexpected filter: %+v err=%v", f, err)
	}

	if _, err := conversationFilter(filterCmd(t, "--start-date", "01/02/2024")); err == nil {
		t.Fatalf("expected invalid date error")
	}
}

func TestPrintSummaryReportsFailures(t *testing.T) {
	var ok jobs.Summary
	ok.Success()
	if err := printSummary("update", ok, nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	var bad jobs.Summary
	bad.Success()
	bad.Failure("c2", errors.New("boom"))
	if err := printSummary("update", bad, nil); !errors.Is(err, errItemsFailed) {
		t.Fatalf("expected errItemsFailed, got %v", err)
	}
}

func downloadCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "conversations"}
	addParallelFlags(cmd)
	addPageLimitFlag(cmd)
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func TestDownloadFlags(t *testing.T) {
	opts := downloadFlags(downloadCmd(t))
	if opts.workers != 1 || opts.batchSize != extract.DefaultBatchSize || opts.pageLimit != 0 {
		t.Fatalf("unexpected defaults: %+v", opts)
	}

	opts = downloadFlags(downloadCmd(t, "--parallel", "--page-limit", "3"))
	if opts.workers != extract.DefaultWorkers || opts.pageLimit != 3 {
		t.Fatalf("expected default pool size and page limit, got %+v", opts)
	}

	opts = downloadFlags(downloadCmd(t, "--parallel", "--workers", "2"))
	if opts.workers != 2 {
		t.Fatalf("expected explicit workers to win, got %d", opts.workers)
	}

	users := &cobra.Command{Use: "users"}
	addPageLimitFlag(users)
	if err := users.Flags().Parse([]string{"--page-limit", "2"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts := downloadFlags(users); opts.workers != 1 || opts.pageLimit != 2 {
		t.Fatalf("unexpected users options: %+v", opts)
	}
}

func TestFieldsCmdSaves(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNTHREAD_CONFIG_DIR", dir)

	cmd := newFieldsCmd()
	cmd.SetArgs([]string{"--cluster", "cluster-field", "--save"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("fields: %v", err)
	}

	fields, err := config.LoadFieldIDs(dir)
	if err != nil {
		t.Fatalf("load fields: %v", err)
	}
	if fields.Cluster != "cluster-field" {
		t.Fatalf("expected saved cluster field, got %s", fields.Cluster)
	}
	if fields.Category != config.DefaultFieldIDs().Category {
		t.Fatalf("expected default category to be kept, got %s", fields.Category)
	}
}
