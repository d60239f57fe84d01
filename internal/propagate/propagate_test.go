package propagate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Napageneral/unthread-extractor/internal/audit"
	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/store"
)

type fakePatcher struct {
	mu      sync.Mutex
	fail    map[string]bool
	patches map[string]map[string]any
	calls   int
}

func (f *fakePatcher) PatchTicketFields(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[id] {
		return errors.New("API request PATCH failed after 3 attempts")
	}
	if f.patches == nil {
		f.patches = map[string]map[string]any{}
	}
	f.patches[id] = fields
	return nil
}

func str(s string) *string { return &s }

func seed(t *testing.T, s *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		created := time.Unix(int64(1000+i), 0)
		c := store.Classification{
			ConversationID: string(rune('a' + i)),
			Category:       str("Billing"),
			Resolution:     str("Fixed"),
			CreatedAt:      &created,
		}
		if err := s.UpsertClassification(context.Background(), c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestRunPatchesAndMarks(t *testing.T) {
	s, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	seed(t, s, 5)
	if err := s.UpsertClassification(ctx, store.Classification{ConversationID: "b", SubCategory: str("Refund")}); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if err := s.UpsertCluster(ctx, store.Cluster{ExampleID: "x1", UnthreadID: "b", ClusterName: "Refunds"}); err != nil {
		t.Fatalf("cluster: %v", err)
	}

	fields := config.DefaultFieldIDs()
	patcher := &fakePatcher{}
	p := &Propagator{Client: patcher, Store: s, Fields: fields, Audit: audit.New(s.DB()), BatchSize: 2, PendingLimit: 3}

	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 5 || sum.Failed != 0 || sum.Processed != 5 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	// Two pending queries of 3 and 2 rows, each split into batches of 2.
	if sum.Batches != 3 {
		t.Fatalf("expected 3 batches, got %d", sum.Batches)
	}

	got := patcher.patches["b"]
	if got[fields.Category] != "Billing" || got[fields.Resolution] != "Fixed" || got[fields.SubCategory] != "Refund" || got[fields.Cluster] != "Refunds" {
		t.Fatalf("unexpected patch for b: %v", got)
	}
	if _, ok := patcher.patches["a"][fields.SubCategory]; ok {
		t.Fatalf("expected unknown sub_category to be omitted: %v", patcher.patches["a"])
	}

	pending, err := s.PendingForPropagation(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d", len(pending))
	}

	events, err := audit.List(ctx, s.DB(), audit.Filter{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 audit events, got %d", len(events))
	}
}

func TestRunStopsWhenOnlyFailuresRemain(t *testing.T) {
	s, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	seed(t, s, 3)

	patcher := &fakePatcher{fail: map[string]bool{"a": true, "c": true}}
	p := &Propagator{Client: patcher, Store: s, Fields: config.DefaultFieldIDs()}

	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 1 || sum.Failed != 2 || sum.OK() {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if patcher.calls != 3 {
		t.Fatalf("expected each row attempted once, got %d calls", patcher.calls)
	}
	if len(sum.Errors) != 2 {
		t.Fatalf("expected 2 reported errors, got %+v", sum.Errors)
	}

	pending, _ := s.PendingForPropagation(ctx, 0)
	if len(pending) != 2 {
		t.Fatalf("expected failed rows to stay pending, got %d", len(pending))
	}
}

func TestRunWithNothingPending(t *testing.T) {
	s, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	sum, err := (&Propagator{Client: &fakePatcher{}, Store: s}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 0 || !sum.OK() {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestRunReachesRowsBehindAFullPageOfFailures(t *testing.T) {
	s, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	seed(t, s, 6)

	// The four newest rows fail permanently and fill the whole pending page.
	patcher := &fakePatcher{fail: map[string]bool{"c": true, "d": true, "e": true, "f": true}}
	p := &Propagator{Client: patcher, Store: s, Fields: config.DefaultFieldIDs(), BatchSize: 2, PendingLimit: 4}

	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 6 || sum.Succeeded != 2 || sum.Failed != 4 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if patcher.calls != 6 {
		t.Fatalf("expected each row attempted once, got %d calls", patcher.calls)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := patcher.patches[id]; !ok {
			t.Fatalf("expected older row %s to be patched", id)
		}
	}

	pending, _ := s.PendingForPropagation(ctx, 0)
	if len(pending) != 4 {
		t.Fatalf("expected only the failed rows to stay pending, got %d", len(pending))
	}
}
