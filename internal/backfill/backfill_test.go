package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/llm"
	"github.com/Napageneral/unthread-extractor/internal/warehouse"
)

func TestIDsFromLog(t *testing.T) {
	log := strings.Join([]string{
		`2025-01-01 INFO Migrated 9b73dd2a-d390: 'None' + 'None' -> ''`,
		`2025-01-01 INFO Migrated aaaa-1111: 'Billing' + 'Refund' -> 'Billing - Refund'`,
		`{"level":"info","message":"Migrated bbbb-2222: '' + '' -> ''"}`,
		`2025-01-01 INFO Migrated 9b73dd2a-d390: 'None' + 'None' -> ''`,
		`some unrelated line with 'None' + 'None' -> ''`,
	}, "\n")

	ids, err := IDsFromLog(strings.NewReader(log))
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(ids) != 2 || ids[0] != "9b73dd2a-d390" || ids[1] != "bbbb-2222" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

type fakeWarehouse struct {
	rows    map[string]warehouse.Row
	err     error
	lookups int
}

func (f *fakeWarehouse) Lookup(_ context.Context, ids []string) (map[string]warehouse.Row, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]warehouse.Row{}
	for _, id := range ids {
		if r, ok := f.rows[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

type fakeUpstream struct {
	convs map[string]string
}

func (f *fakeUpstream) GetConversation(_ context.Context, id string) (json.RawMessage, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return json.RawMessage(c), nil
}

type fakeTranscripts map[string]string

func (f fakeTranscripts) Transcript(_ context.Context, id string) (string, error) {
	return f[id], nil
}

type fakeClassifier struct {
	results map[string]llm.Result
}

func (f *fakeClassifier) Classify(_ context.Context, transcript string) (llm.Result, error) {
	r, ok := f.results[transcript]
	if !ok {
		return llm.Result{}, &llm.ParseError{Response: "??", Err: errors.New("bad")}
	}
	return r, nil
}

type fakePatcher struct {
	fail    map[string]bool
	patches map[string]map[string]any
}

func (f *fakePatcher) PatchTicketFields(_ context.Context, id string, fields map[string]any) error {
	if f.fail[id] {
		return errors.New("patch failed")
	}
	if f.patches == nil {
		f.patches = map[string]map[string]any{}
	}
	f.patches[id] = fields
	return nil
}

func TestRunResolverPriority(t *testing.T) {
	fields := config.DefaultFieldIDs()
	wh := &fakeWarehouse{rows: map[string]warehouse.Row{
		"w1": {Category: "Billing", SubCategory: "Refund", Resolution: "Fixed"},
		// Warehouse knows u1 but without a category, so the API is asked.
		"u1": {Category: "None"},
	}}
	up := &fakeUpstream{convs: map[string]string{
		"w1": `{"ticketTypeFields":{"` + fields.Category + `":"Wrong"}}`,
		"u1": `{"ticketTypeFields":{"` + fields.Category + `":"Access","` + fields.Resolution + `":"Answered"}}`,
		"a1": `{"ticketTypeFields":{}}`,
	}}
	ai := &fakeClassifier{results: map[string]llm.Result{
		"help me": {Category: "Bug", SubCategory: "Crash"},
	}}
	patcher := &fakePatcher{fail: map[string]bool{"f1": true}}

	b := &Backfiller{
		Resolvers: []Resolver{
			&WarehouseResolver{Warehouse: wh},
			&UpstreamResolver{Client: up, Fields: fields},
			&LLMResolver{Store: fakeTranscripts{"a1": "help me", "f1": "help me", "bad": "gibberish"}, Classifier: ai},
		},
		Client: patcher,
		Fields: fields,
	}

	stats, err := b.Run(context.Background(), []string{"w1", "u1", "a1", "none", "f1", "bad"}, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if wh.lookups != 1 {
		t.Fatalf("expected a single batched warehouse lookup, got %d", wh.lookups)
	}
	if stats.Total != 6 || stats.Succeeded != 3 || stats.Failed != 1 || stats.NoData != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Sources[SourceWarehouse] != 1 || stats.Sources[SourceUpstream] != 1 || stats.Sources[SourceLLM] != 2 {
		t.Fatalf("unexpected sources: %v", stats.Sources)
	}

	w1 := patcher.patches["w1"]
	if w1[fields.Category] != "Billing" || w1[fields.MigrationCategory] != "Billing - Refund" || w1[fields.Resolution] != "Fixed" {
		t.Fatalf("unexpected w1 patch: %v", w1)
	}
	u1 := patcher.patches["u1"]
	if u1[fields.Category] != "Access" || u1[fields.MigrationCategory] != "Access" {
		t.Fatalf("unexpected u1 patch: %v", u1)
	}
	if _, ok := u1[fields.SubCategory]; ok {
		t.Fatalf("expected empty sub_category to be omitted: %v", u1)
	}
	a1 := patcher.patches["a1"]
	if a1[fields.Category] != "Bug" || a1[fields.MigrationCategory] != "Bug - Crash" {
		t.Fatalf("unexpected a1 patch: %v", a1)
	}
}

func TestRunWarehouseFailureFallsThrough(t *testing.T) {
	fields := config.DefaultFieldIDs()
	wh := &fakeWarehouse{err: errors.New("bigquery down")}
	up := &fakeUpstream{convs: map[string]string{
		"x": `{"ticketTypeFields":{"` + fields.Category + `":"Access"}}`,
	}}
	patcher := &fakePatcher{}
	b := &Backfiller{
		Resolvers: []Resolver{&WarehouseResolver{Warehouse: wh}, &UpstreamResolver{Client: up, Fields: fields}},
		Client:    patcher,
		Fields:    fields,
	}

	stats, err := b.Run(context.Background(), []string{"x", "y"}, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Total != 2 || stats.Processed != 1 || stats.Sources[SourceUpstream] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(patcher.patches) != 1 {
		t.Fatalf("expected only the limited id to be patched, got %v", patcher.patches)
	}
	if wh.lookups != 1 {
		t.Fatalf("expected the failed warehouse to be queried once, got %d", wh.lookups)
	}
}
