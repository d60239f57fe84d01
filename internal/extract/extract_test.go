package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Napageneral/unthread-extractor/internal/jobs"
	"github.com/Napageneral/unthread-extractor/internal/store"
	"github.com/Napageneral/unthread-extractor/internal/unthread"
)

type fakeAPI struct {
	mu sync.Mutex
	// pages returned for each entity, in order.
	pages   map[string][]unthread.Page
	listErr map[string]error
	// calls counts list calls per entity.
	calls    map[string]int
	cursors  []string
	failConv map[string]bool
	messages map[string][]unthread.Page
	detailed []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:    map[string][]unthread.Page{},
		listErr:  map[string]error{},
		calls:    map[string]int{},
		failConv: map[string]bool{},
		messages: map[string][]unthread.Page{},
	}
}

func (f *fakeAPI) ListPage(_ context.Context, entity string, _ unthread.ListQuery, cursor string) (unthread.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[entity]
	f.calls[entity]++
	f.cursors = append(f.cursors, cursor)
	if err := f.listErr[entity]; err != nil && n > 0 {
		return unthread.Page{}, err
	}
	if n >= len(f.pages[entity]) {
		return unthread.Page{}, nil
	}
	return f.pages[entity][n], nil
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConv[id] {
		return nil, errors.New("upstream 500")
	}
	f.detailed = append(f.detailed, id)
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"title":"detail"}`, id)), nil
}

func (f *fakeAPI) ListMessagesPage(_ context.Context, conversationID, cursor string) (unthread.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.messages[conversationID]
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "m%d", &idx)
	}
	if idx >= len(pages) {
		return unthread.Page{}, nil
	}
	return pages[idx], nil
}

func items(ids ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(ids))
	for i, id := range ids {
		out[i] = json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDownloadUsersPaginates(t *testing.T) {
	api := newFakeAPI()
	api.pages[unthread.EntityUsers] = []unthread.Page{
		{Items: items("u1", "u2"), NextCursor: "c1", HasNext: true},
		{Items: items("u3"), NextCursor: "c2", HasNext: true},
		{Items: items("u4", "u5", "u6"), NextCursor: "", HasNext: true},
		{Items: items("never")},
	}
	s := openStore(t)
	ex := &Extractor{Client: api, Store: s, JobsDB: s.DB()}

	res, err := ex.DownloadUsers(context.Background())
	if err != nil {
		t.Fatalf("download users: %v", err)
	}
	if res.Listed != 6 || res.Stored != 6 || res.Pages != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if api.calls[unthread.EntityUsers] != 3 {
		t.Fatalf("expected pagination to stop on empty cursor, got %d calls", api.calls[unthread.EntityUsers])
	}
	if got := api.cursors; len(got) != 3 || got[0] != "" || got[1] != "c1" || got[2] != "c2" {
		t.Fatalf("unexpected cursors: %v", got)
	}
	n, _ := s.Count(context.Background(), store.TableUsers)
	if n != 6 {
		t.Fatalf("expected 6 stored users, got %d", n)
	}

	list, err := jobs.List(context.Background(), s.DB())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(list) != 1 || list[0].Name != unthread.EntityUsers || list[0].Status != jobs.StatusSuccess {
		t.Fatalf("unexpected job rows: %+v", list)
	}
}

func TestDownloadStopsOnEmptyPageAndHasNext(t *testing.T) {
	api := newFakeAPI()
	api.pages[unthread.EntityCustomers] = []unthread.Page{
		{Items: items("a"), NextCursor: "c1", HasNext: false},
	}
	s := openStore(t)
	ex := &Extractor{Client: api, Store: s}

	res, err := ex.DownloadCustomers(context.Background())
	if err != nil {
		t.Fatalf("download customers: %v", err)
	}
	if res.Stored != 1 || api.calls[unthread.EntityCustomers] != 1 {
		t.Fatalf("expected a single page, got %+v calls=%d", res, api.calls[unthread.EntityCustomers])
	}

	empty := newFakeAPI()
	res, err = (&Extractor{Client: empty, Store: s}).DownloadUsers(context.Background())
	if err != nil {
		t.Fatalf("download empty: %v", err)
	}
	if res.Pages != 0 || res.Stored != 0 {
		t.Fatalf("expected nothing from empty listing, got %+v", res)
	}
}

func TestPageFailureIsFatal(t *testing.T) {
	api := newFakeAPI()
	api.pages[unthread.EntityConversations] = []unthread.Page{
		{Items: items("c1"), NextCursor: "next", HasNext: true},
	}
	api.listErr[unthread.EntityConversations] = errors.New("API request failed after 3 attempts")
	s := openStore(t)
	ex := &Extractor{Client: api, Store: s, JobsDB: s.DB()}

	_, err := ex.DownloadConversations(context.Background(), unthread.ConversationFilter{})
	if err == nil {
		t.Fatalf("expected page failure to abort the run")
	}

	list, _ := jobs.List(context.Background(), s.DB())
	if len(list) != 1 || list[0].Status != jobs.StatusError || list[0].Cursor == nil || *list[0].Cursor != "next" {
		t.Fatalf("expected failed job with cursor, got %+v", list)
	}
}

func TestSequentialConversationsKeepListOrderAndSkipFailures(t *testing.T) {
	api := newFakeAPI()
	api.pages[unthread.EntityConversations] = []unthread.Page{
		{Items: items("c1", "c2", "c3"), HasNext: false},
	}
	api.failConv["c2"] = true
	api.messages["c1"] = []unthread.Page{
		{Items: items("m1", "m2"), NextCursor: "m1", HasNext: true},
		{Items: items("m3"), HasNext: false},
	}
	s := openStore(t)
	ex := &Extractor{Client: api, Store: s, Workers: 1}

	res, err := ex.DownloadConversations(context.Background(), unthread.ConversationFilter{})
	if err != nil {
		t.Fatalf("download conversations: %v", err)
	}
	if res.Stored != 2 || res.Failed != 1 || res.Messages != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "c2" {
		t.Fatalf("expected c2 error, got %+v", res.Errors)
	}
	if got := res.ConversationIDs; len(got) != 2 || got[0] != "c1" || got[1] != "c3" {
		t.Fatalf("expected list order, got %v", got)
	}

	n, _ := s.Count(context.Background(), store.TableMessages)
	if n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}
}

func TestParallelConversationsBatches(t *testing.T) {
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
	}
	api := newFakeAPI()
	api.pages[unthread.EntityConversations] = []unthread.Page{{Items: items(ids...), HasNext: false}}

	var clients int32
	s := openStore(t)
	ex := &Extractor{
		Client: api,
		NewClient: func() API {
			atomic.AddInt32(&clients, 1)
			return api
		},
		Store:     s,
		Workers:   5,
		BatchSize: 10,
	}

	res, err := ex.DownloadConversations(context.Background(), unthread.ConversationFilter{})
	if err != nil {
		t.Fatalf("download conversations: %v", err)
	}
	if res.Batches != 2 {
		t.Fatalf("expected 2 batches, got %d", res.Batches)
	}
	if res.Stored != 12 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// One client per worker, reused across both batches.
	if atomic.LoadInt32(&clients) != 5 {
		t.Fatalf("expected one client per worker, got %d", clients)
	}

	got := append([]string(nil), res.ConversationIDs...)
	sort.Strings(got)
	for i, id := range ids {
		if got[i] != id {
			t.Fatalf("expected every conversation exactly once, got %v", got)
		}
	}
	n, _ := s.Count(context.Background(), store.TableConversations)
	if n != 12 {
		t.Fatalf("expected 12 stored conversations, got %d", n)
	}
}

func TestPageLimit(t *testing.T) {
	api := newFakeAPI()
	api.pages[unthread.EntityUsers] = []unthread.Page{
		{Items: items("u1"), NextCursor: "c1", HasNext: true},
		{Items: items("u2"), NextCursor: "c2", HasNext: true},
	}
	ex := &Extractor{Client: api, Store: openStore(t), PageLimit: 1}

	res, err := ex.DownloadUsers(context.Background())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if res.Pages != 1 || res.Stored != 1 {
		t.Fatalf("expected page limit to stop after one page, got %+v", res)
	}
}

func TestParallelConversationsReuseConnections(t *testing.T) {
	const total, workers = 40, 5

	var conns int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/conversations/list":
			data := make([]string, total)
			for i := range data {
				data[i] = fmt.Sprintf(`{"id":"c%02d"}`, i)
			}
			fmt.Fprintf(w, `{"data":[%s],"cursors":{"hasNext":false}}`, strings.Join(data, ","))
		case strings.HasSuffix(r.URL.Path, "/messages/list"):
			fmt.Fprint(w, `{"data":[],"cursors":{"hasNext":false}}`)
		default:
			fmt.Fprintf(w, `{"id":%q}`, strings.TrimPrefix(r.URL.Path, "/conversations/"))
		}
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	newClient := func() *unthread.Client {
		return unthread.NewClient(unthread.Options{BaseURL: srv.URL, APIKey: "k", MaxRetries: 1})
	}
	ex := &Extractor{
		Client:    newClient(),
		NewClient: func() API { return newClient() },
		Store:     openStore(t),
		Workers:   workers,
		BatchSize: 10,
	}

	res, err := ex.DownloadConversations(context.Background(), unthread.ConversationFilter{})
	if err != nil {
		t.Fatalf("download conversations: %v", err)
	}
	if res.Stored != total || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// The list client plus at most one connection per worker.
	if n := atomic.LoadInt32(&conns); n > workers+1 {
		t.Fatalf("expected at most %d connections, got %d", workers+1, n)
	}
}
