// Package extract downloads users, customers, conversations and messages from
// Unthread into the local store.
package extract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/unthread-extractor/internal/jobs"
	"github.com/Napageneral/unthread-extractor/internal/metrics"
	"github.com/Napageneral/unthread-extractor/internal/store"
	"github.com/Napageneral/unthread-extractor/internal/unthread"
)

const (
	// DefaultWorkers is the pool size of a parallel run.
	DefaultWorkers   = 5
	DefaultBatchSize = 10
	listLimit        = 200
)

// API is the subset of the Unthread client the extractor needs.
type API interface {
	ListPage(ctx context.Context, entity string, q unthread.ListQuery, cursor string) (unthread.Page, error)
	GetConversation(ctx context.Context, id string) (json.RawMessage, error)
	ListMessagesPage(ctx context.Context, conversationID, cursor string) (unthread.Page, error)
}

// Store receives downloaded documents.
type Store interface {
	Upsert(ctx context.Context, table string, docs []store.Document) error
}

// Extractor drives full-collection downloads. Workers <= 1 processes
// conversations one at a time in list order; larger values fan each batch of
// BatchSize conversations out over that many goroutines, each worker holding
// its own client from NewClient for the whole run.
type Extractor struct {
	Client    API
	NewClient func() API
	Store     Store
	// JobsDB, when set, receives progress rows for each run.
	JobsDB    *sql.DB
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
	Workers   int
	BatchSize int
	// PageLimit stops list pagination after that many pages. 0 means no limit.
	PageLimit int
}

// ItemError is one skipped item.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarizes one download.
type Result struct {
	Entity   string      `json:"entity"`
	Pages    int         `json:"pages"`
	Listed   int         `json:"listed"`
	Stored   int         `json:"stored"`
	Messages int         `json:"messages,omitempty"`
	Batches  int         `json:"batches,omitempty"`
	Failed   int         `json:"failed"`
	Errors   []ItemError `json:"errors,omitempty"`
	// IDs of conversations fully processed, in completion order.
	ConversationIDs []string `json:"-"`
	Cursor          string   `json:"cursor,omitempty"`
}

func (e *Extractor) logger() zerolog.Logger {
	if e.Logger != nil {
		return *e.Logger
	}
	return log.Logger
}

func (e *Extractor) startJob(ctx context.Context, name string) *jobs.Tracker {
	if e.JobsDB == nil {
		return nil
	}
	tr, err := jobs.Start(ctx, e.JobsDB, name)
	if err != nil {
		l := e.logger()
		l.Warn().Err(err).Str("job", name).Msg("job tracking disabled")
		return nil
	}
	return tr
}

// DownloadUsers fetches every user.
func (e *Extractor) DownloadUsers(ctx context.Context) (Result, error) {
	return e.downloadEntity(ctx, unthread.EntityUsers, store.TableUsers)
}

// DownloadCustomers fetches every customer.
func (e *Extractor) DownloadCustomers(ctx context.Context) (Result, error) {
	return e.downloadEntity(ctx, unthread.EntityCustomers, store.TableCustomers)
}

func (e *Extractor) downloadEntity(ctx context.Context, entity, table string) (Result, error) {
	l := e.logger().With().Str("entity", entity).Logger()
	res := Result{Entity: entity}
	tr := e.startJob(ctx, entity)

	err := e.paginate(ctx, entity, unthread.ListQuery{Limit: listLimit}, &res, tr, func(items []json.RawMessage) error {
		docs, err := unthread.DecodeDocuments(items)
		if err != nil {
			return err
		}
		if err := e.Store.Upsert(ctx, table, toStore(docs, "")); err != nil {
			return err
		}
		res.Stored += len(docs)
		e.Metrics.ObserveStored(table, len(docs))
		l.Debug().Int("page", res.Pages).Int("items", len(docs)).Msg("stored page")
		return nil
	})
	if err != nil {
		_ = tr.Fail(ctx, "list", res.Cursor, err, res)
		return res, err
	}
	_ = tr.Success(ctx, "done", res)
	l.Info().Int("items", res.Stored).Int("pages", res.Pages).Msgf("downloaded %d %s", res.Stored, entity)
	return res, nil
}

// paginate walks a list endpoint, calling handle for every non-empty page. A
// failure to fetch or handle a page aborts the walk.
func (e *Extractor) paginate(ctx context.Context, entity string, q unthread.ListQuery, res *Result, tr *jobs.Tracker, handle func([]json.RawMessage) error) error {
	cursor := ""
	for {
		if e.PageLimit > 0 && res.Pages >= e.PageLimit {
			return nil
		}
		page, err := e.Client.ListPage(ctx, entity, q, cursor)
		if err != nil {
			return fmt.Errorf("failed to download %s page %d: %w", entity, res.Pages+1, err)
		}
		if len(page.Items) == 0 {
			return nil
		}
		res.Pages++
		res.Listed += len(page.Items)
		if err := handle(page.Items); err != nil {
			return fmt.Errorf("failed to process %s page %d: %w", entity, res.Pages, err)
		}
		if !page.HasNext || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
		res.Cursor = cursor
		_ = tr.Update(ctx, "list", cursor, res)
	}
}

// DownloadConversations lists conversations matching filter and, for each one,
// stores its detail and every message. A failed list page aborts the run; a
// failed conversation is recorded and skipped.
func (e *Extractor) DownloadConversations(ctx context.Context, filter unthread.ConversationFilter) (Result, error) {
	l := e.logger().With().Str("entity", unthread.EntityConversations).Logger()
	res := Result{Entity: unthread.EntityConversations}
	tr := e.startJob(ctx, unthread.EntityConversations)
	pool := e.clientPool()
	defer e.closePool(pool)

	err := e.paginate(ctx, unthread.EntityConversations, filter.Query(), &res, tr, func(items []json.RawMessage) error {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			id, err := unthread.DocumentID(item)
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, ItemError{Error: err.Error()})
				l.Error().Err(err).Msg("skipping listed conversation")
				continue
			}
			ids = append(ids, id)
		}
		e.processConversations(ctx, ids, pool, &res)
		return nil
	})
	if err != nil {
		_ = tr.Fail(ctx, "list", res.Cursor, err, res)
		return res, err
	}
	_ = tr.Success(ctx, "done", res)
	l.Info().
		Int("stored", res.Stored).
		Int("failed", res.Failed).
		Int("messages", res.Messages).
		Msgf("downloaded %d conversations", res.Stored)
	return res, nil
}

// processConversations downloads ids in batches of BatchSize over a pool of
// Workers goroutines. With one worker the tasks run strictly in order.
func (e *Extractor) processConversations(ctx context.Context, ids []string, pool chan API, res *Result) {
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	batchSize := e.BatchSize
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	var mu sync.Mutex
	for start := 0; start < len(ids); start += batchSize {
		batch := ids[start:min(start+batchSize, len(ids))]
		res.Batches++

		var g errgroup.Group
		g.SetLimit(workers)
		for _, id := range batch {
			g.Go(func() error {
				client := <-pool
				msgs, err := e.downloadConversation(ctx, client, id)
				pool <- client
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed++
					res.Errors = append(res.Errors, ItemError{ID: id, Error: err.Error()})
					l := e.logger()
					l.Error().Err(err).Str("conversation_id", id).Msg("error processing conversation")
					return nil
				}
				res.Stored++
				res.Messages += msgs
				res.ConversationIDs = append(res.ConversationIDs, id)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// clientPool holds one client per worker. Workers take a client for each task
// and return it afterwards, so connections are reused across tasks. With one
// worker the pool holds the shared Client.
func (e *Extractor) clientPool() chan API {
	workers := max(e.Workers, 1)
	pool := make(chan API, workers)
	for i := 0; i < workers; i++ {
		if workers > 1 && e.NewClient != nil {
			pool <- e.NewClient()
		} else {
			pool <- e.Client
		}
	}
	return pool
}

type idleCloser interface {
	CloseIdleConnections()
}

// closePool drains the pool and releases idle connections of the clients it
// created. The shared Client is left alone.
func (e *Extractor) closePool(pool chan API) {
	close(pool)
	for c := range pool {
		if c == e.Client {
			continue
		}
		if ic, ok := c.(idleCloser); ok {
			ic.CloseIdleConnections()
		}
	}
}

// DownloadMessages fetches and stores every message of a conversation,
// returning the number stored.
func (e *Extractor) DownloadMessages(ctx context.Context, conversationID string) (int, error) {
	return e.fetchMessages(ctx, e.Client, conversationID)
}

func (e *Extractor) downloadConversation(ctx context.Context, client API, id string) (int, error) {
	if _, err := e.fetchConversation(ctx, client, id); err != nil {
		return 0, err
	}
	return e.fetchMessages(ctx, client, id)
}

func (e *Extractor) fetchConversation(ctx context.Context, client API, id string) (json.RawMessage, error) {
	conv, err := client.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Store.Upsert(ctx, store.TableConversations, []store.Document{{ID: id, Data: conv}}); err != nil {
		return nil, err
	}
	e.Metrics.ObserveStored(store.TableConversations, 1)
	return conv, nil
}

func (e *Extractor) fetchMessages(ctx context.Context, client API, conversationID string) (int, error) {
	total := 0
	cursor := ""
	for pages := 1; ; pages++ {
		page, err := client.ListMessagesPage(ctx, conversationID, cursor)
		if err != nil {
			return total, fmt.Errorf("failed to download messages page %d for %s: %w", pages, conversationID, err)
		}
		if len(page.Items) == 0 {
			break
		}
		docs, err := unthread.DecodeDocuments(page.Items)
		if err != nil {
			return total, err
		}
		if err := e.Store.Upsert(ctx, store.TableMessages, toStore(docs, conversationID)); err != nil {
			return total, err
		}
		total += len(docs)
		e.Metrics.ObserveStored(store.TableMessages, len(docs))
		if !page.HasNext || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	l := e.logger()
	l.Debug().Str("conversation_id", conversationID).Int("messages", total).Msg("downloaded messages")
	return total, nil
}

func toStore(docs []unthread.Document, conversationID string) []store.Document {
	out := make([]store.Document, len(docs))
	for i, d := range docs {
		out[i] = store.Document{ID: d.ID, Data: d.Data, ConversationID: conversationID}
	}
	return out
}
