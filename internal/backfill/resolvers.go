package backfill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/llm"
	"github.com/Napageneral/unthread-extractor/internal/migrate"
	"github.com/Napageneral/unthread-extractor/internal/unthread"
	"github.com/Napageneral/unthread-extractor/internal/warehouse"
)

// Source names reported in Stats.
const (
	SourceWarehouse = "warehouse"
	SourceUpstream  = "unthread_api"
	SourceLLM       = "ai"
)

// CategoryData is what a resolver found for one conversation.
type CategoryData struct {
	Category          string `json:"category"`
	SubCategory       string `json:"sub_category,omitempty"`
	Resolution        string `json:"resolution,omitempty"`
	MigrationCategory string `json:"migration_category,omitempty"`
}

func newCategoryData(category, sub, resolution string) *CategoryData {
	if category == "" || category == "None" {
		return nil
	}
	if sub == "None" {
		sub = ""
	}
	if resolution == "None" {
		resolution = ""
	}
	return &CategoryData{
		Category:          category,
		SubCategory:       sub,
		Resolution:        resolution,
		MigrationCategory: migrate.MigrationCategory(&category, &sub),
	}
}

// Resolver is one source of category data. Resolve returns nil when the
// source has nothing usable for id.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, id string) (*CategoryData, error)
}

// Prefetcher is implemented by resolvers that load a whole id list up front.
type Prefetcher interface {
	Prefetch(ctx context.Context, ids []string) error
}

// WarehouseLookup is satisfied by *warehouse.Warehouse.
type WarehouseLookup interface {
	Lookup(ctx context.Context, ids []string) (map[string]warehouse.Row, error)
}

// WarehouseResolver reads the staging table, batched by Prefetch.
type WarehouseResolver struct {
	Warehouse WarehouseLookup
	rows      map[string]warehouse.Row
}

func (r *WarehouseResolver) Name() string { return SourceWarehouse }

func (r *WarehouseResolver) Prefetch(ctx context.Context, ids []string) error {
	rows, err := r.Warehouse.Lookup(ctx, ids)
	if err != nil {
		// Leave the cache empty so a failed warehouse is not queried per id.
		r.rows = map[string]warehouse.Row{}
		return err
	}
	r.rows = rows
	return nil
}

func (r *WarehouseResolver) Resolve(ctx context.Context, id string) (*CategoryData, error) {
	if r.rows == nil {
		if err := r.Prefetch(ctx, []string{id}); err != nil {
			return nil, err
		}
	}
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return newCategoryData(row.Category, row.SubCategory, row.Resolution), nil
}

// ConversationGetter is satisfied by *unthread.Client.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (json.RawMessage, error)
}

// UpstreamResolver re-reads the conversation's own custom fields from the API.
type UpstreamResolver struct {
	Client ConversationGetter
	Fields config.FieldIDs
}

func (r *UpstreamResolver) Name() string { return SourceUpstream }

func (r *UpstreamResolver) Resolve(ctx context.Context, id string) (*CategoryData, error) {
	conv, err := r.Client.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	fields := unthread.TicketTypeFields(conv)
	category, _ := unthread.FieldString(fields, r.Fields.Category)
	sub, _ := unthread.FieldString(fields, r.Fields.SubCategory)
	resolution, _ := unthread.FieldString(fields, r.Fields.Resolution)
	return newCategoryData(category, sub, resolution), nil
}

// TranscriptSource is satisfied by *store.Store.
type TranscriptSource interface {
	Transcript(ctx context.Context, conversationID string) (string, error)
}

// SingleClassifier is satisfied by *llm.Classifier.
type SingleClassifier interface {
	Classify(ctx context.Context, transcript string) (llm.Result, error)
}

// LLMResolver classifies the locally stored transcript.
type LLMResolver struct {
	Store      TranscriptSource
	Classifier SingleClassifier
}

func (r *LLMResolver) Name() string { return SourceLLM }

func (r *LLMResolver) Resolve(ctx context.Context, id string) (*CategoryData, error) {
	transcript, err := r.Store.Transcript(ctx, id)
	if err != nil {
		return nil, err
	}
	if transcript == "" {
		return nil, nil
	}
	res, err := r.Classifier.Classify(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", id, err)
	}
	return newCategoryData(res.Category, res.SubCategory, res.Resolution), nil
}
