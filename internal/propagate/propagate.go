// Package propagate pushes locally computed classifications back to Unthread.
package propagate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Napageneral/unthread-extractor/internal/audit"
	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/jobs"
	"github.com/Napageneral/unthread-extractor/internal/metrics"
	"github.com/Napageneral/unthread-extractor/internal/store"
)

const (
	JobName          = "update"
	DefaultBatchSize = 50
)

// Patcher sends custom-field updates upstream.
type Patcher interface {
	PatchTicketFields(ctx context.Context, conversationID string, fields map[string]any) error
}

// Store is the classification side of the local database.
type Store interface {
	PendingForPropagation(ctx context.Context, limit int, exclude ...string) ([]store.PendingClassification, error)
	MarkPropagated(ctx context.Context, conversationID string) error
}

type Propagator struct {
	Client  Patcher
	Store   Store
	Fields  config.FieldIDs
	Audit   *audit.Log
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	// BatchSize is the number of conversations patched per round.
	BatchSize int
	// PendingLimit caps each pending query.
	PendingLimit int
}

// Fields maps a pending classification to the upstream ticket-type fields.
// Unknown values are left out so they never clear an existing upstream value.
func Fields(ids config.FieldIDs, p store.PendingClassification) map[string]any {
	fields := map[string]any{
		ids.Category:   p.Category,
		ids.Resolution: p.Resolution,
	}
	if p.SubCategory != nil {
		fields[ids.SubCategory] = *p.SubCategory
	}
	if p.ClusterName != nil && ids.Cluster != "" {
		fields[ids.Cluster] = *p.ClusterName
	}
	return fields
}

// Run patches pending classifications batch by batch, re-querying after each
// round so rows classified meanwhile are picked up. Each row is attempted at
// most once per run; the run ends when no unattempted row is pending.
func (p *Propagator) Run(ctx context.Context) (jobs.Summary, error) {
	l := log.Logger
	if p.Logger != nil {
		l = *p.Logger
	}
	l = l.With().Str("job", JobName).Logger()

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var sum jobs.Summary
	// Rows that failed this run stay pending; the query skips them so older
	// rows behind them are still reached.
	var failed []string
	for {
		pending, err := p.Store.PendingForPropagation(ctx, p.PendingLimit, failed...)
		if err != nil {
			return sum, fmt.Errorf("failed to load pending classifications: %w", err)
		}
		if len(pending) == 0 {
			if sum.Processed == 0 {
				l.Info().Msg("no conversations need updating")
			} else if len(failed) > 0 {
				l.Warn().Int("failed", len(failed)).Msg("some conversations failed to update")
			}
			break
		}

		for start := 0; start < len(pending); start += batchSize {
			batch := pending[start:min(start+batchSize, len(pending))]
			sum.Batches++
			before := sum.Succeeded
			for _, row := range batch {
				if err := p.push(ctx, row); err != nil {
					failed = append(failed, row.ConversationID)
					sum.Failure(row.ConversationID, err)
					p.Metrics.ObserveJob(JobName, "failure")
					l.Error().Err(err).Str("conversation_id", row.ConversationID).Msg("failed to update conversation")
					continue
				}
				sum.Success()
				p.Metrics.ObserveJob(JobName, "success")
			}
			l.Info().
				Int("batch", sum.Batches).
				Int("successful", sum.Succeeded-before).
				Int("failed", len(batch)-(sum.Succeeded-before)).
				Msg("batch completed")
		}
	}
	return sum, nil
}

func (p *Propagator) push(ctx context.Context, row store.PendingClassification) error {
	fields := Fields(p.Fields, row)
	if err := p.Client.PatchTicketFields(ctx, row.ConversationID, fields); err != nil {
		_ = p.Audit.Emit(ctx, audit.TypePatchFailed, JobName, row.ConversationID, map[string]any{"fields": fields, "error": err.Error()})
		return err
	}
	_ = p.Audit.Emit(ctx, audit.TypePatched, JobName, row.ConversationID, map[string]any{"fields": fields})
	if err := p.Store.MarkPropagated(ctx, row.ConversationID); err != nil {
		return err
	}
	return nil
}
