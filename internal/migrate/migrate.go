// Package migrate fills the legacy migration-category field from each
// conversation's category and sub-category.
package migrate

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
	"github.com/Napageneral/unthread-extractor/internal/unthread"
)

const (
	JobName          = "migrate-categories"
	DefaultBatchSize = 50
)

// MigrationCategory combines category and sub-category:
// both set gives "category - sub", one set gives that one, neither gives "".
// Empty strings and the literal "None" count as unset.
func MigrationCategory(category, subCategory *string) string {
	c, s := value(category), value(subCategory)
	switch {
	case c != "" && s != "":
		return c + " - " + s
	case c != "":
		return c
	default:
		return s
	}
}

func value(p *string) string {
	if p == nil || *p == "None" {
		return ""
	}
	return *p
}

type Patcher interface {
	PatchTicketFields(ctx context.Context, conversationID string, fields map[string]any) error
}

type Store interface {
	PagedQuery(ctx context.Context, table string, batchSize, offset int) ([]store.Document, error)
	LookupByIDs(ctx context.Context, table string, ids []string) ([]store.Document, error)
}

type Migrator struct {
	Client  Patcher
	Store   Store
	Fields  config.FieldIDs
	Audit   *audit.Log
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	// DryRun logs what would change without calling the API.
	DryRun bool
}

func (m *Migrator) logger() zerolog.Logger {
	if m.Logger != nil {
		return *m.Logger
	}
	return log.Logger
}

// MigrateAll walks every stored conversation in id order. maxTickets > 0 stops
// after that many conversations.
func (m *Migrator) MigrateAll(ctx context.Context, batchSize, maxTickets int) (jobs.Summary, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	l := m.logger()
	l.Info().Int("batch_size", batchSize).Int("max_tickets", maxTickets).Bool("dry_run", m.DryRun).Msg("starting migration")

	var sum jobs.Summary
	for offset := 0; ; offset += batchSize {
		if maxTickets > 0 && sum.Processed >= maxTickets {
			l.Info().Int("max_tickets", maxTickets).Msg("reached maximum tickets limit")
			break
		}
		docs, err := m.Store.PagedQuery(ctx, store.TableConversations, batchSize, offset)
		if err != nil {
			return sum, fmt.Errorf("failed to read conversations at offset %d: %w", offset, err)
		}
		if len(docs) == 0 {
			l.Info().Msg("no more tickets to process")
			break
		}
		if maxTickets > 0 && sum.Processed+len(docs) > maxTickets {
			docs = docs[:maxTickets-sum.Processed]
		}
		sum.Batches++
		m.migrateBatch(ctx, docs, &sum)
	}
	l.Info().Int("successful", sum.Succeeded).Int("failed", sum.Failed).Msg("migration completed")
	return sum, nil
}

// MigrateIDs migrates the given stored conversations. Ids not in the store
// are logged and skipped.
func (m *Migrator) MigrateIDs(ctx context.Context, ids []string) (jobs.Summary, error) {
	l := m.logger()
	var sum jobs.Summary
	docs, err := m.Store.LookupByIDs(ctx, store.TableConversations, ids)
	if err != nil {
		return sum, fmt.Errorf("failed to read conversations: %w", err)
	}
	if len(docs) != len(ids) {
		found := make(map[string]bool, len(docs))
		for _, d := range docs {
			found[d.ID] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		l.Warn().Strs("missing", missing).Msgf("missing %d tickets", len(missing))
	}
	if len(docs) == 0 {
		l.Warn().Msg("no tickets found for the provided ids")
		return sum, nil
	}
	sum.Batches = 1
	m.migrateBatch(ctx, docs, &sum)
	return sum, nil
}

func (m *Migrator) migrateBatch(ctx context.Context, docs []store.Document, sum *jobs.Summary) {
	l := m.logger()
	for _, d := range docs {
		fields := unthread.TicketTypeFields(d.Data)
		category, sub := lookup(fields, m.Fields.Category), lookup(fields, m.Fields.SubCategory)
		migration := MigrationCategory(category, sub)

		if m.DryRun {
			l.Info().Msgf("Ticket %s: %s + %s -> '%s'", d.ID, quoted(category), quoted(sub), migration)
			sum.Success()
			continue
		}

		// Keep every existing field; only the migration field changes.
		updated := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			updated[k] = v
		}
		updated[m.Fields.MigrationCategory] = migration

		if err := m.Client.PatchTicketFields(ctx, d.ID, updated); err != nil {
			_ = m.Audit.Emit(ctx, audit.TypePatchFailed, JobName, d.ID, map[string]any{"migration_category": migration, "error": err.Error()})
			sum.Failure(d.ID, err)
			m.Metrics.ObserveJob(JobName, "failure")
			l.Warn().Err(err).Str("conversation_id", d.ID).Msg("failed to migrate ticket")
			continue
		}
		_ = m.Audit.Emit(ctx, audit.TypePatched, JobName, d.ID, map[string]any{"migration_category": migration})
		sum.Success()
		m.Metrics.ObserveJob(JobName, "success")
		l.Info().Msgf("Migrated %s: %s + %s -> '%s'", d.ID, quoted(category), quoted(sub), migration)
	}
}

func lookup(fields map[string]any, id string) *string {
	if v, ok := unthread.FieldString(fields, id); ok {
		return &v
	}
	return nil
}

// quoted renders a value the way migration logs have always shown it, with
// unset values as 'None'. The backfill job scrapes these lines.
func quoted(p *string) string {
	if p == nil {
		return "'None'"
	}
	return "'" + *p + "'"
}
