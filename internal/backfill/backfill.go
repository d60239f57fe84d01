// Package backfill repairs conversations whose migration left them without a
// category, trying an ordered list of data sources for each one.
package backfill

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Napageneral/unthread-extractor/internal/audit"
	"github.com/Napageneral/unthread-extractor/internal/config"
	"github.com/Napageneral/unthread-extractor/internal/jobs"
	"github.com/Napageneral/unthread-extractor/internal/metrics"
)

const JobName = "fix-missing-categories"

var migratedLine = regexp.MustCompile(`Migrated ([A-Za-z0-9-]+):`)

// emptyMarkers identify migration log lines where neither category nor
// sub-category was known.
var emptyMarkers = []string{
	"'None' + 'None' -> ''",
	"'' + '' -> ''",
}

// IDsFromLog returns, in first-seen order, the conversations a migration log
// reports as migrated to an empty category.
func IDsFromLog(r io.Reader) ([]string, error) {
	var ids []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		empty := false
		for _, m := range emptyMarkers {
			if strings.Contains(line, m) {
				empty = true
				break
			}
		}
		if !empty {
			continue
		}
		m := migratedLine.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		ids = append(ids, m[1])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read migration log: %w", err)
	}
	return ids, nil
}

type Patcher interface {
	PatchTicketFields(ctx context.Context, conversationID string, fields map[string]any) error
}

// Stats summarizes a backfill run.
type Stats struct {
	jobs.Summary
	Total   int            `json:"total_conversations"`
	Sources map[string]int `json:"sources"`
	NoData  int            `json:"no_data_found"`
}

type Backfiller struct {
	// Resolvers are tried in order; the first with a category wins.
	Resolvers []Resolver
	Client    Patcher
	Fields    config.FieldIDs
	Audit     *audit.Log
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
}

// Run backfills ids. limit > 0 processes only the first limit ids.
func (b *Backfiller) Run(ctx context.Context, ids []string, limit int) (Stats, error) {
	l := log.Logger
	if b.Logger != nil {
		l = *b.Logger
	}
	l = l.With().Str("job", JobName).Logger()

	stats := Stats{Total: len(ids), Sources: map[string]int{}}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		l.Info().Int("limit", limit).Msgf("limited to processing %d conversations", len(ids))
	}
	if len(ids) == 0 {
		return stats, nil
	}

	for _, r := range b.Resolvers {
		p, ok := r.(Prefetcher)
		if !ok {
			continue
		}
		if err := p.Prefetch(ctx, ids); err != nil {
			l.Warn().Err(err).Str("source", r.Name()).Msg("prefetch failed, falling back to later sources")
		}
	}

	for _, id := range ids {
		data, source := b.resolve(ctx, l, id)
		if data == nil {
			stats.NoData++
			l.Warn().Str("conversation_id", id).Msg("no category data found")
			continue
		}
		stats.Sources[source]++

		fields := b.patchFields(*data)
		if err := b.Client.PatchTicketFields(ctx, id, fields); err != nil {
			_ = b.Audit.Emit(ctx, audit.TypePatchFailed, JobName, id, map[string]any{"source": source, "fields": fields, "error": err.Error()})
			stats.Failure(id, err)
			b.Metrics.ObserveJob(JobName, "failure")
			l.Error().Err(err).Str("conversation_id", id).Msg("failed to update")
			continue
		}
		_ = b.Audit.Emit(ctx, audit.TypePatched, JobName, id, map[string]any{"source": source, "fields": fields})
		stats.Success()
		b.Metrics.ObserveJob(JobName, "success")
		l.Info().Str("conversation_id", id).Str("source", source).Msgf("Processed %s: updated using %s", id, source)
	}
	return stats, nil
}

func (b *Backfiller) resolve(ctx context.Context, l zerolog.Logger, id string) (*CategoryData, string) {
	for _, r := range b.Resolvers {
		data, err := r.Resolve(ctx, id)
		if err != nil {
			l.Warn().Err(err).Str("conversation_id", id).Str("source", r.Name()).Msg("source failed")
			continue
		}
		if data != nil && data.Category != "" {
			return data, r.Name()
		}
	}
	return nil, ""
}

// patchFields sends only the values that are known.
func (b *Backfiller) patchFields(d CategoryData) map[string]any {
	fields := map[string]any{}
	set := func(id, v string) {
		if id != "" && v != "" {
			fields[id] = v
		}
	}
	set(b.Fields.Category, d.Category)
	set(b.Fields.SubCategory, d.SubCategory)
	set(b.Fields.Resolution, d.Resolution)
	set(b.Fields.MigrationCategory, d.MigrationCategory)
	return fields
}
