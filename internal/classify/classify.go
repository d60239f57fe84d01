// Package classify labels stored conversations that have no classification
// yet, sending them to the model a few at a time.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Napageneral/unthread-extractor/internal/jobs"
	"github.com/Napageneral/unthread-extractor/internal/llm"
	"github.com/Napageneral/unthread-extractor/internal/metrics"
	"github.com/Napageneral/unthread-extractor/internal/store"
)

const (
	JobName          = "classify"
	DefaultGroupSize = 5
)

var errNoTranscript = errors.New("no message content stored")

type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, transcripts []string) ([]llm.Result, error)
}

type Store interface {
	UnclassifiedConversations(ctx context.Context, limit int) ([]store.Document, error)
	Transcript(ctx context.Context, conversationID string) (string, error)
	UpsertClassification(ctx context.Context, c store.Classification) error
}

type Classifier struct {
	LLM     BatchClassifier
	Store   Store
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	// GroupSize is the number of conversations per model request.
	GroupSize int
}

// outcome is the result for one conversation: either a classification or
// the error that stands in for it.
type outcome struct {
	id     string
	result llm.Result
	err    error
}

// Run classifies up to limit unclassified conversations (limit <= 0 means all).
func (c *Classifier) Run(ctx context.Context, limit int) (jobs.Summary, error) {
	l := log.Logger
	if c.Logger != nil {
		l = *c.Logger
	}
	l = l.With().Str("job", JobName).Logger()

	group := c.GroupSize
	if group <= 0 {
		group = DefaultGroupSize
	}

	var sum jobs.Summary
	docs, err := c.Store.UnclassifiedConversations(ctx, limit)
	if err != nil {
		return sum, err
	}
	if len(docs) == 0 {
		l.Info().Msg("no conversations need classifying")
		return sum, nil
	}

	type pending struct {
		id         string
		transcript string
	}
	var queue []pending
	for _, d := range docs {
		t, err := c.Store.Transcript(ctx, d.ID)
		if err == nil && t == "" {
			err = errNoTranscript
		}
		if err != nil {
			sum.Failure(d.ID, err)
			l.Warn().Err(err).Str("conversation_id", d.ID).Msg("skipping conversation")
			continue
		}
		queue = append(queue, pending{id: d.ID, transcript: t})
	}

	for start := 0; start < len(queue); start += group {
		batch := queue[start:min(start+group, len(queue))]
		sum.Batches++

		ids := make([]string, len(batch))
		transcripts := make([]string, len(batch))
		for i, p := range batch {
			ids[i] = p.id
			transcripts[i] = p.transcript
		}

		for _, o := range c.classifyGroup(ctx, ids, transcripts) {
			if o.err != nil {
				sum.Failure(o.id, o.err)
				c.Metrics.ObserveJob(JobName, "failure")
				continue
			}
			if err := c.Store.UpsertClassification(ctx, toClassification(o.id, o.result)); err != nil {
				return sum, fmt.Errorf("failed to save classification: %w", err)
			}
			sum.Success()
			c.Metrics.ObserveJob(JobName, "success")
		}
		l.Info().Int("batch", sum.Batches).Int("size", len(batch)).Int("failed", sum.Failed).Msg("batch classified")
	}
	return sum, nil
}

// classifyGroup always returns one outcome per id. A failed or malformed
// response turns into a placeholder error for every member of the group.
func (c *Classifier) classifyGroup(ctx context.Context, ids, transcripts []string) []outcome {
	out := make([]outcome, len(ids))
	results, err := c.LLM.ClassifyBatch(ctx, transcripts)
	if err == nil && len(results) != len(ids) {
		err = fmt.Errorf("expected %d results, got %d", len(ids), len(results))
	}
	for i, id := range ids {
		out[i].id = id
		switch {
		case err != nil:
			out[i].err = err
		case strings.TrimSpace(results[i].Category) == "":
			out[i].err = errors.New("model returned no category")
		default:
			out[i].result = results[i]
		}
	}
	return out
}

func toClassification(id string, r llm.Result) store.Classification {
	return store.Classification{
		ConversationID: id,
		Category:       nonEmpty(r.Category),
		SubCategory:    nonEmpty(r.SubCategory),
		Resolution:     nonEmpty(r.Resolution),
		Reasoning:      nonEmpty(r.Reasoning),
	}
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
