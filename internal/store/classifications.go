package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultPendingLimit caps PendingForPropagation when no limit is given.
const DefaultPendingLimit = 100

// Classification is a locally computed label set for one conversation. Nil
// fields are "unknown" and never overwrite a stored value.
type Classification struct {
	ConversationID string
	Category       *string
	SubCategory    *string
	Reasoning      *string
	Resolution     *string
	CreatedAt      *time.Time
	// UpdatedTime is set once the labels have been pushed upstream.
	UpdatedTime *time.Time
}

// PendingClassification is a classification ready to be pushed upstream,
// joined with its cluster name when one is known.
type PendingClassification struct {
	ConversationID string
	Category       string
	SubCategory    *string
	Resolution     string
	ClusterName    *string
	CreatedAt      time.Time
}

// Cluster is one row of clio_clusters.
type Cluster struct {
	ExampleID   string
	UnthreadID  string
	Summary     string
	ClusterName string
	Category    string
}

// UpsertClassification merges c into the stored row: each non-nil field
// replaces the stored value, nil fields leave it untouched. created_at is set
// on first insert only.
func (s *Store) UpsertClassification(ctx context.Context, c Classification) error {
	if c.ConversationID == "" {
		return fmt.Errorf("classification without conversation id")
	}
	created := s.now()
	if c.CreatedAt != nil {
		created = *c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_classifications (conversation_id, category, sub_category, reasoning, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			category = CASE WHEN excluded.category IS NOT NULL THEN excluded.category ELSE conversation_classifications.category END,
			sub_category = CASE WHEN excluded.sub_category IS NOT NULL THEN excluded.sub_category ELSE conversation_classifications.sub_category END,
			reasoning = CASE WHEN excluded.reasoning IS NOT NULL THEN excluded.reasoning ELSE conversation_classifications.reasoning END,
			resolution = CASE WHEN excluded.resolution IS NOT NULL THEN excluded.resolution ELSE conversation_classifications.resolution END,
			created_at = COALESCE(conversation_classifications.created_at, excluded.created_at)
	`, c.ConversationID, c.Category, c.SubCategory, c.Reasoning, c.Resolution, created.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert classification %s: %w", c.ConversationID, err)
	}
	return nil
}

// GetClassification returns the stored classification for a conversation.
func (s *Store) GetClassification(ctx context.Context, conversationID string) (Classification, bool, error) {
	var (
		c                               Classification
		cat, sub, reasoning, resolution sql.NullString
		created, updated                sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, category, sub_category, reasoning, resolution, created_at, updated_time
		FROM conversation_classifications
		WHERE conversation_id = ?
	`, conversationID).Scan(&c.ConversationID, &cat, &sub, &reasoning, &resolution, &created, &updated)
	if err == sql.ErrNoRows {
		return Classification{}, false, nil
	}
	if err != nil {
		return Classification{}, false, fmt.Errorf("failed to get classification %s: %w", conversationID, err)
	}
	c.Category = ptr(cat)
	c.SubCategory = ptr(sub)
	c.Reasoning = ptr(reasoning)
	c.Resolution = ptr(resolution)
	if created.Valid {
		t := time.Unix(created.Int64, 0)
		c.CreatedAt = &t
	}
	if updated.Valid {
		t := time.Unix(updated.Int64, 0)
		c.UpdatedTime = &t
	}
	return c, true, nil
}

// PendingForPropagation returns up to limit classifications that have both a
// category and a resolution and have not been pushed yet, newest first.
// Conversations listed in exclude are skipped. limit <= 0 uses
// DefaultPendingLimit.
func (s *Store) PendingForPropagation(ctx context.Context, limit int, exclude ...string) ([]PendingClassification, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	if exclude == nil {
		exclude = []string{}
	}
	excluded, err := json.Marshal(exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to encode excluded ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.conversation_id,
			c.category,
			c.sub_category,
			c.resolution,
			(SELECT cl.cluster_name FROM clio_clusters cl
				WHERE cl.unthread_id = c.conversation_id AND cl.cluster_name IS NOT NULL
				ORDER BY cl.example_id LIMIT 1),
			COALESCE(c.created_at, 0)
		FROM conversation_classifications c
		WHERE c.category IS NOT NULL
			AND c.resolution IS NOT NULL
			AND c.updated_time IS NULL
			AND c.conversation_id NOT IN (SELECT value FROM json_each(?))
		ORDER BY c.created_at DESC, c.conversation_id
		LIMIT ?
	`, string(excluded), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending classifications: %w", err)
	}
	defer rows.Close()

	var out []PendingClassification
	for rows.Next() {
		var (
			p            PendingClassification
			sub, cluster sql.NullString
			created      int64
		)
		if err := rows.Scan(&p.ConversationID, &p.Category, &sub, &p.Resolution, &cluster, &created); err != nil {
			return nil, fmt.Errorf("failed to scan pending classification: %w", err)
		}
		p.SubCategory = ptr(sub)
		p.ClusterName = ptr(cluster)
		p.CreatedAt = time.Unix(created, 0)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating pending classifications: %w", err)
	}
	return out, nil
}

// MarkPropagated records that the classification was pushed upstream. It is a
// no-op for unknown ids.
func (s *Store) MarkPropagated(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_classifications SET updated_time = ? WHERE conversation_id = ?
	`, s.now().Unix(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark %s propagated: %w", conversationID, err)
	}
	return nil
}

// UnclassifiedConversations returns up to limit stored conversations without a
// classification row, ordered by id. limit <= 0 means no limit.
func (s *Store) UnclassifiedConversations(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.data
		FROM conversations v
		LEFT JOIN conversation_classifications c ON c.conversation_id = v.id
		WHERE c.conversation_id IS NULL
		ORDER BY v.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unclassified conversations: %w", err)
	}
	return scanDocuments(rows)
}

// UpsertCluster stores or replaces one clio_clusters row.
func (s *Store) UpsertCluster(ctx context.Context, c Cluster) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO clio_clusters (example_id, unthread_id, summary, cluster_name, category)
		VALUES (?, ?, ?, ?, ?)
	`, c.ExampleID, nullString(c.UnthreadID), nullString(c.Summary), nullString(c.ClusterName), nullString(c.Category))
	if err != nil {
		return fmt.Errorf("failed to upsert cluster %s: %w", c.ExampleID, err)
	}
	return nil
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
