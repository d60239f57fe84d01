// Package warehouse looks up ticket categories in the BigQuery staging table.
package warehouse

import (
	"context"
	"fmt"
	"regexp"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	DefaultTable     = "dbt.stg_unthread__conversations"
	DefaultChunkSize = 100
)

var tablePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+){1,2}$`)

// Row holds the category fields of one conversation. Empty means unknown.
type Row struct {
	Category    string
	SubCategory string
	Resolution  string
}

type Options struct {
	// Project defaults to the project of the credentials.
	Project         string
	CredentialsPath string
	Table           string
	ChunkSize       int
}

type Warehouse struct {
	client *bigquery.Client
	table  string
	chunk  int
}

type bqRow struct {
	ConversationID string              `bigquery:"conversation_id"`
	Category       bigquery.NullString `bigquery:"ticket_category"`
	SubCategory    bigquery.NullString `bigquery:"ticket_sub_category"`
	Resolution     bigquery.NullString `bigquery:"ticket_resolution"`
}

func New(ctx context.Context, opts Options) (*Warehouse, error) {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	project := opts.Project
	if project == "" {
		project = bigquery.DetectProjectID
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsPath != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsPath))
	}
	client, err := bigquery.NewClient(ctx, project, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Warehouse{client: client, table: table, chunk: chunk}, nil
}

func (w *Warehouse) Close() error { return w.client.Close() }

// Lookup returns the category fields for every id found in the table. Ids are
// queried in chunks to stay within query-size limits.
func (w *Warehouse) Lookup(ctx context.Context, ids []string) (map[string]Row, error) {
	out := make(map[string]Row, len(ids))
	for i, chunk := range Chunks(ids, w.chunk) {
		q := w.client.Query(lookupSQL(w.table))
		q.Parameters = []bigquery.QueryParameter{{Name: "ids", Value: chunk}}
		it, err := q.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("bigquery batch %d: %w", i+1, err)
		}
		for {
			var r bqRow
			err := it.Next(&r)
			if err == iterator.Done {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("bigquery batch %d: %w", i+1, err)
			}
			out[r.ConversationID] = Row{
				Category:    r.Category.StringVal,
				SubCategory: r.SubCategory.StringVal,
				Resolution:  r.Resolution.StringVal,
			}
		}
	}
	return out, nil
}

func lookupSQL(table string) string {
	return fmt.Sprintf(`SELECT
	conversation_id,
	ticket_category,
	ticket_sub_category,
	ticket_resolution
FROM %s
WHERE conversation_id IN UNNEST(@ids)
ORDER BY conversation_id DESC`, "`"+table+"`")
}

// Chunks splits ids into consecutive slices of at most n.
func Chunks(ids []string, n int) [][]string {
	if n <= 0 {
		n = DefaultChunkSize
	}
	var out [][]string
	for start := 0; start < len(ids); start += n {
		out = append(out, ids[start:min(start+n, len(ids))])
	}
	return out
}
