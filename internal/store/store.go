package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Document tables.
const (
	TableUsers         = "users"
	TableCustomers     = "customers"
	TableConversations = "conversations"
	TableMessages      = "messages"
)

var documentTables = map[string]bool{
	TableUsers:         true,
	TableCustomers:     true,
	TableConversations: true,
	TableMessages:      true,
}

// expectedColumns lists columns added after the first on-disk release. Open
// adds any that an existing table lacks.
var expectedColumns = map[string][]column{
	TableUsers:         {{"fetched_at", "INTEGER"}},
	TableCustomers:     {{"fetched_at", "INTEGER"}},
	TableConversations: {{"fetched_at", "INTEGER"}},
	TableMessages:      {{"conversation_id", "TEXT"}, {"fetched_at", "INTEGER"}},
	"conversation_classifications": {
		{"reasoning", "TEXT"},
		{"resolution", "TEXT"},
		{"created_at", "INTEGER"},
		{"updated_time", "INTEGER"},
	},
	"clio_clusters": {
		{"summary", "TEXT"},
		{"cluster_name", "TEXT"},
		{"category", "TEXT"},
	},
}

type column struct {
	name string
	typ  string
}

// Store is the local SQLite database. All writes go through a single
// connection, so concurrent callers are serialized.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Document is one stored entity: an id plus its raw JSON payload.
type Document struct {
	ID   string
	Data json.RawMessage
	// ConversationID is only recorded for messages.
	ConversationID string
}

// Open opens (creating if needed) the database at path and brings its schema
// up to date.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL allows readers from other processes while a job is writing.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := migrateColumns(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages index: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle for packages that keep their own tables
// in the same file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func migrateColumns(db *sql.DB) error {
	for table, cols := range expectedColumns {
		existing, err := tableColumns(db, table)
		if err != nil {
			return err
		}
		for _, c := range cols {
			if existing[c.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.typ)
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to add %s.%s: %w", table, c.name, err)
			}
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan %s column: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func checkTable(table string) error {
	if !documentTables[table] {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

// Upsert stores docs, replacing any existing row with the same id.
func (s *Store) Upsert(ctx context.Context, table string, docs []Document) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stmt *sql.Stmt
	if table == TableMessages {
		stmt, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO messages (id, data, conversation_id, fetched_at) VALUES (?, ?, ?, ?)`)
	} else {
		stmt, err = tx.PrepareContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data, fetched_at) VALUES (?, ?, ?)`, table))
	}
	if err != nil {
		return fmt.Errorf("failed to prepare %s upsert: %w", table, err)
	}
	defer stmt.Close()

	now := s.now().Unix()
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%s document without id", table)
		}
		if table == TableMessages {
			_, err = stmt.ExecContext(ctx, d.ID, string(d.Data), nullString(d.ConversationID), now)
		} else {
			_, err = stmt.ExecContext(ctx, d.ID, string(d.Data), now)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert %s %s: %w", table, d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s upsert: %w", table, err)
	}
	return nil
}

// PagedQuery returns up to batchSize documents ordered by id, skipping offset.
func (s *Store) PagedQuery(ctx context.Context, table string, batchSize, offset int) ([]Document, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM %s ORDER BY id LIMIT ? OFFSET ?`, table), batchSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to page %s: %w", table, err)
	}
	return scanDocuments(rows)
}

// lookupChunk stays under SQLite's bound-parameter limit.
const lookupChunk = 500

// LookupByIDs returns the stored documents among ids. Missing ids are
// skipped; results are ordered by id.
func (s *Store) LookupByIDs(ctx context.Context, table string, ids []string) ([]Document, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var out []Document
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf(`SELECT id, data FROM %s WHERE id IN (%s) ORDER BY id`, table, placeholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", table, err)
		}
		docs, err := scanDocuments(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

// GetDocument returns a single document by id.
func (s *Store) GetDocument(ctx context.Context, table, id string) (Document, bool, error) {
	if err := checkTable(table); err != nil {
		return Document{}, false, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, table), id).Scan(&data)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("failed to get %s %s: %w", table, id, err)
	}
	return Document{ID: id, Data: json.RawMessage(data)}, true, nil
}

// Count returns the number of rows in a document table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, Document{ID: id, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating documents: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
