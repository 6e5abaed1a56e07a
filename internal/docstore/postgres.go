package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Postgres stores every collection in one documents table keyed by
// (collection, id) with a JSONB body. Merges use the || operator and
// field removals the - text[] operator, so partial writes happen inside
// the database rather than read-modify-write in Go.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the documents table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		)
	`)
	return err
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Doc, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT data FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Doc{}, ErrNotFound
		}
		return Doc{}, err
	}
	fields, err := decodeBody(body)
	if err != nil {
		return Doc{}, err
	}
	return Doc{ID: id, Fields: fields}, nil
}

func (p *Postgres) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	return execSet(ctx, p.db, collection, id, fields, merge)
}

func (p *Postgres) Create(ctx context.Context, collection, id string, fields Fields) error {
	return execCreate(ctx, p.db, collection, id, fields)
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields Fields) error {
	return execUpdate(ctx, p.db, collection, id, fields)
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	return err
}

func (p *Postgres) Query(ctx context.Context, collection string, filters ...Filter) ([]Doc, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, f := range filters {
		clause, clauseArgs, err := filterClause(f, len(args))
		if err != nil {
			return nil, err
		}
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		fields, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		out = append(out, Doc{ID: id, Fields: fields})
	}
	return out, rows.Err()
}

// BatchCommit applies all writes in one transaction.
func (p *Postgres) BatchCommit(ctx context.Context, writes []Write) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range writes {
		switch w.Kind {
		case WriteSet:
			err = execSet(ctx, tx, w.Collection, w.ID, w.Fields, w.Merge)
		case WriteCreate:
			err = execCreate(ctx, tx, w.Collection, w.ID, w.Fields)
		case WriteUpdate:
			err = execUpdate(ctx, tx, w.Collection, w.ID, w.Fields)
		case WriteDelete:
			_, err = tx.ExecContext(ctx, `
				DELETE FROM documents WHERE collection = $1 AND id = $2
			`, w.Collection, w.ID)
		default:
			err = fmt.Errorf("docstore: unknown write kind %d", w.Kind)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execSet(ctx context.Context, ex executor, collection, id string, fields Fields, merge bool) error {
	set, remove := splitDeletes(fields)
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	if !merge {
		_, err = ex.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (collection, id) DO UPDATE SET
				data = EXCLUDED.data,
				updated_at = NOW()
		`, collection, id, body)
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = (documents.data || EXCLUDED.data) - $4::text[],
			updated_at = NOW()
	`, collection, id, body, removeList(remove))
	return err
}

func execCreate(ctx context.Context, ex executor, collection, id string, fields Fields) error {
	set, _ := splitDeletes(fields)
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, id, body)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func execUpdate(ctx context.Context, ex executor, collection, id string, fields Fields) error {
	set, remove := splitDeletes(fields)
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE documents
		SET data = (data || $3::jsonb) - $4::text[], updated_at = NOW()
		WHERE collection = $1 AND id = $2
	`, collection, id, body, removeList(remove))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// removeList never returns nil so the ::text[] cast always sees an array.
func removeList(remove []string) []string {
	if remove == nil {
		return []string{}
	}
	return remove
}

// filterClause renders one filter. String values compare as text, which
// is chronological for EncodeTime values; numeric values cast the JSON
// field to numeric so 9 < 10 holds.
func filterClause(f Filter, argOffset int) (string, []any, error) {
	var op string
	switch f.Op {
	case OpEqual:
		op = "="
	case OpLess:
		op = "<"
	case OpGreater:
		op = ">"
	default:
		return "", nil, fmt.Errorf("docstore: unknown filter op %q", f.Op)
	}

	field := argOffset + 1
	value := argOffset + 2
	switch v := normalizeScalar(f.Value).(type) {
	case string:
		return fmt.Sprintf("data->>$%d %s $%d", field, op, value), []any{f.Field, v}, nil
	case float64:
		return fmt.Sprintf("(data->>$%d)::numeric %s $%d", field, op, value), []any{f.Field, v}, nil
	case bool:
		return fmt.Sprintf("(data->>$%d)::boolean %s $%d", field, op, value), []any{f.Field, v}, nil
	}
	return "", nil, fmt.Errorf("docstore: unsupported filter value %T", f.Value)
}
