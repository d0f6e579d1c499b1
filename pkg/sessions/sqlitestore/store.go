package sqlitestore

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/repository"
	"github.com/go-go-golems/loom/pkg/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// DB wraps a sqlite database holding JSON documents, one collection per
// entity type. Predicates run in Go after decoding; the table is the
// durability layer, not a query engine.
type DB struct {
	db *sqlx.DB
}

func Open(dsn string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open sqlite database")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not create documents table")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// NewRepositories returns a sessions.Repositories bundle backed by this
// database.
func (d *DB) NewRepositories() sessions.Repositories {
	return sessions.Repositories{
		Sessions:  NewDocumentRepository(d, "sessions", func(s *sessions.Session) string { return s.ID }),
		Timelines: NewDocumentRepository(d, "timelines", func(t *sessions.Timeline) string { return t.ID }),
		Turns:     NewDocumentRepository(d, "turns", func(t *sessions.Turn) string { return t.ID }),
		Messages:  NewDocumentRepository(d, "messages", func(m *conversation.Message) string { return m.ID }),
		Steps:     NewDocumentRepository(d, "steps", func(s *sessions.Step) string { return s.ID }),
	}
}

// DocumentRepository implements repository.Repository over one collection of
// JSON documents.
type DocumentRepository[T repository.Cloner[T]] struct {
	db         *DB
	collection string
	id         func(T) string
}

func NewDocumentRepository[T repository.Cloner[T]](db *DB, collection string, id func(T) string) *DocumentRepository[T] {
	return &DocumentRepository[T]{db: db, collection: collection, id: id}
}

func (r *DocumentRepository[T]) decodeAll(ctx context.Context, pred repository.Predicate[T]) ([]T, error) {
	rows, err := r.db.db.QueryxContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? ORDER BY rowid`, r.collection)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read collection %s", r.collection)
	}
	defer func() { _ = rows.Close() }()
	var ret []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, errors.Wrapf(err, "could not decode %s document", r.collection)
		}
		if pred == nil || pred(item) {
			ret = append(ret, item)
		}
	}
	return ret, rows.Err()
}

func (r *DocumentRepository[T]) GetOne(ctx context.Context, pred repository.Predicate[T]) (T, bool, error) {
	var zero T
	items, err := r.decodeAll(ctx, pred)
	if err != nil {
		return zero, false, err
	}
	if len(items) == 0 {
		return zero, false, nil
	}
	return items[0], true, nil
}

func (r *DocumentRepository[T]) FindAll(ctx context.Context, pred repository.Predicate[T]) ([]T, error) {
	return r.decodeAll(ctx, pred)
}

func (r *DocumentRepository[T]) write(ctx context.Context, tx *sqlx.Tx, item T) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return errors.Wrapf(err, "could not encode %s document", r.collection)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc`,
		r.collection, r.id(item), string(doc))
	return err
}

func (r *DocumentRepository[T]) Add(ctx context.Context, item T) error {
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := r.write(ctx, tx, item); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *DocumentRepository[T]) Update(ctx context.Context, pred repository.Predicate[T], fn func(T) T) (int, error) {
	items, err := r.decodeAll(ctx, pred)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := r.write(ctx, tx, fn(item)); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}

func (r *DocumentRepository[T]) Upsert(ctx context.Context, pred repository.Predicate[T], item T) error {
	existing, err := r.decodeAll(ctx, pred)
	if err != nil {
		return err
	}
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	// Reuse the id of the document being replaced so singleton predicates
	// stay keyed to one row.
	if len(existing) > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`,
			r.collection, r.id(existing[0]))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := r.write(ctx, tx, item); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ repository.Repository[*sessions.Session] = (*DocumentRepository[*sessions.Session])(nil)
