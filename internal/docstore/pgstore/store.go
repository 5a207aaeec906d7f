package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"seedvault/go-backend/internal/docstore"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps documents in PostgreSQL. The pool is owned by the caller and
// is never closed here. Bodies are stored as bytea so the signed JSON is
// returned byte for byte.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

type Option func(*Store) error

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema (default "public").
func WithSchema(schema string) Option {
	return func(s *Store) error {
		schema = strings.TrimSpace(schema)
		if !identRe.MatchString(schema) {
			return fmt.Errorf("pgstore: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// WithTable sets the table name (default "documents").
func WithTable(table string) Option {
	return func(s *Store) error {
		table = strings.TrimSpace(table)
		if !identRe.MatchString(table) {
			return fmt.Errorf("pgstore: invalid table identifier %q", table)
		}
		s.table = table
		return nil
	}
}

func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, schema: "public", table: "documents"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("pgstore: nil pool")
	}
	return s, nil
}

// Open parses dsn and connects a new pool.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return pool, nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// Migrate creates the documents table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	const op = "pgstore.Migrate"
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.ident()+` (
  address TEXT PRIMARY KEY,
  revision BIGINT NOT NULL,
  body BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, address string) (docstore.Document, bool, error) {
	const op = "pgstore.Get"
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM `+s.ident()+` WHERE address = $1`, address).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, false, nil
	}
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("%s: %w", op, err)
	}
	doc, err := decode(body)
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return doc, true, nil
}

func (s *Store) Put(ctx context.Context, doc docstore.Document) error {
	const op = "pgstore.Put"
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing *docstore.Document
	var current []byte
	err = tx.QueryRow(ctx, `SELECT body FROM `+s.ident()+` WHERE address = $1 FOR UPDATE`, doc.Address).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	default:
		cur, err := decode(current)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		existing = &cur
	}
	if err := docstore.CheckWrite(existing, doc); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO `+s.ident()+` (address, revision, body, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (address) DO UPDATE SET revision = EXCLUDED.revision, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		doc.Address, int64(doc.Revision), body, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, doc docstore.Document) (docstore.Document, bool, error) {
	const op = "pgstore.Create"
	if err := docstore.CheckWrite(nil, doc); err != nil {
		return docstore.Document{}, false, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("%s: %w", op, err)
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO `+s.ident()+` (address, revision, body, updated_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (address) DO NOTHING`,
		doc.Address, int64(doc.Revision), body, doc.UpdatedAt)
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return doc.Clone(), true, nil
	}
	stored, ok, err := s.Get(ctx, doc.Address)
	if err != nil {
		return docstore.Document{}, false, err
	}
	if !ok {
		return docstore.Document{}, false, fmt.Errorf("%s: document vanished after conflict", op)
	}
	return stored, false, nil
}

func decode(body []byte) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return docstore.Document{}, err
	}
	return doc, nil
}
