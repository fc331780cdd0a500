package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/procflow/common/logger"
)

// PostgresStore keeps documents in a single jsonb table, one row per
// document. Candidate rows are narrowed by collection (and by id when the
// query pins one), then run through the shared matcher; the matcher is the
// source of truth for query semantics on this backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection text NOT NULL,
	doc jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_coll_idx ON documents (collection);
CREATE INDEX IF NOT EXISTS documents_coll_id_idx ON documents (collection, (doc->>'id'));
`

// NewPostgresStore creates the pool and ensures the schema exists
func NewPostgresStore(ctx context.Context, url string, maxConns, minConns int, log *logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.Info("postgres connected")
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) Find(ctx context.Context, coll string, query Query) ([]Document, error) {
	sql := `SELECT doc::text FROM documents WHERE collection = $1`
	args := []any{coll}
	if id, ok := idEquality(query); ok {
		sql += ` AND doc->>'id' = $2`
		args = append(args, id)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", coll, err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", coll, err)
		}
		if Match(doc, query) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindOne(ctx context.Context, coll string, query Query) (Document, error) {
	docs, err := s.Find(ctx, coll, query)
	if err != nil {
		return nil, err
	}
	return FindOneIn(docs)
}

func (s *PostgresStore) Insert(ctx context.Context, coll string, docs []Document) error {
	for _, doc := range docs {
		if id, ok := doc["id"].(string); ok {
			existing, err := s.Find(ctx, coll, Query{"id": id})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return ErrDuplicate
			}
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", coll, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO documents (collection, doc) VALUES ($1, $2)`, coll, payload); err != nil {
			return fmt.Errorf("insert %s: %w", coll, err)
		}
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, coll string, query Query, update Document, upsert bool) (int64, error) {
	docs, err := s.Find(ctx, coll, query)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, doc := range docs {
		id, _ := doc["id"].(string)
		for k, v := range update {
			setDotted(doc, k, v)
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return count, fmt.Errorf("encode %s: %w", coll, err)
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE documents SET doc = $3 WHERE collection = $1 AND doc->>'id' = $2`,
			coll, id, payload)
		if err != nil {
			return count, fmt.Errorf("update %s: %w", coll, err)
		}
		count += tag.RowsAffected()
	}

	if count == 0 && upsert {
		doc := Document{}
		for k, v := range query {
			if m, ok := v.(map[string]any); ok && isOperatorMap(m) {
				continue
			}
			setDotted(doc, k, v)
		}
		for k, v := range update {
			setDotted(doc, k, v)
		}
		if err := s.Insert(ctx, coll, []Document{doc}); err != nil {
			return 0, err
		}
		count = 1
	}
	return count, nil
}

func (s *PostgresStore) Remove(ctx context.Context, coll string, query Query) (int64, error) {
	docs, err := s.Find(ctx, coll, query)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, doc := range docs {
		id, _ := doc["id"].(string)
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM documents WHERE collection = $1 AND doc->>'id' = $2`, coll, id)
		if err != nil {
			return count, fmt.Errorf("remove %s: %w", coll, err)
		}
		count += tag.RowsAffected()
	}
	return count, nil
}

func (s *PostgresStore) EnsureIndex(ctx context.Context, coll string, keys []string, unique bool) error {
	// Uniqueness on id is enforced by the Insert path; jsonb expression
	// indexes beyond (collection, id) are not materialized per collection.
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func idEquality(query Query) (string, bool) {
	v, ok := query["id"]
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}
