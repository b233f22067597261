package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// pgQuerier is the subset of pgxpool.Pool the Postgres Conn needs. Narrowed
// for testability.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres is a Conn backed by PostgreSQL with the pgvector extension.
// Each collection is one table: (id TEXT PRIMARY KEY, patient_id TEXT,
// embedding vector(N), metadata JSONB, created_at TIMESTAMPTZ) with a
// secondary index on patient_id and an HNSW index on embedding. Patient
// filtering is a plain WHERE clause, so no over-fetch is needed.
type Postgres struct {
	pool *pgxpool.Pool
	db   pgQuerier
}

// NewPostgres connects a pool to the given DSN and registers pgvector types
// on every connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &domain.InitError{Component: "postgres", Err: err}
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &domain.InitError{Component: "postgres", Err: err}
	}
	return &Postgres{pool: pool, db: pool}, nil
}

// NewPostgresWithQuerier creates a Postgres Conn over an existing querier.
// Used in tests.
func NewPostgresWithQuerier(db pgQuerier) *Postgres {
	return &Postgres{db: db}
}

// Close implements Conn.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidCollectionName reports whether name is a safe SQL identifier.
// Collection names become table names and cannot be bound as parameters.
func ValidCollectionName(name string) bool {
	return tableNameRe.MatchString(name)
}

// EnsureCollection implements Conn. If create fails, a load probe decides
// whether a concurrent creator won; if both fail, both errors are reported.
func (p *Postgres) EnsureCollection(ctx context.Context, collection string, dims int) error {
	if !ValidCollectionName(collection) {
		return &domain.DatabaseError{Shard: collection, Op: "ensure collection",
			Err: fmt.Errorf("invalid collection name %q", collection)}
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	embedding  vector(%[2]d) NOT NULL,
	metadata   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_patient_id_idx ON %[1]s (patient_id);
CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops);`,
		collection, dims)

	_, createErr := p.db.Exec(ctx, ddl)
	if createErr == nil {
		return nil
	}

	// A concurrent creator may have raced the DDL; probe before giving up.
	_, loadErr := p.db.Exec(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", collection))
	if loadErr == nil {
		return nil
	}
	return &domain.DatabaseError{
		Shard: collection,
		Op:    "ensure collection",
		Err:   fmt.Errorf("create failed: %v; load failed: %v", createErr, loadErr),
	}
}

// Upsert implements Conn. Insert-or-fully-replace by id.
func (p *Postgres) Upsert(ctx context.Context, collection string, records []SealedRecord) error {
	if len(records) == 0 {
		return nil
	}
	if !ValidCollectionName(collection) {
		return &domain.DatabaseError{Shard: collection, Op: "upsert",
			Err: fmt.Errorf("invalid collection name %q", collection)}
	}

	sql := fmt.Sprintf(`
INSERT INTO %s (id, patient_id, embedding, metadata, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	patient_id = EXCLUDED.patient_id,
	embedding  = EXCLUDED.embedding,
	metadata   = EXCLUDED.metadata,
	created_at = EXCLUDED.created_at`, collection)

	batch := &pgx.Batch{}
	for _, r := range records {
		meta, err := json.Marshal(r.Envelope)
		if err != nil {
			return fmt.Errorf("postgres: marshal envelope %s: %w", r.ID(), err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(sql, r.ID(), r.PatientID(), pgvector.NewVector(r.Vector), meta, createdAt)
	}

	br := p.db.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert into %s: %w", collection, err)
		}
	}
	return nil
}

// Query implements Conn. Cosine similarity is 1 - cosine distance so scores
// rank the same way as the other backends.
func (p *Postgres) Query(ctx context.Context, collection string, vector []float32, topK int, patientFilter string) ([]Hit, error) {
	if !ValidCollectionName(collection) {
		return nil, &domain.DatabaseError{Shard: collection, Op: "query",
			Err: fmt.Errorf("invalid collection name %q", collection)}
	}

	var (
		rows pgx.Rows
		err  error
	)
	if patientFilter != "" {
		sql := fmt.Sprintf(`
SELECT id, patient_id, metadata, created_at, 1 - (embedding <=> $1) AS score
FROM %s
WHERE patient_id = $2
ORDER BY embedding <=> $1
LIMIT $3`, collection)
		rows, err = p.db.Query(ctx, sql, pgvector.NewVector(vector), patientFilter, topK)
	} else {
		sql := fmt.Sprintf(`
SELECT id, patient_id, metadata, created_at, 1 - (embedding <=> $1) AS score
FROM %s
ORDER BY embedding <=> $1
LIMIT $2`, collection)
		rows, err = p.db.Query(ctx, sql, pgvector.NewVector(vector), topK)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: query %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id, patientID string
			meta          []byte
			createdAt     time.Time
			score         float64
		)
		if err := rows.Scan(&id, &patientID, &meta, &createdAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", collection, err)
		}
		var env domain.EncryptedEnvelope
		if err := json.Unmarshal(meta, &env); err != nil {
			return nil, fmt.Errorf("postgres: decode metadata for %s: %w", id, err)
		}
		env.ID = id
		env.PatientID = patientID
		hits = append(hits, Hit{
			Record: SealedRecord{Envelope: env, CreatedAt: createdAt},
			Score:  float32(score),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query %s: %w", collection, err)
	}
	return hits, nil
}
