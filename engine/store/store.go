// Package store provides shard connections over a fixed vector table
// schema. One Conn owns one backing store; variants (Postgres+pgvector,
// Qdrant, embedded chromem, in-memory) implement the same interface and are
// selected by configuration, never by duplicating orchestration logic.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

const (
	// OverFetchFactor is how many times topK a backend without server-side
	// patient filtering requests before filtering client-side. A naive topK
	// fetch could return zero matches for a minority patient whose records
	// are sparse among a dense global population.
	OverFetchFactor = 20

	// OverFetchCeiling is the hard cap on any single over-fetch. Known
	// limitation: a patient with zero records in a very dense collection
	// still costs a ceiling-sized fetch.
	OverFetchCeiling = 2000
)

// SealedRecord is the persisted form of a record: plaintext identifiers and
// embedding (needed for routing, filtering, and ANN indexing) plus the
// encrypted envelope holding everything sensitive.
type SealedRecord struct {
	Envelope  domain.EncryptedEnvelope
	Vector    []float32
	CreatedAt time.Time
}

// ID returns the record identifier.
func (r SealedRecord) ID() string { return r.Envelope.ID }

// PatientID returns the patient identifier.
func (r SealedRecord) PatientID() string { return r.Envelope.PatientID }

// Hit is a similarity-ranked result from one shard.
type Hit struct {
	Record SealedRecord
	Score  float32
}

// Conn is a connection to one shard's backing store.
//
// Upsert semantics are insert-or-fully-replace by id: replaying the same
// batch produces the same end state. Query returns results ranked by
// similarity within this shard only; when patientFilter is non-empty, only
// records with that patient_id are returned, whatever it costs the backend.
type Conn interface {
	// EnsureCollection creates the collection if needed, treating "already
	// exists" as the success path, and verifies it is usable.
	EnsureCollection(ctx context.Context, collection string, dims int) error

	Upsert(ctx context.Context, collection string, records []SealedRecord) error

	Query(ctx context.Context, collection string, vector []float32, topK int, patientFilter string) ([]Hit, error)

	Close() error
}

// OverFetchK returns the fetch size for a client-side filtered query.
func OverFetchK(topK int) int {
	k := topK * OverFetchFactor
	if k > OverFetchCeiling {
		k = OverFetchCeiling
	}
	return k
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendChromem  = "chromem"
	BackendQdrant   = "qdrant"
	BackendPostgres = "postgres"
)

// ShardConfig describes one shard's backing store.
type ShardConfig struct {
	// Backend is one of the Backend* constants.
	Backend string
	// Addr is the backend address: gRPC host:port for qdrant, a DSN for
	// postgres, a directory path for chromem. Unused for memory.
	Addr string
}

// Open creates a Conn for the configured backend.
func Open(ctx context.Context, cfg ShardConfig) (Conn, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendChromem:
		return NewChromem(cfg.Addr)
	case BackendQdrant:
		return NewQdrant(cfg.Addr)
	case BackendPostgres:
		return NewPostgres(ctx, cfg.Addr)
	default:
		return nil, &domain.InitError{
			Component: "store",
			Err:       fmt.Errorf("unknown backend %q", cfg.Backend),
		}
	}
}
