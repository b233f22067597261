package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// Chromem is a Conn backed by the embedded chromem-go database. It needs no
// external service; data persists to gob files under the configured
// directory. Chromem applies metadata filters before ranking, so patient
// filtering needs no over-fetch.
type Chromem struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromem opens (or creates) a persistent chromem database at dir.
func NewChromem(dir string) (*Chromem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.InitError{Component: "chromem", Err: err}
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, &domain.InitError{Component: "chromem", Err: err}
	}
	return &Chromem{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

// NewChromemInMemory creates a non-persistent chromem Conn. Used in tests.
func NewChromemInMemory() *Chromem {
	return &Chromem{db: chromem.NewDB(), collections: make(map[string]*chromem.Collection)}
}

// EnsureCollection implements Conn.
func (c *Chromem) EnsureCollection(_ context.Context, collection string, _ int) error {
	_, err := c.collection(collection)
	return err
}

func (c *Chromem) collection(name string) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		return col, nil
	}
	// Embeddings are always supplied by the caller; the embedding func is a
	// guard against accidental text-only inserts.
	col, err := c.db.GetOrCreateCollection(name, nil, func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("chromem: no embedder configured, embeddings must be precomputed")
	})
	if err != nil {
		return nil, &domain.DatabaseError{Shard: name, Op: "ensure collection", Err: err}
	}
	c.collections[name] = col
	return col, nil
}

// Upsert implements Conn. chromem has no replace primitive, so existing ids
// are deleted first to keep replays idempotent.
func (c *Chromem) Upsert(ctx context.Context, collection string, records []SealedRecord) error {
	if len(records) == 0 {
		return nil
	}
	col, err := c.collection(collection)
	if err != nil {
		return err
	}

	ids := make([]string, len(records))
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		ids[i] = r.ID()
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		docs[i] = chromem.Document{
			ID:        r.ID(),
			Embedding: r.Vector,
			Metadata: map[string]string{
				"patient_id":  r.PatientID(),
				"wrapped_key": base64.StdEncoding.EncodeToString(r.Envelope.WrappedKey),
				"nonce":       base64.StdEncoding.EncodeToString(r.Envelope.Nonce),
				"ciphertext":  base64.StdEncoding.EncodeToString(r.Envelope.Ciphertext),
				"created_at":  createdAt.Format(time.RFC3339Nano),
			},
		}
	}

	if col.Count() > 0 {
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return fmt.Errorf("chromem: delete before upsert: %w", err)
		}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("chromem: add %d documents: %w", len(docs), err)
	}
	return nil
}

// Query implements Conn.
func (c *Chromem) Query(ctx context.Context, collection string, vector []float32, topK int, patientFilter string) ([]Hit, error) {
	col, err := c.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the (filtered) document count.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	k := topK
	if k > count {
		k = count
	}

	var where map[string]string
	if patientFilter != "" {
		where = map[string]string{"patient_id": patientFilter}
	}

	results, err := col.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		rec, err := sealedFromMetadata(r.ID, r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("chromem: decode document %s: %w", r.ID, err)
		}
		hits = append(hits, Hit{Record: rec, Score: r.Similarity})
	}
	return hits, nil
}

func sealedFromMetadata(id string, meta map[string]string) (SealedRecord, error) {
	wrapped, err := base64.StdEncoding.DecodeString(meta["wrapped_key"])
	if err != nil {
		return SealedRecord{}, fmt.Errorf("wrapped_key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(meta["nonce"])
	if err != nil {
		return SealedRecord{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(meta["ciphertext"])
	if err != nil {
		return SealedRecord{}, fmt.Errorf("ciphertext: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, meta["created_at"])

	return SealedRecord{
		Envelope: domain.EncryptedEnvelope{
			ID:         id,
			PatientID:  meta["patient_id"],
			WrappedKey: wrapped,
			Nonce:      nonce,
			Ciphertext: ciphertext,
		},
		CreatedAt: createdAt,
	}, nil
}

// Close implements Conn.
func (c *Chromem) Close() error { return nil }
