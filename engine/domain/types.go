// Package domain defines core domain types, constants, and validation for the
// CipherCare engine. It acts as the validation gate at engine entry points.
package domain

import "time"

const (
	// VectorDim is the fixed embedding dimension. Records and query vectors
	// are validated against it at the orchestrator boundary, never inferred
	// per-record.
	VectorDim = 768

	// MinTopK and MaxTopK bound caller-supplied top-k values.
	MinTopK = 1
	MaxTopK = 50
)

// Record is a per-patient clinical embedding record. It is created by an
// external caller; once persisted it is owned by whichever shard it was
// routed to and is immutable except via full-overwrite upsert.
type Record struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Vector    []float32         `json:"vector"`
	Text      string            `json:"text,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// ScoredRecord is a similarity-ranked query hit.
type ScoredRecord struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float32           `json:"score"`
}

// EncryptedEnvelope wraps a Record's sensitive payload (vector values, free
// text, structured metadata) using envelope encryption. ID and PatientID stay
// in plaintext so routing and patient filtering never require decryption.
type EncryptedEnvelope struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`

	// WrappedKey is the per-record data key, encrypted under the master key.
	WrappedKey []byte `json:"wrapped_key"`
	// Nonce is unique per encryption operation, never reused with a key.
	Nonce []byte `json:"nonce"`
	// Ciphertext is the authenticated encryption of the serialized payload.
	Ciphertext []byte `json:"ciphertext"`
}

// QueryParams are the caller-supplied search parameters.
type QueryParams struct {
	Vector        []float32 `json:"vector"`
	TopK          int       `json:"top_k"`
	PatientFilter string    `json:"patient_id,omitempty"`
}
