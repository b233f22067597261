package ingest

import "time"

// Note is a clinical note submitted for ingestion, usually over NATS.
// The Vector field is optional; notes without one are embedded in-pipeline.
type Note struct {
	PatientID string            `json:"patient_id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Vector    []float32         `json:"vector,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// EmbeddedNote is a Note with its embedding resolved and a stable record id
// assigned.
type EmbeddedNote struct {
	Note
	RecordID string
}

// StoredEvent announces a durably stored note on StoredSubject.
type StoredEvent struct {
	RecordID  string    `json:"record_id"`
	PatientID string    `json:"patient_id"`
	StoredAt  time.Time `json:"stored_at"`
}
