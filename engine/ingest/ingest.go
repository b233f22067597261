// Package ingest runs submitted clinical notes through validation,
// embedding, and encrypted storage stages, consumed from NATS with retry
// and dead-letter support.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/embed"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/vectorstore"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/fn"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/natsutil"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/resilience"
)

const (
	// IngestSubject is the NATS subject for incoming clinical notes.
	IngestSubject = "engine.notes"
	// DLQSubject receives notes that keep failing.
	DLQSubject = "engine.notes.dlq"
	// StoredSubject announces successfully stored notes to downstream
	// consumers.
	StoredSubject = "engine.notes.stored"
	// MaxRetries before a note is dead-lettered.
	MaxRetries = 3
	// retryHeader carries the delivery attempt count between re-publishes.
	retryHeader = "X-Retry-Count"
)

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder embed.Embedder
	Store    *vectorstore.Store
	Logger   *slog.Logger
	// Limiter, when set, paces persist calls so a bulk backfill cannot
	// saturate the shard backends.
	Limiter *resilience.Limiter
}

// RecordID derives a stable id from patient and text, so a redelivered note
// overwrites its earlier write instead of duplicating it.
func RecordID(patientID, text string) string {
	sum := sha256.Sum256([]byte(patientID + "\x00" + text))
	return uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String()
}

// Validate rejects notes with no patient or body before any work is spent
// on them.
var Validate fn.Stage[Note, Note] = func(_ context.Context, n Note) fn.Result[Note] {
	if n.PatientID == "" {
		return fn.Err[Note](domain.NewValidationError("patient_id", "", domain.ErrInvalidRecord))
	}
	if n.Text == "" {
		return fn.Err[Note](domain.NewValidationError("text", "", domain.ErrInvalidRecord))
	}
	if len(n.Vector) != 0 && len(n.Vector) != domain.VectorDim {
		return fn.Err[Note](domain.NewValidationError("vector",
			fmt.Sprintf("dim=%d", len(n.Vector)), domain.ErrInvalidRecord))
	}
	return fn.Ok(n)
}

// NewEmbed resolves the note's vector, calling the embedder only when the
// submitter did not supply one.
func NewEmbed(client embed.Embedder) fn.Stage[Note, EmbeddedNote] {
	return func(ctx context.Context, n Note) fn.Result[EmbeddedNote] {
		out := EmbeddedNote{Note: n, RecordID: RecordID(n.PatientID, n.Text)}
		if len(n.Vector) == domain.VectorDim {
			return fn.Ok(out)
		}
		vec, err := client.Embed(ctx, n.Text)
		if err != nil {
			return fn.Err[EmbeddedNote](err)
		}
		out.Vector = vec
		return fn.Ok(out)
	}
}

// NewPersist encrypts and writes the note through the sharded store,
// returning the record id.
func NewPersist(vs *vectorstore.Store) fn.Stage[EmbeddedNote, string] {
	return func(ctx context.Context, n EmbeddedNote) fn.Result[string] {
		created := n.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		rec := domain.Record{
			ID:        n.RecordID,
			PatientID: n.PatientID,
			Vector:    n.Vector,
			Text:      n.Text,
			Metadata:  n.Metadata,
			CreatedAt: created,
		}
		if err := vs.Upsert(ctx, []domain.Record{rec}, 0); err != nil {
			return fn.Err[string](fmt.Errorf("persist: %w", err))
		}
		return fn.Ok(n.RecordID)
	}
}

// LoggedTap returns a pass-through stage that logs entry with timing.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Info("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Info("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline wires Validate, Embed, and Persist with logging taps.
func NewPipeline(deps Deps) fn.Stage[Note, string] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	persist := NewPersist(deps.Store)
	if deps.Limiter != nil {
		persist = resilience.LimiterStageWait(deps.Limiter, persist)
	}

	validated := fn.Then(LoggedTap[Note]("validate", log), Validate)
	embedded := fn.Then(validated, fn.Then(LoggedTap[Note]("embed", log), NewEmbed(deps.Embedder)))
	persisted := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedNote]("persist", log), persist))

	return persisted
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Note    Note   `json:"note"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// StartConsumer subscribes to the ingest subject and runs each note through
// the pipeline. Transient failures re-publish the note with an incremented
// retry header; permanent failures and exhausted retries go straight to the
// DLQ so a malformed note never loops.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var note Note
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		ctx := context.Background()
		result := pipeline(ctx, note)
		if result.IsErr() {
			_, pipeErr := result.Unwrap()
			retries++
			log.Error("ingest: pipeline failed",
				"error", pipeErr,
				"patient_id", note.PatientID,
				"retry", retries,
			)

			if retries >= MaxRetries || !domain.Retryable(pipeErr) {
				dlq := dlqMessage{Note: note, Error: pipeErr.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if err := nc.Publish(DLQSubject, data); err != nil {
					log.Error("ingest: DLQ publish failed", "error", err)
				}
			} else {
				retryMsg := nats.NewMsg(IngestSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
				if err := nc.PublishMsg(retryMsg); err != nil {
					log.Error("ingest: retry publish failed", "error", err)
				}
			}
		} else {
			recordID, _ := result.Unwrap()
			log.Info("ingest: stored", "record_id", recordID, "patient_id", note.PatientID)
			ev := StoredEvent{RecordID: recordID, PatientID: note.PatientID, StoredAt: time.Now().UTC()}
			if err := natsutil.Publish(ctx, nc, StoredSubject, ev); err != nil {
				log.Warn("ingest: stored event publish failed", "error", err)
			}
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
