// Package vectorstore is the sharded, encrypted vector storage and
// retrieval orchestrator. It composes a shard router, per-shard store
// connections, an injected index cache, and a retry policy behind two
// operations: Upsert and Query.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/crypto"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/shard"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/store"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/fn"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/metrics"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/resilience"
)

var tracer = otel.Tracer("engine/vectorstore")

// Config tunes the orchestrator.
type Config struct {
	// Collection is the logical collection name used on every shard.
	Collection string
	// Dim is the embedding dimension.
	Dim int
	// ShardTimeout bounds every single shard call.
	ShardTimeout time.Duration
	// Retry applies to idempotent shard operations.
	Retry fn.RetryOpts
	// Breaker configures the per-shard circuit breaker.
	Breaker resilience.BreakerOpts
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Collection:   "clinical_records",
		Dim:          domain.VectorDim,
		ShardTimeout: 5 * time.Second,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 100 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Jitter:      true,
		},
		Breaker: resilience.DefaultBreakerOpts,
	}
}

// Store fans records out to shards on write and merges per-shard rankings
// on read. All sensitive payload fields are envelope-encrypted before they
// leave the process.
type Store struct {
	cfg      Config
	router   shard.Router
	shards   []shard.ID
	conns    map[shard.ID]store.Conn
	cache    *store.IndexCache
	crypto   *crypto.Envelope
	breakers map[shard.ID]*resilience.Breaker
	logger   *slog.Logger
	reg      *metrics.Registry
}

// New builds a Store. Every shard the router can return must have a
// connection; the cache and crypto envelope are injected so their lifecycle
// stays with the caller.
func New(router shard.Router, conns map[shard.ID]store.Conn, cache *store.IndexCache, env *crypto.Envelope, cfg Config, logger *slog.Logger, reg *metrics.Registry) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dim == 0 {
		cfg.Dim = domain.VectorDim
	}
	if cfg.ShardTimeout <= 0 {
		cfg.ShardTimeout = DefaultConfig().ShardTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultConfig().Retry
	}

	shards := router.Shards()
	breakers := make(map[shard.ID]*resilience.Breaker, len(shards))
	for _, s := range shards {
		if _, ok := conns[s]; !ok {
			return nil, &domain.InitError{
				Component: "vectorstore",
				Err:       fmt.Errorf("no connection for shard %s", s),
			}
		}
		breakers[s] = resilience.NewBreaker(cfg.Breaker)
	}

	return &Store{
		cfg:      cfg,
		router:   router,
		shards:   shards,
		conns:    conns,
		cache:    cache,
		crypto:   env,
		breakers: breakers,
		logger:   logger,
		reg:      reg,
	}, nil
}

// PartialError reports per-shard failures of a fanned-out operation.
// Successful shards are durable; there is no cross-shard rollback, and the
// batch may be replayed safely because upserts are idempotent.
type PartialError struct {
	Op     string
	Errors map[shard.ID]error
}

func (e *PartialError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for s, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", s, err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s failed on %d shard(s): %s", e.Op, len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes the underlying shard errors for errors.Is/As.
func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err)
	}
	return errs
}

// QueryResult is a globally ranked result set. Partial marks that at least
// one shard failed; the returned records are the merged results of the
// shards that answered.
type QueryResult struct {
	Records      []domain.ScoredRecord
	Partial      bool
	FailedShards []shard.ID
}

// Upsert validates, encrypts, routes, and persists a batch of records.
// startOrdinal seeds ordinal-based routing; hash-based routers ignore it.
// A failure on one shard never rolls back writes on another.
func (s *Store) Upsert(ctx context.Context, records []domain.Record, startOrdinal int) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Upsert")
	defer span.End()

	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := domain.ValidateRecord(r); err != nil {
			return err
		}
	}

	sealedByShard := make(map[shard.ID][]store.SealedRecord)
	for s2, batch := range shard.RouteBatch(s.router, records, startOrdinal) {
		sealed := make([]store.SealedRecord, len(batch))
		for i, r := range batch {
			env, err := s.crypto.EncryptRecord(r)
			if err != nil {
				return err
			}
			sealed[i] = store.SealedRecord{Envelope: env, Vector: r.Vector, CreatedAt: r.CreatedAt}
		}
		sealedByShard[s2] = sealed
	}

	type outcome struct {
		shard shard.ID
		err   error
	}
	targets := make([]shard.ID, 0, len(sealedByShard))
	for s2 := range sealedByShard {
		targets = append(targets, s2)
	}

	results := fn.ParMap(targets, len(targets), func(target shard.ID) outcome {
		err := s.shardCall(ctx, target, "upsert", func(ctx context.Context, conn store.Conn) error {
			return conn.Upsert(ctx, s.cfg.Collection, sealedByShard[target])
		})
		return outcome{shard: target, err: err}
	})

	shardErrs := make(map[shard.ID]error)
	for _, o := range results {
		if o.err != nil {
			shardErrs[o.shard] = o.err
			s.logger.Error("shard upsert failed", "shard", o.shard, "err", o.err)
		}
		s.count("ciphercare_upserts_total", string(o.shard), o.err)
	}
	if len(shardErrs) > 0 {
		return &PartialError{Op: "upsert", Errors: shardErrs}
	}
	return nil
}

// Query fans the query out to all shards concurrently and merges their
// locally ranked top-k lists into one globally ranked list. A shard outage
// degrades the result to a partial set instead of failing the query; only
// when every shard fails does Query return an error.
func (s *Store) Query(ctx context.Context, vector []float32, topK int, patientFilter string) (*QueryResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Query")
	defer span.End()

	if err := domain.ValidateQuery(domain.QueryParams{Vector: vector, TopK: topK, PatientFilter: patientFilter}); err != nil {
		return nil, err
	}

	started := time.Now()
	type shardHits struct {
		hits []store.Hit
		err  error
	}
	results := fn.ParMap(s.shards, len(s.shards), func(target shard.ID) shardHits {
		var hits []store.Hit
		err := s.shardCall(ctx, target, "query", func(ctx context.Context, conn store.Conn) error {
			var qerr error
			hits, qerr = conn.Query(ctx, s.cfg.Collection, vector, topK, patientFilter)
			return qerr
		})
		return shardHits{hits: hits, err: err}
	})

	perShard := make([][]store.Hit, 0, len(s.shards))
	var failed []shard.ID
	for i, r := range results {
		s.count("ciphercare_queries_total", string(s.shards[i]), r.err)
		if r.err != nil {
			failed = append(failed, s.shards[i])
			s.logger.Warn("shard query failed, degrading to partial result",
				"shard", s.shards[i], "err", r.err)
			continue
		}
		perShard = append(perShard, r.hits)
	}
	if len(failed) == len(s.shards) {
		shardErrs := make(map[shard.ID]error, len(results))
		for i, r := range results {
			if r.err != nil {
				shardErrs[s.shards[i]] = r.err
			}
		}
		return nil, &domain.SearchError{
			PatientFilter: patientFilter,
			Err:           &PartialError{Op: "query", Errors: shardErrs},
		}
	}

	merged := mergeTopK(perShard, topK)
	records := make([]domain.ScoredRecord, 0, len(merged))
	for _, h := range merged {
		rec, err := s.crypto.DecryptRecord(h.Record.Envelope)
		if err != nil {
			// Tampered or foreign-key data must never surface as plaintext.
			return nil, err
		}
		records = append(records, domain.ScoredRecord{
			ID:        rec.ID,
			PatientID: rec.PatientID,
			Metadata:  rec.Metadata,
			Score:     h.Score,
		})
	}

	if s.reg != nil {
		s.reg.Histogram("ciphercare_query_seconds", "Query latency across all shards", nil).Since(started)
	}
	return &QueryResult{Records: records, Partial: len(failed) > 0, FailedShards: failed}, nil
}

// shardCall runs one idempotent operation against one shard through the
// index cache, circuit breaker, retry policy, and per-call timeout. The
// last error propagates unchanged in kind after retries exhaust, except
// that deadline expiry is classified as a TimeoutError.
func (s *Store) shardCall(ctx context.Context, target shard.ID, op string, call func(context.Context, store.Conn) error) error {
	handle, err := s.cache.GetOrCreate(ctx, store.Key{Shard: target, Collection: s.cfg.Collection}, func(ctx context.Context) (store.Conn, error) {
		conn := s.conns[target]
		if err := conn.EnsureCollection(ctx, s.cfg.Collection, s.cfg.Dim); err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return s.classify(target, op, err)
	}

	breaker := s.breakers[target]
	result := fn.RetryIf(ctx, s.cfg.Retry, domain.Retryable, func(ctx context.Context) fn.Result[struct{}] {
		err := breaker.Call(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.ShardTimeout)
			defer cancel()
			return call(callCtx, handle.Conn)
		})
		if err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	if _, err := result.Unwrap(); err != nil {
		return s.classify(target, op, err)
	}
	return nil
}

// classify maps raw errors into the domain taxonomy without masking errors
// that already carry a type.
func (s *Store) classify(target shard.ID, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrDatabase),
		errors.Is(err, domain.ErrAuthentication),
		errors.Is(err, domain.ErrInit):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.TimeoutError{Shard: string(target), Op: op, Err: err}
	default:
		return &domain.DatabaseError{Shard: string(target), Op: op, Err: err}
	}
}

func (s *Store) count(name, shardLabel string, err error) {
	if s.reg == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.reg.Counter(metrics.WithLabels(name, "shard", shardLabel, "status", status), "Shard operations by outcome").Inc()
}
