// Package main implements the CipherCare retrieval API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/crypto"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/embed"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/shard"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/store"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/vectorstore"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/metrics"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/mid"
)

// Config holds all environment-based configuration.
type Config struct {
	Port          string
	MasterKeyFile string
	Shards        string
	Router        string
	Thresholds    string
	Collection    string
	EmbedURL      string
	EmbedModel    string
	EmbedRPS      float64
	CORSOrigin    string
}

func loadConfig() Config {
	rps, _ := strconv.ParseFloat(envOr("EMBED_RPS", "10"), 64)
	return Config{
		Port:          envOr("PORT", "8080"),
		MasterKeyFile: envOr("MASTER_KEY_FILE", ""),
		Shards:        envOr("SHARDS", "shard-0=memory:"),
		Router:        envOr("ROUTER", "hash"),
		Thresholds:    envOr("ORDINAL_THRESHOLDS", ""),
		Collection:    envOr("COLLECTION", "clinical_records"),
		EmbedURL:      envOr("EMBED_URL", "http://localhost:11434"),
		EmbedModel:    envOr("EMBED_MODEL", "nomic-embed-text"),
		EmbedRPS:      rps,
		CORSOrigin:    envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// parseShards parses "name=backend:addr,name=backend:addr" into ordered ids
// and per-shard configs. Shard order matters: it is the tie-break order for
// merged results and the ordinal routing order.
func parseShards(spec string) ([]shard.ID, map[shard.ID]store.ShardConfig, error) {
	var ids []shard.ID
	cfgs := make(map[shard.ID]store.ShardConfig)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, backendAddr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, nil, fmt.Errorf("shard spec %q: want name=backend:addr", part)
		}
		backend, addr, _ := strings.Cut(backendAddr, ":")
		id := shard.ID(name)
		ids = append(ids, id)
		cfgs[id] = store.ShardConfig{Backend: backend, Addr: addr}
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("no shards configured")
	}
	return ids, cfgs, nil
}

func parseThresholds(spec string) ([]int, error) {
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}

func buildRouter(cfg Config, ids []shard.ID) (shard.Router, error) {
	switch cfg.Router {
	case "hash":
		return shard.NewHashRouter(ids)
	case "ordinal":
		thresholds, err := parseThresholds(cfg.Thresholds)
		if err != nil {
			return nil, err
		}
		return shard.NewOrdinalRouter(ids, thresholds)
	default:
		return nil, fmt.Errorf("unknown router %q", cfg.Router)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	masterKey, err := crypto.LoadMasterKey(cfg.MasterKeyFile)
	if err != nil {
		return err
	}
	envelope, err := crypto.New(masterKey)
	if err != nil {
		return err
	}

	ids, shardCfgs, err := parseShards(cfg.Shards)
	if err != nil {
		return err
	}
	router, err := buildRouter(cfg, ids)
	if err != nil {
		return err
	}

	conns := make(map[shard.ID]store.Conn, len(ids))
	for _, id := range ids {
		conn, err := store.Open(ctx, shardCfgs[id])
		if err != nil {
			return fmt.Errorf("open shard %s: %w", id, err)
		}
		conns[id] = conn
	}

	cache := store.NewIndexCache()
	defer cache.Close()

	reg := metrics.New()

	vsCfg := vectorstore.DefaultConfig()
	vsCfg.Collection = cfg.Collection
	vs, err := vectorstore.New(router, conns, cache, envelope, vsCfg, logger, reg)
	if err != nil {
		return err
	}

	embedder := embed.NewClient(cfg.EmbedURL, cfg.EmbedModel, domain.VectorDim, cfg.EmbedRPS)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/search", handleSearch(vs, embedder, logger))
	mux.HandleFunc("POST /api/records", handleRecords(vs, embedder, logger))
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("ciphercare-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "shards", len(ids), "router", cfg.Router)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/search. Exactly one of Query
// and Vector must be set.
type SearchRequest struct {
	Query     string    `json:"query,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	TopK      int       `json:"top_k"`
	PatientID string    `json:"patient_id,omitempty"`
}

// SearchResponse is the JSON response for POST /api/search.
type SearchResponse struct {
	Results      []domain.ScoredRecord `json:"results"`
	Partial      bool                  `json:"partial"`
	FailedShards []shard.ID            `json:"failed_shards,omitempty"`
}

func handleSearch(vs *vectorstore.Store, embedder embed.Embedder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.TopK == 0 {
			req.TopK = 10
		}

		vector := req.Vector
		if len(vector) == 0 {
			if req.Query == "" {
				http.Error(w, `{"error":"query or vector is required"}`, http.StatusBadRequest)
				return
			}
			var err error
			vector, err = embedder.Embed(r.Context(), req.Query)
			if err != nil {
				logger.Error("query embedding failed", "err", err)
				http.Error(w, `{"error":"embedding service unavailable"}`, http.StatusBadGateway)
				return
			}
		}

		res, err := vs.Query(r.Context(), vector, req.TopK, req.PatientID)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SearchResponse{
			Results:      res.Records,
			Partial:      res.Partial,
			FailedShards: res.FailedShards,
		})
	}
}

// RecordRequest is the JSON body for POST /api/records.
type RecordRequest struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Text      string            `json:"text,omitempty"`
	Vector    []float32         `json:"vector,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func handleRecords(vs *vectorstore.Store, embedder embed.Embedder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqs []RecordRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		records := make([]domain.Record, len(reqs))
		for i, rr := range reqs {
			vector := rr.Vector
			if len(vector) == 0 {
				var err error
				vector, err = embedder.Embed(r.Context(), rr.Text)
				if err != nil {
					logger.Error("record embedding failed", "err", err, "id", rr.ID)
					http.Error(w, `{"error":"embedding service unavailable"}`, http.StatusBadGateway)
					return
				}
			}
			records[i] = domain.Record{
				ID:        rr.ID,
				PatientID: rr.PatientID,
				Vector:    vector,
				Text:      rr.Text,
				Metadata:  rr.Metadata,
				CreatedAt: time.Now().UTC(),
			}
		}

		if err := vs.Upsert(r.Context(), records, 0); err != nil {
			writeDomainError(w, logger, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]int{"stored": len(records)})
	}
}

// writeDomainError maps domain error kinds onto HTTP statuses without
// leaking internals to the client.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrInvalidRecord):
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
	case errors.Is(err, domain.ErrTimeout):
		logger.Error("request timed out", "err", err)
		http.Error(w, `{"error":"request timed out"}`, http.StatusGatewayTimeout)
	default:
		logger.Error("request failed", "err", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}
