// Command ingest consumes clinical notes from NATS and runs them through
// the embedding and encrypted storage pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/crypto"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/embed"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/ingest"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/shard"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/store"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/vectorstore"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/metrics"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/resilience"
)

var met = metrics.New()

func main() {
	var (
		natsURL     = flag.String("nats", nats.DefaultURL, "NATS server URL")
		embedURL    = flag.String("embed", "http://localhost:11434", "embedding server base URL")
		embedModel  = flag.String("model", "nomic-embed-text", "embedding model")
		embedRPS    = flag.Float64("embed-rps", 10, "embedding requests per second")
		ingestRPS   = flag.Float64("ingest-rps", 50, "max stored notes per second, 0 disables pacing")
		shardSpec   = flag.String("shards", "shard-0=memory:", "comma-separated name=backend:addr shard list")
		collection  = flag.String("collection", "clinical_records", "collection name")
		keyFile     = flag.String("key-file", "", "master key file (hex), overridden by "+crypto.MasterKeyEnv)
		metricsPort = flag.Int("metrics-port", 9091, "metrics server port")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	met.ServeAsync(*metricsPort)

	masterKey, err := crypto.LoadMasterKey(*keyFile)
	if err != nil {
		log.Error("master key load failed", "error", err)
		os.Exit(1)
	}
	envelope, err := crypto.New(masterKey)
	if err != nil {
		log.Error("crypto init failed", "error", err)
		os.Exit(1)
	}

	ids, cfgs, err := parseShards(*shardSpec)
	if err != nil {
		log.Error("shard config invalid", "error", err)
		os.Exit(1)
	}
	router, err := shard.NewHashRouter(ids)
	if err != nil {
		log.Error("router init failed", "error", err)
		os.Exit(1)
	}

	conns := make(map[shard.ID]store.Conn, len(ids))
	for _, id := range ids {
		conn, err := store.Open(ctx, cfgs[id])
		if err != nil {
			log.Error("shard open failed", "shard", id, "error", err)
			os.Exit(1)
		}
		conns[id] = conn
	}

	cache := store.NewIndexCache()
	defer cache.Close()

	vsCfg := vectorstore.DefaultConfig()
	vsCfg.Collection = *collection
	vs, err := vectorstore.New(router, conns, cache, envelope, vsCfg, log, met)
	if err != nil {
		log.Error("vectorstore init failed", "error", err)
		os.Exit(1)
	}

	embedder := embed.NewClient(*embedURL, *embedModel, domain.VectorDim, *embedRPS)

	nc, err := nats.Connect(*natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	log.Info("connected to NATS", "url", *natsURL)

	var limiter *resilience.Limiter
	if *ingestRPS > 0 {
		limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: *ingestRPS, Burst: int(*ingestRPS)})
	}

	sub, err := ingest.StartConsumer(nc, ingest.Deps{
		Embedder: embedder,
		Store:    vs,
		Logger:   log,
		Limiter:  limiter,
	})
	if err != nil {
		log.Error("consumer start failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	log.Info("ingest worker running",
		"subject", ingest.IngestSubject,
		"shards", len(ids),
		"collection", *collection,
	)

	<-ctx.Done()
	log.Info("shutting down")
}

// parseShards parses "name=backend:addr,..." into ordered shard ids and
// per-shard configs.
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
