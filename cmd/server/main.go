// Command server is the composition root: it builds every collaborator
// exactly once, wires the narrow interface seams declared across
// internal/*, and starts the HTTP listener. Construction order and
// shutdown discipline mirror the teacher's cmd/server/main.go: open
// every dependency up front, log.Fatal on anything unrecoverable, then
// select on an OS signal and close everything on the way out.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/aclpipeline"
	"github.com/airweave-ai/airweave-core/internal/cache"
	"github.com/airweave-ai/airweave-core/internal/circuitbreaker"
	"github.com/airweave-ai/airweave-core/internal/config"
	"github.com/airweave-ai/airweave-core/internal/contentprocessor"
	"github.com/airweave-ai/airweave-core/internal/contextresolver"
	"github.com/airweave-ai/airweave-core/internal/credentials"
	"github.com/airweave-ai/airweave-core/internal/cursorstore"
	"github.com/airweave-ai/airweave-core/internal/datastore"
	"github.com/airweave-ai/airweave-core/internal/db"
	"github.com/airweave-ai/airweave-core/internal/destinations"
	"github.com/airweave-ai/airweave-core/internal/httpapi"
	"github.com/airweave-ai/airweave-core/internal/mcpoauth"
	"github.com/airweave-ai/airweave-core/internal/oauthflow"
	"github.com/airweave-ai/airweave-core/internal/orchestrator"
	"github.com/airweave-ai/airweave-core/internal/ratelimit"
	"github.com/airweave-ai/airweave-core/internal/searchpipeline"
	"github.com/airweave-ai/airweave-core/internal/sourceconn"
	"github.com/airweave-ai/airweave-core/internal/sourceregistry"
	"github.com/airweave-ai/airweave-core/internal/usageguardrail"
)

func main() {
	cfg := config.Load()
	config.InitLogging("airweave-core", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database pool")
	}
	defer pool.Close()

	rdb := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer rdb.Close()

	encryptionKey, err := resolveEncryptionKey(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve encryption key")
	}

	credStore, err := credentials.New(pool, encryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct credential store")
	}
	cursorStore := cursorstore.New(pool)
	oauthStore := oauthflow.NewStore(pool)
	mcpStore := mcpoauth.NewStore(pool)
	metadataHandler := destinations.NewPostgresMetadataHandler(pool)

	schemas := []struct {
		name  string
		apply func(context.Context) error
	}{
		{"core", func(c context.Context) error { return datastore.EnsureSchema(c, pool) }},
		{"credentials", credStore.EnsureSchema},
		{"cursorstore", cursorStore.EnsureSchema},
		{"oauthflow", oauthStore.EnsureSchema},
		{"mcpoauth", mcpStore.EnsureSchema},
		{"destinations", metadataHandler.EnsureSchema},
	}
	for _, s := range schemas {
		if err := s.apply(ctx); err != nil {
			log.Fatal().Err(err).Str("schema", s.name).Msg("failed to ensure schema")
		}
	}

	identityStore := datastore.NewIdentityStore(pool)
	sourceConnStore := datastore.NewSourceConnStore(pool)
	jobStore := datastore.NewJobStore(pool)
	usageStore := datastore.NewUsageStore(pool)
	dashboardStore := datastore.NewDashboardStore(pool)
	aclStore := datastore.NewACLStore(pool)

	jwtValidator := contextresolver.NewValidator(contextresolver.JWTConfig{
		HS256Secret: cfg.JWTHS256Secret,
		DevMode:     cfg.IsDev(),
		Issuer:      cfg.JWTIssuer,
		JWKSURL:     cfg.JWTJWKSURL,
		Audience:    cfg.JWTAudience,
	})
	if cfg.JWTJWKSURL != "" {
		if err := jwtValidator.Prefetch(); err != nil {
			log.Warn().Err(err).Msg("initial JWKS fetch failed, will retry lazily")
		}
	}

	identityCache := cache.New(rdb)
	blacklist := cache.NewBlacklist(rdb, 30*24*time.Hour)
	authLimiter := ratelimit.NewLimiter(ratelimit.Config{WindowSeconds: 60, MaxRequests: 600, Burst: 100})
	defer authLimiter.Close()

	resolver := contextresolver.NewResolver(jwtValidator, identityStore,
		datastore.OrgAdapter{IdentityStore: identityStore}, identityStore, blacklist, identityCache,
		authLimiter, cfg.AuthEnabled, cfg.FirstSuperuser)

	// Real connectors are out of scope (spec.md §1 "specific per-source
	// connector business logic"); the registry starts empty and a
	// connector-equipped deployment registers entries at init time.
	registry := sourceregistry.New()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings())

	qdrantClient, err := qdrant.NewClient(qdrantConfig(cfg.QdrantURL))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct qdrant client")
	}

	bleveBaseDir := env("BLEVE_INDEX_DIR", "./data/bleve")
	qdrantDest := destinations.NewQdrantDestination(qdrantClient, breakers)
	bleveDest := destinations.NewBleveDestination(openBleveIndex(bleveBaseDir))
	dispatcher := destinations.New(metadataHandler, qdrantDest, bleveDest)

	denseEmbedder := contentprocessor.NewOpenAIEmbedder(cfg.OpenAIAPIKey, "text-embedding-3-small")
	if cfg.AzureOpenAIAPIKey != "" {
		denseEmbedder = contentprocessor.NewAzureOpenAIEmbedder(
			cfg.AzureOpenAIAPIKey, cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIDeployment, "text-embedding-3-small")
	}
	sparseEmbedder := contentprocessor.NewBM25Sparse()
	processor := contentprocessor.New(contentprocessor.DefaultConverter{}, contentprocessor.NewSemanticChunker(), denseEmbedder, sparseEmbedder)

	sourceConnSvc := sourceconn.New(sourceConnStore, registry, credStore, jobStore)

	exchanger := oauthflow.NewHTTPExchanger()
	oauthRegistry := oauthflow.NewMapRegistry()
	oauthSvc := oauthflow.NewService(oauthStore, oauthRegistry, exchanger, publicURL(cfg))

	usage := usageguardrail.New(usageStore)

	mcpIssuer := mcpoauth.NewIssuer([]byte(cfg.JWTHS256Secret), cfg.JWTIssuer)
	mcpSvc := mcpoauth.NewService(mcpStore, mcpStore, mcpStore, mcpIssuer)

	aclPipeline := aclpipeline.New(aclStore)

	retry := orchestrator.DefaultRetryPolicy()
	orch := orchestrator.New(retry)
	scheduler := orchestrator.NewScheduler(orch)
	scheduler.Start()
	defer scheduler.Stop(context.Background())

	planner := searchpipeline.NewOpenAIPlanner(cfg.OpenAIAPIKey, "gpt-4o-mini")
	evaluator := searchpipeline.NewOpenAIEvaluator(cfg.OpenAIAPIKey, "gpt-4o-mini")
	composer := searchpipeline.NewOpenAIComposer(cfg.OpenAIAPIKey, "gpt-4o-mini")
	if cfg.CerebrasAPIKey != "" {
		const cerebrasModel = "llama3.1-70b"
		planner = searchpipeline.NewCerebrasPlanner(cfg.CerebrasAPIKey, cerebrasModel)
		evaluator = searchpipeline.NewCerebrasEvaluator(cfg.CerebrasAPIKey, cerebrasModel)
		composer = searchpipeline.NewCerebrasComposer(cfg.CerebrasAPIKey, cerebrasModel)
	}
	searcher := searchpipeline.NewQdrantSearcher(qdrantClient, breakers, denseEmbedder, sparseEmbedder)
	searchPipe := searchpipeline.New(planner, evaluator, composer, searcher)

	// dispatcher, processor, and cursorStore are consulted by the
	// orchestrator's per-Run construction, which a connector-equipped
	// deployment drives from its own RunBuilder (SPEC_FULL.md §2.18);
	// referenced here only to keep them live Container members.
	_ = dispatcher
	_ = processor
	_ = cursorStore

	srv := &httpapi.Server{
		Resolver:       resolver,
		SourceConns:    sourceConnSvc,
		OAuthFlow:      oauthSvc,
		Scheduler:      scheduler,
		Usage:          usage,
		SearchPipeline: searchPipe,
		MCPOAuth:       mcpSvc,
		ACL:            aclPipeline,
		Jobs:           jobStore,
		Dashboard:      dashboardStore,
		CollectionMeta: datastore.CollectionMetaAdapter{},
		PublicURL:      publicURL(cfg),
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func publicURL(cfg config.Config) string {
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		return v
	}
	if cfg.IsDev() {
		return "http://localhost" + cfg.HTTPAddr
	}
	return "https://" + os.Getenv("AIRWEAVE_DOMAIN")
}

// resolveEncryptionKey mirrors config.Load's dev-mode relaxation: a
// missing key outside dev is already fatal inside Load, so here a
// missing key only ever means dev, and gets an ephemeral per-process
// key (credentials never need to survive a restart in that mode).
func resolveEncryptionKey(cfg config.Config) ([]byte, error) {
	if cfg.EncryptionKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	return credentials.DecodeKey(cfg.EncryptionKey)
}

func mustParseRedisURL(raw string) *redis.Options {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		log.Fatal().Err(err).Str("redis_url", raw).Msg("invalid REDIS_URL")
	}
	return opts
}

// qdrantConfig splits a "host:port" QDRANT_URL into the qdrant client's
// Host/Port fields, defaulting to the gRPC port if none is given.
func qdrantConfig(rawURL string) *qdrant.Config {
	host, portStr, ok := strings.Cut(rawURL, ":")
	port := 6334
	if ok {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	if host == "" {
		host = "localhost"
	}
	return &qdrant.Config{Host: host, Port: port}
}

// openBleveIndex returns a BleveDestination index-opener that keeps one
// on-disk index per collection under baseDir, creating it on first use
// (spec.md §2.14's keyword destination).
func openBleveIndex(baseDir string) func(collectionID string) (bleve.Index, error) {
	return func(collectionID string) (bleve.Index, error) {
		path := filepath.Join(baseDir, collectionID)
		idx, err := bleve.Open(path)
		if err == nil {
			return idx, nil
		}
		return bleve.New(path, bleve.NewIndexMapping())
	}
}
