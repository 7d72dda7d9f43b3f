// Package config centralizes environment-variable driven configuration,
// following the fail-fast posture of the teacher process entrypoint:
// required values missing at startup abort the process with log.Fatal
// rather than surfacing a confusing error deep in a request path.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Config is the one typed configuration struct consulted by every
// Container component constructed at startup (§9 "singletons / global
// state" is replaced by an explicit container built from this struct).
type Config struct {
	Environment string // "dev" enables verbose console logging + debug bypasses
	HTTPAddr    string

	AuthEnabled    bool
	FirstSuperuser string

	DatabaseURL string
	RedisURL    string

	JWTHS256Secret string
	JWTIssuer      string
	JWTJWKSURL     string
	JWTAudience    string

	EncryptionKey string // 32 raw bytes or base64 of 32 bytes, for ChaCha20-Poly1305

	StripeAPIKey    string
	StripeTestClock bool

	WorkOSAPIKey string

	OpenAIAPIKey         string
	Text2VecInferenceURL string
	QdrantURL            string
	DoclingBaseURL       string

	// CerebrasAPIKey, when set, switches the search pipeline's
	// planner/evaluator/composer from OpenAI to Cerebras's
	// OpenAI-compatible chat completions endpoint (SPEC_FULL.md §0).
	CerebrasAPIKey string

	// AzureOpenAI* select an Azure OpenAI deployment as the dense
	// embedder instead of OpenAI directly (SPEC_FULL.md §0); a non-empty
	// AzureOpenAIAPIKey selects the Azure path, and the endpoint and
	// deployment are then used as given.
	AzureOpenAIAPIKey     string
	AzureOpenAIEndpoint   string
	AzureOpenAIDeployment string

	PublishThreshold int // §9 open question 1: made configurable, defaults to 3
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Load reads configuration from the environment and validates required
// fields. It calls log.Fatal on the same conditions the teacher's
// cmd/server/main.go treats as unrecoverable: a missing database URL,
// or JWT issuer/JWKS set independently of one another (accepting
// tokens from any issuer, or having no keys to validate against).
func Load() Config {
	cfg := Config{
		Environment: env("ENVIRONMENT", env("ENV", "")),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),

		AuthEnabled:    envBool("AUTH_ENABLED", true),
		FirstSuperuser: env("FIRST_SUPERUSER", "admin@airweave.local"),

		DatabaseURL: env("DATABASE_URL", ""),
		RedisURL:    env("REDIS_URL", "redis://localhost:6379/0"),

		JWTHS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		JWTIssuer:      env("JWT_ISSUER", ""),
		JWTJWKSURL:     env("JWT_JWKS_URL", ""),
		JWTAudience:    env("JWT_AUDIENCE", ""),

		EncryptionKey: env("AIRWEAVE_ENCRYPTION_KEY", ""),

		StripeAPIKey:    env("STRIPE_API_KEY", ""),
		StripeTestClock: envBool("STRIPE_TEST_CLOCK", false),

		WorkOSAPIKey: env("WORKOS_API_KEY", ""),

		OpenAIAPIKey:         env("OPENAI_API_KEY", ""),
		Text2VecInferenceURL: env("TEXT2VEC_INFERENCE_URL", ""),
		QdrantURL:            env("QDRANT_URL", "localhost:6334"),
		DoclingBaseURL:       env("DOCLING_BASE_URL", ""),

		CerebrasAPIKey: env("CEREBRAS_API_KEY", ""),

		AzureOpenAIAPIKey:     env("AZURE_OPENAI_API_KEY", ""),
		AzureOpenAIEndpoint:   env("AZURE_OPENAI_ENDPOINT", ""),
		AzureOpenAIDeployment: env("AZURE_OPENAI_DEPLOYMENT", ""),

		PublishThreshold: envInt("SYNC_PROGRESS_PUBLISH_THRESHOLD", 3),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	if (cfg.JWTJWKSURL != "" && cfg.JWTIssuer == "") || (cfg.JWTJWKSURL == "" && cfg.JWTIssuer != "") {
		log.Fatal().
			Str("issuer", cfg.JWTIssuer).
			Str("jwks_url", cfg.JWTJWKSURL).
			Msg("JWT_ISSUER and JWT_JWKS_URL must both be set or both be empty")
	}

	if cfg.IsDev() && cfg.EncryptionKey == "" {
		log.Warn().Msg("AIRWEAVE_ENCRYPTION_KEY not set; credentials service will generate an ephemeral dev key")
	} else if !cfg.IsDev() && cfg.EncryptionKey == "" {
		log.Fatal().Msg("AIRWEAVE_ENCRYPTION_KEY is required outside dev")
	}

	return cfg
}

// IsDev reports whether verbose console logging and debug bypasses
// should be enabled, mirroring the teacher's `ENV=dev` gate.
func (c Config) IsDev() bool { return c.Environment == "dev" }
