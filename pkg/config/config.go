package config

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration shared by the artdb binaries.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN"`
	AdminToken     string   `env:"ADMIN_TOKEN"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	LogFormat      string   `env:"LOG_FORMAT,default=console"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`

	// SearchRateLimit is the number of search requests a single client IP
	// may issue per hour.
	SearchRateLimit int `env:"SEARCH_RATE_LIMIT,default=30"`

	Weaviate Weaviate `env:", prefix=WEAVIATE_"`
	Fetch    Fetch    `env:", prefix=FETCH_"`
	S3       S3       `env:", prefix=S3_"`
	NATS     NATS     `env:", prefix=NATS_"`
}

// Weaviate configures the vector index connection.
type Weaviate struct {
	Scheme  string        `env:"SCHEME,default=http"`
	Host    string        `env:"HOST,default=localhost:8080"`
	APIKey  string        `env:"API_KEY"`
	Class   string        `env:"CLASS,default=Artworks"`
	Timeout time.Duration `env:"TIMEOUT,default=30s"`
	// Backend selects the index implementation: "weaviate" or "memory".
	Backend string `env:"BACKEND,default=weaviate"`
}

// Fetch bounds remote image downloads and normalisation.
type Fetch struct {
	Timeout        time.Duration `env:"TIMEOUT,default=10s"`
	MaxBytes       int64         `env:"MAX_BYTES,default=10485760"`
	ResizeTarget   int64         `env:"RESIZE_TARGET_BYTES,default=8388608"`
	MaxPixels      int64         `env:"MAX_PIXELS,default=200000000"`
	UserAgent      string        `env:"USER_AGENT,default=ArtDB-ImageFetcher/1.0"`
	IngestAttempts int           `env:"INGEST_ATTEMPTS,default=3"`
	IngestBackoff  time.Duration `env:"INGEST_BACKOFF,default=2s"`
}

// S3 configures the permanent image archive.
type S3 struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET"`
	PublicBaseURL  string `env:"PUBLIC_BASE_URL"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

// NATS configures the event bus.
type NATS struct {
	URL string `env:"URL"`
}

// Load returns a Config populated from a .env file (when present) and the
// process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom populates a Config from the supplied lookuper. It exists for tests
// and tools that must not read the process environment.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
