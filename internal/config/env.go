package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	SslCertPath  string
	StoreBackend string
	BlobBackend  string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	AIAPIKey        string
	EmbedModel      string
	EmbedDim        int
	GenModel        string
	ProviderTimeout time.Duration

	QueueMode        string
	RedisURL         string
	QueueName        string
	JobSigningSecret string
	JWTSecret        string
	Workers          int

	MaxUploadBytes int64
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	RetrieveTopK   int
	HistoryTurns   int

	// TokenizerEncoding names a tiktoken encoding; empty uses a character estimate.
	TokenizerEncoding string

	Port        string
	LogMode     string
	CorsOrigins []string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	return &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		StoreBackend: getEnv("STORE_BACKEND", "postgres"),
		BlobBackend:  getEnv("BLOB_BACKEND", "s3"),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "contexta-docs"),

		AIAPIKey:        getEnv("GEMINI_API_KEY", ""),
		EmbedModel:      getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:        getEnvInt("EMBED_DIM", 768),
		GenModel:        getEnv("GEN_MODEL", "gemini-1.5-flash"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),

		QueueMode:        getEnv("QUEUE_MODE", "inline"),
		RedisURL:         getEnv("REDIS_URL", ""),
		QueueName:        getEnv("QUEUE_NAME", "contexta:ingest"),
		JobSigningSecret: getEnv("JOB_SIGNING_SECRET", ""),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		Workers:          getEnvInt("WORKERS", 4),

		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		ChunkSize:      getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvInt("CHUNK_OVERLAP", 200),
		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 16),
		RetrieveTopK:   getEnvInt("RETRIEVE_TOP_K", 5),
		HistoryTurns:   getEnvInt("HISTORY_TURNS", 10),

		TokenizerEncoding: getEnv("TOKENIZER_ENCODING", "cl100k_base"),

		Port:        getEnv("PORT", "8080"),
		LogMode:     getEnv("LOG_MODE", "dev"),
		CorsOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
	}
}

// Validate reports every setting the selected backends need but lack.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.BlobBackend {
	case "s3":
		if c.AwsAccessKey == "" || c.AwsSecretKey == "" {
			errs = append(errs, errors.New("AWS credentials not set"))
		}
		if c.BucketName == "" {
			errs = append(errs, errors.New("BUCKET_NAME not set"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend))
	}
	switch c.QueueMode {
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL not set"))
		}
	case "inline":
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_MODE %q", c.QueueMode))
	}
	if c.JobSigningSecret == "" {
		errs = append(errs, errors.New("JOB_SIGNING_SECRET not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET not set"))
	}
	if c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
