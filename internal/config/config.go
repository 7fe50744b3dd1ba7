package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	BaselinesDir  string
	// Merge coordination
	RedisURL     string
	MergeTimeout time.Duration
	ClaimTTL     time.Duration
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Document snapshot archive
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// AI alignment service
	AlignURL     string
	AlignTimeout time.Duration
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8790"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("WEAVE_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("WEAVE_CORS_ORIGIN", "*"),
		BaselinesDir:  getenv("WEAVE_BASELINES_DIR", "./data/baselines"),
		// Redis - merge claim tokens; merges run unguarded without it
		RedisURL:     getenv("REDIS_URL", ""),
		MergeTimeout: time.Duration(getenvInt("WEAVE_MERGE_TIMEOUT_MS", 3000)) * time.Millisecond,
		ClaimTTL:     time.Duration(getenvInt("WEAVE_CLAIM_TTL_SECONDS", 30)) * time.Second,
		// Meilisearch - empty by default, search falls back to in-memory
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// MinIO - empty by default, snapshot archiving disabled if not configured
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "weave-doc-snapshots"),
		MinioUseSSL:    getenv("MINIO_USE_SSL", "") == "true",
		// Alignment service - empty by default, coverage judged as unknown
		AlignURL:     getenv("WEAVE_ALIGN_URL", ""),
		AlignTimeout: time.Duration(getenvInt("WEAVE_ALIGN_TIMEOUT_SECONDS", 20)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
