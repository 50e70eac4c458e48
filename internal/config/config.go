package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	DBMaxConns    int
	DatasetID     string
	TokenSecret   string
	ReposDir      string
	MigrationsDir string
	CORSOrigin    string
	LogMode       string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Redis: token revocation and the change feed
	RedisURL string
	// Object storage for published snapshots and reports
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Consensus defaults applied when a field has no settings of its own
	MinVoters          int
	ConsensusThreshold float64
	DisputeThreshold   float64
}

func Load() Config {
	return Config{
		Addr:               getenv("API_ADDR", ":8788"),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		DBMaxConns:         getenvInt("CELLUCID_DB_MAX_CONNS", 10),
		DatasetID:          getenv("CELLUCID_DATASET_ID", "default"),
		TokenSecret:        getenv("CELLUCID_TOKEN_SECRET", "cellucid-dev-secret"),
		ReposDir:           getenv("CELLUCID_REPOS_DIR", "./data/repos"),
		MigrationsDir:      getenv("CELLUCID_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:         getenv("CELLUCID_CORS_ORIGIN", "*"),
		LogMode:            getenv("CELLUCID_LOG_MODE", "dev"),
		MeiliURL:           getenv("MEILI_URL", ""),
		MeiliMasterKey:     getenv("MEILI_MASTER_KEY", ""),
		RedisURL:           getenv("REDIS_URL", ""),
		MinioEndpoint:      getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getenv("MINIO_BUCKET", "cellucid-annotations"),
		MinioUseSSL:        getenvBool("MINIO_USE_SSL", false),
		MinVoters:          getenvInt("CELLUCID_MIN_VOTERS", 1),
		ConsensusThreshold: getenvFloat("CELLUCID_CONSENSUS_THRESHOLD", 0.66),
		DisputeThreshold:   getenvFloat("CELLUCID_DISPUTE_THRESHOLD", 0),
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

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
