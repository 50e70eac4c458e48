package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CELLUCID_MIN_VOTERS", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	cfg := Load()
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty so Postgres stays optional", cfg.DatabaseURL)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("DBMaxConns = %d, want 10", cfg.DBMaxConns)
	}
	if cfg.MinVoters != 1 {
		t.Fatalf("MinVoters = %d, want 1", cfg.MinVoters)
	}
	if cfg.ConsensusThreshold != 0.66 {
		t.Fatalf("ConsensusThreshold = %v, want 0.66", cfg.ConsensusThreshold)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty", cfg.RedisURL)
	}
}

func TestLoadOverridesAndBadValues(t *testing.T) {
	t.Setenv("CELLUCID_MIN_VOTERS", "3")
	t.Setenv("CELLUCID_CONSENSUS_THRESHOLD", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("CELLUCID_DATASET_ID", "pbmc3k")

	cfg := Load()
	if cfg.MinVoters != 3 {
		t.Fatalf("MinVoters = %d, want 3", cfg.MinVoters)
	}
	if cfg.ConsensusThreshold != 0.66 {
		t.Fatalf("ConsensusThreshold = %v, want fallback 0.66", cfg.ConsensusThreshold)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("MinioUseSSL = false, want true")
	}
	if cfg.DatasetID != "pbmc3k" {
		t.Fatalf("DatasetID = %q", cfg.DatasetID)
	}
}
