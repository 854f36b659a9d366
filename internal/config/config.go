package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBBackend     string   `mapstructure:"DB_BACKEND"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema      string   `mapstructure:"DB_SCHEMA"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	CassandraHosts    []string `mapstructure:"CASSANDRA_HOSTS"`
	CassandraPort     int      `mapstructure:"CASSANDRA_PORT"`
	CassandraKeyspace string   `mapstructure:"CASSANDRA_KEYSPACE"`
	CassandraUsername string   `mapstructure:"CASSANDRA_USERNAME"`
	CassandraPassword string   `mapstructure:"CASSANDRA_PASSWORD"`
	OffloadThreshold  int      `mapstructure:"PAYLOAD_OFFLOAD_THRESHOLD"`

	BlobstoreKind string `mapstructure:"BLOBSTORE_KIND"`
	BlobstorePath string `mapstructure:"BLOBSTORE_PATH"`
	S3Endpoint    string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey   string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey   string `mapstructure:"S3_SECRET_KEY"`
	S3Bucket      string `mapstructure:"S3_BUCKET"`
	S3UseSSL      bool   `mapstructure:"S3_USE_SSL"`

	BulkWorkers      int `mapstructure:"BULK_WORKERS"`
	ReindexBatchSize int `mapstructure:"REINDEX_BATCH_SIZE"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "fhirdata")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CASSANDRA_PORT", 9042)
	v.SetDefault("CASSANDRA_KEYSPACE", "fhir_payloads")
	v.SetDefault("PAYLOAD_OFFLOAD_THRESHOLD", 0)
	v.SetDefault("BLOBSTORE_KIND", "fs")
	v.SetDefault("BLOBSTORE_PATH", "./data/bulk")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("BULK_WORKERS", 4)
	v.SetDefault("REINDEX_BATCH_SIZE", 100)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_BACKEND")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DB_SCHEMA")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("CASSANDRA_HOSTS")
	v.BindEnv("CASSANDRA_PORT")
	v.BindEnv("CASSANDRA_KEYSPACE")
	v.BindEnv("CASSANDRA_USERNAME")
	v.BindEnv("CASSANDRA_PASSWORD")
	v.BindEnv("PAYLOAD_OFFLOAD_THRESHOLD")
	v.BindEnv("BLOBSTORE_KIND")
	v.BindEnv("BLOBSTORE_PATH")
	v.BindEnv("S3_ENDPOINT")
	v.BindEnv("S3_ACCESS_KEY")
	v.BindEnv("S3_SECRET_KEY")
	v.BindEnv("S3_BUCKET")
	v.BindEnv("S3_USE_SSL")
	v.BindEnv("BULK_WORKERS")
	v.BindEnv("REINDEX_BATCH_SIZE")
	v.BindEnv("MIGRATIONS_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper leaves comma-separated env values as a single element
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.CassandraHosts == nil {
		if hosts := v.GetString("CASSANDRA_HOSTS"); hosts != "" {
			cfg.CassandraHosts = strings.Split(hosts, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// OffloadEnabled reports whether large payloads should be written to the
// Cassandra payload store instead of the relational resource_versions row.
func (c *Config) OffloadEnabled() bool {
	return c.OffloadThreshold > 0 && len(c.CassandraHosts) > 0
}

// Validate checks that the configuration is safe to run. The database
// backend must be one of the supported adapters, and the payload offload
// store must be fully configured when the threshold is set.
func (c *Config) Validate() error {
	switch c.DBBackend {
	case "postgres", "distributed":
	default:
		return fmt.Errorf("DB_BACKEND must be \"postgres\" or \"distributed\", got %q", c.DBBackend)
	}

	if c.OffloadThreshold > 0 && len(c.CassandraHosts) == 0 {
		return fmt.Errorf("CASSANDRA_HOSTS is required when PAYLOAD_OFFLOAD_THRESHOLD is set")
	}
	if c.OffloadThreshold < 0 {
		return fmt.Errorf("PAYLOAD_OFFLOAD_THRESHOLD must not be negative, got %d", c.OffloadThreshold)
	}

	switch c.BlobstoreKind {
	case "fs", "memory":
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required when BLOBSTORE_KIND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOBSTORE_KIND must be \"fs\", \"s3\", or \"memory\", got %q", c.BlobstoreKind)
	}

	if c.BulkWorkers < 1 {
		return fmt.Errorf("BULK_WORKERS must be at least 1, got %d", c.BulkWorkers)
	}
	if c.ReindexBatchSize < 1 {
		return fmt.Errorf("REINDEX_BATCH_SIZE must be at least 1, got %d", c.ReindexBatchSize)
	}

	return nil
}
