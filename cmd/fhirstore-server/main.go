package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirstore/internal/bulk"
	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/persist"
	"github.com/ehr/fhirstore/internal/persist/cassandra"
	"github.com/ehr/fhirstore/internal/persist/distributed"
	"github.com/ehr/fhirstore/internal/persist/postgres"
	"github.com/ehr/fhirstore/internal/platform/blobstore"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/platform/middleware"
	"github.com/ehr/fhirstore/internal/reindex"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirstore-server",
		Short: "FHIR resource storage server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reindexCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(cassandraSchemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// runtime bundles the pieces every command wires the same way: the pool,
// the session provider, the backend adapter, and the engine on top.
type runtime struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	provider *db.Provider
	engine   *persist.Engine
	payloads *cassandra.Store
}

func (r *runtime) close() {
	if r.payloads != nil {
		r.payloads.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

func buildRuntime(ctx context.Context, logger zerolog.Logger) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	provider := db.NewProvider(pool, logger, func(key db.ConfigKey) []db.Action {
		return []db.Action{
			db.SetSearchPath(cfg.DBSchema),
			db.SetTenantVariable(key.Tenant),
		}
	})

	var backend persist.Backend
	switch cfg.DBBackend {
	case "distributed":
		backend = distributed.New(pool)
	default:
		backend = postgres.New(pool)
	}

	rt := &runtime{cfg: cfg, pool: pool, provider: provider}

	opts := []persist.Option{}
	if cfg.OffloadEnabled() {
		store, err := cassandra.Connect(cassandra.Config{
			Hosts:    cfg.CassandraHosts,
			Port:     cfg.CassandraPort,
			Keyspace: cfg.CassandraKeyspace,
			Username: cfg.CassandraUsername,
			Password: cfg.CassandraPassword,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to cassandra: %w", err)
		}
		rt.payloads = store
		opts = append(opts, persist.WithPayloadStore(store, cfg.OffloadThreshold))
		logger.Info().
			Strs("hosts", cfg.CassandraHosts).
			Int("threshold", cfg.OffloadThreshold).
			Msg("payload offload enabled")
	}

	rt.engine = persist.NewEngine(backend, logger, opts...)
	return rt, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.BlobstoreKind {
	case "s3":
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	case "memory":
		return blobstore.NewMemoryStore(), nil
	default:
		return blobstore.NewFileStore(cfg.BlobstorePath)
	}
}

func tenantKey(cfg *config.Config, tenant string) db.ConfigKey {
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	return db.ConfigKey{Strategy: "tenant-schema", Tenant: tenant, Datastore: "default"}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	ctx := context.Background()
	rt, err := buildRuntime(ctx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer rt.close()
	logger.Info().Str("backend", rt.cfg.DBBackend).Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: rt.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "If-Match", "If-None-Match", "X-Request-ID", "X-Tenant-ID"},
	}))

	handler := fhir.NewHandler(rt.engine, rt.provider, nil, rt.cfg.DefaultTenant, logger)
	handler.Register(e.Group("/fhir"))

	e.GET("/health/db", db.HealthHandler(rt.pool))

	go func() {
		addr := ":" + rt.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)

			count, err := migrator.Up(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-extract search parameters for stored resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cutoffArg, _ := cmd.Flags().GetString("cutoff")

			cutoff := time.Now().UTC()
			if cutoffArg != "" {
				parsed, err := time.Parse(time.RFC3339, cutoffArg)
				if err != nil {
					return fmt.Errorf("invalid --cutoff, want RFC3339: %w", err)
				}
				cutoff = parsed
			}

			logger := newLogger()
			ctx := context.Background()
			rt, err := buildRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			driver := reindex.NewDriver(rt.engine, rt.provider, fhir.ExtractBasicParameters, rt.cfg.ReindexBatchSize, logger)
			processed, err := driver.Run(ctx, tenantKey(rt.cfg, tenant), cutoff)
			if err != nil {
				return fmt.Errorf("reindex failed after %d resource(s): %w", processed, err)
			}

			fmt.Printf("Reindexed %d resource(s).\n", processed)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to reindex (defaults to DEFAULT_TENANT)")
	cmd.Flags().String("cutoff", "", "Reindex resources last indexed before this RFC3339 timestamp (default: now)")
	return cmd
}

func bulkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Bulk NDJSON import and export",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import an NDJSON blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			blobName, _ := cmd.Flags().GetString("blob")
			tenant, _ := cmd.Flags().GetString("tenant")
			if blobName == "" {
				return fmt.Errorf("--blob is required")
			}

			logger := newLogger()
			ctx := context.Background()
			rt, err := buildRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			source, err := newBlobStore(ctx, rt.cfg)
			if err != nil {
				return err
			}

			importer := bulk.NewImporter(rt.engine, rt.provider, source, fhir.ExtractBasicParameters, rt.cfg.BulkWorkers, logger)
			result, err := importer.Run(ctx, tenantKey(rt.cfg, tenant), blobName)
			if err != nil {
				return err
			}

			fmt.Printf("Imported %d of %d line(s); %d failed.\n", result.Stored, result.Total, result.Failed)
			for _, f := range result.Failures {
				fmt.Printf("  line %d: %v\n", f.Line, f.Err)
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d line(s) failed", result.Failed)
			}
			return nil
		},
	}
	importCmd.Flags().String("blob", "", "Blob name to import")
	importCmd.Flags().String("tenant", "", "Tenant to import into (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(importCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export current resources as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			typesArg, _ := cmd.Flags().GetString("types")
			tenant, _ := cmd.Flags().GetString("tenant")
			if typesArg == "" {
				return fmt.Errorf("--types is required")
			}
			resourceTypes := strings.Split(typesArg, ",")
			if prefix == "" {
				prefix = "export-" + time.Now().UTC().Format("20060102-150405")
			}

			logger := newLogger()
			ctx := context.Background()
			rt, err := buildRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			sink, err := newBlobStore(ctx, rt.cfg)
			if err != nil {
				return err
			}

			exporter := bulk.NewExporter(rt.engine, rt.provider, sink, logger)
			if err := exporter.Run(ctx, tenantKey(rt.cfg, tenant), prefix, resourceTypes); err != nil {
				return err
			}

			fmt.Printf("Exported %d type(s) under prefix %s.\n", len(resourceTypes), prefix)
			return nil
		},
	}
	exportCmd.Flags().String("prefix", "", "Blob name prefix (default: export-<timestamp>)")
	exportCmd.Flags().String("types", "", "Comma-separated resource types to export")
	exportCmd.Flags().String("tenant", "", "Tenant to export from (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(exportCmd)

	return cmd
}

func cassandraSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cassandra-schema",
		Short: "Print the CQL schema for the payload store",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, stmt := range cassandra.Schema() {
				fmt.Println(stmt)
				fmt.Println()
			}
			return nil
		},
	}
}
