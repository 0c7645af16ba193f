package main

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	migrations "mentora/memory/db"
	"mentora/memory/internal/archive"
	"mentora/memory/internal/codec"
	"mentora/memory/internal/config"
	"mentora/memory/internal/diff"
	"mentora/memory/internal/enrich"
	"mentora/memory/internal/insight"
	"mentora/memory/internal/memory"
	"mentora/memory/internal/mirror"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/search"
	"mentora/memory/internal/store"
	"mentora/memory/internal/vcsexport"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		log.Fatal().Err(err).Msg("schema config invalid")
	}

	var db *sql.DB
	if cfg.SQLitePath != "" {
		db, err = store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("sqlite open failed")
		}
		if err := store.EnsureSchema(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("sqlite schema failed")
		}
	} else {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		fsys := fs.FS(migrations.Migrations)
		if cfg.MigrationsDir != "" {
			fsys = os.DirFS(cfg.MigrationsDir)
		}
		if err := store.ApplyMigrations(ctx, db, fsys); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
	}
	defer db.Close()

	st := store.New(db)
	cod := codec.New(reg, log)

	if len(os.Args) > 1 && os.Args[1] == "export" {
		runExport(ctx, st, reg, cod, cfg.ExportDir, log)
		return
	}

	diffs := diff.NewManager(st, reg, cod, log)

	if cfg.MeiliURL != "" {
		idx := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer idx.Close()
		diffs.SetIndexer(idx)
	}

	opts := memory.Options{}
	var adapter *mirror.Adapter
	if cfg.RedisURL != "" {
		target, err := mirror.NewRedisTarget(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("mirror redis connection failed")
		}
		defer target.Close()
		adapter = mirror.NewAdapter(st, reg, cod, target, log)
		opts.Mirror = adapter
	}
	if cfg.MinioEndpoint != "" {
		arch, err := archive.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("archive client failed")
		}
		if err := arch.EnsureBucket(ctx); err != nil {
			log.Warn().Err(err).Msg("archive bucket check failed")
		}
		opts.Archive = arch
	}

	svc := memory.New(reg, st, cod, diffs, opts, log)
	svc.Start(ctx)

	if cfg.OpenAIKey != "" {
		source, err := insight.NewOpenAISource(cfg.OpenAIKey, cfg.OpenAIModel, cfg.InsightTimeout, log)
		if err != nil {
			log.Fatal().Err(err).Msg("insight source failed")
		}
		scheduler := enrich.NewScheduler(enrich.Config{
			Policy:        enrich.Policy(cfg.EnrichPolicy),
			Interval:      cfg.EnrichInterval,
			IdleThreshold: cfg.EnrichIdle,
			Cooldown:      cfg.EnrichCooldown,
			BatchSize:     cfg.EnrichBatchSize,
			Workers:       cfg.EnrichWorkers,
			Question:      cfg.EnrichQuestion,
			Scope:         insight.Scope(cfg.EnrichScope),
			Target: enrich.Target{
				Label:     cfg.EnrichLabel,
				Field:     cfg.EnrichField,
				Operation: cfg.EnrichOperation,
			},
		}, st, diffs, source, log)
		go scheduler.Run(ctx)
	} else {
		log.Info().Msg("insight source not configured, enrichment disabled")
	}

	go sweepLoop(ctx, diffs, cfg.DiffTTL, cfg.SweepInterval, log)
	if adapter != nil {
		go resyncLoop(ctx, adapter, cfg.ResyncInterval)
	}

	log.Info().Str("schema_path", cfg.SchemaPath).Msg("memory engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}
}

// runExport writes every active owner's version history into per-record git
// repositories under exportDir, then exits.
func runExport(ctx context.Context, st *store.Store, reg *schema.Registry, cod *codec.Codec, exportDir string, log zerolog.Logger) {
	exporter := vcsexport.New(exportDir, reg, cod)
	owners, err := st.ListActiveOwners(ctx, 100000)
	if err != nil {
		log.Fatal().Err(err).Msg("list owners failed")
	}
	total := 0
	for _, owner := range owners {
		for _, label := range reg.Labels() {
			versions, err := st.HistoryAsc(ctx, owner, label)
			if err != nil {
				log.Fatal().Err(err).Str("owner", owner).Str("label", label).Msg("read history failed")
			}
			if len(versions) == 0 {
				continue
			}
			n, err := exporter.Export(versions, owner, label)
			if err != nil {
				log.Fatal().Err(err).Str("owner", owner).Str("label", label).Msg("export failed")
			}
			total += n
		}
	}
	log.Info().Int("versions", total).Str("dir", exportDir).Msg("export complete")
}

func sweepLoop(ctx context.Context, diffs *diff.Manager, ttl, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := diffs.ExpireOlderThan(ctx, ttl)
			if err != nil {
				log.Warn().Err(err).Msg("diff expiry sweep failed")
			} else if n > 0 {
				log.Info().Int("expired", n).Msg("diff expiry sweep")
			}
		}
	}
}

func resyncLoop(ctx context.Context, adapter *mirror.Adapter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			adapter.Resync(ctx, 100)
		}
	}
}
