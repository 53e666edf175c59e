package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/censys/brt-gps-collector/pkg/config"
	"github.com/censys/brt-gps-collector/pkg/fetching"
	"github.com/censys/brt-gps-collector/pkg/httpapi"
	"github.com/censys/brt-gps-collector/pkg/loading"
	"github.com/censys/brt-gps-collector/pkg/logger"
	"github.com/censys/brt-gps-collector/pkg/pipeline"
	"github.com/censys/brt-gps-collector/pkg/processing"
	"github.com/censys/brt-gps-collector/pkg/scheduling"
	"github.com/censys/brt-gps-collector/pkg/snapshot"
	pgstore "github.com/censys/brt-gps-collector/pkg/storage/postgres"
	redisstore "github.com/censys/brt-gps-collector/pkg/storage/redis"
)

func main() {
	once := flag.Bool("once", false, "run a single tick and exit")
	replay := flag.String("replay", "", "load an existing snapshot file and exit")
	flag.Parse()

	os.Exit(run(*once, *replay))
}

func run(once bool, replay string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Error().Err(err).Msg("load config")
		return 2
	}

	log, closer := logger.New(logger.Options{
		Level:          cfg.Log.Level,
		Pretty:         cfg.Log.Pretty,
		File:           cfg.Log.File,
		FileMaxAgeDays: cfg.Log.FileMaxAgeDays,
	})
	defer closer.Close()

	pool, err := pgstore.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Error().Err(err).Msg("db config")
		return 2
	}
	defer pool.Close()

	// Every tick re-runs the schema step, so a database that is down now
	// only fails loads; fetching and staging carry on.
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := pgstore.EnsureSchema(schemaCtx, pool); err != nil {
		log.Warn().Err(err).Msg("db schema not ensured at startup, retrying every tick")
	}
	cancel()

	db := pgstore.NewRepository(pool)

	snapOpts, err := cfg.SnapshotOptions()
	if err != nil {
		log.Error().Err(err).Msg("field map")
		return 2
	}

	deps := pipeline.Deps{
		Fetcher: fetching.NewClient(cfg.EndpointURL, cfg.FetchTimeout),
		Stager:  snapshot.New(snapOpts, log),
		Store:   db,
		Loader:  loading.NewLoader(cfg.Conflict(), log),
	}

	if cfg.PubSub.DLQTopic != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			log.Error().Err(err).Msg("pubsub client")
			return 1
		}
		defer client.Close()

		dlq := processing.NewPubSubDLQPublisher(client.Topic(cfg.PubSub.DLQTopic))
		defer dlq.Stop()
		deps.DLQ = dlq
	}

	if cfg.TickLock.RedisAddr != "" {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.TickLock.RedisAddr, DB: cfg.TickLock.RedisDB})
		if err != nil {
			log.Error().Err(err).Msg("redis connect")
			return 1
		}
		defer rdb.Close()
		deps.Locker = redisstore.NewTickLease(rdb, cfg.TickLock.TTL, log)
	}

	p := pipeline.New(deps, log)

	switch {
	case replay != "":
		return exitCode(p.Replay(context.WithoutCancel(ctx), replay))
	case once:
		return exitCode(p.RunTick(context.WithoutCancel(ctx)))
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		e := httpapi.NewRouter(db, p, cfg.Interval())
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: e, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server")
				stop()
			}
		}()
	}

	sched, err := scheduling.New(ctx, cfg.Interval(), func(ctx context.Context) { p.RunTick(ctx) }, log)
	if err != nil {
		log.Error().Err(err).Msg("scheduler")
		return 2
	}

	log.Info().
		Str("endpoint", cfg.EndpointURL).
		Str("staging_dir", cfg.StagingDirectory).
		Str("conflict_policy", cfg.ConflictPolicy).
		Dur("interval", cfg.Interval()).
		Msg("collector started")

	sched.Start()
	<-ctx.Done()

	log.Info().Msg("shutdown requested, waiting for running tick")
	<-sched.Stop().Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}

	log.Info().Msg("collector stopped")
	return 0
}

func exitCode(rep pipeline.Report) int {
	if rep.State == pipeline.StateAborted {
		return 1
	}
	return 0
}
