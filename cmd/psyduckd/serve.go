package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psyduckv2/psyduckd/internal/buffers"
	"github.com/psyduckv2/psyduckd/internal/config"
	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/flush"
	"github.com/psyduckv2/psyduckd/internal/leader"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/parser"
	"github.com/psyduckv2/psyduckd/internal/refresh"
	"github.com/psyduckv2/psyduckd/internal/service"
	"github.com/psyduckv2/psyduckd/internal/sink"
	"github.com/psyduckv2/psyduckd/internal/staging"
	"github.com/psyduckv2/psyduckd/internal/state"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
	"github.com/psyduckv2/psyduckd/internal/timeseries"
	"github.com/psyduckv2/psyduckd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion daemon",
	Long: `Serves the webhook receiver and campaigns for leadership. The elected
leader additionally runs the flushers, partition lifecycle, retention
cleaner, geofence and pokestop refreshers and the counter pruner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "psyduckd", version); err != nil {
		log.Warnf("telemetry disabled: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	store, err := staging.New(staging.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		DB:            cfg.Redis.DB,
		Password:      cfg.Redis.Password,
		PoolSize:      cfg.Redis.PoolSize,
		RetryAttempts: cfg.Redis.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Redis.RetryDelayMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	pool, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	shared := state.New(store, 0)
	if err := shared.SetTimezone(ctx, time.Local.String()); err != nil {
		log.Warnf("publishing timezone: %v", err)
	}

	bufs := buildBuffers(store, pool)
	p := &parser.Parser{
		Store:          store,
		IV:             bufs.iv,
		IVEvents:       bufs.ivEvents,
		Shiny:          bufs.shiny,
		Raids:          bufs.raids,
		Quests:         bufs.quests,
		Invasions:      bufs.invasions,
		StoreIV:        cfg.PokemonIV.Enabled,
		StoreShiny:     cfg.ShinyRates.Enabled,
		StoreRaids:     cfg.Raids.Enabled,
		StoreQuests:    cfg.Quests.Enabled,
		StoreInvasions: cfg.Invasions.Enabled,
	}

	sup, err := buildLeaderServices(store, pool, shared, bufs)
	if err != nil {
		return err
	}

	elector := leader.New(store, cfg.LeaderLockTTL())
	elector.OnElected = func(electedCtx context.Context) {
		recoverStaged(electedCtx, bufs)
		sup.StartAll(electedCtx)
	}
	elector.OnDemoted = func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		sup.StopAll(stopCtx)
	}

	log.Infof("psyduckd %s starting (worker %s, %d workers configured)",
		version, elector.WorkerID(), cfg.WorkerCount)

	// The elector must already be campaigning before the geofence wait: on
	// a cold start this worker may be the first leader, and the refresher
	// that publishes the geofences only runs on the leader.
	electorDone := make(chan struct{})
	go func() {
		defer close(electorDone)
		elector.Run(ctx)
	}()

	if err := awaitGeofences(ctx, shared, cfg.Koji.URL); err != nil {
		stop()
		<-electorDone
		return err
	}

	srv := webhook.NewServer(webhook.ServerConfig{Parser: p, Token: cfg.WebhookToken})
	go func() {
		log.Infof("webhook listening on %s", cfg.WebhookListen)
		if err := srv.Start(cfg.WebhookListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("webhook server failed: %v", err)
			stop() // fatal: a worker that cannot serve ingress is useless
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("webhook shutdown: %v", err)
	}
	<-electorDone
	log.Info("psyduckd stopped")
	return nil
}

// geofenceWaitTimeout bounds the startup gate. Two minutes covers a slow
// Koji fetch on a cold start with margin.
const geofenceWaitTimeout = 2 * time.Minute

// awaitGeofences blocks until the shared geofence set is published. A
// worker must not accept events before the area universe is known; failure
// here is fatal. Without a Koji source there is nothing to wait for.
func awaitGeofences(ctx context.Context, shared *state.SharedState, kojiURL string) error {
	if kojiURL == "" {
		log.Warnln("koji_url not set, starting without geofences")
		return nil
	}
	fences, err := shared.WaitForGeofences(ctx, geofenceWaitTimeout)
	if err != nil {
		return fmt.Errorf("waiting for geofences: %w", err)
	}
	log.Infof("geofences ready (%d areas)", len(fences))
	return nil
}

// bufferSet bundles the six staging buffers the daemon wires.
type bufferSet struct {
	iv        *buffers.HashBuffer
	ivEvents  *buffers.ListBuffer
	shiny     *buffers.HashBuffer
	raids     *buffers.ListBuffer
	quests    *buffers.ListBuffer
	invasions *buffers.ListBuffer
}

func buildBuffers(store *staging.Client, pool *db.DB) *bufferSet {
	return &bufferSet{
		iv:        buffers.NewPokemonIVBuffer(store, int64(cfg.PokemonIV.MaxThreshold), &sink.PokemonIV{DB: pool, Store: store}),
		ivEvents:  buffers.NewPokemonIVEventsBuffer(store, int64(cfg.PokemonIV.MaxThreshold), &sink.PokemonIVEvents{DB: pool, Store: store}),
		shiny:     buffers.NewShinyRatesBuffer(store, int64(cfg.ShinyRates.MaxThreshold), &sink.ShinyRates{DB: pool, Store: store}),
		raids:     buffers.NewRaidBuffer(store, int64(cfg.Raids.MaxThreshold), &sink.Raids{DB: pool, Store: store}),
		quests:    buffers.NewQuestBuffer(store, int64(cfg.Quests.MaxThreshold), &sink.Quests{DB: pool, Store: store}),
		invasions: buffers.NewInvasionBuffer(store, int64(cfg.Invasions.MaxThreshold), &sink.Invasions{DB: pool, Store: store}),
	}
}

// buildLeaderServices assembles everything that must run on exactly one
// worker: flushers, partition lifecycle, cleaner, refreshers, pruner.
func buildLeaderServices(store *staging.Client, pool *db.DB, shared *state.SharedState, bufs *bufferSet) (*service.Supervisor, error) {
	var services []service.Service

	addFlusher := func(name string, bcfg config.Buffer, buf flush.Buffer) {
		f := flush.New(store, buf, time.Duration(bcfg.FlushInterval)*time.Second)
		services = append(services, service.Service{
			Name:    "flusher-" + name,
			Enabled: bcfg.Enabled,
			Run:     f.Run,
		})
	}
	addFlusher("pokemon-iv", cfg.PokemonIV, bufs.iv)
	addFlusher("pokemon-iv-events", cfg.PokemonIV, bufs.ivEvents)
	addFlusher("shiny-rates", cfg.ShinyRates, bufs.shiny)
	addFlusher("raids", cfg.Raids, bufs.raids)
	addFlusher("quests", cfg.Quests, bufs.quests)
	addFlusher("invasions", cfg.Invasions, bufs.invasions)

	for _, e := range buildEnsurers(pool) {
		e := e
		services = append(services, service.Service{
			Name:    "partition-ensurer-" + e.Table,
			Enabled: true,
			Run:     e.Run,
		})
	}
	cleaner := buildCleaner(pool)
	services = append(services, service.Service{
		Name:    "partition-cleaner",
		Enabled: true,
		Run:     cleaner.Run,
	})

	if cfg.Koji.URL != "" {
		gr := &refresh.GeofenceRefresher{
			State:    shared,
			URL:      cfg.Koji.URL,
			Token:    cfg.Koji.BearerToken,
			Interval: time.Duration(cfg.Koji.RefreshSeconds) * time.Second,
		}
		services = append(services, service.Service{Name: "geofence-refresher", Enabled: true, Run: gr.Run})
	} else {
		log.Warnln("koji_url not set, geofence refresher disabled")
	}

	if cfg.ScannerDB.Name != "" && cfg.ScannerDB.User != "" {
		scanner, err := openScannerDB()
		if err != nil {
			return nil, err
		}
		pr := &refresh.PokestopRefresher{
			State:    shared,
			Scanner:  scanner,
			Interval: time.Duration(cfg.PokestopRefreshIntervalSec) * time.Second,
		}
		services = append(services, service.Service{
			Name:    "pokestop-refresher",
			Enabled: true,
			Run:     pr.Run,
			Stop: func(context.Context) error {
				return scanner.Close()
			},
		})
	} else {
		log.Warnln("scanner_db not configured, pokestop refresher disabled")
	}

	pruner := &timeseries.Pruner{Store: store, Interval: time.Hour}
	services = append(services, service.Service{Name: "timeseries-pruner", Enabled: true, Run: pruner.Run})

	return service.New(services), nil
}

// recoverStaged consumes staging keys a crashed leader left mid-drain.
func recoverStaged(ctx context.Context, bufs *bufferSet) {
	type recoverable interface {
		Key() string
		RecoverStaged(ctx context.Context, staged string) (int64, error)
	}
	all := []recoverable{bufs.iv, bufs.ivEvents, bufs.shiny, bufs.raids, bufs.quests, bufs.invasions}

	for _, buf := range all {
		for _, suffix := range buffers.StagingKeySuffixes() {
			staged := buf.Key() + suffix
			n, err := buf.RecoverStaged(ctx, staged)
			if err != nil {
				log.Errorf("recovery of %s failed: %v", staged, err)
				continue
			}
			if n > 0 {
				log.Infof("recovered %d rows from stale staging key %s", n, staged)
			}
		}
	}
}
