// The daemon runs the sync agent: detectors, the sync loop and the local
// API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"qharbor/sync-agent/api"
	"qharbor/sync-agent/config"
	"qharbor/sync-agent/db"
	"qharbor/sync-agent/engine"
	"qharbor/sync-agent/reconcile"
	"qharbor/sync-agent/server"
	"qharbor/sync-agent/source"
	"qharbor/sync-agent/source/folder"
	"qharbor/sync-agent/uploader"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: platform config dir)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.DebugLogging {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	database, err := db.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	client := api.NewClient(cfg)
	up := uploader.New(log.Logger)

	datasets := &reconcile.Datasets{
		Remote: client,
		Items:  database,
		Log:    log.With().Str("component", "dataset-reconciler").Logger(),
	}
	files := &reconcile.Files{
		Store:    client,
		Uploader: up,
		Log:      log.With().Str("component", "file-reconciler").Logger(),
	}

	scratchDir, err := config.GetCacheDir()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare cache directory")
	}

	registry := source.NewRegistry()
	if err := registry.Register(folder.New(datasets, files, database, scratchDir, log.Logger)); err != nil {
		log.Fatal().Err(err).Msg("failed to register folder backend")
	}

	eng := engine.New(cfg, database, client, registry, log.Logger)
	handler := server.NewHandler(database, eng, registry, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	go func() {
		if err := handler.Run(cfg.ListenAddr); err != nil {
			log.Error().Err(err).Msg("local API stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	eng.Stop()
}
