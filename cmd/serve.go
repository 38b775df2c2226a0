package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"kindred/compose"
	"kindred/config"
	"kindred/enrich"
	"kindred/fetcher"
	"kindred/reflection"
	"kindred/server"
	"kindred/store"
	"kindred/stream"
	"kindred/visibility"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the kindred feed engine",
		Description: `Starts the HTTP server and, when a change feed URL is configured,
the realtime change feed subscriber. Composed feed pages, threads and the
SSE stream are served on the configured port.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the TOML configuration file",
				EnvVars: []string{"KINDRED_CONFIG"},
				Value:   "kindred.toml",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Port for the HTTP server",
				EnvVars: []string{"KINDRED_PORT"},
				Value:   3000,
			},
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Starting kindred...")

			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			resolver := visibility.NewResolver(db)
			composer := compose.NewComposer(
				db,
				resolver,
				fetcher.NewFetcher(db),
				enrich.NewEnricher(db),
				cfg.Feed.PageSize,
			)

			var reflector *reflection.Client
			if cfg.Reflection.Endpoint != "" {
				reflector = reflection.NewClient(cfg.Reflection.Endpoint, cfg.Reflection.APIKey)
			}

			bc := server.NewBroadcaster()
			app := server.Server(&server.ServerConfig{
				Store:       db,
				Composer:    composer,
				Resolver:    resolver,
				Reflection:  reflector,
				Broadcaster: bc,
			})

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			// Channel for change feed events
			eventChan := make(chan interface{})
			go bc.Run(eventChan)

			if cfg.Stream.URL != "" {
				subscriber := stream.New(stream.Config{
					URL:    cfg.Stream.URL,
					APIKey: cfg.Stream.APIKey,
				}, eventChan)
				go func() {
					if err := subscriber.Subscribe(runCtx); err != nil && runCtx.Err() == nil {
						log.Errorf("Change feed subscriber stopped: %v", err)
					}
				}()
			}

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt)
			go func() {
				<-c
				fmt.Println("Gracefully shutting down...")
				cancel()
				bc.Shutdown()
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.Errorf("Error shutting down server: %v", err)
				}
			}()

			fmt.Println("Starting server...")
			if err := app.Listen(fmt.Sprintf(":%d", ctx.Int("port"))); err != nil {
				return err
			}

			fmt.Println("Done!")
			return nil
		},
	}
}
