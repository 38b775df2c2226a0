package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"kindred/config"
	"kindred/store"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run store schema migrations",
		Description: `Runs the schema migrations against the configured store. For the
postgres driver the DSN must be a postgres:// URL; for sqlite it is a file
path and the database is created if it does not exist.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the TOML configuration file",
				EnvVars: []string{"KINDRED_CONFIG"},
				Value:   "kindred.toml",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}

			fmt.Printf("Store configured: %s\n", cfg.Store.Driver)
			return store.Migrate(cfg.Store.Driver, cfg.Store.DSN)
		},
	}
}
