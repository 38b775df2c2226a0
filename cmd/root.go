package cmd

import (
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "kindred",
		Usage: "Feed and thread composition engine for the kindred community",
		Description: `kindred composes the home timeline, list feeds, search results,
		profile tabs and reply threads for a mental-health community. Posts
		carry medical context tags (diagnoses, treatments, medications) and
		every page respects block, mute and moderation visibility rules.

		The engine reads an external managed relational store through
		row-level queries only, and serves composed pages over HTTP.

		Flags can generally be set via environment variables, e.g.:

		--config => KINDRED_CONFIG=kindred.toml
		--port => KINDRED_PORT=8080
		`,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}
