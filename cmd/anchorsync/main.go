package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
	Author     = "unknown"
	Email      = "unknown"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config-dir",
		Usage:   "Configuration directory (default: ~/.anchorsync)",
		EnvVars: []string{"ANCHORSYNC_CONFIG_DIR"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "Path to the .env file (default: <config-dir>/.env)",
	},
}

// standalone commands build their own App
var standalone = map[string]bool{
	"init": true,
	"help": true,
	"h":    true,
}

func main() {
	cliApp := &cli.App{
		Name:  "anchorsync",
		Usage: "Offline-first sync agent for anchor point inspections",
		Description: "anchorsync serves the inspection web app through an offline cache, queues\n" +
			"writes made without connectivity and reconciles them with the server once it\n" +
			"is reachable again.",
		Version: fmt.Sprintf("%s (%s)", Version, CommitHash),
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Authors: []*cli.Author{
			{
				Name:  Author,
				Email: Email,
			},
		},
		Flags: globalFlags,
		Before: func(c *cli.Context) error {
			if c.NArg() == 0 || standalone[c.Args().First()] {
				return nil
			}

			application, err := app.New(c.Context, app.Options{
				ConfigDir: c.String("config-dir"),
				EnvFile:   c.String("env-file"),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			// Store the app instance in the context for later use
			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			// Gracefully shutdown the application
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.ServeCommand(),
			commands.SyncCommand(),
			commands.QueueCommand(),
			commands.CacheCommand(),
			commands.MigrateCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
