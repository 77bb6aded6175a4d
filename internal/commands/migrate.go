package commands

import (
	"fmt"

	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// MigrateCommand returns the CLI command for database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Manage database migrations",
		Hidden: true,
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					utils.PrintInfo("Applying embedded migrations")
					if err := application.DB.RunMigrations(); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
						return err
					}

					return printMigrationVersion(application)
				},
			},
			{
				Name:  "down",
				Usage: "Revert the last migration",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert (default: 1)",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					steps := c.Int("steps")
					utils.PrintWarning(fmt.Sprintf("Reverting %d embedded migration(s)", steps))

					if err := application.DB.RevertMigrations(steps); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return fmt.Errorf("failed to revert migrations: %w", err)
					}

					utils.PrintSuccess("Migration(s) reverted successfully!")
					return printMigrationVersion(application)
				},
			},
			{
				Name:  "version",
				Usage: "Show the current schema version",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}
					return printMigrationVersion(application)
				},
			},
		},
	}
}

func printMigrationVersion(application *app.App) error {
	version, dirty, err := application.DB.MigrationVersion()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	utils.PrintKeyValue("Schema version", fmt.Sprintf("%d", version))
	if dirty {
		utils.PrintWarning("Schema is dirty; the last migration did not complete")
	}
	return nil
}
