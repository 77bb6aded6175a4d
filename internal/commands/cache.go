package commands

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// CacheCommand returns the CLI command for managing the offline cache
func CacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Manage the offline response cache",
		Subcommands: []*cli.Command{
			{
				Name:        "install",
				Usage:       "Prefetch the app shell into the current cache version",
				Description: "Creates the cache groups for the configured version and fetches every shell URL",
				Action:      cacheInstallAction,
			},
			{
				Name:        "activate",
				Usage:       "Activate the current cache version",
				Description: "Deletes cache groups from other versions and records the active version",
				Action:      cacheActivateAction,
			},
			{
				Name:  "purge",
				Usage: "Delete every cache group",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Do not ask for confirmation",
					},
				},
				Action: cachePurgeAction,
			},
			{
				Name:   "stats",
				Usage:  "Show entry counts per cache group",
				Action: cacheStatsAction,
			},
		},
	}
}

func cacheInstallAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	utils.PrintInfo("Installing cache version " + color.YellowString("%s", application.Config.Cache.Version))
	result, err := application.Router.Install(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Install failed: %s", err))
		return err
	}

	for _, path := range result.Cached {
		utils.PrintSuccess(path)
	}
	failed := make([]string, 0, len(result.Failed))
	for path := range result.Failed {
		failed = append(failed, path)
	}
	sort.Strings(failed)
	for _, path := range failed {
		utils.PrintWarning(fmt.Sprintf("%s: %s", path, result.Failed[path]))
	}

	utils.PrintInfo(fmt.Sprintf("Cached %d of %d shell file(s)", len(result.Cached), len(result.Cached)+len(result.Failed)))
	return nil
}

func cacheActivateAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	deleted, err := application.Router.Activate(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Activation failed: %s", err))
		return err
	}

	if len(deleted) > 0 {
		utils.PrintInfo("Deleted old cache groups:")
		utils.PrintList(deleted, "-")
	}
	utils.PrintSuccess("Cache version " + color.YellowString("%s", application.Config.Cache.Version) + " is active")
	return nil
}

func cachePurgeAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if !c.Bool("yes") && !utils.Confirm("Delete every cached response?") {
		utils.PrintInfo("Aborted")
		return nil
	}

	n, err := application.Router.Store().Purge(c.Context)
	if err != nil {
		return fmt.Errorf("purging cache: %w", err)
	}
	// The next serve reinstalls the shell
	if err := application.Settings.SetActiveCacheVersion(c.Context, ""); err != nil {
		utils.PrintWarning(fmt.Sprintf("Failed to reset active cache version: %s", err))
	}

	utils.PrintSuccess(fmt.Sprintf("Deleted %d cache group(s)", n))
	return nil
}

func cacheStatsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	stats, err := application.Router.Store().Stats(c.Context)
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}

	active, err := application.Settings.ActiveCacheVersion(c.Context)
	if err != nil {
		return err
	}
	if active == "" {
		active = "none"
	}
	utils.PrintKeyValue("Active version", active)
	utils.PrintKeyValue("Configured version", application.Config.Cache.Version)

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprintf("%d", stats[name])})
	}
	utils.PrintTable([]string{"Group", "Entries"}, rows, utils.TableOptions{Title: "Cache"})
	return nil
}
