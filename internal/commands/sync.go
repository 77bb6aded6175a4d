package commands

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/facade"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/sync"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// SyncCommand returns the CLI command for reconciling with the server
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Reconcile queued writes with the server",
		Description: "Drain the mutation queue, inspect sync state and manage the server connection",
		Subcommands: []*cli.Command{
			{
				Name:        "now",
				Usage:       "Drain the queue immediately",
				Description: "Uploads pending photos, then applies every pending write in creation order",
				Action:      syncNowAction,
			},
			{
				Name:   "status",
				Usage:  "Show connectivity, queue and photo counts",
				Action: syncStatusAction,
			},
			{
				Name:  "log",
				Usage: "Show recent sync log entries",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of entries to show",
						Value: 50,
					},
					&cli.BoolFlag{
						Name:  "failed",
						Usage: "Only show failures",
					},
					&cli.BoolFlag{
						Name:  "drains",
						Usage: "Only show whole-drain entries",
					},
					&cli.StringFlag{
						Name:  "item",
						Usage: "Only show entries for a queue item id",
					},
				},
				Action: syncLogAction,
			},
			{
				Name:        "account",
				Usage:       "Manage the server connection",
				Description: "Store or remove the token this device uses against the server",
				Subcommands: []*cli.Command{
					{
						Name:  "link",
						Usage: "Store a server token",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "token",
								Usage:    "Personal access token from the web app",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "name",
								Usage: "A name for this device (e.g., 'Site Tablet 3')",
							},
						},
						Action: linkAccountAction,
					},
					{
						Name:   "unlink",
						Usage:  "Remove the stored server token",
						Action: unlinkAccountAction,
					},
					{
						Name:   "status",
						Usage:  "Check the server connection",
						Action: accountStatusAction,
					},
				},
			},
		},
	}
}

func syncNowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if _, err := application.Queue.RecoverInFlight(c.Context); err != nil {
		loggy.Warn("Failed to recover in-flight items", "error", err)
	}

	utils.PrintInfo("Draining queue against " + color.YellowString("%s", application.Config.Server.URL))
	result, err := application.Facade.ForceSyncNow(c.Context)
	if errors.Is(err, facade.ErrOffline) {
		utils.PrintError("Server is unreachable; queued writes stay pending")
		return err
	}
	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
		return err
	}

	if result.Coalesced {
		utils.PrintWarning("A drain is already running")
		return nil
	}

	utils.PrintKeyValueWithColor("Synced", fmt.Sprintf("%d", result.Synced), utils.Theme.Success)
	failedColor := utils.Theme.Subtle
	if result.Failed > 0 {
		failedColor = utils.Theme.Error
	}
	utils.PrintKeyValueWithColor("Failed", fmt.Sprintf("%d", result.Failed), failedColor)
	if result.Skipped > 0 {
		utils.PrintKeyValueWithColor("Skipped", fmt.Sprintf("%d", result.Skipped), utils.Theme.Warning)
	}
	utils.PrintKeyValue("Photos", fmt.Sprintf("%d uploaded, %d failed", result.BlobsUploaded, result.BlobsFailed))
	utils.PrintKeyValue("Duration", result.Duration.Round(time.Millisecond).String())

	if result.Failed > 0 {
		utils.PrintInfo("Run " + color.CyanString("anchorsync queue list --status failed") + " for details")
	} else {
		utils.PrintSuccess("Sync complete")
	}
	return nil
}

func syncStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	online := application.Monitor.Probe(c.Context)
	status, err := application.Facade.Status(c.Context)
	if err != nil {
		return fmt.Errorf("error getting sync status: %w", err)
	}

	utils.PrintHeading("Sync Status")
	if online {
		utils.PrintKeyValueWithColor("Server", "reachable", utils.Theme.Success)
	} else {
		utils.PrintKeyValueWithColor("Server", "unreachable", utils.Theme.Error)
	}
	utils.PrintKeyValue("Last drain", utils.FormatTimePtr(status.LastDrainAt))
	utils.PrintKeyValue("Unsynced writes", fmt.Sprintf("%d (points %d, tests %d)",
		status.Pending.Total, status.Pending.Points, status.Pending.Tests))
	utils.PrintKeyValue("Photos awaiting upload", fmt.Sprintf("%d", status.Photos.Blobs+status.Photos.Photos))
	fmt.Println()

	utils.PrintTable(
		[]string{"Status", "Items"},
		[][]string{
			{string(queue.StatusPending), fmt.Sprintf("%d", status.Queue.Pending)},
			{string(queue.StatusSyncing), fmt.Sprintf("%d", status.Queue.Syncing)},
			{string(queue.StatusFailed), fmt.Sprintf("%d", status.Queue.Failed)},
			{string(queue.StatusSynced), fmt.Sprintf("%d", status.Queue.Synced)},
		},
		utils.TableOptions{Title: "Queue", Footer: []string{"unsynced", fmt.Sprintf("%d", status.Queue.TotalUnsynced())}},
	)

	return nil
}

func syncLogAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	logs, err := application.Reconciler.Logs().GetSyncLogs(c.Context, sync.LogFilter{
		ItemID:     c.String("item"),
		DrainsOnly: c.Bool("drains"),
		FailedOnly: c.Bool("failed"),
		Limit:      c.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("error getting sync logs: %w", err)
	}

	if len(logs) == 0 {
		utils.PrintInfo("No sync log entries")
		return nil
	}

	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		item := l.ItemID
		if item == "" {
			item = fmt.Sprintf("drain (%d synced)", l.ItemsSynced)
		}
		outcome := "✓ Success"
		if !l.Success {
			outcome = "✗ " + string(l.ErrorType)
		}
		rows = append(rows, []string{
			utils.FormatTime(l.StartedAt),
			string(l.Trigger),
			item,
			l.Table,
			outcome,
			utils.Truncate(l.ErrorMessage, 60),
		})
	}

	utils.PrintTable([]string{"Started", "Trigger", "Item", "Table", "Outcome", "Error"}, rows,
		utils.TableOptions{Title: "Sync Log"})
	return nil
}

func linkAccountAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	token := c.String("token")
	if token == "" {
		return fmt.Errorf("token is required")
	}

	if err := application.Settings.SetToken(c.Context, token); err != nil {
		return fmt.Errorf("setting token: %w", err)
	}
	application.Client.SetToken(token)

	if name := c.String("name"); name != "" {
		if err := application.Settings.SetDeviceName(c.Context, name); err != nil {
			return fmt.Errorf("setting device name: %w", err)
		}
		application.Config.Server.DeviceName = name
	}

	utils.PrintSuccess("Token stored")
	utils.PrintKeyValueWithColor("Server URL", application.Config.Server.URL, utils.Theme.Info)
	utils.PrintKeyValueWithColor("Device Name", application.Config.Server.DeviceName, utils.Theme.Info)
	return nil
}

func unlinkAccountAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if err := application.Settings.DeleteSetting(c.Context, config.KeyServerToken); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	application.Config.Server.Token = ""
	application.Client.SetToken("")

	utils.PrintSuccess("Token removed; queued writes will be sent without credentials")
	return nil
}

func accountStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	utils.PrintHeading("Server Connection")
	utils.PrintKeyValueWithColor("Server URL", application.Config.Server.URL, utils.Theme.Info)
	utils.PrintKeyValueWithColor("Device Name", application.Config.Server.DeviceName, utils.Theme.Info)

	if application.Client.GetToken() == "" {
		utils.PrintWarning("No token stored")
	} else {
		utils.PrintKeyValue("Token", "configured")
	}

	if err := application.Client.Health(c.Context); err != nil {
		loggy.Warn("Health check failed", "error", err)
		errType, _ := sync.Classify(err)
		utils.PrintError(fmt.Sprintf("Health check failed (%s): %s", errType, err))
		return nil
	}

	utils.PrintSuccess("Server reachable")
	return nil
}

// sortedTables returns the tables of m in name order
func sortedTables(m map[queue.Table]int) []queue.Table {
	tables := make([]queue.Table, 0, len(m))
	for t := range m {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	return tables
}
