package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// QueueCommand returns the CLI command for inspecting and managing the
// mutation queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and manage queued writes",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List queued writes in creation order",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (pending, syncing, synced, failed)",
					},
					&cli.StringFlag{
						Name:  "table",
						Usage: "Filter by table (points, tests)",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of items",
						Value: 100,
					},
				},
				Action: queueListAction,
			},
			{
				Name:      "show",
				Usage:     "Show one queued write with its payload",
				ArgsUsage: "<item-id>",
				Action:    queueShowAction,
			},
			{
				Name:   "retry",
				Usage:  "Reset every failed write to pending",
				Action: queueRetryAction,
			},
			{
				Name:      "requeue",
				Usage:     "Reset one failed write to pending",
				ArgsUsage: "<item-id>",
				Action:    queueRequeueAction,
			},
			{
				Name:  "clear",
				Usage: "Drop every pending and failed write",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Do not ask for confirmation",
					},
				},
				Action: queueClearAction,
			},
		},
	}
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	filter := queue.ListFilter{Limit: c.Int("limit")}
	if s := c.String("status"); s != "" {
		filter.Status = queue.Status(s)
	}
	if t := c.String("table"); t != "" {
		table, err := queue.ParseTable(t)
		if err != nil {
			return err
		}
		filter.Table = table
	}

	items, err := application.Queue.List(c.Context, filter)
	if err != nil {
		return fmt.Errorf("listing queue: %w", err)
	}

	if len(items) == 0 {
		utils.PrintInfo("Queue is empty")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			string(item.Table),
			string(item.Operation),
			item.EntityID,
			statusLabel(item.Status),
			fmt.Sprintf("%d", item.RetryCount),
			utils.FormatTime(item.CreatedAt),
			utils.FormatTimePtr(item.NextRetryAt),
			utils.Truncate(item.LastError, 48),
		})
	}

	utils.PrintTable(
		[]string{"ID", "Table", "Op", "Entity", "Status", "Retries", "Created", "Next Retry", "Last Error"},
		rows,
		utils.TableOptions{Title: "Mutation Queue"},
	)

	counts, err := application.Queue.Counts(c.Context)
	if err == nil && counts.TotalUnsynced() > 0 {
		for _, table := range sortedTables(counts.Unsynced) {
			utils.PrintKeyValue("Unsynced "+string(table), fmt.Sprintf("%d", counts.Unsynced[table]))
		}
	}
	return nil
}

func statusLabel(s queue.Status) string {
	switch s {
	case queue.StatusSynced:
		return color.GreenString("%s", s)
	case queue.StatusFailed:
		return color.RedString("%s", s)
	case queue.StatusSyncing:
		return color.CyanString("%s", s)
	default:
		return color.YellowString("%s", s)
	}
}

func queueShowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("item id is required")
	}

	item, err := application.Queue.Get(c.Context, id)
	if err != nil {
		return err
	}

	utils.PrintHeading("Queue item " + item.ID)
	utils.PrintKeyValue("Table", string(item.Table))
	utils.PrintKeyValue("Operation", string(item.Operation))
	utils.PrintKeyValue("Entity", item.EntityID)
	utils.PrintKeyValue("Status", statusLabel(item.Status))
	utils.PrintKeyValue("Retries", fmt.Sprintf("%d (retryable: %t)", item.RetryCount, item.Retryable))
	utils.PrintKeyValue("Created", utils.FormatTime(item.CreatedAt))
	utils.PrintKeyValue("Last retry", utils.FormatTimePtr(item.LastRetryAt))
	utils.PrintKeyValue("Next retry", utils.FormatTimePtr(item.NextRetryAt))
	if item.LastError != "" {
		utils.PrintKeyValueWithColor("Last error", item.LastError, utils.Theme.Error)
	}
	utils.PrintDivider()
	fmt.Println(utils.CodeBlock(utils.IndentJSON(item.Payload)))
	return nil
}

func queueRetryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	n, err := application.Queue.RetryFailed(c.Context)
	if err != nil {
		return fmt.Errorf("resetting failed items: %w", err)
	}

	if n == 0 {
		utils.PrintInfo("No failed writes")
		return nil
	}
	utils.PrintSuccess(fmt.Sprintf("Reset %d failed write(s) to pending", n))
	utils.PrintInfo("Run " + color.CyanString("anchorsync sync now") + " to send them")
	return nil
}

func queueRequeueAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("item id is required")
	}
	if err := ulid.Validate(id, ulid.PrefixMutation); err != nil {
		return fmt.Errorf("invalid item id: %w", err)
	}

	if err := application.Queue.Requeue(c.Context, id); err != nil {
		utils.PrintError(fmt.Sprintf("Failed to requeue %s: %s", id, err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Item %s is pending again", id))
	return nil
}

func queueClearAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if !c.Bool("yes") {
		counts, err := application.Queue.Counts(c.Context)
		if err != nil {
			return err
		}
		utils.PrintWarning(fmt.Sprintf("This drops %d pending and %d failed write(s) that never reached the server.",
			counts.Pending, counts.Failed))
		if !utils.Confirm("Continue?") {
			utils.PrintInfo("Aborted")
			return nil
		}
	}

	n, err := application.Queue.Clear(c.Context)
	if err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}

	utils.PrintSuccess(fmt.Sprintf("Removed %d queued write(s)", n))
	return nil
}
