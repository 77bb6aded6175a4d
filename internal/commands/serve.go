package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// ServeCommand returns the CLI command that runs the agent
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the caching proxy, the reconciler and the sync API",
		Description: "Serves the web app through the offline cache, exposes the sync API " +
			"under /_sync/ and drains queued writes whenever the server is reachable.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Override the listen address (e.g. 127.0.0.1:8787)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if addr := c.String("listen"); addr != "" {
		application.Config.Proxy.ListenAddr = addr
		application.Server.SetListenAddr(addr)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	utils.PrintHeading("anchorsync agent")
	utils.PrintKeyValue("Upstream", color.YellowString("%s", application.Config.Server.URL))
	utils.PrintKeyValue("Listening", color.CyanString("http://%s", application.Config.Proxy.ListenAddr))
	utils.PrintKeyValue("Device", application.Config.Server.DeviceName)
	utils.PrintInfo("Press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil {
		utils.PrintError(fmt.Sprintf("Agent stopped with error: %s", err))
		return err
	}

	utils.PrintSuccess("Agent stopped")
	return nil
}
