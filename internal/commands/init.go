package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// InitCommand returns the CLI command for initializing the agent
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the anchorsync environment",
		Description: "Sets up the configuration directory, extracts a sample .env and " +
			"applies database migrations. Run it for first-time setup or after upgrading.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "backup",
				Usage: "Back up and replace an existing .env with the bundled sample",
			},
		},
		Action: initAction,
	}
}

func initAction(c *cli.Context) error {
	utils.PrintHeading("Initializing anchorsync")

	configDir := c.String("config-dir")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, config.DefaultConfigDirName)
	}
	utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

	utils.PrintInfo("Extracting default configuration file")
	sample, err := config.SetupConfigDirectory(configDir, c.Bool("backup"))
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to set up configuration files: %s", err))
		return err
	}
	switch {
	case sample.BackupPath != "":
		utils.PrintInfo("Previous .env saved as " + color.YellowString("%s", sample.BackupPath))
	case !sample.Written:
		utils.PrintInfo("Keeping existing " + color.YellowString("%s", sample.EnvPath))
	}

	envFile := c.String("env-file")
	if envFile == "" {
		envFile = sample.EnvPath
	}

	// app.New applies pending migrations
	utils.PrintInfo("Opening database and applying migrations...")
	application, err := app.New(c.Context, app.Options{ConfigDir: configDir, EnvFile: envFile})
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to initialize: %s", err))
		return err
	}
	defer application.Shutdown()

	version, _, err := application.DB.MigrationVersion()
	if err != nil {
		utils.PrintWarning(fmt.Sprintf("Could not read schema version: %s", err))
	}

	cfg := application.Config
	utils.PrintSuccess("anchorsync initialized successfully!")
	utils.PrintKeyValue("Schema version", fmt.Sprintf("%d", version))
	utils.PrintKeyValue("Device name", color.CyanString("%s", cfg.Server.DeviceName))
	utils.PrintInfo("Configuration file: " + color.YellowString("%s", envFile))
	utils.PrintInfo("Database location: " + color.YellowString("%s", cfg.Database.Path))
	utils.PrintInfo("Log file location: " + color.YellowString("%s", cfg.Logging.Output))
	fmt.Println("")
	utils.PrintInfo("Set " + color.CyanString("ANCHORSYNC_SERVER_URL") + " and run " +
		color.CyanString("anchorsync serve") + " to start the agent.")

	return nil
}
