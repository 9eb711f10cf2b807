package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/cmd/gdrive-vault/commands"
	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	app := commands.NewApp()

	rootCmd := &cobra.Command{
		Use:   "gdrive-vault",
		Short: "Encrypted OAuth credential vault for Google Drive",
		Long: `gdrive-vault keeps Google Drive OAuth tokens encrypted at rest under
versioned keys, refreshes them before expiry, and migrates or rotates the
encryption keys without losing credentials.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.ConfigPath = configFile
			app.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: $GDRIVE_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewAuthCommand(app),
		commands.NewRunCommand(app),
		commands.NewMigrateCommand(app),
		commands.NewRotateKeyCommand(app),
		commands.NewVerifyKeysCommand(app),
		commands.NewHealthCommand(app),
	)

	return rootCmd.Execute()
}
