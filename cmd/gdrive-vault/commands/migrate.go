package commands

import (
	"encoding/base64"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/rotation"
)

// EnvLegacyKey supplies the raw key legacy storage was encrypted with.
const EnvLegacyKey = "GDRIVE_LEGACY_TOKEN_KEY"

func NewMigrateCommand(app *App) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate legacy token storage to the versioned format",
		Long: `Convert a flat-format token file to the versioned encrypted envelope
under the current key.

The legacy key is read from ` + EnvLegacyKey + ` (base64, 32 bytes). The
original file is backed up before anything is rewritten, and the result is
verified by a full decrypt before the run reports success. Running migrate
against an already-migrated store is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := app.loadCore()
			if err != nil {
				return errors.SimplifyError(err)
			}

			raw := os.Getenv(EnvLegacyKey)
			if raw == "" {
				return errors.ConfigError{
					Field:      EnvLegacyKey,
					Message:    "legacy key not set",
					Suggestion: "Export " + EnvLegacyKey + " with the base64 key the old storage was encrypted with",
				}
			}
			legacyKey, err := base64.StdEncoding.DecodeString(raw)
			if err != nil || len(legacyKey) != 32 {
				return errors.ConfigError{
					Field:      EnvLegacyKey,
					Message:    "legacy key must be base64 for exactly 32 bytes",
					Suggestion: "Check the value against the key used by the previous deployment",
				}
			}

			result, err := core.Orch.Migrate(legacyKey)
			printSteps(app, result.Steps)
			if err != nil {
				return errors.SimplifyError(err)
			}

			if result.Status == "noop" {
				return nil
			}

			if keep > 0 {
				if err := core.Orch.PruneBackups(keep); err != nil {
					app.Logger.Warn("backup pruning: %v", err)
				}
			}

			app.Logger.Info("backup: %s", result.BackupPath)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "Prune backups down to the newest N after a successful run (0 keeps all)")

	return cmd
}

// printSteps reports per-step outcomes.
func printSteps(app *App, steps []rotation.StepResult) {
	for _, step := range steps {
		switch step.Status {
		case "success":
			app.Logger.Info("%-16s ok (%s)", step.Name, step.Duration.Round(time.Millisecond))
		case "skipped":
			app.Logger.Info("%-16s skipped", step.Name)
		default:
			app.Logger.Error("%-16s failed: %s", step.Name, step.Error)
		}
	}
}
