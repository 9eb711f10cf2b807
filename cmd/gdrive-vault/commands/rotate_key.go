package commands

import (
	"encoding/base64"
	"os"

	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyderive"
)

// EnvNewKey supplies the secret for the key version being rotated in.
const EnvNewKey = "GDRIVE_NEW_TOKEN_ENCRYPTION_KEY"

func NewRotateKeyCommand(app *App) *cobra.Command {
	var (
		newVersion string
		keep       int
	)

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt stored tokens under a new key version",
		Long: `Register a new key version, re-encrypt the token store under it, and
make it the current version.

The new key is read from ` + EnvNewKey + ` (base64, 32 bytes). The store is
backed up first and the re-encrypted file verified by a full decrypt; the
current-version pointer only moves after verification passes. Afterwards,
export the new key as a numbered variable (GDRIVE_TOKEN_ENCRYPTION_KEY_V<n>)
so future runs can use it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := app.loadCore()
			if err != nil {
				return errors.SimplifyError(err)
			}

			raw := os.Getenv(EnvNewKey)
			if raw == "" {
				return errors.ConfigError{
					Field:      EnvNewKey,
					Message:    "new key not set",
					Suggestion: "Generate one with: openssl rand -base64 32, then export " + EnvNewKey,
				}
			}
			newSecret, err := base64.StdEncoding.DecodeString(raw)
			if err != nil || len(newSecret) != 32 {
				return errors.ConfigError{
					Field:      EnvNewKey,
					Message:    "new key must be base64 for exactly 32 bytes",
					Suggestion: "Generate one with: openssl rand -base64 32",
				}
			}
			if !keyderive.ValidateKeyStrength(newSecret) {
				return errors.ConfigError{
					Field:      EnvNewKey,
					Message:    "new key material is too weak (repeating pattern)",
					Suggestion: "Generate one with: openssl rand -base64 32",
				}
			}

			result, err := core.Orch.Rotate(newVersion, newSecret)
			printSteps(app, result.Steps)
			if err != nil {
				return errors.SimplifyError(err)
			}

			if keep > 0 {
				if err := core.Orch.PruneBackups(keep); err != nil {
					app.Logger.Warn("backup pruning: %v", err)
				}
			}

			app.Logger.Info("rotated %s -> %s", result.OldVersion, result.NewVersion)
			if result.BackupPath != "" {
				app.Logger.Info("backup: %s", result.BackupPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&newVersion, "version", "", "Label for the new key version, e.g. v2")
	_ = cmd.MarkFlagRequired("version")
	cmd.Flags().IntVar(&keep, "keep", 0, "Prune backups down to the newest N after a successful run (0 keeps all)")

	return cmd
}
