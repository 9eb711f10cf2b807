package commands

import (
	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
)

func NewVerifyKeysCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-keys",
		Short: "Check that the stored tokens decrypt under the configured keys",
		Long: `Run a dry decrypt of the token store: parse the envelope, look up the
key version it names, re-derive the key, and verify the authentication tag.
Nothing is written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := app.loadCore()
			if err != nil {
				return errors.SimplifyError(err)
			}

			version, err := core.Orch.Verify()
			if err != nil {
				if version != "" {
					app.Logger.Error("store is encrypted under %s but decryption failed", version)
				}
				return errors.SimplifyError(err)
			}

			app.Logger.Info("token store verified: encrypted under %s (current: %s, known: %v)",
				version, core.Keys.CurrentVersion(), core.Keys.Versions())
			return nil
		},
	}

	return cmd
}
