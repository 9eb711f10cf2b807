package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/internal/auth"
	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
)

func NewAuthCommand(app *App) *cobra.Command {
	var (
		port      int
		noBrowser bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to Google Drive and store encrypted tokens",
		Long: `Run the interactive OAuth consent flow.

A browser window opens at Google's consent page; after approval the
authorization code is delivered to a localhost callback, exchanged for
tokens, and the tokens are stored encrypted under the current key version.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := app.loadCore()
			if err != nil {
				return errors.SimplifyError(err)
			}

			if core.Cfg.ClientID == "" || core.Cfg.ClientSecret == "" {
				return errors.ConfigError{
					Field:      "client credentials",
					Message:    "no OAuth client configured",
					Suggestion: "Set GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET, or client_id/client_secret in the config file",
				}
			}

			state, err := auth.GenerateState()
			if err != nil {
				return err
			}

			srv := auth.NewCallbackServer(port, state)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start callback server: %w", err)
			}
			defer srv.Stop()

			endpoint := auth.NewGoogleEndpoint(core.Cfg.ClientID, core.Cfg.ClientSecret, core.Cfg.Scopes)
			url := endpoint.AuthCodeURL(state, srv.RedirectURI())

			if noBrowser {
				app.Logger.Info("Open this URL in a browser:\n\n  %s\n", url)
			} else if err := auth.OpenBrowser(url); err != nil {
				app.Logger.Warn("Could not open a browser (%v). Open this URL manually:\n\n  %s\n", err, url)
			} else {
				app.Logger.Info("Waiting for authorization in the browser...")
			}

			code, err := srv.WaitForCode(timeout)
			if err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}

			tokens, err := endpoint.Exchange(cmd.Context(), code, srv.RedirectURI())
			if err != nil {
				return errors.SimplifyError(err)
			}

			mgr := app.authManager(core)
			if err := mgr.AcceptTokens(tokens); err != nil {
				return errors.SimplifyError(err)
			}

			app.Logger.Info("Authorization complete. Tokens stored encrypted under key %s", core.Keys.CurrentVersion())
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Callback port (0 picks a free port)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the consent URL instead of opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the consent callback")

	return cmd
}
