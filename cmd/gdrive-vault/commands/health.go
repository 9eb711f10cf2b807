package commands

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/health"
)

func NewHealthCommand(app *App) *cobra.Command {
	var (
		format     string
		probe      bool
		auditLines int
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report credential and key health",
		Long: `Evaluate the stored credential set and the key configuration.

Exit codes: 0 healthy, 1 degraded (recovers without an operator),
2 unhealthy (re-authentication or repair required).

With --probe, a live request is made against the Drive API using the
stored access token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := app.loadCore()
			if err != nil {
				return errors.SimplifyError(err)
			}

			tokens, err := core.Store.LoadTokens()
			if err != nil {
				if !stderrors.Is(err, errors.ErrNoTokens) {
					return errors.SimplifyError(err)
				}
				tokens = nil
			}

			report := health.Evaluate(tokens, core.Keys.CurrentVersion(), core.Keys.Versions(), core.Cfg.ExpiryBuffer)

			if probe && tokens != nil {
				if probeErr := health.ProbeDrive(cmd.Context(), tokens.AccessToken); probeErr != nil {
					if report.Status == health.StatusHealthy {
						report.Status = health.StatusDegraded
					}
					report.Detail = fmt.Sprintf("drive probe failed: %v", probeErr)
				}
			}

			switch format {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			case "text":
				printHealthText(cmd, report)
				if auditLines > 0 {
					entries, err := core.Audit.History(auditLines)
					if err != nil {
						return err
					}
					for _, entry := range entries {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s success=%v\n",
							entry.Timestamp.Format(time.RFC3339), entry.Event, entry.Success)
					}
				}
			default:
				return fmt.Errorf("unknown format %q (use text or json)", format)
			}

			app.Exit(report.Status.ExitCode())
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&probe, "probe", false, "Make a live Drive API request with the stored token")
	cmd.Flags().IntVar(&auditLines, "audit", 0, "Also print the last N audit events (text format only)")

	return cmd
}

func printHealthText(cmd *cobra.Command, report *health.Report) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "status\t%s\n", report.Status)
	fmt.Fprintf(w, "tokens present\t%v\n", report.TokensPresent)
	fmt.Fprintf(w, "refresh capable\t%v\n", report.RefreshCapable)
	if report.TokensPresent {
		fmt.Fprintf(w, "expires at\t%s\n", report.ExpiresAt.Format(time.RFC3339))
		fmt.Fprintf(w, "time to expiry\t%s\n", report.TimeToExpiry.Round(time.Second))
	}
	fmt.Fprintf(w, "current key\t%s\n", report.CurrentVersion)
	fmt.Fprintf(w, "known keys\t%v\n", report.KeyVersions)
	if report.Detail != "" {
		fmt.Fprintf(w, "detail\t%s\n", report.Detail)
	}
	w.Flush()
}
