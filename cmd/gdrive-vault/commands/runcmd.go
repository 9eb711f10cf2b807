package commands

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/health"
)

func NewRunCommand(app *App) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the vault as a long-lived service",
		Long: `Load the stored tokens, refresh them proactively before expiry, and
keep doing so until interrupted. With --listen, Prometheus metrics are
served at /metrics on the given address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.Metrics = health.InitMetrics()

			core, err := app.loadCore()
			if err != nil {
				return errors.SimplifyError(err)
			}

			mgr := app.authManager(core)
			ctx := cmd.Context()

			if err := mgr.Initialize(ctx); err != nil {
				return errors.SimplifyError(err)
			}
			state := mgr.State()
			app.Logger.Info("vault initialized in state %s", state)
			if state.NeedsConsent() {
				app.Logger.Warn("no usable credentials stored; run: gdrive-vault auth")
			}

			if listenAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{
					Addr:              listenAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						app.Logger.Error("metrics listener: %v", err)
					}
				}()
				defer srv.Close()
				app.Logger.Info("metrics served on %s/metrics", listenAddr)
			}

			mgr.StartMonitor(ctx)
			defer mgr.StopMonitor()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-stop:
				app.Logger.Info("received %s, shutting down", sig)
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Address for the metrics endpoint, e.g. 127.0.0.1:9465")

	return cmd
}
