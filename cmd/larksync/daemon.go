package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/user/larksync/internal/engine"
)

func init() {
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(false)
		if err != nil {
			return err
		}
		defer b.cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if addr := b.cfg.Global.MetricsListen; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: addr, Handler: mux}
			go func() {
				b.logger.Info("metrics listener up", "addr", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					b.logger.Error("metrics listener failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
		}

		maint := engine.NewMaintenance(b.rt, loadConfig, b.cfg.Global.MaintenanceSchedule)
		if err := maint.Start(ctx); err != nil {
			return err
		}
		defer maint.Stop()

		coord := engine.NewCoordinator(b.rt, loadConfig)
		b.logger.Info("daemon starting", "bindings", len(b.cfg.Bindings()))
		err = coord.Run(ctx)
		if errors.Is(err, context.Canceled) {
			b.logger.Info("daemon stopped")
			return nil
		}
		return err
	},
}
