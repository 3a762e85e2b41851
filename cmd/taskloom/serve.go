package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/api"
	"github.com/joshharrison/taskloom/internal/runner"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/session"
)

func serveCmd() *cobra.Command {
	var flagAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP",
		Long: `Starts the HTTP API. Sessions, tasks, runs and checkpoints are available
under /sessions, Prometheus metrics under /metrics. Runs started over HTTP
execute task commands the same way 'taskloom run' does.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			logger := a.log
			if flagAddr != "" {
				a.cfg.Addr = flagAddr
			}

			handles := func(s *session.Session) scheduler.Handle {
				r := runner.New(runner.Config{
					Shell:  a.cfg.Shell,
					LogDir: a.cfg.LogDir,
					Quiet:  true,
				}, runner.WithLogger(logger.With("session", s.ID())), runner.WithProgress(s.UpdateProgress))
				return r.Handle()
			}

			router := api.NewRouter(api.Config{
				Sessions:    a.sessions,
				Handles:     handles,
				Metrics:     a.metrics,
				Gatherer:    a.registry,
				Logger:      logger,
				MaxParallel: a.cfg.MaxParallel,
			})

			// No write timeout: run event streams stay open until the run ends.
			srv := &http.Server{
				Addr:              a.cfg.Addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("taskloom server starting", "addr", a.cfg.Addr, "backend", a.cfg.Backend)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-cmd.Context().Done():
			case serveErr = <-errCh:
			}
			logger.Info("shutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			if err := a.Close(); err != nil {
				logger.Error("close sessions", "error", err)
			}

			logger.Info("server stopped")
			return serveErr
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (default from config)")

	return cmd
}
