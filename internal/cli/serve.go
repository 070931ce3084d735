package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(e *env) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the usage recorder and maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run rollups and cleanup in this process")
	return cmd
}

func (a *app) serve(ctx context.Context, withScheduler bool) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.ServerPort,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Leave room for a slow AI backend plus its retries.
		WriteTimeout: a.cfg.AITimeout*time.Duration(a.cfg.AIMaxRetries+1) + 10*time.Second,
	}

	a.recorder.Start()
	defer a.recorder.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withScheduler {
		g.Go(func() error {
			return a.scheduler.Run(ctx)
		})
	}

	return g.Wait()
}
