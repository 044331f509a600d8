package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hackthestudy/internal/infra/api"
	"hackthestudy/internal/infra/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd.Context(), true, false, false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job supervisor and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd.Context(), false, true, false)
	},
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Fail stale sessions and purge expired ones on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd.Context(), false, false, true)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run API, worker and reaper in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd.Context(), true, true, true)
	},
}

func runRoles(ctx context.Context, withAPI, withWorker, withReaper bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if withAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.API.Port),
			Handler:           api.NewRouter(a.cfg.API, a.apiLimits(), a.jobUseCase(), a.creditUC, a.log),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			a.log.Info().Str("addr", srv.Addr).Msg("HTTP API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if withWorker {
		deps, err := a.jobDeps(ctx)
		if err != nil {
			return err
		}
		sup := a.supervisor(deps)
		pool := worker.NewPool(a.cfg.Worker.PoolSize, a.log)
		pool.Start(ctx)
		g.Go(func() error {
			sup.Start(ctx, pool)
			// running jobs see ctx cancelled and hand their sessions back
			pool.Stop()
			return nil
		})
	}

	if withReaper {
		r := a.reaper()
		g.Go(func() error {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	a.log.Info().Msg("shutdown complete")
	return err
}
