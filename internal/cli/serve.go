package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sylvia/internal/api"
)

const shutdownTimeout = 10 * time.Second

func (r *root) newServeCmd() *cobra.Command {
	var noDaily bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the orchestrator",
		Long: `Starts the JSON API and, in the same process, the orchestrator loop that
feeds task events to the agents. The daily analysis runs on its interval
unless --no-daily is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := r.openAgents(ctx, !noDaily)
			if err != nil {
				return err
			}
			defer a.close()

			srv := &http.Server{
				Addr: r.cfg.HTTP.Addr,
				Handler: api.New(api.Deps{
					Tasks:    a.tasks,
					Sessions: a.sessions,
					Calendar: a.calendar,
					Triggers: a.orch,
					Events:   a.bus,
					Location: r.cfg.Location(),
				}, a.log),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info("listening", "addr", srv.Addr, "in_memory", r.cfg.InMemory())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return a.orch.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				a.orch.Stop()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noDaily, "no-daily", false, "do not schedule the daily analysis")
	return cmd
}

func (r *root) newOrchestrateCmd() *cobra.Command {
	var daily bool
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run the orchestrator loop without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := r.openAgents(ctx, daily)
			if err != nil {
				return err
			}
			defer a.close()

			go func() {
				<-ctx.Done()
				a.orch.Stop()
			}()
			a.log.Info("orchestrating", "daily", daily)
			err = a.orch.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&daily, "daily", true, "schedule the daily analysis")
	return cmd
}
