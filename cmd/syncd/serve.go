package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quizapp/offlinesync/internal/app"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/network"
	"github.com/quizapp/offlinesync/internal/server"
)

func newServeCmd(load configLoader) *cobra.Command {
	var (
		addr    string
		noProbe bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the diagnostics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr()
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(server.Deps{
				Engine:    a.Engine,
				Metrics:   a.Metrics,
				Conflicts: a.Conflicts,
				Network:   a.Monitor,
				Scheduler: a.Scheduler,
				Breaker:   a.Client,
			})

			if err := a.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if !noProbe {
				poller := network.NewPoller(a.Monitor, cfg.Sync.ProbeInterval, network.DefaultProbeTimeout, "")
				g.Go(func() error {
					poller.Run(gctx)
					return nil
				})
			}
			g.Go(func() error {
				return srv.ListenAndServe(gctx, addr)
			})

			if err := g.Wait(); err != nil {
				return err
			}
			logging.Info("syncd stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.host:server.port)")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "Disable connectivity probing; reachability comes from POST /api/v1/network")
	return cmd
}
