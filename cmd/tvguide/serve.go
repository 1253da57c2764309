package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/server"
	"github.com/voyagen/tvguide/internal/service"
	"github.com/voyagen/tvguide/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run passes periodically and on request",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := openDeps(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		if port, _ := cmd.Flags().GetString("port"); port != "" {
			d.cfg.ServerPort = port
		}
		interval := d.cfg.SyncInterval
		if noPeriodic, _ := cmd.Flags().GetBool("no-periodic"); noPeriodic {
			interval = 0
		}

		catalog := d.catalog()
		engine := service.New(d.pg, d.source, service.OptionsFromConfig(d.cfg))
		worker := server.NewWorker(engine, d.redis, interval)
		if cc, ok := catalog.(*store.CachedCatalog); ok {
			worker.SetInvalidator(cc)
		}
		srv := server.New(server.Deps{
			Store:   d.pg,
			Catalog: catalog,
			Redis:   d.redis,
			Worker:  worker,
			Config:  d.cfg,
		})

		logger := tvlog.WithComponent("cli")
		logger.Info().
			Dur("sync_interval", interval).
			Bool("job_queue", d.redis != nil).
			Msg("starting server")

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return worker.Run(ctx) })
		g.Go(func() error { return srv.ListenAndServe(ctx) })
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on (overrides server_port)")
	serveCmd.Flags().Bool("no-periodic", false, "Only run passes queued through the API")
	rootCmd.AddCommand(serveCmd)
}
