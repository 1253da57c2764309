package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voyagen/tvguide/internal/cache"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/store"
)

// openCatalog opens only what the administration commands need.
func openCatalog(ctx context.Context) (store.Catalog, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	if cfg.RedisURL == "" {
		return pg, pg.Close, nil
	}
	rdb, err := cache.New(cfg.RedisURL)
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	closeAll := func() {
		_ = rdb.Close()
		pg.Close()
	}
	// Writes go through the cache so the API stops serving stale channels.
	return store.NewCachedCatalog(pg, rdb, tvlog.WithComponent("cache")), closeAll, nil
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels or toggle schedule fetching",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := store.ChannelFilter{}
		filter.LineupID, _ = cmd.Flags().GetString("lineup")
		filter.Search, _ = cmd.Flags().GetString("search")
		if unmapped, _ := cmd.Flags().GetBool("unmapped"); unmapped {
			mapped := false
			filter.Mapped = &mapped
		}

		catalog, closeFn, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		channels, err := catalog.ListChannels(cmd.Context(), filter)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STATION\tNUMBER\tCALLSIGN\tNAME\tDVB NAME\tFETCH")
		for _, ch := range channels {
			dvb := "-"
			if ch.DVBMappingName != nil {
				dvb = *ch.DVBMappingName
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", ch.StationID, ch.ChannelNumber, ch.Callsign, ch.Name, dvb, ch.FetchEnabled)
		}
		return tw.Flush()
	},
}

func setFetchCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <stationId>...",
		Short: fmt.Sprintf("Set fetchEnabled=%t for the given stations", enabled),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeFn, err := openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, id := range args {
				if err := catalog.SetChannelFetch(cmd.Context(), id, enabled); err != nil {
					return fmt.Errorf("station %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s fetch_enabled=%t\n", id, enabled)
			}
			return nil
		},
	}
}

func init() {
	channelsListCmd.Flags().String("lineup", "", "Only channels of this lineup")
	channelsListCmd.Flags().String("search", "", "Match name or callsign")
	channelsListCmd.Flags().Bool("unmapped", false, "Only channels without a DVB mapping")
	channelsCmd.AddCommand(channelsListCmd, setFetchCmd("enable", true), setFetchCmd("disable", false))
	rootCmd.AddCommand(channelsCmd)
}
