package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/voyagen/tvguide/internal/mapper"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Interactively map unmapped channels to DVB tuner names",
	Long: `Read the tuner channel names from a dvb channel.conf and walk every
channel without a mapping. Exact name matches are applied automatically;
otherwise the candidates sharing the first four letters are listed and the
answer is read from stdin. An empty answer ends the session.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		confPath, _ := cmd.Flags().GetString("conf")
		if confPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			confPath = filepath.Join(home, ".tzap", "dvb_channel.conf")
		}
		f, err := os.Open(confPath)
		if err != nil {
			return err
		}
		names, err := mapper.ParseChannelConf(f)
		f.Close()
		if err != nil {
			return err
		}

		catalog, closeFn, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		resolver := mapper.NewPromptResolver(cmd.InOrStdin(), cmd.OutOrStdout())
		res, err := mapper.New(catalog, resolver, names).Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nmapped %d exact, %d chosen, %d skipped\n", res.Exact, res.Resolved, res.Skipped)
		return nil
	},
}

func init() {
	mapCmd.Flags().String("conf", "", "Path to dvb channel.conf (default ~/.tzap/dvb_channel.conf)")
	rootCmd.AddCommand(mapCmd)
}
