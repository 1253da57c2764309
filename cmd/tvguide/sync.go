package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/voyagen/tvguide/internal/cache"
	"github.com/voyagen/tvguide/internal/server"
	"github.com/voyagen/tvguide/internal/service"
	"github.com/voyagen/tvguide/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass and print its summary",
	Long: `Run one synchronization pass: refresh modified lineups, detect changed
schedule dates by digest, prune expired entries, merge refetched schedules,
then resolve programs and cast/crew. The summary is printed as JSON.

With REDIS_URL set the pass takes the shared sync lock and is refused while
another process is synchronizing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		strict, _ := cmd.Flags().GetBool("strict")

		d, err := openDeps(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		engine := service.New(d.pg, d.source, service.OptionsFromConfig(d.cfg))
		worker := server.NewWorker(engine, d.redis, 0)
		if cc, ok := d.catalog().(*store.CachedCatalog); ok {
			worker.SetInvalidator(cc)
		}

		sum, err := worker.RunOnce(cmd.Context(), cache.SyncJob{
			ID:          uuid.NewString(),
			Force:       force,
			RequestedBy: "cli",
			RequestedAt: time.Now().UTC(),
		})
		if errors.Is(err, cache.ErrLocked) {
			return errors.New("another synchronization pass is running")
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
		if strict && (sum.HasFailures() || sum.Aborted) {
			return fmt.Errorf("pass finished with %d failure(s)", len(sum.Failures))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolP("force", "f", false, "Refresh every lineup's channels even if unchanged")
	syncCmd.Flags().Bool("strict", false, "Exit non-zero when any unit of work failed")
	rootCmd.AddCommand(syncCmd)
}
