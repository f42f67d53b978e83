package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/community"
	"github.com/steemit/hivemind-go/internal/config"
	"github.com/steemit/hivemind-go/internal/indexer"
	"github.com/steemit/hivemind-go/internal/storage/factory"
	"github.com/steemit/hivemind-go/internal/telemetry"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the block indexer",
	Long: `Brings the store up to the chain head and follows it: checkpoint
replay, range backfill from steemd, cache finalization, then the live
block-by-block tail. Stops cleanly on SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := factory.Open(ctx, config.GetString(config.KeyDB), factory.Options{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		st := telemetry.WrapStore(store)

		client := chain.NewHTTP(config.GetString(config.KeySteemdURL), logger)
		projector := indexer.NewProjector(community.NewPolicy(logger), logger)
		cache := indexer.NewCache(st, client, logger)

		syncer := indexer.NewSyncer(st, client, projector, cache, indexer.Config{
			CheckpointsDir: config.GetString(config.KeyCheckpointsDir),
			TrailBlocks:    uint32(config.GetInt(config.KeyTrailBlocks)),
		}, logger)

		if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, indexer.ErrFork) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				fmt.Fprintln(os.Stderr, "The store holds blocks from an abandoned fork; restore from a snapshot or resync.")
			} else {
				fmt.Fprintf(os.Stderr, "Error: sync: %v\n", err)
			}
			os.Exit(1)
		}
		logger.Info("sync stopped")
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
