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
	"github.com/steemit/hivemind-go/internal/config"
	"github.com/steemit/hivemind-go/internal/server"
	"github.com/steemit/hivemind-go/internal/storage/factory"
	"github.com/steemit/hivemind-go/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only HTTP API",
	Long: `Serves follower lists, blog and personal feeds, head state, and payout
stats over HTTP from the indexed tables. Never writes; run it beside a
sync process (or against a snapshot) and scale it independently.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := factory.Open(ctx, config.GetString(config.KeyDB), factory.Options{ReadOnly: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		st := telemetry.WrapStore(store)

		client := chain.NewHTTP(config.GetString(config.KeySteemdURL), logger)

		srv := server.New(st, client, server.Config{
			Bind:       config.GetString(config.KeyHTTPBind),
			MaxHeadAge: config.GetDuration(config.KeyMaxHeadAge),
		}, logger)

		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: serve: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
