package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/config"
	"github.com/steemit/hivemind-go/internal/indexer"
	"github.com/steemit/hivemind-go/internal/storage/factory"
	"github.com/steemit/hivemind-go/internal/ui"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the indexed head against the chain head",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := factory.Open(ctx, config.GetString(config.KeyDB), factory.Options{ReadOnly: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		hive, err := store.LastBlock(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read head block: %v\n", err)
			os.Exit(1)
		}
		headTime, err := store.LastBlockTime(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read head time: %v\n", err)
			os.Exit(1)
		}

		// chain reachability is reported, never required
		client := chain.NewHTTP(config.GetString(config.KeySteemdURL), logger)
		state, chainErr := indexer.CurrentHeadState(ctx, store, client)

		var age time.Duration
		if !headTime.IsZero() {
			age = time.Since(headTime).Truncate(time.Second)
		}
		maxAge := config.GetDuration(config.KeyMaxHeadAge)
		healthy := hive > 0 && age <= maxAge

		if jsonOutput {
			out := map[string]interface{}{
				"hive":    hive,
				"healthy": healthy,
			}
			if !headTime.IsZero() {
				out["head_time"] = headTime.UTC().Format(time.RFC3339)
				out["head_age_seconds"] = int(age.Seconds())
			}
			if chainErr == nil {
				out["steemd"] = state.Steemd
				out["diff"] = state.Diff
			} else {
				out["steemd_error"] = chainErr.Error()
			}
			outputJSON(out)
			return
		}

		// Styled report on a terminal, plain text when piped.
		styled := term.IsTerminal(int(os.Stdout.Fd()))
		icon := func(render func() string, plain string) string {
			if styled {
				return render()
			}
			return plain
		}
		muted := func(s string) string {
			if styled {
				return ui.RenderMuted(s)
			}
			return s
		}
		row := func(iconStr, label, value string) {
			fmt.Printf("%s %-12s %s\n", iconStr, label, value)
		}

		if styled {
			fmt.Println(ui.RenderCategory("hivemind status"))
			fmt.Println(ui.RenderSeparator())
		} else {
			fmt.Println("HIVEMIND STATUS")
		}

		if hive == 0 {
			row(icon(ui.RenderFailIcon, ui.IconFail), "hive head", "none (empty store)")
		} else {
			headIcon := icon(ui.RenderPassIcon, ui.IconPass)
			if !healthy {
				headIcon = icon(ui.RenderWarnIcon, ui.IconWarn)
			}
			row(headIcon, "hive head", fmt.Sprintf("%d", hive))
			row(" ", "head time", fmt.Sprintf("%s %s",
				headTime.UTC().Format("2006-01-02 15:04:05"),
				muted(fmt.Sprintf("(%s ago)", age))))
		}

		if chainErr != nil {
			row(icon(ui.RenderWarnIcon, ui.IconWarn), "steemd head", fmt.Sprintf("unreachable: %v", chainErr))
			return
		}
		row(" ", "steemd head", fmt.Sprintf("%d", state.Steemd))

		behind := fmt.Sprintf("%d blocks", state.Diff)
		if state.Diff <= int64(config.GetInt(config.KeyTrailBlocks)) {
			row(" ", "behind", fmt.Sprintf("%s %s", behind, muted("(within trail)")))
		} else {
			row(icon(ui.RenderWarnIcon, ui.IconWarn), "behind", behind)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
