package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/steemit/hivemind-go/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold configuration",
	Long: `Configuration resolves from flags, HIVE_ environment variables,
hivemind.yaml, then built-in defaults.

Examples:
  hivemind config show
  hivemind config show --json
  hivemind config init`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		settings := map[string]interface{}{}
		flattenSettings("", config.AllSettings(), settings)

		if jsonOutput {
			outputJSON(settings)
			return
		}

		if path := config.ConfigFileUsed(); path != "" {
			fmt.Printf("Config file: %s\n", path)
		} else {
			fmt.Println("Config file: none (defaults and environment)")
		}

		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Println("\nConfiguration:")
		for _, k := range keys {
			fmt.Printf("  %s = %v\n", k, settings[k])
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default hivemind.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		path := "hivemind.yaml"
		if cfgFile != "" {
			path = cfgFile
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]string{"path": path})
			return
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

// flattenSettings turns viper's nested settings map into dotted keys.
func flattenSettings(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			flattenSettings(key, nested, out)
			continue
		}
		out[key] = val
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
