package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// secretKeys are masked by config view and config get.
var secretKeys = map[string]bool{
	"aws.secret_access_key": true,
	"vault.token":           true,
}

const masked = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
		}
		keys := viper.AllKeys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, display(k))
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := strings.ToLower(args[0])
		if !viper.IsSet(key) {
			fmt.Fprintln(cmd.OutOrStdout(), "Not set")
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), display(key))
	},
}

func display(key string) any {
	val := viper.Get(key)
	if secretKeys[key] && viper.GetString(key) != "" {
		return masked
	}
	return val
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
