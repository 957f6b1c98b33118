package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnemosyne-audit/mnemosyne/pkg/config"
	"github.com/mnemosyne-audit/mnemosyne/pkg/lethe"
	"github.com/mnemosyne-audit/mnemosyne/pkg/olympus"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mnemosyne",
	Short: "Mnemosyne audit log CLI",
	Long: `Write, verify and inspect tamper-evident HIPAA audit chains.

Configuration is read from --config, or mnemosyne.yaml in the working
directory, $HOME/.mnemosyne or /etc/mnemosyne, and MNEMOSYNE_* environment
variables (e.g. MNEMOSYNE_AUDIT_DIR).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Init(viper.GetViper(), cfgFile)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search for mnemosyne.yaml)")
}

// loadRuntime builds the full audit core. Operational logs go to stderr so
// stdout stays machine readable.
func loadRuntime(cmd *cobra.Command) (*olympus.Runtime, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return olympus.New(cmd.Context(), cfg, olympus.WithOutput(cmd.ErrOrStderr()))
}

// loadRedactor builds only the redactor, which needs no salt or store.
func loadRedactor() (*lethe.Redactor, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	rules := lethe.DefaultRuleset()
	if cfg.Redaction.RulesFile != "" {
		if rules, err = lethe.LoadRuleset(cfg.Redaction.RulesFile); err != nil {
			return nil, err
		}
	}
	return lethe.NewRedactor(rules.WithMaxDepth(cfg.Redaction.MaxDepth)), nil
}
