package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Redact a JSON details object read from stdin",
	Long: `Apply the active redaction rules to a JSON object on stdin and print the
result, without writing any audit entry. Useful to check what a log call
would persist.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		redactor, err := loadRedactor()
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		details, err := decodeObject(raw)
		if err != nil {
			return err
		}
		out, err := redactor.Redact(details)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetEscapeHTML(false)
		if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(out)
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the active redaction ruleset as YAML",
	Long: `Print the deny list and pattern list in effect. The output is a valid
rules file for redaction.rules_file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		redactor, err := loadRedactor()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(redactor.Rules()); err != nil {
			return fmt.Errorf("failed to render rules: %w", err)
		}
		return enc.Close()
	},
}

func init() {
	redactCmd.Flags().Bool("pretty", false, "indent the output")
	rootCmd.AddCommand(redactCmd)
	rootCmd.AddCommand(rulesCmd)
}
