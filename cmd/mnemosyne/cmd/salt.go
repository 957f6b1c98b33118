package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-audit/mnemosyne/pkg/cerberus"
)

var saltCmd = &cobra.Command{
	Use:   "salt",
	Short: "Manage the patient identifier salt",
}

var saltGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new random salt",
	Long: `Print a new random salt, hex encoded, to store in a secret backend and
reference from audit.patient_salt_ref.

Changing the salt of a running deployment breaks correlation of patient
hashes across the change.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("bytes")
		salt, err := cerberus.GenerateSalt(n)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), salt)
		return nil
	},
}

func init() {
	saltGenerateCmd.Flags().Int("bytes", 32, "random bytes before hex encoding")
	saltCmd.AddCommand(saltGenerateCmd)
	rootCmd.AddCommand(saltCmd)
}
