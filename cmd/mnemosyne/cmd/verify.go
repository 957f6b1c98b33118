package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/judges"
)

// errChainsInvalid makes the process exit 1 after the report is printed.
var errChainsInvalid = errors.New("integrity verification failed")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of audit log files",
	Long: `Recompute every entry hash of one chain (--channel and --date) or of
every chain in the audit directory (--all), and report the first line that
does not match. Exits with status 1 when any chain is invalid.

Output is text on a terminal and JSON otherwise, unless --output is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		all, _ := f.GetBool("all")
		channel, _ := f.GetString("channel")
		date, _ := f.GetString("date")
		strict, _ := f.GetBool("strict")
		parallel, _ := f.GetInt("parallel")
		output, _ := f.GetString("output")

		if !all && channel == "" {
			return fmt.Errorf("either --channel or --all is required")
		}
		if all && channel != "" {
			return fmt.Errorf("--channel and --all are mutually exclusive")
		}
		if date == "" {
			date = time.Now().UTC().Format(domain.DateLayout)
		}
		format, err := outputFormat(cmd.OutOrStdout(), output)
		if err != nil {
			return err
		}

		rt, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		verifier := judges.NewVerifier(rt.Store, judges.WithStrict(strict), judges.WithMetrics(rt.Metrics))

		var reports []*judges.Report
		if all {
			reports, err = verifier.VerifyAll(cmd.Context(), nil, parallel)
		} else {
			var r *judges.Report
			r, err = verifier.Verify(cmd.Context(), domain.Channel(channel), date)
			reports = []*judges.Report{r}
		}
		if err != nil {
			return err
		}

		if err := printReports(cmd.OutOrStdout(), format, reports); err != nil {
			return err
		}
		for _, r := range reports {
			if !r.Valid {
				return errChainsInvalid
			}
		}
		return nil
	},
}

func outputFormat(w io.Writer, flag string) (string, error) {
	switch flag {
	case "text", "json":
		return flag, nil
	case "":
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "text", nil
		}
		return "json", nil
	}
	return "", fmt.Errorf("unknown output format %q (text or json)", flag)
}

func printReports(w io.Writer, format string, reports []*judges.Report) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(reports) == 1 {
			return enc.Encode(reports[0])
		}
		return enc.Encode(reports)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tDATE\tSTATUS\tENTRIES\tDETAIL")
	for _, r := range reports {
		status, detail := "valid", ""
		if !r.Valid {
			status = "INVALID"
			detail = fmt.Sprintf("line %d: %s: %s", r.FirstBadLine, r.Cause, r.Detail)
		} else if r.PartialTail {
			detail = "partial tail skipped"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Channel, r.Date, status, r.EntriesVerified, detail)
	}
	return tw.Flush()
}

func init() {
	f := verifyCmd.Flags()
	f.String("channel", "", "channel to verify")
	f.String("date", "", "UTC date YYYY-MM-DD (default today)")
	f.Bool("strict", false, "treat a partial trailing line as truncation")
	f.Bool("all", false, "verify every chain in the audit directory")
	f.Int("parallel", 4, "chains verified concurrently with --all")
	f.StringP("output", "o", "", "output format: text or json")
	rootCmd.AddCommand(verifyCmd)
}
