package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
)

var logCmd = &cobra.Command{
	Use:   "log [channel] [operation]",
	Short: "Append one audit entry",
	Long: `Append one audit entry to today's chain of the given channel.

Details are a JSON object, given inline with --details or read from a file
with --details-file ("-" for stdin). Pass raw values: identifiers are hashed
and details are redacted before anything is written.

With --async the entry is redacted here and queued on Redis for
mnemosyne-ingestd to chain.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := eventFromFlags(cmd)
		if err != nil {
			return err
		}
		async, _ := cmd.Flags().GetBool("async")

		rt, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		channel, op := domain.Channel(args[0]), domain.Operation(args[1])
		var entry *domain.LogEntry
		if async {
			producer, err := rt.Producer()
			if err != nil {
				return err
			}
			entry, err = producer.Log(cmd.Context(), channel, op, ev)
			if err != nil {
				return err
			}
		} else {
			entry, err = rt.Logger.Log(cmd.Context(), channel, op, ev)
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetEscapeHTML(false)
		return enc.Encode(entry)
	},
}

func eventFromFlags(cmd *cobra.Command) (audit.Event, error) {
	f := cmd.Flags()
	var ev audit.Event

	if f.Changed("user-id") {
		id, _ := f.GetInt64("user-id")
		ev.UserID = audit.Int64(id)
	}
	if f.Changed("encounter-id") {
		id, _ := f.GetInt64("encounter-id")
		ev.EncounterID = audit.Int64(id)
	}
	if f.Changed("duration-ms") {
		d, _ := f.GetFloat64("duration-ms")
		ev.DurationMS = audit.Float64(d)
	}
	ev.UserRole, _ = f.GetString("role")
	ev.PatientID, _ = f.GetString("patient-id")
	ev.IPAddress, _ = f.GetString("ip")
	ev.UserAgent, _ = f.GetString("user-agent")
	ev.RequestID, _ = f.GetString("request-id")
	result, _ := f.GetString("result")
	ev.Result = domain.Result(result)
	level, _ := f.GetString("level")
	ev.Level = domain.Level(strings.ToUpper(level))

	inline, _ := f.GetString("details")
	file, _ := f.GetString("details-file")
	if inline != "" && file != "" {
		return ev, fmt.Errorf("--details and --details-file are mutually exclusive")
	}

	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return ev, fmt.Errorf("failed to read details: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return ev, fmt.Errorf("failed to read details: %w", err)
		}
		raw = b
	}
	if len(raw) > 0 {
		details, err := decodeObject(raw)
		if err != nil {
			return ev, fmt.Errorf("details: %w", err)
		}
		ev.Details = details
	}
	return ev, nil
}

// decodeObject keeps numbers as json.Number so large ids survive unchanged.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("expected a JSON object, got null")
	}
	return out, nil
}

func init() {
	f := logCmd.Flags()
	f.Int64("user-id", 0, "acting user id")
	f.String("role", "", "acting user role")
	f.Int64("encounter-id", 0, "encounter id")
	f.String("patient-id", "", "raw patient identifier (stored only as a salted hash)")
	f.String("ip", "", "client IP address")
	f.String("user-agent", "", "client user agent")
	f.String("request-id", "", "correlation id (generated when empty)")
	f.String("result", "", "success, failure or logged (default logged)")
	f.String("level", "", "override the operation's level")
	f.Float64("duration-ms", 0, "operation duration in milliseconds")
	f.String("details", "", "details as a JSON object")
	f.String("details-file", "", `read details from a file ("-" for stdin)`)
	f.Bool("async", false, "queue the entry on Redis instead of appending it")
	rootCmd.AddCommand(logCmd)
}
