package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/autotrail/pkg/api"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func newStatusCmd() *cobra.Command {
	var states []string
	var fields []string
	tags := tagFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report step status, optionally filtered by tag/state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := client.Call(api.Request{
				Name:         "status",
				Tags:         tags,
				States:       states,
				StatusFields: fields,
			})
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if reply.Error != "" {
				return fmt.Errorf("status: %s", reply.Error)
			}
			return printStatus(cmd, reply.Result)
		},
	}
	addTagFlag(cmd.Flags(), tags)
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter to one or more states")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "status fields to include (default: all)")
	return cmd
}

// printStatus renders the decoded status entries with humanized message
// timestamps; reply.Result round-trips through JSON as []any/map[string]any
// since callAndPrint's generic path isn't used here.
func printStatus(cmd *cobra.Command, result any) error {
	entries, ok := result.([]any)
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	}
	out := cmd.OutOrStdout()
	for _, raw := range entries {
		e, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "#%v %v  state=%v\n", e["id"], e["name"], e["state"])
		printMessages(out, "  io", e["io_log"])
		printMessages(out, "  out", e["output_log"])
	}
	return nil
}

func printMessages(out interface{ Write([]byte) (int, error) }, label string, raw any) {
	msgs, ok := raw.([]any)
	if !ok {
		return
	}
	for _, m := range msgs {
		entry, ok := m.(map[string]any)
		if !ok {
			continue
		}
		at, _ := entry["at"].(string)
		when := at
		if parsed, err := parseTime(at); err == nil {
			when = humanize.Time(parsed)
		}
		fmt.Fprintf(out, "%s [%s] %v\n", label, when, entry["value"])
	}
}
