package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/me/autotrail/pkg/api"
)

// tagFlags is a repeatable --tag key=value flag collecting into a map.
type tagFlags map[string]string

func (t tagFlags) String() string {
	var parts []string
	for k, v := range t {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (t tagFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("invalid --tag %q, want key=value", s)
	}
	t[k] = v
	return nil
}

func (t tagFlags) Type() string { return "key=value" }

func addTagFlag(fs *pflag.FlagSet, tags tagFlags) {
	fs.Var(tags, "tag", "filter steps by tag key=value (repeatable)")
}

// callAndPrint issues req and prints the reply's result (or error) as
// indented JSON, with the elapsed round-trip (rounded to the microsecond)
// to stderr.
func callAndPrint(cmd *cobra.Command, req api.Request) error {
	start := time.Now()
	reply, err := client.Call(req)
	elapsed := time.Since(start)

	if err != nil {
		return fmt.Errorf("%s: %w", req.Name, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", req.Name, reply.Error)
	}

	out, err := json.MarshalIndent(reply.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	fmt.Fprintf(cmd.ErrOrStderr(), "(%s round trip)\n", elapsed.Round(time.Microsecond))
	return nil
}

// actionCmd builds a subcommand that emits a single tag-filtered action
// (pause, resume, skip, unskip, interrupt, rerun), all of which share an
// identical --tag/--dry-run request shape.
func actionCmd(use, short, opName string) *cobra.Command {
	var dryRun bool
	tags := tagFlags{}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, api.Request{Name: opName, Tags: tags, DryRun: dryRun})
		},
	}
	addTagFlag(cmd.Flags(), tags)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report matched steps without applying the action")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return actionCmd("pause", "Pause matching steps", "pause")
}

func newResumeCmd() *cobra.Command {
	return actionCmd("resume", "Resume matching paused steps", "resume")
}

func newSkipCmd() *cobra.Command {
	return actionCmd("skip", "Mark matching steps to skip", "skip")
}

func newUnskipCmd() *cobra.Command {
	return actionCmd("unskip", "Unskip matching steps", "unskip")
}

func newInterruptCmd() *cobra.Command {
	return actionCmd("interrupt", "Interrupt matching running steps", "interrupt")
}

func newRerunCmd() *cobra.Command {
	return actionCmd("rerun", "Rerun matching steps in the Error state", "rerun")
}

func newListCmd() *cobra.Command {
	tags := tagFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matching steps and their tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, api.Request{Name: "list", Tags: tags})
		},
	}
	addTagFlag(cmd.Flags(), tags)
	return cmd
}
