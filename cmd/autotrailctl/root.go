// Command autotrailctl is a thin operator CLI over a running trail's
// control socket. It is deliberately undecorated: encoding/json output
// plus go-humanize elapsed times, no tab completion, no interactive
// shell — the ambient CLI skeleton, not a polished terminal client.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/autotrail/pkg/ctlsocket"
)

var (
	flagSocket  string
	flagTimeout time.Duration

	client *ctlsocket.Client
)

func defaultSocket() string {
	if s := os.Getenv("AUTOTRAIL_SOCKET"); s != "" {
		return s
	}
	return "/tmp/autotrail.sock"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "autotrailctl",
		Short: "autotrailctl — operator CLI for a running trail's control socket",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = ctlsocket.NewClient(flagSocket, flagTimeout)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagSocket, "socket", defaultSocket(), "control socket path (or AUTOTRAIL_SOCKET env)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "per-call timeout")

	root.AddCommand(
		newStatusCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newSkipCmd(),
		newUnskipCmd(),
		newInterruptCmd(),
		newRerunCmd(),
		newListCmd(),
	)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
