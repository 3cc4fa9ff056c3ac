package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/diceduel/internal/clienthttp"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the rendezvous server's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			status, err := clienthttp.FetchStatus(ctx, a.cfg.ServerURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "server:   %s\n", a.cfg.ServerURL)
			fmt.Fprintf(a.out, "version:  %s\n", status.Version)
			fmt.Fprintf(a.out, "protocol: v%d", status.ProtocolVersion)
			if status.ProtocolVersion != protocol.ProtocolVersion {
				fmt.Fprintf(a.out, " (this client speaks v%d)", protocol.ProtocolVersion)
			}
			fmt.Fprintln(a.out)
			fmt.Fprintf(a.out, "peers:    %d\n", status.Peers)
			fmt.Fprintf(a.out, "uptime:   %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
			return nil
		},
	}
}
