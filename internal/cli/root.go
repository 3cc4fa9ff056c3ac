// Package cli is the dice terminal front end: cobra commands that drive the
// session core and print what it reports.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/internal/logging"
	"github.com/sheerbytes/diceduel/internal/termio"
)

type app struct {
	cfg     config.ClientConfig
	version string
	out     io.Writer
	logger  *slog.Logger
}

// NewRootCmd creates the dice command tree writing game output to out.
func NewRootCmd(version string, out io.Writer) *cobra.Command {
	a := &app{cfg: config.DefaultClientConfig(), version: version, out: out}

	rootCmd := &cobra.Command{
		Use:   "dice",
		Short: "Two-player peer-to-peer dice duel",
		Long: `dice hosts or joins a dice duel over a direct peer-to-peer link.

One player hosts and shares the four-digit room code; the other joins with it.
Both roll until one rolls strictly higher. Log in with --password to have wins
counted on the leaderboard.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.logger = logging.New("dice", a.cfg.LogLevel)
			return nil
		},
		SilenceUsage: true,
	}

	config.BindClientFlags(rootCmd.PersistentFlags(), &a.cfg)

	rootCmd.AddCommand(newHostCmd(a))
	rootCmd.AddCommand(newJoinCmd(a))
	rootCmd.AddCommand(newLeaderboardCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))

	return rootCmd
}

// Execute runs the root command against the process terminal.
func Execute(version string) {
	termio.Init()
	err := NewRootCmd(version, termio.Stdout()).Execute()
	termio.Flush()
	if err != nil {
		os.Exit(1)
	}
}
