package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/diceduel/internal/duel"
	"github.com/sheerbytes/diceduel/internal/events"
)

func newLeaderboardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the players with the most wins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showLeaderboard(cmd.Context())
		},
	}
}

func (a *app) showLeaderboard(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeAccounts, err := openAccounts(a.cfg)
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	defer closeAccounts()

	client := duel.New(a.duelConfig(), duel.Deps{Accounts: svc, Logger: a.logger})
	defer client.Close()

	w := watch(client.Bus(), events.KindLeaderboardData, events.KindGenericError)
	defer w.Close()
	client.GetLeaderboard()

	ev, err := w.Next(ctx)
	if err != nil {
		return err
	}
	switch ev := ev.(type) {
	case events.LeaderboardData:
		printLeaderboard(a.out, ev.Entries)
		return nil
	case events.GenericError:
		return ev
	}
	return nil
}
