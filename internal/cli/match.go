package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sheerbytes/diceduel/internal/duel"
	"github.com/sheerbytes/diceduel/internal/events"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/internal/transportquic"
	"github.com/sheerbytes/diceduel/internal/transportwebrtc"
)

func newHostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Open a room and wait for an opponent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runMatch(cmd.Context(), func(c *duel.Client, id model.Identity) {
				c.CreateRoom(id)
			})
		},
	}
}

func newJoinCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "join <code>",
		Short:   "Join a room by its four-digit code",
		Args:    cobra.ExactArgs(1),
		Example: "  dice join 4521 --name bob",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := roomcode.Parse(args[0])
			if err != nil {
				return err
			}
			return a.runMatch(cmd.Context(), func(c *duel.Client, id model.Identity) {
				c.JoinRoom(id, code)
			})
		},
	}
}

func (a *app) duelConfig() duel.Config {
	cfg := duel.DefaultConfig()
	cfg.Conn.MaxCreateAttempts = a.cfg.MaxCreateAttempts
	cfg.Conn.MaxJoinAttempts = a.cfg.MaxJoinAttempts
	cfg.Conn.AttemptTimeout = a.cfg.AttemptTimeout
	cfg.Conn.JoinTimeout = a.cfg.JoinTimeout
	cfg.Game.SettleDelay = a.cfg.SettleDelay
	cfg.Game.RevealDelay = a.cfg.RevealDelay
	cfg.HandshakeTimeout = a.cfg.HandshakeTimeout
	return cfg
}

func (a *app) newOpener() (transport.Opener, error) {
	switch a.cfg.Transport {
	case "quic":
		return transportquic.NewOpener(transportquic.Config{
			ServerURL:   a.cfg.ServerURL,
			StunServers: a.cfg.StunServers,
			Logger:      a.logger,
		})
	default:
		return transportwebrtc.NewOpener(transportwebrtc.Config{
			ServerURL:   a.cfg.ServerURL,
			StunServers: a.cfg.StunServers,
			TurnServers: a.cfg.TurnServers,
			Logger:      a.logger,
		}), nil
	}
}

// runMatch plays one match: it resolves the player identity, calls start and
// returns once the match ends or fails. Interrupting leaves the room.
func (a *app) runMatch(ctx context.Context, start func(*duel.Client, model.Identity)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opener, err := a.newOpener()
	if err != nil {
		return err
	}
	deps := duel.Deps{Opener: opener, Logger: a.logger}

	// Only logged-in players have accounts to record wins against.
	if a.cfg.Password != "" {
		svc, closeAccounts, err := openAccounts(a.cfg)
		if err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		defer closeAccounts()
		deps.Accounts = svc
	}

	client := duel.New(a.duelConfig(), deps)
	defer client.Close()

	printer := NewPrinter(a.out)
	defer printer.Attach(client.Bus())()
	w := watch(client.Bus(),
		events.KindLoginSucceeded, events.KindLoginFailed,
		events.KindMatchEnded, events.KindConnectError, events.KindGenericError)
	defer w.Close()

	id, err := a.identity(ctx, client, w)
	if err != nil {
		return err
	}
	printer.SetSelf(id)
	start(client, id)

	for {
		ev, err := w.Next(ctx)
		if err != nil {
			client.LeaveRoom()
			return err
		}
		switch ev := ev.(type) {
		case events.MatchEnded:
			return nil
		case events.ConnectError:
			return ev
		case events.GenericError:
			return ev
		}
	}
}

// identity logs in when a password is configured and otherwise plays
// anonymously under the configured name.
func (a *app) identity(ctx context.Context, client *duel.Client, w *watcher) (model.Identity, error) {
	name := strings.TrimSpace(a.cfg.Name)
	if a.cfg.Password == "" {
		id := uuid.NewString()
		if name == "" {
			name = "player-" + id[:4]
		}
		return model.Identity{ID: "anon-" + id, DisplayName: name}, nil
	}
	if name == "" {
		return model.Identity{}, fmt.Errorf("--name is required to log in")
	}

	client.Login(name, a.cfg.Password)
	for {
		ev, err := w.Next(ctx)
		if err != nil {
			return model.Identity{}, err
		}
		switch ev := ev.(type) {
		case events.LoginSucceeded:
			return ev.Identity, nil
		case events.LoginFailed:
			return model.Identity{}, fmt.Errorf("login: %w", ev.Err)
		}
	}
}
