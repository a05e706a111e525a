package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/securechannel/channel"
	"github.com/opd-ai/securechannel/config"
	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/routing"
	"github.com/opd-ai/securechannel/transport"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	sessionID  string
	timeout    time.Duration
)

// exchange opens a channel to serverAddr, sends every message to the echo
// service and writes each reply to out.
func exchange(ctx context.Context, c *config.Config, serverAddr, sessionID string, messages []string, out io.Writer) error {
	opts, release, err := c.ChannelOptions()
	if err != nil {
		return err
	}
	defer release()

	n := node.New()
	defer n.Stop()
	tcp, err := transport.NewTCPTransport(n)
	if err != nil {
		return err
	}
	defer tcp.Close()

	peer, err := tcp.Connect(serverAddr)
	if err != nil {
		return err
	}

	app, err := n.NewContext("app")
	if err != nil {
		return err
	}
	defer app.Close()

	bootstrap := routing.NewRoute(peer, routing.Address(c.ListenerAddress))
	if err := channel.StartInitiator(app, sessionID, bootstrap, opts); err != nil {
		return err
	}
	if _, err := channel.AwaitCompleted(ctx, app, sessionID); err != nil {
		return fmt.Errorf("handshake did not complete: %w", err)
	}
	fmt.Fprintf(out, "session %s established\n", sessionID)

	for _, m := range messages {
		if err := channel.SendEncrypted(app, sessionID, routing.NewRoute(EchoAddress), node.RawMessage(m)); err != nil {
			return err
		}
		reply, err := app.Receive(ctx)
		if err != nil {
			return fmt.Errorf("no reply for %q: %w", m, err)
		}
		fmt.Fprintf(out, "echo: %s\n", reply.Payload())
	}
	return nil
}

// client [message...]: open a channel and exchange messages with the echo
// service.
func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client [message...]",
		Short: "Open a secure channel and send messages to the echo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := serverAddr
			if addr == "" {
				addr = cfg.Listen
			}
			id := sessionID
			if id == "" {
				id = channel.NewSessionID()
			}
			messages := args
			if len(messages) == 0 {
				messages = []string{"hello"}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return exchange(ctx, cfg, addr, id, messages, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "server TCP address (default: listen from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session identifier (default: random UUID)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the exchange")
	return cmd
}
