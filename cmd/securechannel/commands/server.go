package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/securechannel/channel"
	"github.com/opd-ai/securechannel/config"
	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/routing"
	"github.com/opd-ai/securechannel/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// EchoAddress is where the server's echo service listens.
const EchoAddress routing.Address = "echo"

// echoService answers every message it receives through the channel the
// message arrived on.
type echoService struct{}

func (echoService) Initialize(*node.Context) error { return nil }

func (echoService) HandleMessage(ctx *node.Context, msg *node.Routed) error {
	logrus.WithFields(logrus.Fields{
		"function": "echoService.HandleMessage",
		"size":     len(msg.Payload()),
		"reply":    msg.Reply().String(),
	}).Info("Echoing message")
	return channel.Reply(ctx, msg, node.RawMessage(msg.Payload()))
}

// server is a running listener node.
type server struct {
	node    *node.Node
	tcp     *transport.TCPTransport
	release func()
	addr    net.Addr
}

func startServer(c *config.Config) (*server, error) {
	opts, release, err := c.ChannelOptions()
	if err != nil {
		return nil, err
	}

	s := &server{node: node.New(), release: release}
	s.tcp, err = transport.NewTCPTransport(s.node)
	if err != nil {
		s.close()
		return nil, err
	}
	if err := channel.StartListener(s.node, routing.Address(c.ListenerAddress), opts); err != nil {
		s.close()
		return nil, err
	}
	if err := s.node.StartWorker(echoService{}, EchoAddress); err != nil {
		s.close()
		return nil, err
	}
	s.addr, err = s.tcp.Listen(c.Listen)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to listen on %s: %w", c.Listen, err)
	}
	return s, nil
}

func (s *server) close() {
	if s.tcp != nil {
		s.tcp.Close()
	}
	s.node.Stop()
	s.release()
}

// server: run a listener and echo service until interrupted.
func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run a channel listener with an echo service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startServer(cfg)
			if err != nil {
				return err
			}
			defer s.close()

			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s (%s, listener %s)\n", s.addr, cfg.Suite(), cfg.ListenerAddress)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logrus.WithFields(logrus.Fields{
				"function": "serverCmd",
			}).Info("Shutting down")
			return nil
		},
	}
}
