package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/routing"
	"github.com/opd-ai/securechannel/transport"
	"github.com/opd-ai/securechannel/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// errorLog collects supervisor reports from a node.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) handler(_ routing.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// echoService answers every decrypted message through the channel it came
// from.
type echoService struct{}

func (echoService) Initialize(*node.Context) error { return nil }

func (echoService) HandleMessage(ctx *node.Context, msg *node.Routed) error {
	return Reply(ctx, msg, node.RawMessage(msg.Payload()))
}

// server is a node with a listener and an echo service.
type server struct {
	node   *node.Node
	tcp    *transport.TCPTransport
	errors *errorLog
	links  int
}

func newServer(t *testing.T, opts Options) *server {
	t.Helper()
	s := &server{errors: &errorLog{}}
	s.node = node.New(node.WithErrorHandler(s.errors.handler))
	var err error
	s.tcp, err = transport.NewTCPTransport(s.node)
	require.NoError(t, err)
	require.NoError(t, StartListener(s.node, ListenerAddress, opts))
	require.NoError(t, s.node.StartWorker(echoService{}, "echo"))

	t.Cleanup(func() {
		s.tcp.Close()
		s.node.Stop()
	})
	return s
}

// client is a node linked to a server over net.Pipe.
type client struct {
	node     *node.Node
	app      *node.Context
	toServer routing.Address
}

func (s *server) newClient(t *testing.T) *client {
	t.Helper()
	s.links++

	c := &client{node: node.New()}
	tcp, err := transport.NewTCPTransport(c.node)
	require.NoError(t, err)
	t.Cleanup(func() {
		tcp.Close()
		c.node.Stop()
	})

	local, remote := net.Pipe()
	c.toServer, err = tcp.Attach(local, "server")
	require.NoError(t, err)
	_, err = s.tcp.Attach(remote, fmt.Sprintf("client-%d", s.links))
	require.NoError(t, err)

	c.app, err = c.node.NewContext("app")
	require.NoError(t, err)
	return c
}

func (c *client) open(t *testing.T, id string, opts Options) {
	t.Helper()
	require.NoError(t, StartInitiator(c.app, id, routing.NewRoute(c.toServer, ListenerAddress), opts))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	skipped, err := AwaitCompleted(ctx, c.app, id)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func (c *client) echo(t *testing.T, id, text string) *node.Routed {
	t.Helper()
	require.NoError(t, SendEncrypted(c.app, id, routing.NewRoute("echo"), node.RawMessage(text)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := c.app.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestScenarioHandshakeCompletes(t *testing.T) {
	s := newServer(t, DefaultOptions())
	c := s.newClient(t)

	c.open(t, "s1", DefaultOptions())

	assert.True(t, c.node.HasAddress(Address("s1")))
	assert.True(t, s.node.HasAddress(Address("s1")))
	assert.Eventually(t, func() bool {
		return !c.node.HasAddress(KexAddress("s1")) && !s.node.HasAddress(KexAddress("s1"))
	}, 2*time.Second, 10*time.Millisecond, "handshake sessions stop once keys exist")
}

func TestScenarioEchoThroughChannel(t *testing.T) {
	s := newServer(t, DefaultOptions())
	c := s.newClient(t)
	c.open(t, "s1", DefaultOptions())

	reply := c.echo(t, "s1", "hello")
	assert.Equal(t, []byte("hello"), reply.Payload())
	assert.Equal(t, routing.NewRoute("app"), reply.Onward())
	assert.Equal(t, routing.NewRoute(Address("s1"), "echo"), reply.Reply())

	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("message %d", i)
		assert.Equal(t, []byte(text), c.echo(t, "s1", text).Payload())
	}
}

func TestScenarioTrafficRightAfterCompletion(t *testing.T) {
	s := newServer(t, DefaultOptions())
	c := s.newClient(t)
	c.open(t, "s1", DefaultOptions())

	// sent before the responder has necessarily processed message 3
	for i := 0; i < 5; i++ {
		require.NoError(t, SendEncrypted(c.app, "s1", routing.NewRoute("echo"), node.RawMessage{byte(i)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		msg, err := c.app.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, msg.Payload())
	}
}

func TestScenarioSessionCollision(t *testing.T) {
	for _, reject := range []bool{true, false} {
		t.Run(fmt.Sprintf("reject=%v", reject), func(t *testing.T) {
			opts := DefaultOptions()
			opts.RejectCollisions = reject
			s := newServer(t, opts)

			first := s.newClient(t)
			first.open(t, "dup", DefaultOptions())

			second := s.newClient(t)
			require.NoError(t, StartInitiator(second.app, "dup", routing.NewRoute(second.toServer, ListenerAddress), DefaultOptions()))

			assert.Eventually(t, func() bool { return s.errors.has(ErrSessionExists) },
				2*time.Second, 10*time.Millisecond)

			// the listener and the original session keep working
			assert.True(t, s.node.HasAddress(ListenerAddress))
			assert.Equal(t, []byte("still here"), first.echo(t, "dup", "still here").Payload())

			third := s.newClient(t)
			third.open(t, "fresh", DefaultOptions())
			assert.Equal(t, []byte("ok"), third.echo(t, "fresh", "ok").Payload())
		})
	}
}

func TestScenarioListenerRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.ListenerRate = rate.Every(time.Hour)
	opts.ListenerBurst = 1
	s := newServer(t, opts)

	c := s.newClient(t)
	c.open(t, "a", DefaultOptions())

	require.NoError(t, StartInitiator(c.app, "b", routing.NewRoute(c.toServer, ListenerAddress), DefaultOptions()))
	assert.Eventually(t, func() bool { return s.errors.has(ErrRateLimited) },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, s.node.HasAddress(Address("b")))
}

func TestScenarioSharedVault(t *testing.T) {
	shared := vault.NewSerialized(vault.NewSoftware())
	defer shared.Close()

	opts := DefaultOptions()
	opts.Vault = shared
	s := newServer(t, opts)

	clients := []*client{s.newClient(t), s.newClient(t), s.newClient(t)}
	for i, c := range clients {
		c.open(t, fmt.Sprintf("shared-%d", i), DefaultOptions())
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client) {
			defer wg.Done()
			id := fmt.Sprintf("shared-%d", i)
			for j := 0; j < 10; j++ {
				text := fmt.Sprintf("%s/%d", id, j)
				if err := SendEncrypted(c.app, id, routing.NewRoute("echo"), node.RawMessage(text)); err != nil {
					t.Error(err)
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				msg, err := c.app.Receive(ctx)
				cancel()
				if err != nil {
					t.Error(err)
					return
				}
				if string(msg.Payload()) != text {
					t.Errorf("got %q, want %q", msg.Payload(), text)
				}
			}
		}(i, c)
	}
	wg.Wait()
}

func TestScenarioCipherSuites(t *testing.T) {
	s := newServer(t, DefaultOptions())
	c := s.newClient(t)

	opts := DefaultOptions()
	opts.Suite.Cipher = "ChaChaPoly"
	opts.Suite.Hash = "BLAKE2s"
	// both ends must agree on the suite
	s2 := newServer(t, opts)
	c2 := s2.newClient(t)
	c2.open(t, "chacha", opts)
	assert.Equal(t, []byte("x"), c2.echo(t, "chacha", "x").Payload())

	c.open(t, "aes", DefaultOptions())
	assert.Equal(t, []byte("y"), c.echo(t, "aes", "y").Payload())
}

func TestScenarioLoopbackTCP(t *testing.T) {
	srv := node.New()
	ts, err := transport.NewTCPTransport(srv)
	require.NoError(t, err)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	require.NoError(t, StartListener(srv, ListenerAddress, DefaultOptions()))
	require.NoError(t, srv.StartWorker(echoService{}, "echo"))
	addr, err := ts.Listen("127.0.0.1:0")
	require.NoError(t, err)

	cl := node.New()
	tc, err := transport.NewTCPTransport(cl)
	require.NoError(t, err)
	t.Cleanup(func() {
		tc.Close()
		cl.Stop()
	})
	peer, err := tc.Connect(addr.String())
	require.NoError(t, err)

	app, err := cl.NewContext("app")
	require.NoError(t, err)
	c := &client{node: cl, app: app, toServer: peer}

	id := NewSessionID()
	c.open(t, id, DefaultOptions())
	assert.Equal(t, []byte("over tcp"), c.echo(t, id, "over tcp").Payload())
}
