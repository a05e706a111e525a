package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/securechannel/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoWorker replies to every message with the same payload.
type echoWorker struct{}

func (echoWorker) Initialize(*Context) error { return nil }

func (echoWorker) HandleMessage(ctx *Context, msg *Routed) error {
	return ctx.Send(msg.Reply(), RawMessage(msg.Payload()))
}

type failingWorker struct {
	initErr error
	handled chan struct{}
}

func (w *failingWorker) Initialize(*Context) error { return w.initErr }

func (w *failingWorker) HandleMessage(*Context, *Routed) error {
	close(w.handled)
	return errors.New("boom")
}

type recordingRouter struct {
	mu   sync.Mutex
	envs []routing.Envelope
}

func (r *recordingRouter) Route(env routing.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func receive(t *testing.T, c *Context) *Routed {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestEchoRoundTrip(t *testing.T) {
	n := New()
	defer n.Stop()

	require.NoError(t, n.StartWorker(echoWorker{}, "echo"))
	app, err := n.NewContext("app")
	require.NoError(t, err)

	require.NoError(t, app.Send(routing.NewRoute("echo"), RawMessage("ping")))
	msg := receive(t, app)

	assert.Equal(t, []byte("ping"), msg.Payload())
	assert.Equal(t, routing.NewRoute("echo"), msg.Reply())
	assert.Equal(t, routing.NewRoute("app"), msg.Onward())
}

func TestInOrderDelivery(t *testing.T) {
	n := New()
	defer n.Stop()

	require.NoError(t, n.StartWorker(echoWorker{}, "echo"))
	app, err := n.NewContext("app")
	require.NoError(t, err)

	const count = 100
	for i := 0; i < count; i++ {
		require.NoError(t, app.Send(routing.NewRoute("echo"), RawMessage(fmt.Sprint(i))))
	}
	for i := 0; i < count; i++ {
		msg := receive(t, app)
		assert.Equal(t, fmt.Sprint(i), string(msg.Payload()))
	}
}

func TestUnknownAddressAndDuplicates(t *testing.T) {
	n := New()
	defer n.Stop()

	app, err := n.NewContext("app")
	require.NoError(t, err)

	err = app.Send(routing.NewRoute("nobody"), RawMessage("x"))
	assert.True(t, errors.Is(err, ErrUnknownAddress))

	err = app.Send(nil, RawMessage("x"))
	assert.True(t, errors.Is(err, routing.ErrEmptyRoute))

	_, err = n.NewContext("app")
	assert.True(t, errors.Is(err, ErrAddressInUse))

	err = n.StartWorker(echoWorker{}, "a", "app")
	assert.True(t, errors.Is(err, ErrAddressInUse))
	assert.False(t, n.HasAddress("a"), "partial registration must not leak")
}

func TestMultipleAddressesAndStop(t *testing.T) {
	n := New()
	defer n.Stop()

	require.NoError(t, n.StartWorker(echoWorker{}, "primary", "alias"))
	app, err := n.NewContext("app")
	require.NoError(t, err)

	require.NoError(t, app.Send(routing.NewRoute("alias"), RawMessage("via alias")))
	assert.Equal(t, "via alias", string(receive(t, app).Payload()))

	require.NoError(t, n.StopWorker("alias"))
	assert.False(t, n.HasAddress("primary"))
	assert.False(t, n.HasAddress("alias"))

	err = app.Send(routing.NewRoute("primary"), RawMessage("x"))
	assert.True(t, errors.Is(err, ErrUnknownAddress))
	assert.True(t, errors.Is(n.StopWorker("primary"), ErrUnknownAddress))
}

func TestInitializeFailureUnregisters(t *testing.T) {
	n := New()
	defer n.Stop()

	w := &failingWorker{initErr: errors.New("no"), handled: make(chan struct{})}
	err := n.StartWorker(w, "bad")
	require.Error(t, err)
	assert.False(t, n.HasAddress("bad"))
}

func TestHandlerErrorsReachSupervisor(t *testing.T) {
	errs := make(chan error, 1)
	n := New(WithErrorHandler(func(addr routing.Address, err error) {
		assert.Equal(t, routing.Address("failing"), addr)
		errs <- err
	}))
	defer n.Stop()

	w := &failingWorker{handled: make(chan struct{})}
	require.NoError(t, n.StartWorker(w, "failing"))
	app, err := n.NewContext("app")
	require.NoError(t, err)
	require.NoError(t, app.Send(routing.NewRoute("failing"), RawMessage("x")))

	select {
	case err := <-errs:
		assert.EqualError(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
}

func TestExternalRouter(t *testing.T) {
	n := New()
	defer n.Stop()

	r := &recordingRouter{}
	require.NoError(t, n.RegisterRouter(routing.TCPAddress, r))
	assert.Error(t, n.RegisterRouter(routing.TCPAddress, r))
	assert.Error(t, n.RegisterRouter(routing.LocalAddress, r))

	app, err := n.NewContext("app")
	require.NoError(t, err)
	require.NoError(t, app.Send(routing.NewRoute("1#peer:1", "listener"), RawMessage("x")))

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.envs, 1)
	assert.Equal(t, routing.NewRoute("1#peer:1", "listener"), r.envs[0].Onward)

	err = app.Send(routing.NewRoute("7#elsewhere"), RawMessage("x"))
	assert.True(t, errors.Is(err, ErrNoRouter))
}

func TestReceiveRespectsContext(t *testing.T) {
	n := New()
	defer n.Stop()

	app, err := n.NewContext("app")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = app.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, app.Close())
	_, err = app.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrWorkerStopped))
}

func TestStoppedNodeRefusesWork(t *testing.T) {
	n := New()
	app, err := n.NewContext("app")
	require.NoError(t, err)
	n.Stop()
	n.Stop()

	assert.True(t, errors.Is(n.StartWorker(echoWorker{}, "late"), ErrNodeStopped))
	assert.True(t, errors.Is(app.Send(routing.NewRoute("app"), RawMessage("x")), ErrNodeStopped))
}
