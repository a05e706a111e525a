package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/routing"
	"github.com/sirupsen/logrus"
)

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// dialTimeout bounds Connect.
const dialTimeout = 10 * time.Second

// ErrClosed indicates the transport has been closed.
var ErrClosed = errors.New("transport closed")

// connection is one attached stream.
type connection struct {
	conn    net.Conn
	addr    routing.Address
	writeMu sync.Mutex
}

// TCPTransport carries envelopes between nodes over stream connections. It
// is the node's router for routing.TCPAddress; each attached connection is
// reachable at the address "1#<name>".
type TCPTransport struct {
	node     *node.Node
	listener net.Listener
	conns    map[string]*connection
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// NewTCPTransport creates a transport and registers it as n's TCP router.
func NewTCPTransport(n *node.Node) (*TCPTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		node:   n,
		conns:  make(map[string]*connection),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := n.RegisterRouter(routing.TCPAddress, t); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register TCP router: %w", err)
	}
	return t, nil
}

// Listen accepts connections on listenAddr. Accepted connections are named
// after their remote address.
func (t *TCPTransport) Listen(listenAddr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed || t.listener != nil {
		t.mu.Unlock()
		listener.Close()
		if t.closed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport already listening on %s", t.listener.Addr())
	}
	t.listener = listener
	t.wg.Add(1)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Listen",
		"address":  listener.Addr().String(),
	}).Info("TCP transport listening")

	go t.acceptConnections(listener)
	return listener.Addr(), nil
}

// LocalAddr returns the listening address, or nil before Listen.
func (t *TCPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Connect dials addr and attaches the connection under that name.
func (t *TCPTransport) Connect(addr string) (routing.Address, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(t.ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	a, err := t.Attach(conn, addr)
	if err != nil {
		conn.Close()
		return "", err
	}
	return a, nil
}

// Attach starts carrying envelopes over conn and returns the address that
// routes to it. The transport owns conn from now on.
func (t *TCPTransport) Attach(conn net.Conn, name string) (routing.Address, error) {
	addr := routing.NewAddress(routing.TCPAddress, name)
	if err := addr.Validate(); err != nil {
		return "", err
	}
	c := &connection{conn: conn, addr: addr}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := t.conns[name]; exists {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %s", node.ErrAddressInUse, addr)
	}
	t.conns[name] = c
	t.wg.Add(1)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Attach",
		"address":  addr,
		"remote":   conn.RemoteAddr().String(),
	}).Info("Connection attached")

	go t.handleConnection(c)
	return addr, nil
}

// Route implements node.Router. The first onward hop names the connection;
// it is stripped before the envelope goes on the wire.
func (t *TCPTransport) Route(env routing.Envelope) error {
	next, onward, err := env.Onward.Next()
	if err != nil {
		return err
	}
	if next.Type() != routing.TCPAddress {
		return fmt.Errorf("%w: %s is not a TCP address", node.ErrNoRouter, next)
	}

	t.mu.RLock()
	c, ok := t.conns[next.Value()]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", node.ErrUnknownAddress, next)
	}

	data, err := routing.NewEnvelope(onward, env.Return, env.Payload).Encode()
	if err != nil {
		return err
	}
	if err := t.writePacketToConnection(c, data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", next, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Route",
		"address":  next,
		"onward":   onward.String(),
		"size":     len(data),
	}).Debug("Envelope sent")
	return nil
}

func (t *TCPTransport) writePacketToConnection(c *connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		// some wrapped conns do not support deadlines
		logrus.WithFields(logrus.Fields{
			"function": "TCPTransport.writePacketToConnection",
			"address":  c.addr,
			"error":    err.Error(),
		}).Debug("Write deadline not supported")
	}

	if err := writeFrame(c.conn, data); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			t.cleanupConnection(c)
		}
		return err
	}
	return nil
}

// Disconnect closes the connection attached under name.
func (t *TCPTransport) Disconnect(name string) error {
	t.mu.RLock()
	c, ok := t.conns[name]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", node.ErrUnknownAddress, routing.NewAddress(routing.TCPAddress, name))
	}
	t.cleanupConnection(c)
	return nil
}

// Close stops accepting, closes every connection and waits for the reader
// goroutines to exit.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	conns := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":    "TCPTransport.Close",
		"connections": len(conns),
	}).Info("TCP transport closed")
	return err
}

func (t *TCPTransport) acceptConnections(listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "TCPTransport.acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if _, err := t.Attach(conn, conn.RemoteAddr().String()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TCPTransport.acceptConnections",
				"remote":   conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Rejected incoming connection")
			conn.Close()
		}
	}
}

func (t *TCPTransport) handleConnection(c *connection) {
	defer t.wg.Done()
	defer t.cleanupConnection(c)

	for {
		data, err := readFrame(c.conn)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TCPTransport.handleConnection",
				"address":  c.addr,
				"error":    err.Error(),
			}).Debug("Connection read ended")
			return
		}
		t.processPacket(c, data)
	}
}

// processPacket decodes one frame and hands it to the node with the
// connection prepended to the return route.
func (t *TCPTransport) processPacket(c *connection, data []byte) {
	env, err := routing.DecodeEnvelope(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TCPTransport.processPacket",
			"address":  c.addr,
			"error":    err.Error(),
		}).Warn("Dropping malformed envelope")
		return
	}
	env.Return.Prepend(c.addr)

	if err := t.node.Deliver(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TCPTransport.processPacket",
			"address":  c.addr,
			"onward":   env.Onward.String(),
			"error":    err.Error(),
		}).Warn("Failed to deliver incoming envelope")
	}
}

func (t *TCPTransport) cleanupConnection(c *connection) {
	t.mu.Lock()
	if t.conns[c.addr.Value()] == c {
		delete(t.conns, c.addr.Value())
	}
	t.mu.Unlock()
	c.conn.Close()
}
