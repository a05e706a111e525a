// Package transport carries routing envelopes between nodes over stream
// connections.
//
// # Architecture
//
// A TCPTransport registers itself as a node's router for TCP addresses
// (type 1). Every attached connection gets an address of the form
// "1#<name>", where name is the dialed address for outgoing connections and
// the remote address for accepted ones:
//
//	n := node.New()
//	tcp, err := transport.NewTCPTransport(n)
//	if err != nil {
//	    return err
//	}
//	peer, err := tcp.Connect("127.0.0.1:4000")
//	// route: [peer, "xx_channel_listener"]
//
// # Framing
//
// Each envelope is encoded with routing.Envelope.Encode and written with a
// 2-byte big-endian length prefix, so a frame body is at most
// limits.MaxFrame bytes. Reads use io.ReadFull and tolerate arbitrary
// fragmentation.
//
// # Route rewriting
//
// On the way out the transport strips its own hop from the onward route. On
// the way in it prepends the connection's address to the return route, so a
// reply sent along the return route travels back over the same connection.
//
// Any net.Conn can be attached with Attach, which is how tests link two
// nodes with net.Pipe.
package transport
