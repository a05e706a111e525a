// Package routing defines the addressing model shared by every worker in a
// node: addresses, routes, and the envelope that carries a payload along a
// route.
//
// # Addresses
//
// An Address is an opaque string. Local workers use plain names such as
// "echo_server" or "channel/s1". Addresses owned by an external router carry a
// numeric type prefix separated by '#':
//
//	1#127.0.0.1:4050    TCP connection to 127.0.0.1:4050
//
// # Routes
//
// A Route is the ordered list of hops a message still has to travel. The
// first hop is where the message is delivered next. Workers that relay a
// message remove themselves with Step, and workers that want replies to come
// back through them Prepend their own address to the return route.
//
//	onward := routing.NewRoute("1#127.0.0.1:4050", "xx_channel_listener")
//	hop, rest, err := onward.Next()
//
// # Envelope wire format
//
// Envelopes are the unit carried by transports and the plaintext sealed by a
// secure channel:
//
//	+---------+-----------------+-----------------+-----------------+
//	| version | onward route    | return route    | payload         |
//	| 1 byte  | uvarint n, hops | uvarint n, hops | uvarint len, b  |
//	+---------+-----------------+-----------------+-----------------+
//
// Each hop is encoded as a uvarint length followed by the address bytes.
// Decoding is strict: unknown versions, truncated fields and trailing bytes
// are rejected with ErrMalformed.
package routing
