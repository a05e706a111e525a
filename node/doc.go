// Package node implements the in-process routing substrate that secure
// channels run on.
//
// A Node maps addresses to workers. Every worker gets its own goroutine and
// an unbounded FIFO mailbox, so a worker processes one message at a time and
// messages sent along one route to one destination arrive in order. Workers
// never call each other directly: all coupling goes through addresses.
//
// Addresses with a type prefix (for example "1#127.0.0.1:4050") are handed
// to the Router registered for that type, which is how the TCP transport
// carries envelopes between nodes.
//
//	n := node.New()
//	defer n.Stop()
//
//	if err := n.StartWorker(echo, "echo_server"); err != nil {
//	    return err
//	}
//
//	app, _ := n.NewContext("app")
//	_ = app.Send(routing.NewRoute("echo_server"), node.RawMessage("hi"))
//	msg, _ := app.Receive(ctx)
//
// Handler errors are passed to the ErrorHandler installed with
// WithErrorHandler and logged by default. Nothing is retried.
package node
