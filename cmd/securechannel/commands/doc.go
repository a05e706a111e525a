// Package commands defines the securechannel CLI.
//
// Commands
//
//   - init     Write a default configuration file
//   - server   Run a channel listener and an echo service over TCP
//   - client   Open a secure channel to a server and exchange messages
//
// # Implementation
//
// The root command loads the configuration (file plus SECURECHANNEL_*
// environment overrides) and configures logging before any subcommand
// runs. Both ends build a node with a TCP transport; the server adds the
// listener, the client starts an initiator channel and waits for its
// completion notification.
package commands
