// Package server implements the bulletin-board service: the connection hub
// and broadcast engine, the per-connection session state machine and its
// command dispatcher, and the TCP and WebSocket transports that feed them.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, sessions, transports and HTTP routing so that each
// concern can be tested on its own.
package server
