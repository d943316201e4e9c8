// Package ptcp implements the plain-TCP network stream driver on raw OS
// sockets (Linux). Receives are non-blocking and report a retryable
// status instead of waiting; sends resume internally when the socket
// signals pressure. The package also provides the select(2) based
// SelectSet used to aggregate many drivers into one readiness wait.
//
// The TLS driver builds on this package: it owns a ptcp.Driver for all
// raw socket plumbing and performs its record-layer I/O through the
// driver's socket.
package ptcp
