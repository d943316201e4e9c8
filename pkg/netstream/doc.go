// Package netstream defines the contracts shared by all network stream
// drivers: the Driver interface implemented by the plain-TCP and TLS
// drivers, the SelectSet interface for readiness multiplexing, and the
// error kinds surfaced by driver operations.
//
// # Drivers
//
// A Driver represents one connection (or one listener). Callers configure
// it through the setter surface, then either Connect (client) or Listen
// plus AcceptConnReq (server). Subsequent I/O goes through Rcv and Send.
// Rcv never blocks: when no data is available it returns ErrRetry and the
// caller is expected to wait on a SelectSet before retrying.
//
// # Readiness
//
// A SelectSet aggregates many drivers into one OS-level wait. The TLS
// implementation additionally accounts for decrypted bytes the session
// already holds, which a raw poll on the socket cannot see.
package netstream
