// Package log provides structured diagnostic logging for the network
// stream drivers.
//
// Drivers emit Events at the boundary where a failure is mapped to its
// error kind, so each diagnostic appears exactly once. Applications decide
// where events go by supplying a Logger implementation: NoopLogger to
// discard, FileLogger for a CBOR event file, SlogAdapter to bridge into
// log/slog, or MultiLogger to fan out.
package log
