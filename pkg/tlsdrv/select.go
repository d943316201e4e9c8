package tlsdrv

import (
	"fmt"
	"time"

	"github.com/relog-project/relog-go/pkg/netstream"
	"github.com/relog-project/relog-go/pkg/ptcp"
)

// SelectSet is the TLS-aware readiness multiplexer. It wraps the
// select(2) based set of the plain driver and layers buffered-plaintext
// accounting on top: a TLS driver holding already-decrypted bytes is
// read-ready even though its raw socket would not poll readable.
//
// While any registered driver has buffered data, Select skips the OS
// wait entirely and reports the buffered drivers ready. Socket-level
// readiness for the remaining drivers is resolved in a later polling
// round, once the buffered data has been consumed.
type SelectSet struct {
	os *ptcp.SelectSet

	// number of drivers registered as ready out of their buffer rather
	// than out of the OS
	bufferedReady int
}

// NewSelectSet creates an empty select set.
func NewSelectSet() *SelectSet {
	return &SelectSet{os: ptcp.NewSelectSet()}
}

// Add registers a driver for the given wait operation. TLS drivers with
// buffered plaintext are registered as ready immediately instead of
// being handed to the OS.
func (s *SelectSet) Add(d netstream.Driver, op netstream.WaitOp) error {
	switch drv := d.(type) {
	case *Driver:
		if op == netstream.WaitRead && drv.Buffered() > 0 {
			s.bufferedReady++
			return nil
		}
		return s.os.AddFd(drv.Sock(), op)
	case *ptcp.Driver:
		return s.os.Add(drv, op)
	default:
		return fmt.Errorf("tls select: unexpected driver type %T", d)
	}
}

// Select waits until at least one registered driver is ready or the
// timeout expires. When buffered drivers are registered it returns their
// count without touching the OS.
func (s *SelectSet) Select(timeout time.Duration) (int, error) {
	if s.bufferedReady > 0 {
		return s.bufferedReady, nil
	}
	return s.os.Select(timeout)
}

// IsReady reports whether the driver was among the ready ones of the
// last Select round. While buffered readiness is being handed out,
// socket-level results are withheld so callers never observe more ready
// drivers than Select reported.
func (s *SelectSet) IsReady(d netstream.Driver, op netstream.WaitOp) (bool, error) {
	if s.bufferedReady > 0 {
		if drv, ok := d.(*Driver); ok && op == netstream.WaitRead && drv.Buffered() > 0 {
			s.bufferedReady--
			return true, nil
		}
		return false, nil
	}

	switch drv := d.(type) {
	case *Driver:
		return s.os.IsFdReady(drv.Sock(), op)
	case *ptcp.Driver:
		return s.os.IsReady(drv, op)
	default:
		return false, fmt.Errorf("tls select: unexpected driver type %T", d)
	}
}

// Reset clears all registrations and results for the next polling round.
func (s *SelectSet) Reset() {
	s.os.Reset()
	s.bufferedReady = 0
}

// Compile-time interface satisfaction check.
var _ netstream.SelectSet = (*SelectSet)(nil)
