package ptcp

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relog-project/relog-go/pkg/netstream"
)

// SelectSet aggregates plain-TCP drivers into a single select(2) wait.
// One SelectSet serves one polling round: register drivers with Add, wait
// with Select, then query results with IsReady. Reset clears it for the
// next round.
type SelectSet struct {
	read  unix.FdSet
	write unix.FdSet
	maxFd int

	// results of the last Select call
	readyRead  unix.FdSet
	readyWrite unix.FdSet
}

// NewSelectSet creates an empty select set.
func NewSelectSet() *SelectSet {
	return &SelectSet{maxFd: -1}
}

// Add registers a driver for the given wait operation.
func (s *SelectSet) Add(d netstream.Driver, op netstream.WaitOp) error {
	pd, ok := d.(*Driver)
	if !ok {
		return fmt.Errorf("ptcp select: unexpected driver type %T", d)
	}
	return s.AddFd(pd.Sock(), op)
}

// AddFd registers a raw socket for the given wait operation. Drivers that
// layer on top of the plain-TCP driver use this to register their
// underlying socket.
func (s *SelectSet) AddFd(fd int, op netstream.WaitOp) error {
	if fd < 0 {
		return netstream.ErrNotConnected
	}
	switch op {
	case netstream.WaitRead:
		s.read.Set(fd)
	case netstream.WaitWrite:
		s.write.Set(fd)
	default:
		return fmt.Errorf("ptcp select: unknown wait operation %d", op)
	}
	if fd > s.maxFd {
		s.maxFd = fd
	}
	return nil
}

// Select waits until at least one registered socket is ready or the
// timeout expires. A negative timeout blocks indefinitely. It returns the
// number of ready sockets (zero on timeout).
func (s *SelectSet) Select(timeout time.Duration) (int, error) {
	for {
		s.readyRead = s.read
		s.readyWrite = s.write

		var tv *unix.Timeval
		if timeout >= 0 {
			t := unix.NsecToTimeval(timeout.Nanoseconds())
			tv = &t
		}

		n, err := unix.Select(s.maxFd+1, &s.readyRead, &s.readyWrite, nil, tv)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("select: %w", err)
		}
		return n, nil
	}
}

// IsReady reports whether the driver's socket was ready in the last
// Select round.
func (s *SelectSet) IsReady(d netstream.Driver, op netstream.WaitOp) (bool, error) {
	pd, ok := d.(*Driver)
	if !ok {
		return false, fmt.Errorf("ptcp select: unexpected driver type %T", d)
	}
	return s.IsFdReady(pd.Sock(), op)
}

// IsFdReady reports readiness for a raw socket.
func (s *SelectSet) IsFdReady(fd int, op netstream.WaitOp) (bool, error) {
	if fd < 0 {
		return false, netstream.ErrNotConnected
	}
	switch op {
	case netstream.WaitRead:
		return s.readyRead.IsSet(fd), nil
	case netstream.WaitWrite:
		return s.readyWrite.IsSet(fd), nil
	default:
		return false, fmt.Errorf("ptcp select: unknown wait operation %d", op)
	}
}

// Reset clears all registrations and results for the next polling round.
func (s *SelectSet) Reset() {
	s.read.Zero()
	s.write.Zero()
	s.readyRead.Zero()
	s.readyWrite.Zero()
	s.maxFd = -1
}

// Compile-time interface satisfaction check.
var _ netstream.SelectSet = (*SelectSet)(nil)
