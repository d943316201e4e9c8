package log

import "time"

// Event represents a single driver diagnostic.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the driver instance (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Severity of the event.
	Severity Severity `cbor:"3,keyasint"`

	// Category classifies which driver concern produced the event.
	Category Category `cbor:"4,keyasint"`

	// Message is the human-readable diagnostic.
	Message string `cbor:"5,keyasint"`

	// RemoteAddr is the peer address, when known.
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// TLS indicates the driver was in TLS mode when the event occurred.
	TLS bool `cbor:"7,keyasint,omitempty"`

	// Code carries the underlying library or OS error code, if any.
	Code *int `cbor:"8,keyasint,omitempty"`

	// Detail carries the underlying error text, if any.
	Detail string `cbor:"9,keyasint,omitempty"`
}

// Severity grades an event.
type Severity uint8

const (
	// SeverityDebug is diagnostic chatter.
	SeverityDebug Severity = 0
	// SeverityInfo is normal lifecycle information.
	SeverityInfo Severity = 1
	// SeverityWarning is a tolerated but noteworthy condition.
	SeverityWarning Severity = 2
	// SeverityError is a failed operation.
	SeverityError Severity = 3
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the driver concern an event belongs to.
type Category uint8

const (
	// CategoryConfig covers the option setter surface.
	CategoryConfig Category = 0
	// CategorySession covers credential loading and handshakes.
	CategorySession Category = 1
	// CategoryIO covers send/receive operations.
	CategoryIO Category = 2
	// CategoryState covers connection lifecycle transitions.
	CategoryState Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryConfig:
		return "CONFIG"
	case CategorySession:
		return "SESSION"
	case CategoryIO:
		return "IO"
	case CategoryState:
		return "STATE"
	default:
		return "UNKNOWN"
	}
}
