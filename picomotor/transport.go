package picomotor

import (
	"io"
	"time"
)

// Transport is the interface for low-level communication with the
// controller. This abstraction allows testing with mock implementations.
//
// A read that times out must return (0, nil), matching the behavior of
// go.bug.st/serial; the bus turns sustained silence into ErrNoResponse or
// ErrTimeout against its own deadline.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the timeout for a single Read call.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards any buffered input data.
	Flush() error
}
