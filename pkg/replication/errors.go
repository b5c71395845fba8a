package replication

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned when Run is called on an engine that is
// running or has already shut down
var ErrAlreadyStarted = errors.New("replication engine already started")

// MalformedPayloadError reports a peer frame that breaks the framing
// contract. The frame is discarded and the cycle continues.
type MalformedPayloadError struct {
	Peer   string
	Length int
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload from %q (%d bytes): %s", e.Peer, e.Length, e.Reason)
}

// EncodingInvariantError reports an outgoing frame whose body is not a
// whole number of records. It means the wire contract is broken locally
// and stops the loop.
type EncodingInvariantError struct {
	Length     int
	RecordSize int
}

func (e *EncodingInvariantError) Error() string {
	return fmt.Sprintf("encoded body of %d bytes is not a multiple of the %d-byte record size",
		e.Length, e.RecordSize)
}

// TransportError wraps a failure reported by the transport. Fatal errors
// stop the loop; the rest are logged and the loop carries on.
type TransportError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *TransportError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s transport error during %s: %v", kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should stop the replication loop
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var encErr *EncodingInvariantError
	if errors.As(err, &encErr) {
		return true
	}

	var trErr *TransportError
	if errors.As(err, &trErr) {
		return trErr.Fatal
	}

	var malformed *MalformedPayloadError
	if errors.As(err, &malformed) {
		return false
	}

	// Unclassified transport failures are treated as transient
	return false
}
