// Package transport implements LIME's framed TCP transport: opening a
// net.tcp:// connection, splitting its byte stream into envelope documents,
// and performing the in-band TLS upgrade a Session negotiation can request
// without tearing down and reconnecting the socket (spec.md §4.B).
//
// Server-side accept logic, a reconnect policy, and a compression codec are
// explicitly out of scope (spec.md §2 Non-goals); this package only dials
// and drives a single client-side connection.
package transport

import (
	"context"

	"github.com/lime-go/lime/envelope"
)

// State is a bitmask describing a Transport's current connection state,
// generalizing the teacher's SessionState bitmask (Secure/Received/etc.) to
// the handful of transport-level facts LIME cares about.
type State uint8

// The bits a Transport's ConnectionState may have set.
const (
	// StateOpen is set once the underlying socket is connected and the read
	// loop is running.
	StateOpen State = 1 << iota
	// StateEncrypted is set once SetEncryption has completed a TLS upgrade.
	StateEncrypted
	// StateClosed is set once Close has run, successfully or not.
	StateClosed
)

// EnvelopeListener is called once per envelope received from the peer. It
// runs on the transport's single read-loop goroutine, so it must not block
// or re-enter the Transport synchronously in a way that deadlocks (calling
// Send from within it is fine; calling Close from within it is fine too,
// since Close only signals the loop to stop after the callback returns).
type EnvelopeListener func(envelope.Envelope)

// StateListener is called whenever a Transport's ConnectionState changes,
// including the terminal transition to StateClosed.
type StateListener func(State)

// ExceptionListener is called when the read loop or a Send encounters an
// error it cannot recover from, immediately before the Transport closes
// itself. err is a plain error from this package (for example one wrapping
// buffer.ErrBufferOverflow or a read/write failure), not a *lime.Error; the
// lime package's Channel marks itself failed on receiving it.
type ExceptionListener func(error)

// Transport is the boundary between the wire and a Channel. Its only
// implementation in this module is TCP; this module's own tests run a TCP
// over an in-memory net.Pipe (see internal/limetest) rather than a fake
// Transport.
type Transport interface {
	// Send encodes and writes env, framing it as a single JSON document.
	// Send may be called concurrently with itself and with the read loop.
	Send(ctx context.Context, env envelope.Envelope) error

	// SetEnvelopeListener registers the callback invoked for each envelope
	// received. It replaces any previously registered listener.
	SetEnvelopeListener(EnvelopeListener)

	// SetStateListener registers the callback invoked on connection state
	// changes. It replaces any previously registered listener.
	SetStateListener(StateListener)

	// SetExceptionListener registers the callback invoked when the
	// transport fails. It replaces any previously registered listener.
	SetExceptionListener(ExceptionListener)

	// SetEncryption upgrades (or, for EncryptionNone, no-ops) the
	// connection's transport encryption in place, without reconnecting.
	SetEncryption(ctx context.Context, enc envelope.Encryption) error

	// SupportedEncryption lists the encryption options this Transport can
	// upgrade to via SetEncryption.
	SupportedEncryption() []envelope.Encryption

	// ConnectionState reports the transport's current State bitmask.
	ConnectionState() State

	// Close shuts the connection down. It is idempotent: calling it more
	// than once, or concurrently with a blocked Send or the read loop,
	// returns nil after the first successful close.
	Close() error
}
