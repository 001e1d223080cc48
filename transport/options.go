package transport

import (
	"crypto/tls"
	"io"
	"log"

	"github.com/lime-go/lime/internal/buffer"
)

// Options configures a TCP transport. The zero value is not usable; it is
// built internally from the Option values passed to Dial or NewTCP.
type Options struct {
	bufferSize int
	tlsConfig  *tls.Config
	pin        []byte
	log        *log.Logger
}

// Option configures Options. Following the teacher's Dialer pattern of a
// plain configuration struct built up by call sites, transport instead uses
// functional options so zero, one, or many of these can be supplied to
// Dial without a large struct literal at every call site.
type Option func(*Options)

// WithBufferSize overrides the frame scanner's buffer capacity; see
// buffer.DefaultSize for the default.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.bufferSize = n }
}

// WithTLSConfig supplies the *tls.Config used when SetEncryption upgrades
// to envelope.EncryptionTLS. Without this option a minimal config deriving
// ServerName from the dialed host is used.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) { o.tlsConfig = cfg }
}

// WithPinnedCertificate requires the peer's leaf certificate to have the
// given blake2b-256 fingerprint when upgrading to TLS, rejecting the
// handshake otherwise. See SPEC_FULL.md §3.1.
func WithPinnedCertificate(fingerprint []byte) Option {
	return func(o *Options) { o.pin = fingerprint }
}

// WithLogger supplies a *log.Logger for diagnostic events (the transport
// closing itself after an error). Following the teacher's
// conn.Logger option, output goes to io.Discard by default.
func WithLogger(logger *log.Logger) Option {
	return func(o *Options) { o.log = logger }
}

func newOptions(opts ...Option) Options {
	o := Options{
		bufferSize: buffer.DefaultSize,
		log:        log.New(io.Discard, "", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
