package transport

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/internal/buffer"
)

// ErrCertificatePinMismatch is returned by SetEncryption when
// WithPinnedCertificate was set and the peer's leaf certificate's
// blake2b-256 fingerprint doesn't match. See SPEC_FULL.md §3.1.
var ErrCertificatePinMismatch = errors.New("transport: peer certificate does not match pinned fingerprint")

// SetEncryption implements Transport. The encryption negotiation envelope
// exchange itself (offering and choosing an option) is the session driver's
// responsibility; by the time this is called both sides have already
// agreed encryption should happen, and this only performs the socket-level
// upgrade in place, matching the teacher's StartTLS feature's Negotiate
// step but without an XML <proceed/> handshake of its own (LIME upgrades
// silently: both peers start the TLS client/server handshake as soon as
// they've each sent and received the negotiating Session envelope).
func (t *TCP) SetEncryption(ctx context.Context, enc envelope.Encryption) error {
	if State(t.state.Load())&StateClosed != 0 {
		return ErrClosed
	}
	if enc == envelope.EncryptionNone {
		return nil
	}
	if enc != envelope.EncryptionTLS {
		return fmt.Errorf("transport: unsupported encryption option %q", enc)
	}

	// Quiesce the read loop before touching the connection: it may be
	// blocked reading the plaintext stream, and the handshake that follows
	// reads and writes that same net.Conn directly.
	resumeReadLoop, err := t.pauseReadLoop(ctx)
	if err != nil {
		return fmt.Errorf("transport: pause read loop for tls handshake: %w", err)
	}
	defer resumeReadLoop()

	f := t.currentFrame()
	_ = f.conn.SetReadDeadline(time.Time{})

	tlsConf := t.opts.tlsConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{ServerName: hostOf(f.conn)}
	}
	if len(t.opts.pin) > 0 {
		tlsConf = pinningConfig(tlsConf, t.opts.pin)
	}

	tlsConn := tls.Client(f.conn, tlsConf)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("transport: tls handshake: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	t.frame.Store(&frame{
		conn:    tlsConn,
		scanner: buffer.NewScanner(tlsConn, t.opts.bufferSize),
	})
	t.setState(t.ConnectionState() | StateEncrypted)
	return nil
}

// TLSConnectionState returns the negotiated TLS connection state once
// SetEncryption has upgraded to EncryptionTLS, for callers that want to log
// or assert on the negotiated version/cipher suite. It reports false if no
// TLS upgrade has happened yet.
func (t *TCP) TLSConnectionState() (tls.ConnectionState, bool) {
	f := t.currentFrame()
	tlsConn, ok := f.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

// hostOf derives a TLS ServerName from conn's remote address when the
// caller hasn't supplied a *tls.Config of their own.
func hostOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// pinningConfig returns a shallow copy of base with VerifyPeerCertificate
// set to enforce fingerprint, in addition to (not instead of) base's normal
// chain verification.
func pinningConfig(base *tls.Config, fingerprint []byte) *tls.Config {
	cfg := base.Clone()
	prevVerify := cfg.VerifyPeerCertificate
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if prevVerify != nil {
			if err := prevVerify(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		if len(rawCerts) == 0 {
			return ErrCertificatePinMismatch
		}
		sum := blake2b.Sum256(rawCerts[0])
		if subtle.ConstantTimeCompare(sum[:], fingerprint) != 1 {
			return ErrCertificatePinMismatch
		}
		return nil
	}
	return cfg
}
