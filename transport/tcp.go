package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/internal/buffer"
)

// ErrUnsupportedScheme is returned by Dial when the URI's scheme is not
// "net.tcp"; spec.md's external interfaces section names net.tcp as the
// only transport URI scheme this module understands.
var ErrUnsupportedScheme = errors.New("transport: unsupported URI scheme")

// ErrClosed is returned by Send and SetEncryption once the transport has
// been closed.
var ErrClosed = errors.New("transport: closed")

// readPollInterval bounds how long the read loop can be blocked inside a
// single conn.Read before it wakes up to check whether SetEncryption has
// asked it to quiesce for an in-band TLS upgrade. It also bounds the
// latency of that quiesce.
const readPollInterval = 200 * time.Millisecond

// TCP is a Transport over a single net.tcp:// connection. A TCP value
// owns a goroutine (the read task, in the teacher's parlance for the
// analogous XML token reader) that scans the connection for complete
// envelope documents and dispatches them to the registered
// EnvelopeListener; it must be constructed with Dial or NewTCP, never the
// zero value.
type TCP struct {
	opts Options

	writeMu sync.Mutex

	// frame holds the current net.Conn and its Scanner together so the read
	// loop always observes a matching pair, even immediately after an
	// in-band TLS upgrade replaces both.
	frame atomic.Pointer[frame]

	state atomic.Uint32

	listenersMu   sync.RWMutex
	onEnvelope    EnvelopeListener
	onState       StateListener
	onException   ExceptionListener

	// pauseReq/pausedAck/resume coordinate quiescing the read loop while
	// SetEncryption performs an in-band TLS handshake on the same net.Conn;
	// see SetEncryption in tls.go.
	pauseReq  chan struct{}
	pausedAck chan struct{}
	resume    chan struct{}
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type frame struct {
	conn    net.Conn
	scanner *buffer.Scanner
}

// Dial parses rawURI (a net.tcp://host:port address, per spec.md's external
// interfaces) and opens a TCP transport to it.
func Dial(ctx context.Context, rawURI string, opts ...Option) (*TCP, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("transport: parse %q: %w", rawURI, err)
	}
	if u.Scheme != "net.tcp" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.Host, err)
	}
	return NewTCP(conn, opts...), nil
}

// NewTCP wraps an already-connected net.Conn (for example one accepted by a
// test harness, or dialed by a caller that needs finer control than Dial
// offers) as a TCP transport and starts its read loop.
func NewTCP(conn net.Conn, opts ...Option) *TCP {
	t := &TCP{
		opts:      newOptions(opts...),
		pauseReq:  make(chan struct{}),
		pausedAck: make(chan struct{}),
		resume:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.frame.Store(&frame{conn: conn, scanner: buffer.NewScanner(conn, t.opts.bufferSize)})
	t.state.Store(uint32(StateOpen))
	go t.readLoop()
	return t
}

func (t *TCP) currentFrame() *frame {
	return t.frame.Load()
}

// readLoop is the read task: it scans the current frame for complete
// envelope documents and dispatches them to the registered
// EnvelopeListener. Between documents (and, via readPollInterval, even
// mid-read on an idle connection) it checks for a pending SetEncryption
// pause request so the in-band TLS upgrade never races it for the socket.
func (t *TCP) readLoop() {
	for {
		select {
		case <-t.pauseReq:
			t.pausedAck <- struct{}{}
			select {
			case <-t.resume:
			case <-t.done:
				return
			}
			continue
		default:
		}

		f := t.currentFrame()
		_ = f.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		doc, err := f.scanner.Next()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.fail(classifyScanError(err))
			return
		}
		_ = f.conn.SetReadDeadline(time.Time{})

		env, err := envelope.Decode(doc)
		if err != nil {
			t.fail(fmt.Errorf("transport: decode envelope: %w", err))
			return
		}

		t.listenersMu.RLock()
		onEnvelope := t.onEnvelope
		t.listenersMu.RUnlock()
		if onEnvelope != nil {
			onEnvelope(env)
		}
	}
}

// pauseReadLoop asks the read loop to stop consuming bytes and waits for
// it to acknowledge, so a caller (SetEncryption) can safely read and write
// the TLS handshake on the same net.Conn. The returned func resumes the
// read loop with the frame current at the time it's called, and must
// always be called exactly once.
func (t *TCP) pauseReadLoop(ctx context.Context) (func(), error) {
	select {
	case t.pauseReq <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
	select {
	case <-t.pausedAck:
	case <-t.done:
		return nil, ErrClosed
	}
	return func() {
		select {
		case t.resume <- struct{}{}:
		case <-t.done:
		}
	}, nil
}

func classifyScanError(err error) error {
	if errors.Is(err, buffer.ErrBufferOverflow) || errors.Is(err, buffer.ErrSerialization) {
		return err
	}
	return fmt.Errorf("transport: read: %w", err)
}

func (t *TCP) fail(err error) {
	t.opts.log.Printf("transport: closing after error: %v", err)
	t.listenersMu.RLock()
	onException := t.onException
	t.listenersMu.RUnlock()
	if onException != nil {
		onException(err)
	}
	_ = t.Close()
}

// Send implements Transport.
func (t *TCP) Send(ctx context.Context, env envelope.Envelope) error {
	if State(t.state.Load())&StateClosed != 0 {
		return ErrClosed
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}

	f := t.currentFrame()
	if deadline, ok := ctx.Deadline(); ok {
		_ = f.conn.SetWriteDeadline(deadline)
		defer f.conn.SetWriteDeadline(time.Time{})
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := f.conn.Write(data); err != nil {
		err = fmt.Errorf("transport: write: %w", err)
		t.fail(err)
		return err
	}
	return nil
}

// SetEnvelopeListener implements Transport.
func (t *TCP) SetEnvelopeListener(l EnvelopeListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onEnvelope = l
}

// SetStateListener implements Transport.
func (t *TCP) SetStateListener(l StateListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onState = l
}

// SetExceptionListener implements Transport.
func (t *TCP) SetExceptionListener(l ExceptionListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onException = l
}

// SupportedEncryption implements Transport.
func (t *TCP) SupportedEncryption() []envelope.Encryption {
	return []envelope.Encryption{envelope.EncryptionNone, envelope.EncryptionTLS}
}

// ConnectionState implements Transport.
func (t *TCP) ConnectionState() State {
	return State(t.state.Load())
}

func (t *TCP) setState(s State) {
	t.state.Store(uint32(s))
	t.listenersMu.RLock()
	onState := t.onState
	t.listenersMu.RUnlock()
	if onState != nil {
		onState(s)
	}
}

// Close implements Transport.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		f := t.currentFrame()
		t.closeErr = f.conn.Close()
		t.setState(t.ConnectionState() | StateClosed)
		close(t.done)
	})
	return t.closeErr
}
