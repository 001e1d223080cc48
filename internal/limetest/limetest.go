// Package limetest provides fakes for testing code that drives a
// transport.Transport or a Channel without a real socket, grounded on the
// teacher's xmpptest package (a ready-made session over a plain
// io.ReadWriter, for tests that don't want to open a real connection).
package limetest

import (
	"fmt"
	"net"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/internal/buffer"
)

// Pipe returns two connected in-memory net.Conn values, the way net.Pipe
// does, so a test can hand one end to a transport.TCP (via
// transport.NewTCP) and script the other end directly.
func Pipe() (client, server net.Conn) {
	return net.Pipe()
}

// Script drives one end of a Pipe through a fixed sequence of envelopes to
// send and receive, standing in for a real LIME server during a unit test.
// It is intentionally synchronous: each call blocks until its read or
// write completes, so a test can interleave assertions between steps.
type Script struct {
	conn    net.Conn
	scanner *buffer.Scanner
}

// NewScript wraps conn (one end of a Pipe) for scripted reads and writes.
func NewScript(conn net.Conn) *Script {
	return &Script{conn: conn, scanner: buffer.NewScanner(conn, 0)}
}

// Send encodes env and writes it to the connection.
func (s *Script) Send(env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("limetest: encode: %w", err)
	}
	_, err = s.conn.Write(data)
	return err
}

// Expect reads the next complete envelope document from the connection and
// decodes it.
func (s *Script) Expect() (envelope.Envelope, error) {
	doc, err := s.scanner.Next()
	if err != nil {
		return nil, fmt.Errorf("limetest: read: %w", err)
	}
	env, err := envelope.Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("limetest: decode: %w", err)
	}
	return env, nil
}

// Close closes the underlying connection.
func (s *Script) Close() error {
	return s.conn.Close()
}
