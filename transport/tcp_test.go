package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/internal/limetest"
	"github.com/lime-go/lime/transport"
)

func TestDialUnsupportedScheme(t *testing.T) {
	_, err := transport.Dial(context.Background(), "ws://example.net:1883")
	if !errors.Is(err, transport.ErrUnsupportedScheme) {
		t.Fatalf("Dial error = %v, want %v", err, transport.ErrUnsupportedScheme)
	}
}

func TestSendAndReceive(t *testing.T) {
	clientConn, serverConn := limetest.Pipe()
	defer serverConn.Close()

	tr := transport.NewTCP(clientConn)
	defer tr.Close()

	received := make(chan envelope.Envelope, 1)
	tr.SetEnvelopeListener(func(env envelope.Envelope) {
		received <- env
	})

	script := limetest.NewScript(serverConn)
	msg := &envelope.Message{
		Header:  envelope.Header{ID: "1"},
		Type:    "text/plain",
		Content: json.RawMessage(`"hello"`),
	}

	// net.Pipe is unbuffered, so the read and the write that satisfies it
	// must run concurrently.
	type result struct {
		env envelope.Envelope
		err error
	}
	expectDone := make(chan result, 1)
	go func() {
		env, err := script.Expect()
		expectDone <- result{env, err}
	}()

	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := <-expectDone
	if res.err != nil {
		t.Fatalf("Expect: %v", res.err)
	}
	if res.env.Kind() != envelope.KindMessage {
		t.Errorf("Kind() = %v, want %v", res.env.Kind(), envelope.KindMessage)
	}

	if err := script.Send(&envelope.Notification{Header: envelope.Header{ID: "1"}, Event: envelope.EventReceived}); err != nil {
		t.Fatalf("script.Send: %v", err)
	}
	select {
	case env := <-received:
		if env.Kind() != envelope.KindNotification {
			t.Errorf("received Kind() = %v, want %v", env.Kind(), envelope.KindNotification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestConnectionStateAndClose(t *testing.T) {
	clientConn, serverConn := limetest.Pipe()
	defer serverConn.Close()

	tr := transport.NewTCP(clientConn)
	if tr.ConnectionState()&transport.StateOpen == 0 {
		t.Fatalf("ConnectionState() = %v, want StateOpen set", tr.ConnectionState())
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.ConnectionState()&transport.StateClosed == 0 {
		t.Fatalf("ConnectionState() = %v, want StateClosed set", tr.ConnectionState())
	}
	// Close must be idempotent.
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := limetest.Pipe()
	defer serverConn.Close()

	tr := transport.NewTCP(clientConn)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := tr.Send(context.Background(), &envelope.Message{Content: json.RawMessage(`"x"`)})
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after close error = %v, want %v", err, transport.ErrClosed)
	}
}

func TestSetEncryptionNoneIsNoop(t *testing.T) {
	clientConn, serverConn := limetest.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	tr := transport.NewTCP(clientConn)
	defer tr.Close()
	if err := tr.SetEncryption(context.Background(), envelope.EncryptionNone); err != nil {
		t.Fatalf("SetEncryption(none): %v", err)
	}
	if tr.ConnectionState()&transport.StateEncrypted != 0 {
		t.Errorf("StateEncrypted set after a no-op upgrade")
	}
}
