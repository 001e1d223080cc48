package lime

import (
	"context"
	"testing"
	"time"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/node"
)

// fakeServer drives the server side of a handshake against a ClientSession
// under test, using the same Script a Channel-level test would.
func fakeServer(t *testing.T, script interface {
	Send(envelope.Envelope) error
	Expect() (envelope.Envelope, error)
}) {
	t.Helper()

	// new
	req, err := script.Expect()
	if err != nil {
		t.Errorf("expect new: %v", err)
		return
	}
	if req.(*envelope.Session).State != envelope.StateNew {
		t.Errorf("expected new session request")
	}
	if err := script.Send(&envelope.Session{
		Header: envelope.Header{ID: "sess1"},
		State:  envelope.StateNegotiating,
		// Only "none" is offered so the automatic-selection test doesn't
		// trigger a real TLS handshake against the in-memory pipe.
		EncryptionOptions:  []envelope.Encryption{envelope.EncryptionNone},
		CompressionOptions: []envelope.Compression{envelope.CompressionNone},
	}); err != nil {
		t.Errorf("send negotiating offer: %v", err)
		return
	}

	// negotiating choice
	req, err = script.Expect()
	if err != nil {
		t.Errorf("expect negotiating choice: %v", err)
		return
	}
	neg := req.(*envelope.Session)
	if neg.Encryption != envelope.EncryptionNone {
		t.Errorf("Encryption = %v, want none (only option offered)", neg.Encryption)
	}
	if err := script.Send(&envelope.Session{
		Header:        envelope.Header{ID: "sess1"},
		State:         envelope.StateAuthenticating,
		SchemeOptions: []envelope.AuthScheme{envelope.SchemeGuest},
	}); err != nil {
		t.Errorf("send authenticating offer: %v", err)
		return
	}

	// authenticate
	req, err = script.Expect()
	if err != nil {
		t.Errorf("expect authenticate: %v", err)
		return
	}
	auth := req.(*envelope.Session)
	if _, ok := auth.Authentication.(envelope.GuestAuthentication); !ok {
		t.Errorf("Authentication = %T, want GuestAuthentication", auth.Authentication)
	}
	remote := node.MustParse("postmaster@example.net")
	if err := script.Send(&envelope.Session{
		Header: envelope.Header{ID: "sess1", From: &remote},
		State:  envelope.StateEstablished,
	}); err != nil {
		t.Errorf("send established: %v", err)
		return
	}
}

func TestClientSessionEstablishSession(t *testing.T) {
	ch, script := newTestChannel(t)
	cs := NewClientSession(ch)

	go fakeServer(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := cs.EstablishSession(ctx, EstablishOptions{
		Authentication: envelope.GuestAuthentication{},
	})
	if err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}
	if resp.State != envelope.StateEstablished {
		t.Errorf("State = %v, want established", resp.State)
	}
	if ch.RemoteNode().String() != "postmaster@example.net" {
		t.Errorf("RemoteNode() = %v", ch.RemoteNode())
	}
	if ch.State() != envelope.StateEstablished {
		t.Errorf("Channel.State() = %v", ch.State())
	}
}

func TestClientSessionEstablishSessionRequiresAuthentication(t *testing.T) {
	ch, _ := newTestChannel(t)
	cs := NewClientSession(ch)
	_, err := cs.EstablishSession(context.Background(), EstablishOptions{})
	if kind, ok := KindOf(err); !ok || kind != KindInvalidArgument {
		t.Errorf("error = %v, want KindInvalidArgument", err)
	}
}

func TestChooseOptionDemandsExactMatch(t *testing.T) {
	_, err := chooseOption([]envelope.Encryption{envelope.EncryptionNone}, defaultEncryptionPreference, envelope.EncryptionTLS)
	if err == nil {
		t.Fatal("expected error when demanded option isn't offered")
	}
}

func TestChooseOptionPicksPreferredWhenAutomatic(t *testing.T) {
	got, err := chooseOption([]envelope.Encryption{envelope.EncryptionNone, envelope.EncryptionTLS}, defaultEncryptionPreference, "")
	if err != nil {
		t.Fatalf("chooseOption: %v", err)
	}
	if got != envelope.EncryptionTLS {
		t.Errorf("got = %v, want tls (first in preference order)", got)
	}
}

// fakeServerSkipsNegotiation plays a server that answers "new" by jumping
// straight to authenticating, the case spec.md §4.D's diagram allows and the
// old toOrder==fromOrder+1 model used to reject.
func fakeServerSkipsNegotiation(t *testing.T, script interface {
	Send(envelope.Envelope) error
	Expect() (envelope.Envelope, error)
}) {
	t.Helper()

	req, err := script.Expect()
	if err != nil {
		t.Errorf("expect new: %v", err)
		return
	}
	if req.(*envelope.Session).State != envelope.StateNew {
		t.Errorf("expected new session request")
	}
	if err := script.Send(&envelope.Session{
		Header:        envelope.Header{ID: "sess1"},
		State:         envelope.StateAuthenticating,
		SchemeOptions: []envelope.AuthScheme{envelope.SchemeGuest},
	}); err != nil {
		t.Errorf("send authenticating offer: %v", err)
		return
	}

	req, err = script.Expect()
	if err != nil {
		t.Errorf("expect authenticate: %v", err)
		return
	}
	auth := req.(*envelope.Session)
	if _, ok := auth.Authentication.(envelope.GuestAuthentication); !ok {
		t.Errorf("Authentication = %T, want GuestAuthentication", auth.Authentication)
	}
	if auth.Head().From == nil || auth.Head().From.String() != "golang@example.net/home" {
		t.Errorf("From = %v, want golang@example.net/home", auth.Head().From)
	}
	remote := node.MustParse("postmaster@example.net")
	if err := script.Send(&envelope.Session{
		Header: envelope.Header{ID: "sess1", From: &remote},
		State:  envelope.StateEstablished,
	}); err != nil {
		t.Errorf("send established: %v", err)
		return
	}
}

func TestClientSessionSkipsNegotiation(t *testing.T) {
	ch, script := newTestChannel(t)
	cs := NewClientSession(ch)

	go fakeServerSkipsNegotiation(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := cs.EstablishSession(ctx, EstablishOptions{
		Authentication: envelope.GuestAuthentication{},
	})
	if err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}
	if resp.State != envelope.StateEstablished {
		t.Errorf("State = %v, want established", resp.State)
	}
	if ch.State() != envelope.StateEstablished {
		t.Errorf("Channel.State() = %v, want established", ch.State())
	}
}

func TestAuthenticateSessionRequiresIdentity(t *testing.T) {
	ch, _ := newTestChannel(t)
	cs := NewClientSession(ch)
	ch.setState(envelope.StateAuthenticating)
	_, err := cs.AuthenticateSession(context.Background(), "sess1", node.Node{}, envelope.GuestAuthentication{}, "home")
	if kind, ok := KindOf(err); !ok || kind != KindInvalidArgument {
		t.Errorf("error = %v, want KindInvalidArgument", err)
	}
}

func TestAuthenticateSessionRejectsWrongOrigin(t *testing.T) {
	ch, _ := newTestChannel(t)
	cs := NewClientSession(ch)
	identity := node.MustParse("golang@example.net")
	_, err := cs.AuthenticateSession(context.Background(), "sess1", identity, envelope.GuestAuthentication{}, "home")
	if kind, ok := KindOf(err); !ok || kind != KindInvalidState {
		t.Errorf("error = %v, want KindInvalidState (channel is still in StateNew)", err)
	}
}

