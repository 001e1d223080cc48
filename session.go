package lime

import (
	"context"
	"errors"
	"fmt"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/node"
)

// defaultEncryptionPreference is the built-in order ClientSession.
// EstablishSession walks a server's encryptionOptions in when the caller
// hasn't demanded a specific option; see DESIGN.md's "Open Question
// resolutions".
var defaultEncryptionPreference = []envelope.Encryption{envelope.EncryptionTLS, envelope.EncryptionNone}

// defaultCompressionPreference is EstablishSession's equivalent preference
// order for compression. Only "none" is ever actually applied by this
// module's transport (spec.md's Non-goals exclude a compression codec),
// but "gzip" can still be negotiated and carried if a caller's own
// transport implementation understands it.
var defaultCompressionPreference = []envelope.Compression{envelope.CompressionNone, envelope.CompressionGZIP}

// ClientSession drives a Channel through the handshake state machine
// described by spec.md §4.D: new -> negotiating -> authenticating ->
// established -> finishing -> finished|failed. Each phase is its own
// method so a caller can interleave custom logic (e.g. picking encryption
// based on policy) between them; EstablishSession runs all of them with
// reasonable defaults for the common case.
type ClientSession struct {
	ch *Channel
}

// NewClientSession returns a session driver for ch.
func NewClientSession(ch *Channel) *ClientSession {
	return &ClientSession{ch: ch}
}

// Channel returns the session's underlying Channel.
func (cs *ClientSession) Channel() *Channel { return cs.ch }

// checkOrigin fails with KindInvalidState if the channel isn't currently in
// one of origin, per spec.md §4.D's "fails with invalid-state if invoked
// outside its allowed origin state".
func (cs *ClientSession) checkOrigin(op string, origin ...envelope.State) error {
	cur := cs.ch.State()
	for _, s := range origin {
		if cur == s {
			return nil
		}
	}
	return newError(KindInvalidState, op, fmt.Errorf("not legal in state %q", cur))
}

// StartNewSession sends a Session in StateNew and waits for the server's
// reply, which carries the session id and its negotiable options.
func (cs *ClientSession) StartNewSession(ctx context.Context) (*envelope.Session, error) {
	if err := cs.checkOrigin("ClientSession.StartNewSession", envelope.StateNew); err != nil {
		return nil, err
	}
	if err := cs.ch.SendSession(ctx, &envelope.Session{State: envelope.StateNew}); err != nil {
		return nil, err
	}
	resp, err := cs.ch.NextSession(ctx)
	if err != nil {
		return nil, err
	}
	if resp.State == envelope.StateFailed {
		return resp, newError(KindInvalidState, "ClientSession.StartNewSession", sessionFailureError(resp))
	}
	return resp, nil
}

// NegotiateSession sends the chosen encryption and compression options for
// sessionID and waits for the server's reply. If encryption is
// EncryptionTLS, it also drives the transport's in-band TLS upgrade once
// the server has acknowledged the choice.
func (cs *ClientSession) NegotiateSession(ctx context.Context, sessionID string, encryption envelope.Encryption, compression envelope.Compression) (*envelope.Session, error) {
	if err := cs.checkOrigin("ClientSession.NegotiateSession", envelope.StateNegotiating); err != nil {
		return nil, err
	}
	req := &envelope.Session{
		Header:      envelope.Header{ID: sessionID},
		State:       envelope.StateNegotiating,
		Encryption:  encryption,
		Compression: compression,
	}
	if err := cs.ch.SendSession(ctx, req); err != nil {
		return nil, err
	}
	resp, err := cs.ch.NextSession(ctx)
	if err != nil {
		return nil, err
	}
	if resp.State == envelope.StateFailed {
		return resp, newError(KindInvalidState, "ClientSession.NegotiateSession", sessionFailureError(resp))
	}
	if encryption == envelope.EncryptionTLS {
		if err := cs.ch.Transport().SetEncryption(ctx, envelope.EncryptionTLS); err != nil {
			return resp, newError(KindIO, "ClientSession.NegotiateSession", err)
		}
	}
	return resp, nil
}

// AuthenticateSession sends auth, built from identity and instance, for
// sessionID and waits for the server's reply, per spec.md §4.D's
// authenticateSession(identity, auth, instance). The outbound Session's
// "from" is set to identity with instance attached (e.g. "u@d/h1"). On
// success it records the server's node as the channel's remote node.
func (cs *ClientSession) AuthenticateSession(ctx context.Context, sessionID string, identity node.Node, auth envelope.Authentication, instance string) (*envelope.Session, error) {
	if err := cs.checkOrigin("ClientSession.AuthenticateSession", envelope.StateAuthenticating); err != nil {
		return nil, err
	}
	if identity.IsZero() {
		return nil, newError(KindInvalidArgument, "ClientSession.AuthenticateSession", errors.New("identity must be set"))
	}
	if auth == nil {
		return nil, newError(KindInvalidArgument, "ClientSession.AuthenticateSession", errors.New("authentication must be set"))
	}
	from := identity.WithInstance(instance)
	req := &envelope.Session{
		Header:         envelope.Header{ID: sessionID, From: &from},
		State:          envelope.StateAuthenticating,
		Authentication: auth,
	}
	if err := cs.ch.SendSession(ctx, req); err != nil {
		return nil, err
	}
	resp, err := cs.ch.NextSession(ctx)
	if err != nil {
		return nil, err
	}
	if resp.State == envelope.StateFailed {
		return resp, newError(KindInvalidState, "ClientSession.AuthenticateSession", sessionFailureError(resp))
	}
	if resp.State == envelope.StateEstablished && resp.Head().From != nil {
		cs.ch.SetRemoteNode(*resp.Head().From)
	}
	return resp, nil
}

// SendFinishingSession sends a Session in StateFinishing for sessionID,
// asking the server to end the session gracefully.
func (cs *ClientSession) SendFinishingSession(ctx context.Context, sessionID string) error {
	if err := cs.checkOrigin("ClientSession.SendFinishingSession", envelope.StateEstablished); err != nil {
		return err
	}
	return cs.ch.SendSession(ctx, &envelope.Session{Header: envelope.Header{ID: sessionID}, State: envelope.StateFinishing})
}

// EstablishOptions configures EstablishSession. A zero or "none" Encryption
// or Compression means "choose automatically from the built-in preference
// order"; any other value is demanded verbatim, and EstablishSession
// fails if the server doesn't offer it. Identity and Instance build the
// authenticating phase's "from" address (spec.md §4.D's
// authenticateSession(identity, auth, instance)); when Identity is the
// zero Node, the channel's local node's identity is used, and likewise
// for Instance.
type EstablishOptions struct {
	Encryption     envelope.Encryption
	Compression    envelope.Compression
	Authentication envelope.Authentication
	Identity       node.Node
	Instance       string
}

// EstablishSession runs StartNewSession, NegotiateSession (unless the
// server skips straight to authenticating), and AuthenticateSession in
// sequence, applying EstablishOptions' defaulting rules, and returns the
// Session that reported StateEstablished.
func (cs *ClientSession) EstablishSession(ctx context.Context, opts EstablishOptions) (*envelope.Session, error) {
	if opts.Authentication == nil {
		return nil, newError(KindInvalidArgument, "ClientSession.EstablishSession", errors.New("Authentication must be set"))
	}

	newResp, err := cs.StartNewSession(ctx)
	if err != nil {
		return nil, err
	}

	authOriginResp := newResp
	if newResp.State == envelope.StateNegotiating {
		wantEncryption, wantCompression := opts.Encryption, opts.Compression
		if wantEncryption == envelope.EncryptionNone {
			wantEncryption = ""
		}
		if wantCompression == envelope.CompressionNone {
			wantCompression = ""
		}
		encryption, err := chooseOption(newResp.EncryptionOptions, defaultEncryptionPreference, wantEncryption)
		if err != nil {
			return nil, newError(KindInvalidState, "ClientSession.EstablishSession", fmt.Errorf("encryption: %w", err))
		}
		compression, err := chooseOption(newResp.CompressionOptions, defaultCompressionPreference, wantCompression)
		if err != nil {
			return nil, newError(KindInvalidState, "ClientSession.EstablishSession", fmt.Errorf("compression: %w", err))
		}

		negResp, err := cs.NegotiateSession(ctx, newResp.ID, encryption, compression)
		if err != nil {
			return nil, err
		}
		authOriginResp = negResp
	}

	identity := opts.Identity
	if identity.IsZero() {
		identity = cs.ch.LocalNode().Identity().Node()
	}
	instance := opts.Instance
	if instance == "" {
		instance = cs.ch.LocalNode().Instance()
	}

	authResp, err := cs.AuthenticateSession(ctx, authOriginResp.ID, identity, opts.Authentication, instance)
	if err != nil {
		return nil, err
	}
	if authResp.State != envelope.StateEstablished {
		return authResp, newError(KindInvalidState, "ClientSession.EstablishSession",
			fmt.Errorf("session ended in state %q instead of established", authResp.State))
	}
	return authResp, nil
}

// chooseOption picks want from offered if want is non-zero, failing if
// it isn't present; otherwise it returns the first option in preferred
// that's also present in offered.
func chooseOption[T comparable](offered []T, preferred []T, want T) (T, error) {
	var zero T
	if want != zero {
		for _, o := range offered {
			if o == want {
				return want, nil
			}
		}
		return zero, fmt.Errorf("%v not offered by server", want)
	}
	for _, p := range preferred {
		for _, o := range offered {
			if o == p {
				return p, nil
			}
		}
	}
	return zero, errors.New("no common option offered by server")
}

func sessionFailureError(s *envelope.Session) error {
	if s.Reason != nil {
		return fmt.Errorf("session failed: %d %s", s.Reason.Code, s.Reason.Description)
	}
	return errors.New("session failed")
}
