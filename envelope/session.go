package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// State is a session's position in the handshake state machine described
// by spec.md §4.D: new -> negotiating -> authenticating -> established ->
// finishing -> finished|failed.
type State string

// The states a Session envelope may report.
const (
	StateNew             State = "new"
	StateNegotiating     State = "negotiating"
	StateAuthenticating  State = "authenticating"
	StateEstablished     State = "established"
	StateFinishing       State = "finishing"
	StateFinished        State = "finished"
	StateFailed          State = "failed"
)

// Encryption identifies a transport encryption option offered or chosen
// during session negotiation.
type Encryption string

// The encryption options spec.md §4.D negotiates between.
const (
	EncryptionNone Encryption = "none"
	EncryptionTLS  Encryption = "tls"
)

// Compression identifies a transport compression option offered or chosen
// during session negotiation. Only EncryptionNone-equivalent "none" is
// implemented by this module; spec.md's Non-goals explicitly exclude
// implementing a compression codec, so CompressionGZIP can be carried and
// negotiated but never applied to the wire by this module's transport.
type Compression string

// The compression options a Session may list or choose.
const (
	CompressionNone Compression = "none"
	CompressionGZIP Compression = "gzip"
)

// AuthScheme identifies an authentication scheme. It is an open string type
// rather than a closed enum because spec.md's wire protocol allows schemes
// this module doesn't know about to round-trip via RawAuthentication.
type AuthScheme string

// The authentication schemes this module understands natively.
const (
	SchemeGuest     AuthScheme = "guest"
	SchemePlain     AuthScheme = "plain"
	SchemeTransport AuthScheme = "transport"
	// SchemeKey is a proof-of-possession scheme layered on mellium.im/sasl's
	// challenge/response state machine; see SPEC_FULL.md §3.2.
	SchemeKey AuthScheme = "key"
)

// Authentication is the scheme-specific body of a Session's authentication
// field. Its wire shape depends entirely on the sibling scheme field, which
// is why Session decodes it in a second pass rather than as a plain
// json.Unmarshal target (spec.md §6).
type Authentication interface {
	Scheme() AuthScheme
}

// GuestAuthentication is the empty authentication body used by the guest
// scheme, which authenticates as an ephemeral identity.
type GuestAuthentication struct{}

// Scheme reports SchemeGuest.
func (GuestAuthentication) Scheme() AuthScheme { return SchemeGuest }

// TransportAuthentication is the empty authentication body used when the
// transport connection itself (e.g. a pinned TLS client certificate)
// already establishes identity.
type TransportAuthentication struct{}

// Scheme reports SchemeTransport.
func (TransportAuthentication) Scheme() AuthScheme { return SchemeTransport }

// PlainAuthentication carries a cleartext password, base64-encoded on the
// wire as spec.md §6 requires. Password holds the decoded plaintext.
type PlainAuthentication struct {
	Password string
}

// Scheme reports SchemePlain.
func (PlainAuthentication) Scheme() AuthScheme { return SchemePlain }

// KeyAuthentication carries the client's share of a key-based
// proof-of-possession exchange; see SPEC_FULL.md §3.2. Key holds decoded
// key material, base64-encoded on the wire like PlainAuthentication.
type KeyAuthentication struct {
	Key []byte
}

// Scheme reports SchemeKey.
func (KeyAuthentication) Scheme() AuthScheme { return SchemeKey }

// RawAuthentication preserves the authentication body verbatim for a
// scheme this module doesn't recognize, so unknown schemes round-trip
// instead of being rejected.
type RawAuthentication struct {
	SchemeName AuthScheme
	Data       json.RawMessage
}

// Scheme reports the raw scheme name carried on the wire.
func (r RawAuthentication) Scheme() AuthScheme { return r.SchemeName }

// Session negotiates and reports the state of a channel's handshake.
// Authentication and Reason are set only at the handshake phases that use
// them; see spec.md §4.D and §6.
type Session struct {
	Header
	State              State
	EncryptionOptions  []Encryption
	Encryption         Encryption
	CompressionOptions []Compression
	Compression        Compression
	SchemeOptions      []AuthScheme
	Authentication     Authentication
	Reason             *Reason
}

// Kind reports KindSession.
func (s *Session) Kind() Kind { return KindSession }

// Head returns s's shared header fields.
func (s *Session) Head() *Header { return &s.Header }

// sessionWire is Session's flat wire shape. scheme and authentication are
// decoded together in a second pass because authentication's shape depends
// on scheme's value (spec.md §6).
type sessionWire struct {
	Header
	State              State           `json:"state"`
	EncryptionOptions  []Encryption    `json:"encryptionOptions,omitempty"`
	Encryption         Encryption      `json:"encryption,omitempty"`
	CompressionOptions []Compression   `json:"compressionOptions,omitempty"`
	Compression        Compression     `json:"compression,omitempty"`
	Scheme             AuthScheme      `json:"scheme,omitempty"`
	SchemeOptions      []AuthScheme    `json:"schemeOptions,omitempty"`
	Authentication     json.RawMessage `json:"authentication,omitempty"`
	Reason             *Reason         `json:"reason,omitempty"`
}

func decodeSession(data []byte) (*Session, error) {
	var w sessionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	s := &Session{
		Header:              w.Header,
		State:               w.State,
		EncryptionOptions:   w.EncryptionOptions,
		Encryption:          w.Encryption,
		CompressionOptions:  w.CompressionOptions,
		Compression:         w.Compression,
		SchemeOptions:       w.SchemeOptions,
		Reason:              w.Reason,
	}
	if len(w.Authentication) > 0 {
		auth, err := decodeAuthentication(w.Scheme, w.Authentication)
		if err != nil {
			return nil, err
		}
		s.Authentication = auth
	}
	return s, nil
}

func encodeSession(s *Session) ([]byte, error) {
	w := sessionWire{
		Header:              s.Header,
		State:               s.State,
		EncryptionOptions:   s.EncryptionOptions,
		Encryption:          s.Encryption,
		CompressionOptions:  s.CompressionOptions,
		Compression:         s.Compression,
		SchemeOptions:       s.SchemeOptions,
		Reason:              s.Reason,
	}
	if s.Authentication != nil {
		w.Scheme = s.Authentication.Scheme()
		raw, err := encodeAuthentication(s.Authentication)
		if err != nil {
			return nil, err
		}
		w.Authentication = raw
	}
	return json.Marshal(w)
}

func decodeAuthentication(scheme AuthScheme, data json.RawMessage) (Authentication, error) {
	switch scheme {
	case SchemeGuest, "":
		return GuestAuthentication{}, nil
	case SchemeTransport:
		return TransportAuthentication{}, nil
	case SchemePlain:
		var body struct {
			Password string `json:"password"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("envelope: plain authentication: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(body.Password)
		if err != nil {
			return nil, fmt.Errorf("envelope: plain authentication: password is not valid base64: %w", err)
		}
		return PlainAuthentication{Password: string(decoded)}, nil
	case SchemeKey:
		var body struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("envelope: key authentication: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(body.Key)
		if err != nil {
			return nil, fmt.Errorf("envelope: key authentication: key is not valid base64: %w", err)
		}
		return KeyAuthentication{Key: decoded}, nil
	default:
		return RawAuthentication{SchemeName: scheme, Data: append(json.RawMessage(nil), data...)}, nil
	}
}

func encodeAuthentication(a Authentication) (json.RawMessage, error) {
	switch v := a.(type) {
	case GuestAuthentication, TransportAuthentication:
		return json.RawMessage("{}"), nil
	case PlainAuthentication:
		body := struct {
			Password string `json:"password"`
		}{Password: base64.StdEncoding.EncodeToString([]byte(v.Password))}
		return json.Marshal(body)
	case KeyAuthentication:
		body := struct {
			Key string `json:"key"`
		}{Key: base64.StdEncoding.EncodeToString(v.Key)}
		return json.Marshal(body)
	case RawAuthentication:
		return v.Data, nil
	default:
		return nil, fmt.Errorf("envelope: unsupported authentication type %T", a)
	}
}
