// Package envelope implements the LIME envelope sum type: Message,
// Notification, Command, and Session documents exchanged over a channel.
//
// There is no wire-level discriminator field; as spec.md §3 requires, the
// variant is derived at parse time from which of content/event/method/state
// is present in the JSON object, mirroring the tagged-variant redesign
// called for in spec.md §9 ("Sum-type envelopes").
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lime-go/lime/node"
)

// Kind identifies which of the four envelope variants a value is.
type Kind int

// The four envelope kinds.
const (
	KindMessage Kind = iota
	KindNotification
	KindCommand
	KindSession
)

// String returns a lower-case name for k, used in error messages and traces.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindNotification:
		return "notification"
	case KindCommand:
		return "command"
	case KindSession:
		return "session"
	default:
		return "unknown"
	}
}

// Header holds the fields shared by every envelope variant.
type Header struct {
	ID       string            `json:"id,omitempty"`
	From     *node.Node        `json:"from,omitempty"`
	To       *node.Node        `json:"to,omitempty"`
	PP       *node.Node        `json:"pp,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Envelope is implemented by Message, Notification, Command, and Session.
// It lets the channel dispatch generically on the shared header fields
// (recipient filling, tracing) before type-switching on Kind for
// variant-specific routing.
type Envelope interface {
	Kind() Kind
	Head() *Header
}

// Reason describes why a Command or Session failed or a Notification's
// event occurred.
type Reason struct {
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

// Errors returned while decoding a byte slice into an Envelope.
var (
	// ErrUnknownEnvelope is returned when none of content/event/method/state
	// is present in the decoded object.
	ErrUnknownEnvelope = errors.New("envelope: no content, event, method, or state field present")
	// ErrAmbiguousEnvelope is returned when more than one of
	// content/event/method/state is present, so the variant cannot be
	// determined unambiguously.
	ErrAmbiguousEnvelope = errors.New("envelope: more than one of content, event, method, or state present")
	// ErrCommandRequiresID is returned when a Command has no id; spec.md §3
	// requires one.
	ErrCommandRequiresID = errors.New("envelope: command requires an id")
)

// probe is unmarshaled first to cheaply detect which variant a raw document
// encodes, without committing to a concrete type. Grounded on the
// detector-probe pattern used for JSON-RPC message-type sniffing.
type probe struct {
	Content *json.RawMessage `json:"content"`
	Event   *string          `json:"event"`
	Method  *string          `json:"method"`
	State   *string          `json:"state"`
}

func (p probe) kind() (Kind, error) {
	n := 0
	var k Kind
	if p.Content != nil {
		n++
		k = KindMessage
	}
	if p.Event != nil {
		n++
		k = KindNotification
	}
	if p.Method != nil {
		n++
		k = KindCommand
	}
	if p.State != nil {
		n++
		k = KindSession
	}
	switch n {
	case 0:
		return 0, ErrUnknownEnvelope
	case 1:
		return k, nil
	default:
		return 0, ErrAmbiguousEnvelope
	}
}

// Decode inspects data's JSON shape and unmarshals it into the matching
// Envelope variant.
func Decode(data []byte) (Envelope, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	kind, err := p.kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindMessage:
		m := &Message{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("envelope: decode message: %w", err)
		}
		return m, nil
	case KindNotification:
		note := &Notification{}
		if err := json.Unmarshal(data, note); err != nil {
			return nil, fmt.Errorf("envelope: decode notification: %w", err)
		}
		return note, nil
	case KindCommand:
		c := &Command{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("envelope: decode command: %w", err)
		}
		if c.ID == "" {
			return nil, ErrCommandRequiresID
		}
		return c, nil
	case KindSession:
		s, err := decodeSession(data)
		if err != nil {
			return nil, fmt.Errorf("envelope: decode session: %w", err)
		}
		return s, nil
	default:
		return nil, ErrUnknownEnvelope
	}
}

// Encode marshals e back to its wire JSON representation.
func Encode(e Envelope) ([]byte, error) {
	switch v := e.(type) {
	case *Session:
		return encodeSession(v)
	default:
		return json.Marshal(e)
	}
}
