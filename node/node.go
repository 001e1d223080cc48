// Package node implements LIME node addressing: name@domain/instance.
//
// A Node identifies an endpoint on a LIME network the same way a JID
// identifies one on an XMPP network: a mandatory domain, an optional name
// (the part before '@'), and an optional instance (the part after '/').
// Identity is the name+domain pair with the instance stripped, analogous to
// a "bare JID".
package node

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/precis"
)

// Errors returned by Parse.
var (
	ErrEmptyDomain  = errors.New("node: domain part must not be empty")
	ErrInvalidUTF8  = errors.New("node: string is not valid UTF-8")
	ErrIllegalRune  = errors.New("node: name or instance contains a reserved character")
	ErrIllegalSpace = errors.New("node: string contains whitespace")
)

// reserved holds characters that may never appear in a name or instance part
// even though they could otherwise survive normalization.
const reserved = "\"&'/:<>@"

// Node is a LIME address of the form name@domain/instance. The zero Node
// has an empty domain and is not a valid address.
type Node struct {
	name     string
	domain   string
	instance string
}

// Identity is a Node stripped of its instance part.
type Identity struct {
	name   string
	domain string
}

// New builds a Node from already-normalized parts without re-validating
// them. It is intended for call sites (such as envelope decoding) that
// trust the input, e.g. because it round-tripped through Parse already.
func New(name, domain, instance string) Node {
	return Node{name: name, domain: domain, instance: instance}
}

// Parse splits and normalizes s into a Node. Following RFC 7622's approach
// to JIDs (which LIME's node syntax mirrors), the separators '@' and '/'
// are located before any normalization is applied so that decomposed
// Unicode code points can never be mistaken for a separator.
func Parse(s string) (Node, error) {
	if !utf8.ValidString(s) {
		return Node{}, ErrInvalidUTF8
	}
	if len(strings.Fields(s)) != 1 {
		return Node{}, ErrIllegalSpace
	}

	var name, domain, instance string
	rest := s
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		if at == 0 {
			return Node{}, errors.New("node: name part must not be empty when '@' is present")
		}
		name, rest = rest[:at], rest[at+1:]
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		domain, instance = rest[:slash], rest[slash+1:]
	} else {
		domain = rest
	}

	return normalize(name, domain, instance)
}

// MustParse is like Parse but panics on error. It exists for tests and
// package-level variable initialization where the input is a compile-time
// constant known to be valid.
func MustParse(s string) Node {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

func normalize(name, domain, instance string) (Node, error) {
	if domain == "" {
		return Node{}, ErrEmptyDomain
	}
	if strings.ContainsAny(name, reserved) || strings.ContainsAny(instance, reserved) {
		return Node{}, ErrIllegalRune
	}

	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return Node{}, err
	}
	domain = strings.TrimSuffix(domain, ".")

	if name != "" {
		name, err = precis.UsernameCaseMapped.String(name)
		if err != nil {
			return Node{}, err
		}
	}
	if instance != "" {
		instance, err = precis.OpaqueString.String(instance)
		if err != nil {
			return Node{}, err
		}
	}

	return Node{name: name, domain: domain, instance: instance}, nil
}

// Name returns the node's name part, or "" if it has none.
func (n Node) Name() string { return n.name }

// Domain returns the node's domain part.
func (n Node) Domain() string { return n.domain }

// Instance returns the node's instance part, or "" if it has none.
func (n Node) Instance() string { return n.instance }

// IsZero reports whether n is the zero Node (no domain set).
func (n Node) IsZero() bool { return n.domain == "" }

// Identity returns the identity (name+domain) of n, discarding the
// instance part. This is the LIME analogue of a "bare JID".
func (n Node) Identity() Identity {
	return Identity{name: n.name, domain: n.domain}
}

// WithInstance returns a copy of n with its instance part replaced.
func (n Node) WithInstance(instance string) Node {
	n.instance = instance
	return n
}

// WithDomain returns a copy of n with its domain part replaced, name and
// instance left untouched.
func (n Node) WithDomain(domain string) Node {
	n.domain = domain
	return n
}

// Equal reports whether n and other refer to the same address.
func (n Node) Equal(other Node) bool {
	return n.name == other.name && n.domain == other.domain && n.instance == other.instance
}

// String formats n as name@domain/instance, omitting absent parts.
func (n Node) String() string {
	var b strings.Builder
	if n.name != "" {
		b.WriteString(n.name)
		b.WriteByte('@')
	}
	b.WriteString(n.domain)
	if n.instance != "" {
		b.WriteByte('/')
		b.WriteString(n.instance)
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler, encoding a Node as its string form.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON implements json.Unmarshaler, decoding a Node from its
// string form.
func (n *Node) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Name returns the identity's name part, or "" if it has none.
func (i Identity) Name() string { return i.name }

// Domain returns the identity's domain part.
func (i Identity) Domain() string { return i.domain }

// Equal reports whether i and other are the same identity.
func (i Identity) Equal(other Identity) bool {
	return i.name == other.name && i.domain == other.domain
}

// String formats i as name@domain, omitting the name when absent.
func (i Identity) String() string {
	if i.name == "" {
		return i.domain
	}
	return i.name + "@" + i.domain
}

// Node promotes an Identity back to a Node with no instance part.
func (i Identity) Node() Node {
	return Node{name: i.name, domain: i.domain}
}
