package envelope

import "encoding/json"

// Message carries application content of an arbitrary media type between
// two nodes. The channel never interprets Content; per spec.md §3 its
// schema is out of scope.
type Message struct {
	Header
	Type    string          `json:"type,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Kind reports KindMessage.
func (m *Message) Kind() Kind { return KindMessage }

// Head returns m's shared header fields.
func (m *Message) Head() *Header { return &m.Header }
