package envelope

import (
	"encoding/json"
	"testing"

	"github.com/lime-go/lime/node"
)

func TestDecodeMessage(t *testing.T) {
	data := []byte(`{"id":"1","from":"golang@example.net","to":"dotnet@example.net","type":"text/plain","content":"hi"}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind() != KindMessage {
		t.Fatalf("Kind() = %v, want %v", env.Kind(), KindMessage)
	}
	m := env.(*Message)
	if m.Type != "text/plain" {
		t.Errorf("Type = %q", m.Type)
	}
	if m.Head().From.String() != "golang@example.net" {
		t.Errorf("From = %v", m.Head().From)
	}
}

func TestDecodeNotification(t *testing.T) {
	data := []byte(`{"id":"1","event":"failed","reason":{"code":11,"description":"boom"}}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	n, ok := env.(*Notification)
	if !ok {
		t.Fatalf("Decode returned %T, want *Notification", env)
	}
	if n.Event != EventFailed {
		t.Errorf("Event = %q", n.Event)
	}
	if n.Reason == nil || n.Reason.Code != 11 {
		t.Errorf("Reason = %+v", n.Reason)
	}
}

func TestDecodeCommandRequiresID(t *testing.T) {
	data := []byte(`{"method":"get","uri":"/ping"}`)
	if _, err := Decode(data); err != ErrCommandRequiresID {
		t.Errorf("Decode() error = %v, want %v", err, ErrCommandRequiresID)
	}
}

func TestDecodeCommand(t *testing.T) {
	data := []byte(`{"id":"1","method":"get","uri":"/ping","status":"success"}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c := env.(*Command)
	if c.Method != MethodGet || c.URI != "/ping" || !c.IsResponse() {
		t.Errorf("unexpected command: %+v", c)
	}
}

func TestDecodeUnknownAndAmbiguous(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"1"}`)); err != ErrUnknownEnvelope {
		t.Errorf("error = %v, want %v", err, ErrUnknownEnvelope)
	}
	if _, err := Decode([]byte(`{"event":"accepted","method":"get","id":"1"}`)); err != ErrAmbiguousEnvelope {
		t.Errorf("error = %v, want %v", err, ErrAmbiguousEnvelope)
	}
}

func TestSessionPlainAuthenticationRoundTrip(t *testing.T) {
	s := &Session{
		Header: Header{ID: "1"},
		State:  StateAuthenticating,
		Authentication: PlainAuthentication{
			Password: "hunter2",
		},
	}
	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(data, &asMap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if asMap["scheme"] != string(SchemePlain) {
		t.Errorf("scheme = %v, want %v", asMap["scheme"], SchemePlain)
	}
	auth, ok := asMap["authentication"].(map[string]interface{})
	if !ok {
		t.Fatalf("authentication = %v, not an object", asMap["authentication"])
	}
	if auth["password"] == "hunter2" {
		t.Errorf("password was not base64-encoded on the wire")
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := env.(*Session)
	pa, ok := got.Authentication.(PlainAuthentication)
	if !ok {
		t.Fatalf("Authentication = %T, want PlainAuthentication", got.Authentication)
	}
	if pa.Password != "hunter2" {
		t.Errorf("Password = %q, want %q", pa.Password, "hunter2")
	}
}

func TestSessionGuestAuthenticationEncodesEmptyObject(t *testing.T) {
	s := &Session{Header: Header{ID: "1"}, State: StateAuthenticating, Authentication: GuestAuthentication{}}
	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &asMap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(asMap["authentication"]) != "{}" {
		t.Errorf("authentication = %s, want {}", asMap["authentication"])
	}
}

func TestSessionUnknownSchemeRoundTrips(t *testing.T) {
	data := []byte(`{"state":"authenticating","scheme":"custom","authentication":{"foo":"bar"}}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s := env.(*Session)
	raw, ok := s.Authentication.(RawAuthentication)
	if !ok {
		t.Fatalf("Authentication = %T, want RawAuthentication", s.Authentication)
	}
	if raw.Scheme() != "custom" {
		t.Errorf("Scheme() = %q", raw.Scheme())
	}

	out, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var roundTripped map[string]interface{}
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	auth, _ := roundTripped["authentication"].(map[string]interface{})
	if auth["foo"] != "bar" {
		t.Errorf("authentication did not round-trip: %v", roundTripped["authentication"])
	}
}

func TestHeaderFieldsEncodeOmitted(t *testing.T) {
	m := &Message{Header: Header{ID: "1"}, Content: json.RawMessage(`"x"`)}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(data, &asMap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, absent := range []string{"from", "to", "pp", "metadata"} {
		if _, ok := asMap[absent]; ok {
			t.Errorf("field %q present when unset", absent)
		}
	}
}

func TestEnvelopeHeaderFillsRecipient(t *testing.T) {
	from := node.MustParse("golang@example.net")
	m := &Message{Header: Header{ID: "1", From: &from}, Content: json.RawMessage(`"x"`)}
	if m.Head().To != nil {
		t.Fatalf("To = %v, want nil before filling", m.Head().To)
	}
	to := node.MustParse("dotnet@example.net")
	m.Head().To = &to
	if m.Head().To.String() != "dotnet@example.net" {
		t.Errorf("To = %v", m.Head().To)
	}
}
