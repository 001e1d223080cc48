package lime

import (
	"errors"

	"mellium.im/sasl"

	"github.com/lime-go/lime/envelope"
)

// NewKeyAuthentication builds the authentication body for SchemeKey: a
// proof of possession of secret, carried as the key field described in
// SPEC_FULL.md §3.2. It reuses mellium.im/sasl's PLAIN mechanism purely as
// a well-reviewed way to frame (identity, secret) into a single proof
// value, the same building block the teacher's own SASL feature
// negotiation is built on (see sasl.go's SASL stream feature).
func NewKeyAuthentication(identity, secret string) (envelope.KeyAuthentication, error) {
	client := sasl.NewClient(sasl.Plain, sasl.Credentials(identity, secret))
	more, resp, err := client.Step(nil)
	if err != nil {
		return envelope.KeyAuthentication{}, newError(KindInvalidArgument, "NewKeyAuthentication", err)
	}
	if more {
		return envelope.KeyAuthentication{}, newError(KindInvalidArgument, "NewKeyAuthentication",
			errors.New("PLAIN mechanism unexpectedly required a second step"))
	}
	return envelope.KeyAuthentication{Key: resp}, nil
}
