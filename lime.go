// Package lime implements a client for the LIME protocol: a stateful,
// JSON-over-TCP messaging protocol built around four envelope kinds
// (Message, Notification, Command, Session) exchanged over a single
// long-lived connection after a session handshake.
//
// Server-side session logic, a reconnect policy, a compression codec, and
// envelope content schemas are all out of scope for this module; see
// spec.md and SPEC_FULL.md for the full list of Non-goals.
package lime

import (
	"context"
	"errors"
	"net/url"

	"github.com/lime-go/lime/node"
	"github.com/lime-go/lime/transport"
)

// Dial opens a net.tcp:// connection to rawURI and wraps it in a Channel
// identified locally as local, the way transport.Dial plus NewChannel
// would, but in one call for the common case.
func Dial(ctx context.Context, rawURI string, local node.Node, transportOpts []transport.Option, channelOpts ...ChannelOption) (*Channel, error) {
	tr, err := transport.Dial(ctx, rawURI, transportOpts...)
	if err != nil {
		var urlErr *url.Error
		if errors.Is(err, transport.ErrUnsupportedScheme) || errors.As(err, &urlErr) {
			return nil, newError(KindInvalidArgument, "Dial", err)
		}
		return nil, newError(KindIO, "Dial", err)
	}
	return NewChannel(tr, local, channelOpts...), nil
}
