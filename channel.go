package lime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/lime-go/lime/envelope"
	"github.com/lime-go/lime/internal"
	"github.com/lime-go/lime/node"
	"github.com/lime-go/lime/transport"
)

// pingURI is the well-known resource a Command ping targets, generalizing
// the teacher's ping package (a thin IQ wrapper for XEP-0199) to LIME's
// Command-shaped envelopes.
const pingURI = "/ping"

// Channel dispatches received envelopes from a Transport to registered
// listeners and fills in received envelopes' recipient information, the way
// spec.md §4.C describes. It also hosts two cross-cutting features that
// apply regardless of which listener ultimately handles an envelope: a
// ping auto-responder, and recipient filling on receive.
//
// A Channel is not itself a session driver; ClientSession builds the
// handshake state machine on top of a Channel's Session-envelope plumbing.
type Channel struct {
	tr transport.Transport

	mu         sync.RWMutex
	localNode  node.Node
	remoteNode node.Node
	state      envelope.State

	pingResponder  bool
	fillRecipients bool
	log            *log.Logger

	messageListeners      listenerSet[MessageListener]
	notificationListeners listenerSet[NotificationListener]
	commandListeners      listenerSet[CommandListener]
	sessionListeners      listenerSet[SessionListener]

	sessionWaiters onceQueue[*envelope.Session]

	commandMu      sync.Mutex
	commandWaiters map[string]chan *envelope.Command

	closed atomic.Bool
}

// ChannelOption configures a Channel at construction.
type ChannelOption func(*Channel)

// WithPingResponder enables or disables the automatic Command-ping
// responder. It defaults to enabled.
func WithPingResponder(enabled bool) ChannelOption {
	return func(c *Channel) { c.pingResponder = enabled }
}

// WithRecipientFilling enables or disables spec.md §4.C's inbound
// recipient-filling rule (component F). It defaults to enabled.
func WithRecipientFilling(enabled bool) ChannelOption {
	return func(c *Channel) { c.fillRecipients = enabled }
}

// WithLogger supplies a *log.Logger for diagnostic, non-fatal events (a
// best-effort ping reply that failed to send). Following the teacher's
// conn.Logger option, output goes to io.Discard by default.
func WithLogger(logger *log.Logger) ChannelOption {
	return func(c *Channel) { c.log = logger }
}

// NewChannel builds a Channel over tr, identifying the local side as
// local. It registers itself as tr's envelope and exception listeners,
// replacing any listeners already set on tr.
func NewChannel(tr transport.Transport, local node.Node, opts ...ChannelOption) *Channel {
	c := &Channel{
		tr:             tr,
		localNode:      local,
		state:          envelope.StateNew,
		pingResponder:  true,
		fillRecipients: true,
		log:            log.New(io.Discard, "", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	tr.SetEnvelopeListener(c.dispatch)
	tr.SetExceptionListener(c.handleException)
	return c
}

// LocalNode returns the channel's local node address.
func (c *Channel) LocalNode() node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localNode
}

// RemoteNode returns the channel's remote node address, the zero Node if
// it hasn't been learned yet.
func (c *Channel) RemoteNode() node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteNode
}

// SetRemoteNode records the remote side's address, typically once it is
// learned from the session handshake. Envelopes received afterward have it
// filled in as their "from" field (or its domain) when that is missing.
func (c *Channel) SetRemoteNode(n node.Node) {
	c.mu.Lock()
	c.remoteNode = n
	c.mu.Unlock()
}

// State reports the channel's current handshake state, as last reported by
// a received Session envelope.
func (c *Channel) State() envelope.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s envelope.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Transport returns the underlying transport.
func (c *Channel) Transport() transport.Transport { return c.tr }

// Send encodes and writes env. It is the ungated primitive the session
// driver and the ping auto-responder build on, since both need to write
// Session and Command envelopes outside of StateEstablished; callers
// implementing spec.md §4.C's public send operations should use
// SendMessage, SendCommand, SendNotification, or SendSession instead, which
// additionally enforce that operation's legal states.
func (c *Channel) Send(ctx context.Context, env envelope.Envelope) error {
	if err := c.tr.Send(ctx, env); err != nil {
		return newError(kindOfTransportError(err), "Channel.Send", err)
	}
	return nil
}

// sendIn sends env after checking that the channel's current state is in
// allowed, failing with KindInvalidState otherwise. op names the caller for
// the returned error.
func (c *Channel) sendIn(ctx context.Context, op string, env envelope.Envelope, allowed func(envelope.State) bool) error {
	if !allowed(c.State()) {
		return newError(KindInvalidState, op, fmt.Errorf("not legal in state %q", c.State()))
	}
	return c.Send(ctx, env)
}

// SendMessage writes m, the spec.md §4.C "send_message" operation. It is
// only legal once the channel has reached StateEstablished.
func (c *Channel) SendMessage(ctx context.Context, m *envelope.Message) error {
	return c.sendIn(ctx, "Channel.SendMessage", m, isEstablished)
}

// SendCommand writes cmd without waiting for a response, the spec.md §4.C
// "send_command" operation. It is only legal once the channel has reached
// StateEstablished. Use Command instead to send a Command and correlate
// its response.
func (c *Channel) SendCommand(ctx context.Context, cmd *envelope.Command) error {
	return c.sendIn(ctx, "Channel.SendCommand", cmd, isEstablished)
}

// SendNotification writes n, the spec.md §4.C "send_notification"
// operation. It is only legal once the channel has reached
// StateEstablished.
func (c *Channel) SendNotification(ctx context.Context, n *envelope.Notification) error {
	return c.sendIn(ctx, "Channel.SendNotification", n, isEstablished)
}

// SendReceivedNotification is the scenario convenience spec.md §8 names:
// it sends a Notification with the given id, recipient, and a "received"
// event, failing with KindInvalidState outside StateEstablished.
func (c *Channel) SendReceivedNotification(ctx context.Context, id string, to node.Node) error {
	return c.SendNotification(ctx, &envelope.Notification{
		Header: envelope.Header{ID: id, To: &to},
		Event:  envelope.EventReceived,
	})
}

// SendSession writes s, the spec.md §4.C "send_session" operation. It is
// legal in any state except StateFinished and StateFailed.
func (c *Channel) SendSession(ctx context.Context, s *envelope.Session) error {
	return c.sendIn(ctx, "Channel.SendSession", s, func(st envelope.State) bool { return !terminal(st) })
}

func isEstablished(s envelope.State) bool { return s == envelope.StateEstablished }

// fillInboundRecipients implements spec.md §4.C's recipient filler
// (component F) on the inbound path: a missing "from"/"to" is copied
// wholesale from remote_node/local_node, and a present-but-domain-less
// "from"/"to" has just its domain backfilled.
func (c *Channel) fillInboundRecipients(env envelope.Envelope) {
	h := env.Head()
	c.mu.RLock()
	local, remote := c.localNode, c.remoteNode
	c.mu.RUnlock()

	fill(&h.From, remote)
	fill(&h.To, local)
}

func fill(field **node.Node, from node.Node) {
	if from.IsZero() {
		return
	}
	switch {
	case *field == nil:
		n := from
		*field = &n
	case (*field).Domain() == "":
		n := (*field).WithDomain(from.Domain())
		*field = &n
	}
}

// OnMessage registers l to be called for every received Message until the
// returned Cancel is called.
func (c *Channel) OnMessage(l MessageListener) Cancel { return c.messageListeners.add(l) }

// OnNotification registers l to be called for every received Notification
// until the returned Cancel is called.
func (c *Channel) OnNotification(l NotificationListener) Cancel {
	return c.notificationListeners.add(l)
}

// OnCommand registers l to be called for every received Command that isn't
// consumed by a pending Command call's response correlation, until the
// returned Cancel is called.
func (c *Channel) OnCommand(l CommandListener) Cancel { return c.commandListeners.add(l) }

// OnSession registers l to be called for every received Session that isn't
// consumed by a pending NextSession wait, until the returned Cancel is
// called.
func (c *Channel) OnSession(l SessionListener) Cancel { return c.sessionListeners.add(l) }

// NextSession blocks until a Session envelope is received or ctx is done.
// It is how ClientSession drives the handshake: each phase sends a request
// and then calls NextSession to receive the server's reply, rather than
// registering a long-lived OnSession listener.
func (c *Channel) NextSession(ctx context.Context) (*envelope.Session, error) {
	waiter := c.sessionWaiters.enqueue()
	select {
	case s := <-waiter:
		return s, nil
	case <-ctx.Done():
		return nil, newError(KindTimeout, "Channel.NextSession", ctx.Err())
	}
}

// Command sends cmd and waits for the Command response carrying the same
// id, or for ctx to be done. cmd.ID must be set.
func (c *Channel) Command(ctx context.Context, cmd *envelope.Command) (*envelope.Command, error) {
	if cmd.ID == "" {
		return nil, newError(KindInvalidArgument, "Channel.Command", errors.New("command requires an id"))
	}

	waiter := make(chan *envelope.Command, 1)
	c.commandMu.Lock()
	if c.commandWaiters == nil {
		c.commandWaiters = make(map[string]chan *envelope.Command)
	}
	c.commandWaiters[cmd.ID] = waiter
	c.commandMu.Unlock()
	defer func() {
		c.commandMu.Lock()
		delete(c.commandWaiters, cmd.ID)
		c.commandMu.Unlock()
	}()

	if err := c.Send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		return nil, newError(KindTimeout, "Channel.Command", ctx.Err())
	}
}

// Ping sends a ping Command to the remote node and waits for its response,
// a convenience built on the same Command correlation every other request
// uses.
func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.Command(ctx, &envelope.Command{
		Header: envelope.Header{ID: internal.RandomID(internal.IDLen)},
		Method: envelope.MethodGet,
		URI:    pingURI,
	})
	return err
}

func (c *Channel) dispatch(env envelope.Envelope) {
	if c.fillRecipients {
		c.fillInboundRecipients(env)
	}
	switch v := env.(type) {
	case *envelope.Message:
		c.messageListeners.each(func(l MessageListener) { l(v) })
	case *envelope.Notification:
		c.notificationListeners.each(func(l NotificationListener) { l(v) })
	case *envelope.Command:
		c.dispatchCommand(v)
	case *envelope.Session:
		c.mu.Lock()
		prev := c.state
		c.mu.Unlock()
		if !terminal(prev) && validTransition(prev, v.State) {
			c.setState(v.State)
		} else {
			// An out-of-order or repeated handshake state is reported as a
			// failure rather than silently accepted or dropped.
			c.setState(envelope.StateFailed)
		}
		if c.sessionWaiters.dispatch(v) {
			return
		}
		c.sessionListeners.each(func(l SessionListener) { l(v) })
	}
}

func (c *Channel) dispatchCommand(cmd *envelope.Command) {
	if c.pingResponder && isPingRequest(cmd) {
		c.respondPing(cmd)
		return
	}
	if cmd.IsResponse() {
		c.commandMu.Lock()
		waiter, ok := c.commandWaiters[cmd.ID]
		c.commandMu.Unlock()
		if ok {
			waiter <- cmd
			return
		}
	}
	c.commandListeners.each(func(l CommandListener) { l(cmd) })
}

func isPingRequest(cmd *envelope.Command) bool {
	return !cmd.IsResponse() && cmd.Method == envelope.MethodGet && cmd.URI == pingURI
}

func (c *Channel) respondPing(cmd *envelope.Command) {
	reply := &envelope.Command{
		Header: envelope.Header{ID: cmd.ID},
		Method: envelope.MethodGet,
		URI:    pingURI,
		Status: envelope.StatusSuccess,
	}
	// Best-effort: a failure to answer a ping is reported to the
	// transport's exception listener like any other send failure, there is
	// nothing further for the responder itself to do about it.
	if err := c.Send(context.Background(), reply); err != nil {
		c.log.Printf("lime: failed to answer ping %s: %v", cmd.ID, err)
	}
}

func (c *Channel) handleException(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.setState(envelope.StateFailed)
}

// Close closes the underlying transport.
func (c *Channel) Close() error {
	c.closed.Store(true)
	return c.tr.Close()
}

func kindOfTransportError(err error) Kind {
	if errors.Is(err, transport.ErrClosed) {
		return KindInvalidState
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	return KindIO
}
