package overlay

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// dispatch routes an overlay envelope that arrived over the arc to from. It runs on the
// event loop.
func (n *Node) dispatch(from peer.ID, env Envelope) {
	n.logger.Debugf("[Relay] %s from %s", env.String(), from.ShortString())

	switch env.Kind {
	case KindConnectTo:
		n.onConnectTo(from, env)
	case KindForwardTo:
		n.onForwardTo(from, env)
	case KindForwarded:
		n.onForwarded(from, env)
	case KindDirect:
		n.onDirect(from, env)
	default:
		n.drop(from, env, "unknown kind")
	}
}

// onConnectTo handles both halves of the bridge request. Addressed to this node (From is
// self), it is the intermediary's go-ahead to connect to env.To through the arrival arc.
// Otherwise this node is the intermediary between env.From and env.To.
func (n *Node) onConnectTo(via peer.ID, env Envelope) {
	if env.From != n.id {
		if err := n.introduce(env.From, env.To, env.Handshake); err != nil {
			n.logger.Debugf("[Relay] not bridging %s to %s: %v", env.From.ShortString(), env.To.ShortString(), err)
		}
		return
	}

	if env.To == "" || env.To == n.id {
		n.drop(via, env, "no bridge target")
		return
	}

	if env.Handshake != "" {
		if a, ok := n.attempts[env.Handshake]; ok {
			if a.role != RoleOutbound || a.kind != routeBridge || a.confirmed || a.via != via {
				n.drop(via, env, "duplicate go-ahead")
				return
			}

			a.confirmed = true
			held := a.held
			a.held = nil

			for _, payload := range held {
				n.forwardPayload(a, payload)
			}

			return
		}

		if n.finished.Contains(env.Handshake) {
			n.drop(via, env, "finished exchange")
			return
		}
	}

	if err := n.allow(env.To, RoleOutbound); err != nil {
		n.logger.Debugf("[Relay] refusing bridge to %s: %v", env.To.ShortString(), err)
		return
	}

	n.startOutbound(&attempt{
		id:        NewHandshakeID(),
		role:      RoleOutbound,
		kind:      routeBridge,
		via:       via,
		remote:    env.To,
		confirmed: true,
	})
}

// introduce checks that this node holds arcs to both peers and asks from to connect to to
// through it. A missing arc raises bridgeFailed and returns ErrBridgeUnreachable.
func (n *Node) introduce(from, to peer.ID, id HandshakeID) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: bridge endpoints not set", ErrBridgeUnreachable)
	}

	if from == n.id || to == n.id {
		return ErrSelfConnect
	}

	for _, end := range []peer.ID{to, from} {
		if _, _, ok := n.resolve(end); !ok {
			n.bridgeFailed(end)
			return fmt.Errorf("%w: no arc to %s", ErrBridgeUnreachable, end)
		}
	}

	if err := n.sendEnvelope(from, Envelope{Kind: KindConnectTo, From: from, To: to, Handshake: id}); err != nil {
		return err
	}

	n.metricsSink().ObserveRelay(KindConnectTo)

	return nil
}

// onForwardTo relays a payload one hop further, rewrapped as Forwarded.
func (n *Node) onForwardTo(via peer.ID, env Envelope) {
	if env.To == n.id {
		n.onForwarded(via, env)
		return
	}

	if env.To == "" {
		n.drop(via, env, "no destination")
		return
	}

	if _, _, ok := n.resolve(env.To); !ok {
		n.bridgeFailed(env.To)
		return
	}

	env.Kind = KindForwarded
	if err := n.sendEnvelope(env.To, env); err != nil {
		n.logger.Debugf("[Relay] forwarding to %s failed: %v", env.To.ShortString(), err)
		return
	}

	n.metricsSink().ObserveRelay(KindForwardTo)
}

// onForwarded delivers a relayed payload to its attempt, or relays it verbatim when it is
// still in transit.
func (n *Node) onForwarded(via peer.ID, env Envelope) {
	if env.To != n.id {
		if _, _, ok := n.resolve(env.To); ok {
			if err := n.sendEnvelope(env.To, env); err != nil {
				n.logger.Debugf("[Relay] relaying to %s failed: %v", env.To.ShortString(), err)
				return
			}
			n.metricsSink().ObserveRelay(KindForwarded)

			return
		}

		if a, ok := n.attempts[env.Handshake]; ok && env.Handshake != "" {
			n.adapterFor(a.role).signal(a.id, env.Payload)
			return
		}

		n.bridgeFailed(env.To)

		return
	}

	if env.Handshake == "" {
		n.drop(via, env, "no handshake id")
		return
	}

	if a, ok := n.attempts[env.Handshake]; ok {
		n.adapterFor(a.role).signal(a.id, env.Payload)
		return
	}

	if n.finished.Contains(env.Handshake) {
		n.drop(via, env, "finished exchange")
		return
	}

	if env.From == "" || env.From == n.id {
		n.drop(via, env, "no origin")
		return
	}

	if err := n.allow(env.From, RoleInbound); err != nil {
		n.logger.Debugf("[Relay] refusing bridged handshake from %s: %v", env.From.ShortString(), err)
		return
	}

	n.startInbound(&attempt{
		id:        env.Handshake,
		role:      RoleInbound,
		kind:      routeBridge,
		via:       via,
		remote:    env.From,
		confirmed: true,
	}, env.Payload)
}

// onDirect feeds a payload exchanged with an adjacent peer, accepting a new parallel arc
// for an id seen for the first time.
func (n *Node) onDirect(via peer.ID, env Envelope) {
	if env.Handshake == "" {
		n.drop(via, env, "no handshake id")
		return
	}

	if a, ok := n.attempts[env.Handshake]; ok {
		if a.kind != routeDirect || a.via != via {
			n.drop(via, env, "payload from unexpected peer")
			return
		}
		n.adapterFor(a.role).signal(a.id, env.Payload)

		return
	}

	if n.finished.Contains(env.Handshake) {
		n.drop(via, env, "finished exchange")
		return
	}

	if err := n.allow(via, RoleInbound); err != nil {
		n.logger.Debugf("[Relay] refusing parallel arc from %s: %v", via.ShortString(), err)
		return
	}

	n.startInbound(&attempt{
		id:        env.Handshake,
		role:      RoleInbound,
		kind:      routeDirect,
		via:       via,
		remote:    via,
		confirmed: true,
	}, env.Payload)
}

// forwardPayload sends a local payload of a bridged attempt to the intermediary.
func (n *Node) forwardPayload(a *attempt, payload []byte) {
	env := Envelope{Kind: KindForwardTo, From: n.id, To: a.remote, Handshake: a.id, Payload: payload}
	if err := n.sendEnvelope(a.via, env); err != nil {
		n.logger.Debugf("[Relay] bridged payload for %s not sent: %v", a.remote.ShortString(), err)
	}
}

func (n *Node) bridgeFailed(peerID peer.ID) {
	n.logger.Debugf("[Relay] no arc toward %s, bridge abandoned", peerID.ShortString())
	n.metricsSink().ObserveBridgeFailure()
	n.notify(func(o Observer) { o.OnBridgeFailed(peerID) })
}

func (n *Node) drop(from peer.ID, env Envelope, reason string) {
	n.logger.Debugf("[Relay] dropping %s from %s: %s", env.String(), from.ShortString(), reason)
	n.metricsSink().ObserveDropped()
}
