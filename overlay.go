// Package overlay provides the bridging and relay layer of a peer-to-peer overlay network.
// Each Node keeps an inbound ("inview") and an outbound ("outview") table of logical arcs
// and relays opaque transport handshakes through neighbors it is already connected to, so
// that two peers without a common history can become directly connected without a
// central signaling server.
package overlay
