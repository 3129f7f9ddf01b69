package overlay

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

// maxEnvelopeSize bounds a single decoded envelope.
const maxEnvelopeSize = 1 << 20

// Kind identifies the relay message of an envelope.
type Kind string

const (
	// KindUnknown is what any unrecognized kind decodes to; such envelopes are ignored
	KindUnknown Kind = ""
	// KindConnectTo asks a node to start connecting, or an intermediary to allow a bridge
	KindConnectTo Kind = "ConnectTo"
	// KindForwardTo asks the receiver to relay the payload toward To
	KindForwardTo Kind = "ForwardTo"
	// KindForwarded carries a relayed payload on its way to To
	KindForwarded Kind = "Forwarded"
	// KindDirect carries a payload between two adjacent peers
	KindDirect Kind = "Direct"
)

// Valid reports whether k is one of the four relay kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConnectTo, KindForwardTo, KindForwarded, KindDirect:
		return true
	default:
		return false
	}
}

// Envelope is a relay protocol message exchanged over an existing arc.
type Envelope struct {
	Protocol  string      `cbor:"protocol"`
	Kind      Kind        `cbor:"kind"`
	From      peer.ID     `cbor:"from,omitempty"`
	To        peer.ID     `cbor:"to,omitempty"`
	Handshake HandshakeID `cbor:"handshake,omitempty"`
	Payload   []byte      `cbor:"payload,omitempty"`
}

// String describes the envelope for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s{from=%s to=%s handshake=%s payload=%dB}",
		e.Kind, e.From.ShortString(), e.To.ShortString(), e.Handshake, len(e.Payload))
}

// Codec encodes and decodes envelopes as CBOR maps.
type Codec struct {
	tag     string
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCodec creates a codec for envelopes carrying the given protocol tag.
func NewCodec(tag string) (*Codec, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1024,
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &Codec{tag: tag, encMode: encMode, decMode: decMode}, nil
}

// Tag returns the protocol tag of the codec.
func (c *Codec) Tag() string {
	return c.tag
}

// Encode stamps the codec's tag on the envelope and serializes it.
func (c *Codec) Encode(e Envelope) ([]byte, error) {
	e.Protocol = c.tag

	data, err := c.encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("CBOR encode failed: %w", err)
	}

	return data, nil
}

// Decode parses a frame. ok is false when the frame is not an envelope of this protocol,
// which covers malformed input and envelopes of other protocols sharing the channel.
// An envelope of this protocol with an unrecognized kind is returned with KindUnknown.
func (c *Codec) Decode(frame []byte) (e Envelope, ok bool) {
	if len(frame) == 0 || len(frame) > maxEnvelopeSize {
		return Envelope{}, false
	}

	var raw struct {
		Protocol  string      `cbor:"protocol"`
		Kind      string      `cbor:"kind"`
		From      peer.ID     `cbor:"from,omitempty"`
		To        peer.ID     `cbor:"to,omitempty"`
		Handshake HandshakeID `cbor:"handshake,omitempty"`
		Payload   []byte      `cbor:"payload,omitempty"`
	}

	if err := c.decMode.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, false
	}

	if raw.Protocol == "" || raw.Protocol != c.tag {
		return Envelope{}, false
	}

	e = Envelope{
		Protocol:  raw.Protocol,
		Kind:      Kind(raw.Kind),
		From:      raw.From,
		To:        raw.To,
		Handshake: raw.Handshake,
		Payload:   raw.Payload,
	}

	if !e.Kind.Valid() {
		e.Kind = KindUnknown
	}

	return e, true
}
