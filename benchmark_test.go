package overlay

import (
	"fmt"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func BenchmarkArcTableOpenClose(b *testing.B) {
	table := NewArcTable(RoleOutbound)
	id := newTestPeerID(b)
	ch := &fakeChannel{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		table.Opened(id, ch)
		table.Closed(id, ch)
	}
}

func BenchmarkArcTableSnapshot(b *testing.B) {
	table := NewArcTable(RoleInbound)
	for i := 0; i < 64; i++ {
		table.Opened(peer.ID(fmt.Sprintf("peer-%02d", i)), &fakeChannel{})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = table.Snapshot()
	}
}

func BenchmarkCodecEncode(b *testing.B) {
	c := newTestCodec(b)
	env := Envelope{
		Kind:      KindForwardTo,
		From:      newTestPeerID(b),
		To:        newTestPeerID(b),
		Handshake: NewHandshakeID(),
		Payload:   make([]byte, 512),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encode(env); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecDecode(b *testing.B) {
	c := newTestCodec(b)

	frame, err := c.Encode(Envelope{
		Kind:      KindForwarded,
		From:      newTestPeerID(b),
		To:        newTestPeerID(b),
		Handshake: NewHandshakeID(),
		Payload:   make([]byte, 512),
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := c.Decode(frame); !ok {
			b.Fatal("decode failed")
		}
	}
}
