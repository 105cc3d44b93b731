package wire

import (
	"bytes"
	"testing"
	"time"
)

func samplePacket(t *testing.T, kind string) Packet {
	t.Helper()
	switch kind {
	case "ping":
		return Packet{Discovery: &DiscoveryMessage{Ping: &Ping{
			TimestampSender: 1000,
			Nonce:           [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		}}}
	case "pong":
		return Packet{Discovery: &DiscoveryMessage{Pong: &Pong{
			TimestampResponder: 2000,
			Nonce:              [8]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0},
			OriginalTimestamp:  1000,
		}}}
	case "getpeers":
		return Packet{Discovery: &DiscoveryMessage{GetPeers: &GetPeers{Max: 10}}}
	case "peerlist":
		return Packet{Discovery: &DiscoveryMessage{PeerList: &PeerList{Records: []PeerListRecord{
			{Fingerprint: "abc", DisplayName: "alice", Address: "10.0.0.1", ArsonPort: 9000, HTTPPort: 9001, HasAgreement: true, TrustScore: 200},
			{Fingerprint: "def", Address: "10.0.0.2"},
		}}}}
	case "announce":
		return Packet{Discovery: &DiscoveryMessage{Announce: &Announce{
			SignedNode: SignedNode{
				Node: PeerDescriptor{
					Fingerprint: "xyz",
					DisplayName: "bob",
					Address:     "10.0.0.3",
					ArsonPort:   7000,
					HTTPPort:    7001,
					Secure:      true,
				},
				Signature: []byte{9, 9, 9},
			},
		}}}
	case "onionpacket":
		p := &OnionPacket{Payload: []byte("ciphertext")}
		for i := range p.PacketID {
			p.PacketID[i] = byte(i)
		}
		for i := range p.EphemeralPK {
			p.EphemeralPK[i] = byte(i * 2)
		}
		for i := range p.Nonce {
			p.Nonce[i] = byte(i + 1)
		}
		return Packet{OnionPacket: p}
	case "onionresponse":
		r := &OnionResponse{PacketID: make([]byte, 16), Payload: []byte("response-ct")}
		for i := range r.PacketID {
			r.PacketID[i] = byte(i)
		}
		return Packet{OnionResponse: r}
	}
	t.Fatalf("unknown kind %q", kind)
	return Packet{}
}

func TestPacketRoundTrip(t *testing.T) {
	kinds := []string{"ping", "pong", "getpeers", "peerlist", "announce", "onionpacket", "onionresponse"}
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			p := samplePacket(t, kind)
			b1, err := Encode(p)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(b1)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			b2, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if !bytes.Equal(b1, b2) {
				t.Fatalf("round trip not byte-identical for %s", kind)
			}
		})
	}
}

func TestOnionLayerRoundTrip(t *testing.T) {
	layer := OnionLayer{
		NextHop:     &HopDescriptor{Address: "1.2.3.4", Port: 9000, Fingerprint: "fp"},
		InnerPacket: []byte{1, 2, 3, 4},
	}
	enc := EncodeOnionLayer(layer)
	got, err := DecodeOnionLayer(enc)
	if err != nil {
		t.Fatalf("DecodeOnionLayer: %v", err)
	}
	if got.NextHop == nil || *got.NextHop != *layer.NextHop {
		t.Fatalf("next hop mismatch: %+v", got.NextHop)
	}
	if !bytes.Equal(got.InnerPacket, layer.InnerPacket) {
		t.Fatalf("inner packet mismatch")
	}

	exit := OnionLayer{InnerPacket: []byte("routed message bytes")}
	enc2 := EncodeOnionLayer(exit)
	got2, err := DecodeOnionLayer(enc2)
	if err != nil {
		t.Fatalf("DecodeOnionLayer (exit): %v", err)
	}
	if got2.NextHop != nil {
		t.Fatalf("expected nil next hop at exit layer")
	}
}

func TestRoutedMessageRoundTrip(t *testing.T) {
	ts := time.Unix(42, 0).UTC()
	m := RoutedMessage{Type: Chat, Payload: []byte("hello"), Timestamp: ts}
	enc := EncodeRoutedMessage(m)
	got, err := DecodeRoutedMessage(enc)
	if err != nil {
		t.Fatalf("DecodeRoutedMessage: %v", err)
	}
	if got.Type != m.Type || !bytes.Equal(got.Payload, m.Payload) || !got.Timestamp.Equal(m.Timestamp) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeRejectsUnknownRoutedMessageType(t *testing.T) {
	m := RoutedMessage{Type: KeepAlive, Payload: nil, Timestamp: time.Unix(0, 0)}
	enc := EncodeRoutedMessage(m)
	enc[0] = 0xFF
	if _, err := DecodeRoutedMessage(enc); err == nil {
		t.Fatalf("expected error decoding unknown routed message type")
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	p := samplePacket(t, "onionpacket")
	full, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(full[:len(full)-5]); err == nil {
		t.Fatalf("expected error decoding truncated body")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := samplePacket(t, "announce")
	if err := WritePacket(&buf, p); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	got, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if got.Discovery == nil || got.Discovery.Announce == nil {
		t.Fatalf("expected decoded announce, got %+v", got)
	}
	if got.Discovery.Announce.SignedNode.Node.Fingerprint != "xyz" {
		t.Fatalf("fingerprint mismatch: %+v", got.Discovery.Announce.SignedNode.Node)
	}
}

func TestFrameLengthBoundary(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, MaxFrameLen)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame at exactly MaxFrameLen: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame at exactly MaxFrameLen: %v", err)
	}
	if len(got) != MaxFrameLen {
		t.Fatalf("got %d bytes, want %d", len(got), MaxFrameLen)
	}

	over := make([]byte, MaxFrameLen+1)
	if err := WriteFrame(&buf, over); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge writing one byte over cap, got %v", err)
	}

	// Simulate a peer that lies about the length in the frame header: the
	// reader must reject based on the header alone, without trying to read
	// MaxFrameLen+1 bytes from a shorter body.
	var lenBuf [4]byte
	lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = 0x00, 0xA0, 0x00, 0x01 // MaxFrameLen+1
	buf.Reset()
	buf.Write(lenBuf[:])
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge reading oversized header, got %v", err)
	}
}
