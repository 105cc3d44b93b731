// Package wire implements the length-prefixed framing and deterministic
// binary encoding shared by every message that crosses the native transport:
// discovery messages, onion packets and onion responses.
package wire

import "time"

// RoutedMessageType tags the payload carried in the innermost onion layer.
type RoutedMessageType uint8

const (
	Chat RoutedMessageType = iota
	FileRequest
	FileChunk
	PeerDiscovery
	KeepAlive
)

// HopDescriptor names a next hop on a circuit: enough to dial it and verify
// its identity once reached.
type HopDescriptor struct {
	Address     string
	Port        uint16
	Fingerprint string
}

// OnionLayer is the plaintext recovered by decrypting one OnionPacket. When
// NextHop is nil this is the exit layer and InnerPacket decodes as a
// RoutedMessage instead of another OnionPacket.
type OnionLayer struct {
	NextHop     *HopDescriptor
	InnerPacket []byte
}

// RoutedMessage is the application-layer payload delivered at the exit hop.
type RoutedMessage struct {
	Type      RoutedMessageType
	Payload   []byte
	Timestamp time.Time
}

// OnionPacket is one onion-routed hop of a circuit, as it appears on the
// wire.
type OnionPacket struct {
	PacketID    [16]byte
	EphemeralPK [32]byte
	Nonce       [12]byte
	Payload     []byte
}

// OnionResponse travels back along a circuit toward the initiator.
type OnionResponse struct {
	PacketID []byte // kept as a slice; encoding panics unless it is exactly 16 bytes
	Nonce    [12]byte
	Payload  []byte
}

// PeerDescriptor is the minimal self-description a node hands out in
// Announce and in the signed /p2p/info response.
type PeerDescriptor struct {
	Fingerprint  string
	DisplayName  string
	Address      string
	ArsonPort    uint16
	HTTPPort     uint16
	AgreementPub [32]byte
	SigningPub   [32]byte // Ed25519 public key, verifies this descriptor's Announce/info signatures
	Secure       bool
}

// SignedNode pairs a descriptor with a signature over its deterministic
// encoding, made by the descriptor's own long-term signing key.
type SignedNode struct {
	Node      PeerDescriptor
	Signature []byte
}

// Discovery message variants. Exactly one of these fields is non-nil in a
// DiscoveryMessage.
type Ping struct {
	TimestampSender int64
	Nonce           [8]byte
}

type Pong struct {
	TimestampResponder int64
	Nonce              [8]byte
	OriginalTimestamp  int64
}

type GetPeers struct {
	Max uint32
}

// PeerListRecord is the over-the-wire shape of one peer entry returned by
// GetPeers; a subset of the full registry record.
type PeerListRecord struct {
	Fingerprint  string
	DisplayName  string
	Address      string
	ArsonPort    uint16
	HTTPPort     uint16
	AgreementPub [32]byte
	HasAgreement bool
	TrustScore   uint8
}

type PeerList struct {
	Records []PeerListRecord
}

type Announce struct {
	SignedNode   SignedNode
	AgreementPub [32]byte
}

// discoveryTag identifies which variant a DiscoveryMessage carries.
type discoveryTag uint8

const (
	tagPing discoveryTag = iota
	tagPong
	tagGetPeers
	tagPeerList
	tagAnnounce
)

// DiscoveryMessage is the discriminated union of C4 message variants.
type DiscoveryMessage struct {
	Ping     *Ping
	Pong     *Pong
	GetPeers *GetPeers
	PeerList *PeerList
	Announce *Announce
}

// packetTag identifies which of the three packet-union arms a frame body
// carries.
type packetTag uint8

const (
	tagDiscovery packetTag = iota
	tagOnionPacket
	tagOnionResponse
)

// Packet is the top-level discriminated union framed on the native
// transport: exactly one of the three fields is set.
type Packet struct {
	Discovery     *DiscoveryMessage
	OnionPacket   *OnionPacket
	OnionResponse *OnionResponse
}
