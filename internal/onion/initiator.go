package onion

import (
	"fmt"
	"time"

	"github.com/hoshinet/overlay/internal/nodecrypto"
	"github.com/hoshinet/overlay/internal/wire"
)

// Hop is everything the initiator needs to know about one circuit hop: its
// address for dialing and its long-term agreement key for layer encryption.
type Hop struct {
	Address      string
	Port         uint16
	Fingerprint  string
	AgreementPub [32]byte
}

func (h Hop) descriptor() wire.HopDescriptor {
	return wire.HopDescriptor{Address: h.Address, Port: h.Port, Fingerprint: h.Fingerprint}
}

// HopKeys is the (key, nonce) pair the initiator used to encrypt one layer;
// retained to peel the matching layer of the eventual response.
type HopKeys struct {
	Key   [32]byte
	Nonce [12]byte
}

// Circuit is the initiator-side state for one outstanding request: the
// outermost packet id and the per-hop keys needed to decrypt the response,
// ordered hop 1 (entry) first.
type Circuit struct {
	ID        [16]byte
	HopKeys   []HopKeys
	CreatedAt time.Time
}

// Build constructs a layered onion packet addressed to hops[0], carrying
// payload to be delivered at hops[len(hops)-1]. hops must be non-empty and
// every hop must carry an agreement key; payload must be at most
// MaxPayloadLen bytes.
func Build(hops []Hop, payload []byte) (wire.OnionPacket, Circuit, error) {
	if len(hops) == 0 {
		return wire.OnionPacket{}, Circuit{}, ErrEmptyHopList
	}
	if len(payload) > MaxPayloadLen {
		return wire.OnionPacket{}, Circuit{}, ErrPacketTooLarge
	}
	for _, h := range hops {
		if h.AgreementPub == ([32]byte{}) {
			return wire.OnionPacket{}, Circuit{}, fmt.Errorf("%w: %s", ErrNoAgreementKey, h.Fingerprint)
		}
	}

	n := len(hops)
	keys := make([]HopKeys, n)
	inner := payload
	var outermostID [16]byte

	for i := n; i >= 1; i-- {
		hop := hops[i-1]
		var nextHop *wire.HopDescriptor
		if i < n {
			nh := hops[i].descriptor()
			nextHop = &nh
		}
		layer := wire.EncodeOnionLayer(wire.OnionLayer{NextHop: nextHop, InnerPacket: inner})

		eph, ephPub, err := nodecrypto.NewEphemeralAgreementKeys()
		if err != nil {
			return wire.OnionPacket{}, Circuit{}, err
		}
		shared, err := eph.Derive(hop.AgreementPub)
		if err != nil {
			return wire.OnionPacket{}, Circuit{}, err
		}
		key := nodecrypto.KDF(shared)

		nonce, err := nodecrypto.NewNonce()
		if err != nil {
			return wire.OnionPacket{}, Circuit{}, err
		}
		packetID, err := nodecrypto.NewPacketID()
		if err != nil {
			return wire.OnionPacket{}, Circuit{}, err
		}

		ciphertext, err := nodecrypto.AEADEncrypt(key, nonce, layer)
		if err != nil {
			return wire.OnionPacket{}, Circuit{}, err
		}

		pkt := wire.OnionPacket{PacketID: packetID, EphemeralPK: ephPub, Nonce: nonce, Payload: ciphertext}
		inner = wire.EncodeOnionPacket(pkt)

		keys[i-1] = HopKeys{Key: key, Nonce: nonce}
		if i == 1 {
			outermostID = packetID
		}
	}

	outermost, err := wire.DecodeOnionPacketBytes(inner)
	if err != nil {
		return wire.OnionPacket{}, Circuit{}, err
	}

	return outermost, Circuit{ID: outermostID, HopKeys: keys, CreatedAt: time.Now().UTC()}, nil
}

// PeelResponse decrypts an OnionResponse using the circuit's retained
// per-hop keys in order 1..n, returning the innermost plaintext the exit
// hop produced.
func PeelResponse(c Circuit, resp wire.OnionResponse) ([]byte, error) {
	ciphertext := resp.Payload
	for i := 0; i < len(c.HopKeys); i++ {
		hk := c.HopKeys[i]
		pt, err := nodecrypto.AEADDecrypt(hk.Key, hk.Nonce, ciphertext)
		if err != nil {
			return nil, err
		}
		ciphertext = pt
	}
	return ciphertext, nil
}
