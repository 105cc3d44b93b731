package onion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hoshinet/overlay/internal/nodecrypto"
	"github.com/hoshinet/overlay/internal/wire"
)

// ForwardFunc dials the given next hop, sends innerPacket as a single framed
// OnionPacket, and waits for the matching OnionResponse. It is supplied by
// the transport layer (C6); the router never opens a connection itself.
type ForwardFunc func(ctx context.Context, hop wire.HopDescriptor, innerPacket []byte) (wire.OnionResponse, error)

// DeliverFunc hands a RoutedMessage decoded at an exit hop to the client
// session fabric (C7) and returns the response payload to encrypt back to
// the initiator. A nil/empty return defaults to the literal ACK.
type DeliverFunc func(ctx context.Context, msg wire.RoutedMessage) ([]byte, error)

var ackResponse = []byte("ACK")

// Router implements the per-hop side of C5: replay defense, layer unwrap,
// forwarding, and response construction. One Router instance is shared by
// every onion packet a node handles.
type Router struct {
	agreementPriv [32]byte
	circuits      *CircuitTable
	replay        *ReplayCache
}

func NewRouter(agreementPriv [32]byte) *Router {
	return &Router{agreementPriv: agreementPriv, circuits: NewCircuitTable(), replay: NewReplayCache()}
}

// HandleInboundOnionPacket implements the full per-hop algorithm of spec
// §4.5 steps 1-5 for one received OnionPacket, synchronously: replay check,
// decrypt, register circuit entry, then either forward-and-await (relay) or
// decode-and-deliver (exit). The returned response, if non-nil, must be
// written back on the same inbound connection the packet arrived on; a nil
// response with a nil error means the packet was dropped silently (replay,
// decrypt failure) and the connection should simply be closed with no
// reply, per the traffic-analysis-resistant error propagation in spec §7.
func (r *Router) HandleInboundOnionPacket(
	ctx context.Context,
	pkt wire.OnionPacket,
	prevHopAddr string,
	forward ForwardFunc,
	deliver DeliverFunc,
) (*wire.OnionResponse, error) {
	now := time.Now().UTC()

	if r.replay.CheckAndInsert(pkt.PacketID, now) {
		log.Printf("[onion] dropping replayed packet id=%x", pkt.PacketID)
		return nil, nil
	}

	shared, err := nodecrypto.Derive(r.agreementPriv, pkt.EphemeralPK)
	if err != nil {
		log.Printf("[onion] key agreement failed for packet id=%x: %v", pkt.PacketID, err)
		return nil, nil
	}
	key := nodecrypto.KDF(shared)

	layerBytes, err := nodecrypto.AEADDecrypt(key, pkt.Nonce, pkt.Payload)
	if err != nil {
		log.Printf("[onion] decrypt failed for packet id=%x: %v", pkt.PacketID, err)
		return nil, nil
	}

	layer, err := wire.DecodeOnionLayer(layerBytes)
	if err != nil {
		log.Printf("[onion] malformed layer for packet id=%x: %v", pkt.PacketID, err)
		return nil, nil
	}

	r.circuits.Insert(pkt.PacketID, CircuitEntry{
		CreatedAt:   now,
		Key:         key,
		Nonce:       pkt.Nonce,
		PrevHopAddr: prevHopAddr,
	})
	defer r.circuits.Evict(pkt.PacketID)

	if layer.NextHop != nil {
		return r.relay(ctx, pkt.PacketID, key, pkt.Nonce, *layer.NextHop, layer.InnerPacket, forward)
	}
	return r.deliverAtExit(ctx, pkt.PacketID, key, pkt.Nonce, layer.InnerPacket, deliver)
}

func (r *Router) relay(
	ctx context.Context,
	id [16]byte,
	key [32]byte,
	nonce [12]byte,
	nextHop wire.HopDescriptor,
	innerPacket []byte,
	forward ForwardFunc,
) (*wire.OnionResponse, error) {
	resp, err := forward(ctx, nextHop, innerPacket)
	if err != nil {
		log.Printf("[onion] forward to %s failed for packet id=%x: %v", nextHop.Address, id, err)
		return nil, nil
	}

	// Reuse the same (key, nonce) pair used to decrypt the inbound layer,
	// per spec §4.5's reverse-path algorithm; see DESIGN.md for why this is
	// safe under the single-response-per-entry discipline the circuit table
	// already enforces.
	reencrypted, err := nodecrypto.AEADEncrypt(key, nonce, resp.Payload)
	if err != nil {
		return nil, err
	}
	return &wire.OnionResponse{PacketID: append([]byte(nil), id[:]...), Nonce: nonce, Payload: reencrypted}, nil
}

func (r *Router) deliverAtExit(
	ctx context.Context,
	id [16]byte,
	key [32]byte,
	nonce [12]byte,
	innerPacket []byte,
	deliver DeliverFunc,
) (*wire.OnionResponse, error) {
	routed, err := wire.DecodeRoutedMessage(innerPacket)
	if err != nil {
		log.Printf("[onion] malformed routed message for packet id=%x: %v", id, err)
		return nil, nil
	}

	var respBytes []byte
	if deliver != nil {
		respBytes, err = deliver(ctx, routed)
		if err != nil {
			log.Printf("[onion] delivery failed for packet id=%x: %v", id, err)
			return nil, nil
		}
	}
	if len(respBytes) == 0 {
		respBytes = ackResponse
	}
	if len(respBytes) > MaxResponseLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(respBytes))
	}

	ciphertext, err := nodecrypto.AEADEncrypt(key, nonce, respBytes)
	if err != nil {
		return nil, err
	}
	return &wire.OnionResponse{PacketID: append([]byte(nil), id[:]...), Nonce: nonce, Payload: ciphertext}, nil
}

// Circuits exposes the circuit table for control-loop pruning and tests.
func (r *Router) Circuits() *CircuitTable { return r.circuits }

// Replay exposes the replay cache for control-loop pruning and tests.
func (r *Router) Replay() *ReplayCache { return r.replay }
