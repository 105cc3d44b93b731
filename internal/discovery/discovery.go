// Package discovery implements the bootstrap, liveness-probe and
// peer-exchange message handling of the discovery protocol. It holds no
// network connections itself: the transport dispatcher decodes a frame into
// a wire.DiscoveryMessage, hands it to Manager.HandleRequest, and writes
// back whatever response (if any) comes out. Outbound probes work the same
// way in reverse: Manager builds the request value, the caller does the I/O
// over the transport, and the response value comes back here to be
// interpreted and folded into the peer registry.
package discovery

import (
	"crypto/ed25519"
	"errors"
	"log"
	"time"

	"github.com/hoshinet/overlay/internal/nodecrypto"
	"github.com/hoshinet/overlay/internal/peerstore"
	"github.com/hoshinet/overlay/internal/wire"
)

var (
	ErrNonceMismatch  = errors.New("discovery: pong nonce does not match ping")
	ErrUnexpectedKind = errors.New("discovery: message variant not valid as a request")
)

// Manager implements C4 against a peer registry and the local node's own
// identity.
type Manager struct {
	store       *peerstore.Store
	self        wire.PeerDescriptor
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	devMode     bool
}

// New builds a discovery Manager bound to store and the local identity.
// self.SigningPub must equal ed25519.PublicKey(signingPub).
func New(store *peerstore.Store, self wire.PeerDescriptor, signingPub ed25519.PublicKey, signingPriv ed25519.PrivateKey, devMode bool) *Manager {
	return &Manager{store: store, self: self, signingPub: signingPub, signingPriv: signingPriv, devMode: devMode}
}

// HandleRequest processes one inbound DiscoveryMessage received as a C6
// request and returns the response to write back, or nil if the message
// calls for no reply (Announce) or is not valid as a top-level request
// (Pong, PeerList arriving unsolicited are silently ignored, per spec).
func (m *Manager) HandleRequest(msg wire.DiscoveryMessage) (*wire.DiscoveryMessage, error) {
	switch {
	case msg.Ping != nil:
		return m.handlePing(msg.Ping), nil
	case msg.GetPeers != nil:
		return m.handleGetPeers(msg.GetPeers), nil
	case msg.Announce != nil:
		m.handleAnnounce(msg.Announce)
		return nil, nil
	case msg.Pong != nil, msg.PeerList != nil:
		return nil, nil
	default:
		return nil, ErrUnexpectedKind
	}
}

func (m *Manager) handlePing(p *wire.Ping) *wire.DiscoveryMessage {
	return &wire.DiscoveryMessage{Pong: &wire.Pong{
		TimestampResponder: time.Now().UTC().UnixNano(),
		Nonce:              p.Nonce,
		OriginalTimestamp:  p.TimestampSender,
	}}
}

func (m *Manager) handleGetPeers(g *wire.GetPeers) *wire.DiscoveryMessage {
	records := m.store.SelectForPeerExchange(int(g.Max))
	out := make([]wire.PeerListRecord, 0, len(records))
	for _, r := range records {
		out = append(out, wire.PeerListRecord{
			Fingerprint:  r.Fingerprint,
			DisplayName:  r.DisplayName,
			Address:      r.Address,
			ArsonPort:    r.ArsonPort,
			HTTPPort:     r.HTTPPort,
			AgreementPub: r.AgreementPub,
			HasAgreement: r.HasAgreementKey,
			TrustScore:   r.TrustScore,
		})
	}
	return &wire.DiscoveryMessage{PeerList: &wire.PeerList{Records: out}}
}

// handleAnnounce verifies signed_node.signature against the Ed25519 key
// embedded in the descriptor itself (self-certifying). No signing key is
// pinned per fingerprint: any Announce whose descriptor verifies under its
// own embedded key replaces the stored record for that fingerprint. Invalid
// signatures are silently dropped, per spec §4.4.
func (m *Manager) handleAnnounce(a *wire.Announce) {
	node := a.SignedNode.Node
	encoded := wire.EncodePeerDescriptor(node)
	if !nodecrypto.Verify(node.SigningPub[:], encoded, a.SignedNode.Signature) {
		log.Printf("[discovery] dropping Announce from %q: invalid signature", node.Fingerprint)
		return
	}
	m.store.Upsert(peerstore.Record{
		Fingerprint:     node.Fingerprint,
		DisplayName:     node.DisplayName,
		Address:         node.Address,
		ArsonPort:       node.ArsonPort,
		HTTPPort:        node.HTTPPort,
		PreferSecure:    node.Secure,
		AgreementPub:    a.AgreementPub,
		HasAgreementKey: true,
		TrustScore:      30,
	}, false)
}

// BuildAnnounce constructs a self-announcement for dissemination to a peer.
func (m *Manager) BuildAnnounce() (wire.DiscoveryMessage, error) {
	encoded := wire.EncodePeerDescriptor(m.self)
	sig, err := nodecrypto.Sign(m.signingPriv, encoded)
	if err != nil {
		return wire.DiscoveryMessage{}, err
	}
	return wire.DiscoveryMessage{Announce: &wire.Announce{
		SignedNode:   wire.SignedNode{Node: m.self, Signature: sig},
		AgreementPub: m.self.AgreementPub,
	}}, nil
}

// PendingPing is the initiator-side state needed to validate a Pong and
// compute RTT; the caller (a control loop or a client ping handler) is
// responsible for the actual dial/write/read against C6.
type PendingPing struct {
	Nonce  [8]byte
	SentAt time.Time
}

// NewPing draws a fresh nonce and returns both the wire request and the
// state needed to validate the eventual Pong.
func NewPing() (wire.DiscoveryMessage, PendingPing, error) {
	var nonce [8]byte
	b, err := nodecrypto.Rand(8)
	if err != nil {
		return wire.DiscoveryMessage{}, PendingPing{}, err
	}
	copy(nonce[:], b)
	sentAt := time.Now().UTC()
	return wire.DiscoveryMessage{Ping: &wire.Ping{
			TimestampSender: sentAt.UnixNano(),
			Nonce:           nonce,
		}}, PendingPing{Nonce: nonce, SentAt: sentAt}, nil
}

// InterpretPong validates an inbound Pong against the PendingPing it answers
// and returns the measured round-trip time using the initiator's own clock.
func InterpretPong(pending PendingPing, pong *wire.Pong) (time.Duration, error) {
	if pong.Nonce != pending.Nonce {
		return 0, ErrNonceMismatch
	}
	return time.Since(pending.SentAt), nil
}

// NewGetPeers builds a GetPeers request for up to max new peers.
func NewGetPeers(max uint32) wire.DiscoveryMessage {
	return wire.DiscoveryMessage{GetPeers: &wire.GetPeers{Max: max}}
}

// IngestPeerList folds a PeerList response into the registry, skipping the
// local fingerprint (Store.Upsert already guards this, but the explicit
// skip keeps the count accurate) and any record with an empty fingerprint.
// Records without an address are ingested like any other.
func (m *Manager) IngestPeerList(resp *wire.PeerList) int {
	count := 0
	for _, rec := range resp.Records {
		if rec.Fingerprint == "" || rec.Fingerprint == m.self.Fingerprint {
			continue
		}
		m.store.Upsert(peerstore.Record{
			Fingerprint:     rec.Fingerprint,
			DisplayName:     rec.DisplayName,
			Address:         rec.Address,
			ArsonPort:       rec.ArsonPort,
			HTTPPort:        rec.HTTPPort,
			AgreementPub:    rec.AgreementPub,
			HasAgreementKey: rec.HasAgreement,
			TrustScore:      50,
		}, true)
		count++
	}
	return count
}

// Self returns the local node's descriptor, as handed out in Announce and
// in the signed /p2p/info response.
func (m *Manager) Self() wire.PeerDescriptor { return m.self }
