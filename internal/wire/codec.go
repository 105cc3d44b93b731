package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned by Decode when the body is too short, has an
// unrecognized tag, or otherwise cannot represent a valid value of the
// packet union.
var ErrMalformed = errors.New("wire: malformed body")

// enc accumulates a deterministic binary encoding. Every method appends;
// there is no way to produce two different byte sequences for the same
// sequence of calls.
type enc struct {
	buf bytes.Buffer
}

func (e *enc) byte(b byte)        { e.buf.WriteByte(b) }
func (e *enc) raw(b []byte)       { e.buf.Write(b) }
func (e *enc) uint16(v uint16)    { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); e.raw(b[:]) }
func (e *enc) uint32(v uint32)    { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); e.raw(b[:]) }
func (e *enc) uint64(v uint64)    { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); e.raw(b[:]) }
func (e *enc) int64(v int64)      { e.uint64(uint64(v)) }
func (e *enc) bool(v bool) {
	if v {
		e.byte(1)
	} else {
		e.byte(0)
	}
}
func (e *enc) bytesField(b []byte) { e.uint32(uint32(len(b))); e.raw(b) }
func (e *enc) stringField(s string) { e.bytesField([]byte(s)) }

// dec consumes a deterministic binary encoding produced by enc. Every method
// returns ErrMalformed (via the dec's err field) on truncation; once err is
// set all further reads are no-ops, so call sites can read eagerly and check
// err once at the end.
type dec struct {
	buf []byte
	off int
	err error
}

func newDec(b []byte) *dec { return &dec{buf: b} }

func (d *dec) fail() {
	if d.err == nil {
		d.err = ErrMalformed
	}
}

func (d *dec) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail()
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *dec) byte() byte {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *dec) raw(n int) []byte {
	b := d.need(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *dec) uint16() uint16 {
	b := d.need(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *dec) uint32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *dec) uint64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *dec) int64() int64 { return int64(d.uint64()) }

func (d *dec) boolField() bool { return d.byte() != 0 }

// maxFieldLen bounds any single length-prefixed field decoded out of a body
// that has already passed the 10 MiB frame cap, guarding against a corrupt
// length field causing an enormous allocation.
const maxFieldLen = 10 * 1024 * 1024

func (d *dec) bytesField() []byte {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	if n > maxFieldLen {
		d.fail()
		return nil
	}
	return d.raw(int(n))
}

func (d *dec) stringField() string {
	b := d.bytesField()
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *dec) done() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return ErrMalformed
	}
	return nil
}

// --- HopDescriptor ---

func encodeHopDescriptor(e *enc, h *HopDescriptor) {
	if h == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.stringField(h.Address)
	e.uint16(h.Port)
	e.stringField(h.Fingerprint)
}

func decodeHopDescriptor(d *dec) *HopDescriptor {
	present := d.boolField()
	if d.err != nil || !present {
		return nil
	}
	h := &HopDescriptor{}
	h.Address = d.stringField()
	h.Port = d.uint16()
	h.Fingerprint = d.stringField()
	return h
}

// --- OnionLayer ---

// EncodeOnionLayer deterministically encodes an OnionLayer, the plaintext
// carried inside an onion packet's encrypted payload.
func EncodeOnionLayer(l OnionLayer) []byte {
	var e enc
	encodeHopDescriptor(&e, l.NextHop)
	e.bytesField(l.InnerPacket)
	return e.buf.Bytes()
}

// DecodeOnionLayer is the inverse of EncodeOnionLayer.
func DecodeOnionLayer(b []byte) (OnionLayer, error) {
	d := newDec(b)
	nh := decodeHopDescriptor(d)
	inner := d.bytesField()
	if err := d.done(); err != nil {
		return OnionLayer{}, err
	}
	return OnionLayer{NextHop: nh, InnerPacket: inner}, nil
}

// --- RoutedMessage ---

// EncodeRoutedMessage deterministically encodes a RoutedMessage, the
// innermost payload delivered at a circuit's exit hop.
func EncodeRoutedMessage(m RoutedMessage) []byte {
	var e enc
	e.byte(byte(m.Type))
	e.bytesField(m.Payload)
	e.int64(m.Timestamp.UTC().UnixNano())
	return e.buf.Bytes()
}

// DecodeRoutedMessage is the inverse of EncodeRoutedMessage.
func DecodeRoutedMessage(b []byte) (RoutedMessage, error) {
	d := newDec(b)
	typ := RoutedMessageType(d.byte())
	payload := d.bytesField()
	ts := d.int64()
	if err := d.done(); err != nil {
		return RoutedMessage{}, err
	}
	if typ > KeepAlive {
		return RoutedMessage{}, fmt.Errorf("%w: unknown routed message type %d", ErrMalformed, typ)
	}
	return RoutedMessage{Type: typ, Payload: payload, Timestamp: time.Unix(0, ts).UTC()}, nil
}

// --- OnionPacket / OnionResponse ---

func encodeOnionPacket(e *enc, p *OnionPacket) {
	e.raw(p.PacketID[:])
	e.raw(p.EphemeralPK[:])
	e.raw(p.Nonce[:])
	e.bytesField(p.Payload)
}

func decodeOnionPacket(d *dec) *OnionPacket {
	p := &OnionPacket{}
	copy(p.PacketID[:], d.raw(16))
	copy(p.EphemeralPK[:], d.raw(32))
	copy(p.Nonce[:], d.raw(12))
	p.Payload = d.bytesField()
	if d.err != nil {
		return nil
	}
	return p
}

func encodeOnionResponse(e *enc, r *OnionResponse) {
	if len(r.PacketID) != 16 {
		panic("wire: OnionResponse.PacketID must be 16 bytes")
	}
	e.raw(r.PacketID)
	e.raw(r.Nonce[:])
	e.bytesField(r.Payload)
}

func decodeOnionResponse(d *dec) *OnionResponse {
	r := &OnionResponse{}
	r.PacketID = d.raw(16)
	copy(r.Nonce[:], d.raw(12))
	r.Payload = d.bytesField()
	if d.err != nil {
		return nil
	}
	return r
}

// EncodeOnionPacket is exposed directly since onion.Build constructs and
// serializes individual packets without going through the top-level Packet
// union (the InnerPacket of a non-exit layer is itself the serialization of
// the next OnionPacket down).

func EncodeOnionPacket(p OnionPacket) []byte {
	var e enc
	encodeOnionPacket(&e, &p)
	return e.buf.Bytes()
}

func DecodeOnionPacketBytes(b []byte) (OnionPacket, error) {
	d := newDec(b)
	p := decodeOnionPacket(d)
	if err := d.done(); err != nil || p == nil {
		if err == nil {
			err = ErrMalformed
		}
		return OnionPacket{}, err
	}
	return *p, nil
}

// --- PeerDescriptor / SignedNode ---

func encodePeerDescriptor(e *enc, p PeerDescriptor) {
	e.stringField(p.Fingerprint)
	e.stringField(p.DisplayName)
	e.stringField(p.Address)
	e.uint16(p.ArsonPort)
	e.uint16(p.HTTPPort)
	e.raw(p.AgreementPub[:])
	e.raw(p.SigningPub[:])
	e.bool(p.Secure)
}

func decodePeerDescriptor(d *dec) PeerDescriptor {
	var p PeerDescriptor
	p.Fingerprint = d.stringField()
	p.DisplayName = d.stringField()
	p.Address = d.stringField()
	p.ArsonPort = d.uint16()
	p.HTTPPort = d.uint16()
	copy(p.AgreementPub[:], d.raw(32))
	copy(p.SigningPub[:], d.raw(32))
	p.Secure = d.boolField()
	return p
}

// EncodePeerDescriptor deterministically encodes a PeerDescriptor. This is
// the exact byte sequence that Announce and /p2p/info signatures are made
// over.
func EncodePeerDescriptor(p PeerDescriptor) []byte {
	var e enc
	encodePeerDescriptor(&e, p)
	return e.buf.Bytes()
}

func encodeSignedNode(e *enc, s SignedNode) {
	encodePeerDescriptor(e, s.Node)
	e.bytesField(s.Signature)
}

func decodeSignedNode(d *dec) SignedNode {
	var s SignedNode
	s.Node = decodePeerDescriptor(d)
	s.Signature = d.bytesField()
	return s
}

// --- Discovery message variants ---

func encodePing(e *enc, p *Ping) {
	e.int64(p.TimestampSender)
	e.raw(p.Nonce[:])
}

func decodePing(d *dec) *Ping {
	p := &Ping{}
	p.TimestampSender = d.int64()
	copy(p.Nonce[:], d.raw(8))
	if d.err != nil {
		return nil
	}
	return p
}

func encodePong(e *enc, p *Pong) {
	e.int64(p.TimestampResponder)
	e.raw(p.Nonce[:])
	e.int64(p.OriginalTimestamp)
}

func decodePong(d *dec) *Pong {
	p := &Pong{}
	p.TimestampResponder = d.int64()
	copy(p.Nonce[:], d.raw(8))
	p.OriginalTimestamp = d.int64()
	if d.err != nil {
		return nil
	}
	return p
}

func encodeGetPeers(e *enc, g *GetPeers) { e.uint32(g.Max) }

func decodeGetPeers(d *dec) *GetPeers {
	g := &GetPeers{Max: d.uint32()}
	if d.err != nil {
		return nil
	}
	return g
}

func encodePeerListRecord(e *enc, r PeerListRecord) {
	e.stringField(r.Fingerprint)
	e.stringField(r.DisplayName)
	e.stringField(r.Address)
	e.uint16(r.ArsonPort)
	e.uint16(r.HTTPPort)
	e.raw(r.AgreementPub[:])
	e.bool(r.HasAgreement)
	e.byte(r.TrustScore)
}

func decodePeerListRecord(d *dec) PeerListRecord {
	var r PeerListRecord
	r.Fingerprint = d.stringField()
	r.DisplayName = d.stringField()
	r.Address = d.stringField()
	r.ArsonPort = d.uint16()
	r.HTTPPort = d.uint16()
	copy(r.AgreementPub[:], d.raw(32))
	r.HasAgreement = d.boolField()
	r.TrustScore = d.byte()
	return r
}

func encodePeerList(e *enc, p *PeerList) {
	e.uint32(uint32(len(p.Records)))
	for _, r := range p.Records {
		encodePeerListRecord(e, r)
	}
}

func decodePeerList(d *dec) *PeerList {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	if n > maxFieldLen {
		d.fail()
		return nil
	}
	records := make([]PeerListRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		records = append(records, decodePeerListRecord(d))
		if d.err != nil {
			return nil
		}
	}
	return &PeerList{Records: records}
}

func encodeAnnounce(e *enc, a *Announce) {
	encodeSignedNode(e, a.SignedNode)
	e.raw(a.AgreementPub[:])
}

func decodeAnnounce(d *dec) *Announce {
	a := &Announce{}
	a.SignedNode = decodeSignedNode(d)
	copy(a.AgreementPub[:], d.raw(32))
	if d.err != nil {
		return nil
	}
	return a
}

// EncodeDiscoveryMessage deterministically encodes a DiscoveryMessage.
func EncodeDiscoveryMessage(m DiscoveryMessage) ([]byte, error) {
	var e enc
	switch {
	case m.Ping != nil:
		e.byte(byte(tagPing))
		encodePing(&e, m.Ping)
	case m.Pong != nil:
		e.byte(byte(tagPong))
		encodePong(&e, m.Pong)
	case m.GetPeers != nil:
		e.byte(byte(tagGetPeers))
		encodeGetPeers(&e, m.GetPeers)
	case m.PeerList != nil:
		e.byte(byte(tagPeerList))
		encodePeerList(&e, m.PeerList)
	case m.Announce != nil:
		e.byte(byte(tagAnnounce))
		encodeAnnounce(&e, m.Announce)
	default:
		return nil, fmt.Errorf("%w: empty DiscoveryMessage", ErrMalformed)
	}
	return e.buf.Bytes(), nil
}

func decodeDiscoveryMessageBody(d *dec) (DiscoveryMessage, error) {
	tag := discoveryTag(d.byte())
	var m DiscoveryMessage
	switch tag {
	case tagPing:
		m.Ping = decodePing(d)
	case tagPong:
		m.Pong = decodePong(d)
	case tagGetPeers:
		m.GetPeers = decodeGetPeers(d)
	case tagPeerList:
		m.PeerList = decodePeerList(d)
	case tagAnnounce:
		m.Announce = decodeAnnounce(d)
	default:
		d.fail()
	}
	if err := d.done(); err != nil {
		return DiscoveryMessage{}, err
	}
	return m, nil
}

// --- top-level Packet union ---

// Encode deterministically encodes the top-level packet union: the body of
// one framed message on the native transport.
func Encode(p Packet) ([]byte, error) {
	var e enc
	switch {
	case p.Discovery != nil:
		e.byte(byte(tagDiscovery))
		body, err := EncodeDiscoveryMessage(*p.Discovery)
		if err != nil {
			return nil, err
		}
		e.raw(body)
	case p.OnionPacket != nil:
		e.byte(byte(tagOnionPacket))
		encodeOnionPacket(&e, p.OnionPacket)
	case p.OnionResponse != nil:
		e.byte(byte(tagOnionResponse))
		encodeOnionResponse(&e, p.OnionResponse)
	default:
		return nil, fmt.Errorf("%w: empty Packet", ErrMalformed)
	}
	return e.buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Packet, error) {
	d := newDec(b)
	tag := packetTag(d.byte())
	var p Packet
	switch tag {
	case tagDiscovery:
		msg, err := decodeDiscoveryMessageBody(d)
		if err != nil {
			return Packet{}, err
		}
		p.Discovery = &msg
		return p, nil
	case tagOnionPacket:
		p.OnionPacket = decodeOnionPacket(d)
	case tagOnionResponse:
		p.OnionResponse = decodeOnionResponse(d)
	default:
		d.fail()
	}
	if err := d.done(); err != nil {
		return Packet{}, err
	}
	return p, nil
}
