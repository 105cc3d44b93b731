// Package transport implements the native two-port dial/accept half of C6:
// a raw TCP listener that reads exactly one length-prefixed wire.Packet,
// dispatches it by tag, writes at most one response frame, and closes the
// connection. There is no pipelining on a single connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hoshinet/overlay/internal/onion"
	"github.com/hoshinet/overlay/internal/wire"
)

// Timeouts per spec.md §5's native-transport budget.
const (
	ProbeTimeout          = 5 * time.Second
	RelayPostTimeout      = 10 * time.Second
	RelayForwardTimeout   = 30 * time.Second
	InitiatorAwaitTimeout = 60 * time.Second
)

// DiscoveryHandler answers one inbound DiscoveryMessage. A nil returned
// message means no reply is sent (e.g. an Announce or an unsolicited Pong).
type DiscoveryHandler func(msg wire.DiscoveryMessage) (*wire.DiscoveryMessage, error)

// Server accepts inbound native-protocol connections and dispatches each
// frame to the discovery or onion subsystem.
type Server struct {
	Discovery DiscoveryHandler
	Router    *onion.Router
	Deliver   onion.DeliverFunc

	listener net.Listener
}

// Listen binds addr and begins accepting connections in the background. Call
// Close to stop. Listen itself does not block.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[transport] accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	_ = conn.SetDeadline(time.Now().Add(RelayForwardTimeout))
	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		log.Printf("[transport] read from %s failed: %v", remote, err)
		return
	}

	switch {
	case pkt.Discovery != nil:
		s.handleDiscovery(conn, remote, *pkt.Discovery)
	case pkt.OnionPacket != nil:
		s.handleOnion(conn, remote, *pkt.OnionPacket)
	default:
		log.Printf("[transport] %s sent a response-only frame with no request", remote)
	}
}

func (s *Server) handleDiscovery(conn net.Conn, remote string, msg wire.DiscoveryMessage) {
	if s.Discovery == nil {
		return
	}
	reply, err := s.Discovery(msg)
	if err != nil {
		log.Printf("[transport] discovery handler error from %s: %v", remote, err)
		return
	}
	if reply == nil {
		return
	}
	if err := wire.WritePacket(conn, wire.Packet{Discovery: reply}); err != nil {
		log.Printf("[transport] write discovery reply to %s failed: %v", remote, err)
	}
}

func (s *Server) handleOnion(conn net.Conn, remote string, pkt wire.OnionPacket) {
	if s.Router == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), RelayForwardTimeout)
	defer cancel()

	resp, err := s.Router.HandleInboundOnionPacket(ctx, pkt, remote, DialForward, s.Deliver)
	if err != nil {
		log.Printf("[transport] onion handling error from %s: %v", remote, err)
		return
	}
	if resp == nil {
		return
	}
	if err := wire.WritePacket(conn, wire.Packet{OnionResponse: resp}); err != nil {
		log.Printf("[transport] write onion response to %s failed: %v", remote, err)
	}
}

// DialForward implements onion.ForwardFunc over the native TCP transport:
// dial the next hop, send exactly one framed OnionPacket, wait for exactly
// one framed OnionResponse, close.
func DialForward(ctx context.Context, hop wire.HopDescriptor, innerPacket []byte) (wire.OnionResponse, error) {
	pkt, err := wire.DecodeOnionPacketBytes(innerPacket)
	if err != nil {
		return wire.OnionResponse{}, fmt.Errorf("transport: decode inner packet for %s: %w", hop.Fingerprint, err)
	}

	addr := fmt.Sprintf("%s:%d", hop.Address, hop.Port)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.OnionResponse{}, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WritePacket(conn, wire.Packet{OnionPacket: &pkt}); err != nil {
		return wire.OnionResponse{}, fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	reply, err := wire.ReadPacket(conn)
	if err != nil {
		return wire.OnionResponse{}, fmt.Errorf("transport: await reply from %s: %w", addr, err)
	}
	if reply.OnionResponse == nil {
		return wire.OnionResponse{}, fmt.Errorf("transport: %s replied with a non-response frame", addr)
	}
	return *reply.OnionResponse, nil
}

// Probe dials addr and measures round-trip time for a single Ping, used by
// connectivity_recheck. It does not mutate any registry state itself.
func Probe(ctx context.Context, addr string, ping wire.DiscoveryMessage) (wire.DiscoveryMessage, time.Duration, error) {
	dialer := net.Dialer{}
	start := time.Now()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.DiscoveryMessage{}, 0, fmt.Errorf("transport: probe dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := wire.WritePacket(conn, wire.Packet{Discovery: &ping}); err != nil {
		return wire.DiscoveryMessage{}, 0, fmt.Errorf("transport: probe send %s: %w", addr, err)
	}
	reply, err := wire.ReadPacket(conn)
	if err != nil {
		return wire.DiscoveryMessage{}, 0, fmt.Errorf("transport: probe await %s: %w", addr, err)
	}
	rtt := time.Since(start)
	if reply.Discovery == nil {
		return wire.DiscoveryMessage{}, rtt, fmt.Errorf("transport: %s replied with a non-discovery frame", addr)
	}
	return *reply.Discovery, rtt, nil
}

// SendOnion dials the first hop directly, used by the initiator to send the
// outermost packet it built with onion.Build and await the outermost
// OnionResponse.
func SendOnion(ctx context.Context, hop wire.HopDescriptor, pkt wire.OnionPacket) (wire.OnionResponse, error) {
	encoded := wire.EncodeOnionPacket(pkt)
	return DialForward(ctx, hop, encoded)
}
