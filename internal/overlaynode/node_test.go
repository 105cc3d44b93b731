package overlaynode

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hoshinet/overlay/internal/nodeconfig"
	"github.com/hoshinet/overlay/internal/onion"
	"github.com/hoshinet/overlay/internal/peerstore"
	"github.com/hoshinet/overlay/internal/session"
	"github.com/hoshinet/overlay/internal/transport"
	"github.com/hoshinet/overlay/internal/wire"
)

// freePort asks the OS for an unused TCP port on localhost.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi: %v", err)
	}
	return uint16(port)
}

func newTestNode(t *testing.T, devMode bool) *Node {
	t.Helper()
	dir := t.TempDir()
	cfg, ident, err := nodeconfig.LoadOrCreate(dir+"/node.json", true, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	cfg.BindAddress = "127.0.0.1"
	cfg.Address = "127.0.0.1"
	cfg.ArsonPort = freePort(t)
	cfg.HTTPPort = freePort(t)
	cfg.DevMode = devMode

	n, err := New(cfg, ident, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Shutdown(context.Background()) })
	return n
}

func TestSingleHopOnionEcho(t *testing.T) {
	exit := newTestNode(t, false)

	hop := onion.Hop{
		Address:      exit.Config.Address,
		Port:         exit.Config.ArsonPort,
		Fingerprint:  exit.Identity.Fingerprint,
		AgreementPub: exit.Identity.AgreementPub,
	}
	payload := wire.EncodeRoutedMessage(wire.RoutedMessage{
		Type:      wire.Chat,
		Payload:   []byte("hello"),
		Timestamp: time.Now().UTC(),
	})

	pkt, circuit, err := onion.Build([]onion.Hop{hop}, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.InitiatorAwaitTimeout)
	defer cancel()
	resp, err := transport.SendOnion(ctx, wire.HopDescriptor{Address: hop.Address, Port: hop.Port, Fingerprint: hop.Fingerprint}, pkt)
	if err != nil {
		t.Fatalf("SendOnion: %v", err)
	}

	plain, err := onion.PeelResponse(circuit, resp)
	if err != nil {
		t.Fatalf("PeelResponse: %v", err)
	}
	if string(plain) != "ACK" {
		t.Fatalf("expected ACK response, got %q", plain)
	}
}

func dial(t *testing.T, httpPort uint16) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/p2p/ws", httpPort)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func registerDevMode(t *testing.T, conn *websocket.Conn, fingerprint string) {
	t.Helper()
	if err := conn.WriteJSON(session.ClientMessage{Register: &session.RegisterRequest{
		Fingerprint: fingerprint,
		Signature:   "dev_mode",
	}}); err != nil {
		t.Fatalf("WriteJSON register: %v", err)
	}
	var reply session.ServerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON register reply: %v", err)
	}
	if reply.Registered == nil || !reply.Registered.Success {
		t.Fatalf("expected a successful registration, got %+v", reply)
	}
}

func TestLocalClientDeliveryBetweenTwoSessionsOnOneNode(t *testing.T) {
	n := newTestNode(t, true)

	connA := dial(t, n.Config.HTTPPort)
	registerDevMode(t, connA, "alice-fp")
	connB := dial(t, n.Config.HTTPPort)
	registerDevMode(t, connB, "bob-fp")

	// alice should see bob's presence broadcast.
	var status session.ServerMessage
	if err := connA.ReadJSON(&status); err != nil {
		t.Fatalf("ReadJSON status: %v", err)
	}
	if status.PeerStatus == nil || status.PeerStatus.Fingerprint != "bob-fp" || !status.PeerStatus.Online {
		t.Fatalf("expected alice to observe bob's online status, got %+v", status)
	}

	if err := connA.WriteJSON(session.ClientMessage{SendMessage: &session.SendMessage{
		To:               "bob-fp",
		EncryptedPayload: base64.StdEncoding.EncodeToString([]byte("hi bob")),
	}}); err != nil {
		t.Fatalf("WriteJSON send: %v", err)
	}

	var incoming session.ServerMessage
	if err := connB.ReadJSON(&incoming); err != nil {
		t.Fatalf("ReadJSON incoming: %v", err)
	}
	if incoming.IncomingMessage == nil || incoming.IncomingMessage.From != "alice-fp" {
		t.Fatalf("expected bob to receive a message from alice, got %+v", incoming)
	}
}

func TestRemoteClientDeliveryAcrossTwoNodes(t *testing.T) {
	nodeA := newTestNode(t, true)
	nodeB := newTestNode(t, true)

	// nodeA must know nodeB is a candidate relay target.
	nodeA.Store.Upsert(peerstore.Record{
		Fingerprint: nodeB.Identity.Fingerprint,
		Address:     nodeB.Config.Address,
		ArsonPort:   nodeB.Config.ArsonPort,
		HTTPPort:    nodeB.Config.HTTPPort,
	}, false)

	connA := dial(t, nodeA.Config.HTTPPort)
	registerDevMode(t, connA, "alice-fp")
	connB := dial(t, nodeB.Config.HTTPPort)
	registerDevMode(t, connB, "bob-fp")

	if err := connA.WriteJSON(session.ClientMessage{SendMessage: &session.SendMessage{
		To:               "bob-fp",
		EncryptedPayload: base64.StdEncoding.EncodeToString([]byte("hi bob, remote")),
	}}); err != nil {
		t.Fatalf("WriteJSON send: %v", err)
	}

	var incoming session.ServerMessage
	if err := connB.ReadJSON(&incoming); err != nil {
		t.Fatalf("ReadJSON incoming: %v", err)
	}
	if incoming.IncomingMessage == nil || incoming.IncomingMessage.From != "alice-fp" {
		t.Fatalf("expected bob to receive the relayed message from alice, got %+v", incoming)
	}
}

func TestInfoEndpointAdvertisesVerifiableIdentity(t *testing.T) {
	n := newTestNode(t, false)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/p2p/info", n.Config.HTTPPort))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Node      json.RawMessage
		Signature string
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Signature == "" {
		t.Fatalf("expected a non-empty signature")
	}

	sig, err := base64.RawURLEncoding.DecodeString(out.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	encoded := wire.EncodePeerDescriptor(wire.PeerDescriptor{
		Fingerprint:  n.Identity.Fingerprint,
		DisplayName:  n.Config.DisplayName,
		Address:      n.Config.Address,
		ArsonPort:    n.Config.ArsonPort,
		HTTPPort:     n.Config.HTTPPort,
		AgreementPub: n.Identity.AgreementPub,
		SigningPub:   [32]byte(n.Identity.SigningPub),
		Secure:       n.Config.Secure,
	})
	if !ed25519.Verify(n.Identity.SigningPub, encoded, sig) {
		t.Fatalf("signature does not verify against the advertised descriptor")
	}
}

func TestPeerRegistryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg, ident, err := nodeconfig.LoadOrCreate(dir+"/node.json", true, []byte("s3cret"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	cfg.BindAddress = "127.0.0.1"
	cfg.Address = "127.0.0.1"
	cfg.ArsonPort = freePort(t)
	cfg.HTTPPort = freePort(t)

	snapshotPath := nodeconfig.PeersSnapshotPath(dir + "/node.json")
	opts := overlaynodeOptions(snapshotPath, "s3cret")

	n1, err := New(cfg, ident, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	if err := n1.Start(ctx1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n1.Store.Upsert(peerstore.Record{
		Fingerprint: "persisted-peer-fingerprint",
		Address:     "10.0.0.7",
		ArsonPort:   7070,
	}, false)
	if err := n1.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cancel1()

	cfg2, ident2, err := nodeconfig.LoadOrCreate(dir+"/node.json", false, []byte("s3cret"))
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}
	cfg2.ArsonPort = freePort(t)
	cfg2.HTTPPort = freePort(t)
	n2, err := New(cfg2, ident2, opts)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := n2.Start(ctx2); err != nil {
		t.Fatalf("Start (second): %v", err)
	}
	defer n2.Shutdown(context.Background())

	if _, ok := n2.Store.Get("persisted-peer-fingerprint"); !ok {
		t.Fatalf("expected the peer saved by the first node instance to survive a restart")
	}
}

func overlaynodeOptions(snapshotPath, passphrase string) Options {
	return Options{PeersSnapshotPath: snapshotPath, Passphrase: []byte(passphrase)}
}
