// Package overlaynode wires the node's components together: identity,
// peer registry, discovery, onion router, native transport, client session
// fabric, and the background control loops. It is the Go analogue of the
// teacher's top-level Server type in go-node/main.go, generalized from a
// single HTTP+mixnet server to the two-port native/session model spec.md
// §6 requires.
package overlaynode

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hoshinet/overlay/internal/control"
	"github.com/hoshinet/overlay/internal/discovery"
	"github.com/hoshinet/overlay/internal/nodeconfig"
	"github.com/hoshinet/overlay/internal/nodelog"
	"github.com/hoshinet/overlay/internal/onion"
	"github.com/hoshinet/overlay/internal/peerstore"
	"github.com/hoshinet/overlay/internal/session"
	"github.com/hoshinet/overlay/internal/transport"
	"github.com/hoshinet/overlay/internal/wire"
)

// Options carries the parts of node construction that aren't themselves
// config/identity: where (if anywhere) to persist the peer registry
// snapshot, and the passphrase protecting it and the identity file at rest.
type Options struct {
	PeersSnapshotPath string
	Passphrase        []byte
}

// Node owns every long-lived component of a running overlay node.
type Node struct {
	Config   *nodeconfig.Config
	Identity *nodeconfig.Identity
	Options  Options

	Store     *peerstore.Store
	Discovery *discovery.Manager
	Router    *onion.Router
	Session   *session.Manager
	Loops     *control.Loops

	arson *transport.Server
	http  *http.Server
}

// New builds a Node from a loaded configuration and identity, wiring every
// component the way go-node/main.go wires its own Server: construct the
// registry, seed it from the static peer list, build discovery/router/
// session on top of it, and leave Start to bind the sockets.
func New(cfg *nodeconfig.Config, ident *nodeconfig.Identity, opts Options) (*Node, error) {
	self := wire.PeerDescriptor{
		Fingerprint:  ident.Fingerprint,
		DisplayName:  cfg.DisplayName,
		Address:      cfg.Address,
		ArsonPort:    cfg.ArsonPort,
		HTTPPort:     cfg.HTTPPort,
		AgreementPub: ident.AgreementPub,
		SigningPub:   [32]byte(ident.SigningPub),
		Secure:       cfg.Secure,
	}

	store := peerstore.New(self.Fingerprint)
	seedStore(store, cfg.Peers)

	disc := discovery.New(store, self, ident.SigningPub, ident.SigningPriv, cfg.DevMode)
	router := onion.NewRouter(ident.AgreementPriv)
	sess := session.New(store, self, ident.SigningPriv, ident.LegacySigningPub, cfg.DevMode)

	n := &Node{
		Config:    cfg,
		Identity:  ident,
		Options:   opts,
		Store:     store,
		Discovery: disc,
		Router:    router,
		Session:   sess,
		Loops: &control.Loops{
			Store:        store,
			Discovery:    disc,
			Router:       router,
			PingInterval: time.Duration(cfg.PingInterval) * time.Second,
		},
	}
	return n, nil
}

func seedStore(store *peerstore.Store, seeds []nodeconfig.PeerSeed) {
	records := make([]peerstore.Record, 0, len(seeds))
	for _, s := range seeds {
		records = append(records, peerstore.Record{
			Fingerprint: s.Fingerprint,
			Address:     s.Address,
			ArsonPort:   s.ArsonPort,
			HTTPPort:    s.HTTPPort,
		})
	}
	store.Bootstrap(records)
}

// deliverAtExit is handed to the onion router as its exit-side delivery
// hook. RoutedMessage carries no recipient field in the wire format (see
// spec §4.3/§4.5), so an exit node cannot fan this out to a specific
// client session; per-client addressed delivery is exclusively the
// explicit SendMessage/IncomingMessage path in the session fabric. This
// hook is therefore an observability point for arriving onion-delivered
// traffic, acknowledged with the fixed 3-byte ACK.
func (n *Node) deliverAtExit(ctx context.Context, msg wire.RoutedMessage) ([]byte, error) {
	nodelog.Debugf("[overlaynode] exit delivery: type=%d bytes=%d ts=%s", msg.Type, len(msg.Payload), msg.Timestamp.Format(time.RFC3339))
	return nil, nil
}

// Start binds the native transport listener and the HTTP (session + relay)
// listener and launches the control loops. It does not block; select on
// ctx.Done to keep the process alive.
func (n *Node) Start(ctx context.Context) error {
	if n.Options.PeersSnapshotPath != "" {
		if count, err := n.Store.LoadSnapshotFile(n.Options.PeersSnapshotPath, n.Options.Passphrase); err != nil {
			nodelog.Warnf("[overlaynode] peer snapshot load failed, starting with an empty registry: %v", err)
		} else if count > 0 {
			nodelog.Infof("[overlaynode] restored %d peers from %s", count, n.Options.PeersSnapshotPath)
		}
	}

	n.arson = &transport.Server{
		Discovery: n.Discovery.HandleRequest,
		Router:    n.Router,
		Deliver:   n.deliverAtExit,
	}
	arsonAddr := fmt.Sprintf("%s:%d", n.Config.BindAddress, n.Config.ArsonPort)
	if err := n.arson.Listen(arsonAddr); err != nil {
		return fmt.Errorf("bind native transport %s: %w", arsonAddr, err)
	}

	httpAddr := fmt.Sprintf("%s:%d", n.Config.BindAddress, n.Config.HTTPPort)
	n.http = &http.Server{
		Addr:              httpAddr,
		Handler:           session.LoggingHandler(n.Session.HTTPHandlers()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := n.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		n.arson.Close()
		return fmt.Errorf("bind client/relay channel %s: %w", httpAddr, err)
	case <-time.After(50 * time.Millisecond):
	}

	n.Loops.Run(ctx)
	if n.Options.PeersSnapshotPath != "" {
		go n.autoSavePeers(ctx)
	}
	nodelog.Infof("[overlaynode] node %s listening arson=%s http=%s", n.Identity.Fingerprint, arsonAddr, httpAddr)
	return nil
}

// autoSavePeers periodically persists the registry to disk, grounded on
// go-node/peers_autosave.go's startAutoSavePeersLoop ticker shape. This is
// a supplemented feature, not one of the four control-loop tasks spec.md
// §4.8 names.
func (n *Node) autoSavePeers(ctx context.Context) {
	ticker := time.NewTicker(peersSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Store.SaveSnapshotFile(n.Options.PeersSnapshotPath, n.Options.Passphrase); err != nil {
				nodelog.Warnf("[overlaynode] peer snapshot save failed: %v", err)
			}
		}
	}
}

const peersSaveInterval = 2 * time.Minute

// Shutdown closes both listeners. Control loops stop on their own once ctx
// (passed to Start) is cancelled.
func (n *Node) Shutdown(ctx context.Context) error {
	var firstErr error
	if n.Options.PeersSnapshotPath != "" {
		if err := n.Store.SaveSnapshotFile(n.Options.PeersSnapshotPath, n.Options.Passphrase); err != nil {
			nodelog.Warnf("[overlaynode] final peer snapshot save failed: %v", err)
		}
	}
	if n.arson != nil {
		if err := n.arson.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.http != nil {
		if err := n.http.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
