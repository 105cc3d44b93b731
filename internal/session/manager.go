// Package session implements C7, the client session fabric: the WebSocket
// channel clients register on, the local delivery table, presence
// broadcast, and the inter-node relay fallback (POST /p2p/relay) and signed
// self-descriptor endpoint (GET /p2p/info) that support it.
package session

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hoshinet/overlay/internal/nodecrypto"
	"github.com/hoshinet/overlay/internal/peerstore"
	"github.com/hoshinet/overlay/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// session is one registered client connection.
type session struct {
	id          string
	fingerprint string
	conn        *websocket.Conn
	send        chan ServerMessage
}

// Manager owns the local delivery table and everything needed to answer a
// client's Register/SendMessage/ListPeers/Ping and to serve the inter-node
// relay and info endpoints.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	store       *peerstore.Store
	self        wire.PeerDescriptor
	signingPriv ed25519.PrivateKey
	legacyPub   *rsa.PublicKey
	devMode     bool
	relayClient *http.Client
}

// New builds a session Manager. legacyPub, when non-nil, is the node's
// optional legacy signing keypair's public half (nodeconfig.Identity's
// LegacySigningPub): a registration whose signature fails Ed25519
// verification is retried as an RSA-PKCS#1v1.5-SHA256 signature against it,
// for clients still on the pre-Ed25519 registration scheme. A nil legacyPub
// disables that fallback entirely.
func New(store *peerstore.Store, self wire.PeerDescriptor, signingPriv ed25519.PrivateKey, legacyPub *rsa.PublicKey, devMode bool) *Manager {
	return &Manager{
		sessions:    make(map[string]*session),
		store:       store,
		self:        self,
		signingPriv: signingPriv,
		legacyPub:   legacyPub,
		devMode:     devMode,
		relayClient: &http.Client{Timeout: relayPostTimeout},
	}
}

const relayPostTimeout = 10 * time.Second

// HandleWebSocket upgrades the connection at /p2p/ws and runs the client's
// read loop until the channel closes.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[session] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess := &session{id: uuid.NewString(), conn: conn, send: make(chan ServerMessage, 16)}
	writerDone := make(chan struct{})
	go m.writeLoop(sess, writerDone)
	defer func() {
		<-writerDone
	}()
	defer close(sess.send)

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		m.dispatch(sess, msg)
	}

	if sess.fingerprint != "" {
		m.remove(sess.fingerprint, sess.id)
	}
}

func (m *Manager) writeLoop(sess *session, done chan struct{}) {
	defer close(done)
	for msg := range sess.send {
		if err := sess.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (m *Manager) dispatch(sess *session, msg ClientMessage) {
	switch {
	case msg.Register != nil:
		m.handleRegister(sess, *msg.Register)
	case msg.SendMessage != nil:
		m.handleSendMessage(sess, *msg.SendMessage)
	case msg.ListPeers != nil:
		m.handleListPeers(sess)
	case msg.Ping != nil:
		sess.send <- ServerMessage{Pong: &struct{}{}}
	}
}

func registerChallenge(now time.Time) string {
	return fmt.Sprintf("register:%d", now.Unix()/60)
}

func (m *Manager) handleRegister(sess *session, req RegisterRequest) {
	valid := req.Signature == "dev_mode" && m.devMode
	if !valid {
		sigBytes, err := base64.RawURLEncoding.DecodeString(req.Signature)
		if err == nil {
			challenge := []byte(registerChallenge(time.Now().UTC()))
			if pub, fpErr := nodecrypto.DecodeFingerprint(req.Fingerprint); fpErr == nil {
				valid = nodecrypto.Verify(pub[:], challenge, sigBytes)
			}
			if !valid && m.legacyPub != nil {
				valid = nodecrypto.VerifyLegacyRSA(m.legacyPub, challenge, sigBytes)
			}
		}
	}
	if !valid {
		sess.send <- ServerMessage{Registered: &Registered{Success: false}}
		return
	}

	old := m.insert(req.Fingerprint, sess)
	if old != nil {
		close(old.send)
	}
	sess.fingerprint = req.Fingerprint

	m.broadcastStatus(req.Fingerprint, true)
	sess.send <- ServerMessage{Registered: &Registered{Success: true, NodeInfo: toNodeInfo(m.self)}}
}

// insert replaces any existing session for fingerprint, per session
// uniqueness (at most one session per fingerprint).
func (m *Manager) insert(fingerprint string, sess *session) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.sessions[fingerprint]
	m.sessions[fingerprint] = sess
	return old
}

func (m *Manager) remove(fingerprint, sessionID string) {
	m.mu.Lock()
	cur, ok := m.sessions[fingerprint]
	stillCurrent := ok && cur.id == sessionID
	if stillCurrent {
		delete(m.sessions, fingerprint)
	}
	m.mu.Unlock()
	if stillCurrent {
		m.broadcastStatus(fingerprint, false)
	}
}

func (m *Manager) broadcastStatus(fingerprint string, online bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for fp, sess := range m.sessions {
		if fp == fingerprint {
			continue
		}
		select {
		case sess.send <- ServerMessage{PeerStatus: &PeerStatus{Fingerprint: fingerprint, Online: online}}:
		default:
			log.Printf("[session] dropping peer_status to %s: send buffer full", fp)
		}
	}
}

func (m *Manager) handleListPeers(sess *session) {
	seen := make(map[string]struct{})
	var out []string

	m.mu.RLock()
	for fp := range m.sessions {
		if _, dup := seen[fp]; !dup {
			seen[fp] = struct{}{}
			out = append(out, fp)
		}
	}
	m.mu.RUnlock()

	for _, rec := range m.store.Snapshot() {
		if _, dup := seen[rec.Fingerprint]; !dup {
			seen[rec.Fingerprint] = struct{}{}
			out = append(out, rec.Fingerprint)
		}
	}

	sess.send <- ServerMessage{PeerList: &PeerListMsg{Peers: out}}
}

func (m *Manager) handleSendMessage(sess *session, req SendMessage) {
	if sess.fingerprint == "" {
		sess.send <- ServerMessage{Error: &ErrorMessage{Message: "not registered"}}
		return
	}

	m.mu.RLock()
	target, local := m.sessions[req.To]
	m.mu.RUnlock()
	if local {
		target.send <- ServerMessage{IncomingMessage: &IncomingMessage{
			From:             sess.fingerprint,
			EncryptedPayload: req.EncryptedPayload,
			Timestamp:        time.Now().UTC(),
		}}
		return
	}

	if m.relayToRemote(sess.fingerprint, req) {
		return
	}
	sess.send <- ServerMessage{Error: &ErrorMessage{Message: fmt.Sprintf("peer %s not reachable", req.To)}}
}

// relayToRemote iterates known remote nodes in registry order and POSTs to
// the first that returns 2xx; it does not know which node actually hosts
// the target client, so this is a broadcast-try-until-success per spec.md.
func (m *Manager) relayToRemote(from string, req SendMessage) bool {
	var body RelayRequest
	body.ToPubkey = req.To
	body.Message.From = from
	body.Message.EncryptedPayload = req.EncryptedPayload
	encoded, err := json.Marshal(body)
	if err != nil {
		return false
	}

	for _, rec := range m.store.Snapshot() {
		if rec.HTTPPort == 0 || rec.Address == "" {
			continue
		}
		url := fmt.Sprintf("http://%s:%s/p2p/relay", rec.Address, strconv.Itoa(int(rec.HTTPPort)))
		resp, err := m.relayClient.Post(url, "application/json", bytes.NewReader(encoded))
		if err != nil {
			log.Printf("[session] relay to %s failed: %v", rec.Fingerprint, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}

// HTTPHandlers returns the inter-node relay endpoint and the signed
// self-descriptor endpoint, grounded on go-node/server-public.go's
// mux-plus-logging-wrapper pattern.
func (m *Manager) HTTPHandlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p/relay", m.handleRelayPost)
	mux.HandleFunc("/p2p/info", m.handleInfo)
	mux.HandleFunc("/p2p/ws", m.HandleWebSocket)
	return mux
}

func (m *Manager) handleRelayPost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	var req RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	m.mu.RLock()
	target, ok := m.sessions[req.ToPubkey]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, "not present locally", http.StatusNotFound)
		return
	}

	target.send <- ServerMessage{IncomingMessage: &IncomingMessage{
		From:             req.Message.From,
		EncryptedPayload: req.Message.EncryptedPayload,
		Timestamp:        time.Now().UTC(),
	}}
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) handleInfo(w http.ResponseWriter, r *http.Request) {
	encoded := wire.EncodePeerDescriptor(m.self)
	sig, err := nodecrypto.Sign(m.signingPriv, encoded)
	if err != nil {
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}

	resp := InfoResponse{
		Node:      toNodeInfo(m.self),
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func toNodeInfo(p wire.PeerDescriptor) NodeInfo {
	return NodeInfo{
		Fingerprint:  p.Fingerprint,
		DisplayName:  p.DisplayName,
		Address:      p.Address,
		ArsonPort:    p.ArsonPort,
		HTTPPort:     p.HTTPPort,
		AgreementPub: hex.EncodeToString(p.AgreementPub[:]),
		SigningPub:   hex.EncodeToString(p.SigningPub[:]),
		Secure:       p.Secure,
	}
}

// LoggingHandler wraps h with the teacher's bracket-tag request log line.
func LoggingHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[session] %s %s", r.Method, r.URL.Path)
		h.ServeHTTP(w, r)
	})
}
