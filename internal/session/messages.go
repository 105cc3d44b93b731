package session

import "time"

// ClientMessage is the client->server half of the WebSocket envelope union.
// Exactly one field is non-nil per message, mirroring internal/wire's
// discriminated-union shape but over JSON since spec.md §6 mandates a
// text-framed JSON channel for the client side (unlike the binary native
// transport).
type ClientMessage struct {
	Register    *RegisterRequest `json:"register,omitempty"`
	SendMessage *SendMessage     `json:"send_message,omitempty"`
	ListPeers   *struct{}        `json:"list_peers,omitempty"`
	Ping        *struct{}        `json:"ping,omitempty"`
}

type RegisterRequest struct {
	Fingerprint string `json:"fingerprint"`
	Signature   string `json:"signature"`
}

type SendMessage struct {
	To               string `json:"to"`
	EncryptedPayload string `json:"encrypted_payload"`
}

// ServerMessage is the server->client half.
type ServerMessage struct {
	Registered      *Registered      `json:"registered,omitempty"`
	IncomingMessage *IncomingMessage `json:"incoming_message,omitempty"`
	PeerList        *PeerListMsg     `json:"peer_list,omitempty"`
	PeerStatus      *PeerStatus      `json:"peer_status,omitempty"`
	Pong            *struct{}        `json:"pong,omitempty"`
	Error           *ErrorMessage    `json:"error,omitempty"`
}

type Registered struct {
	Success  bool        `json:"success"`
	NodeInfo interface{} `json:"node_info,omitempty"`
}

type IncomingMessage struct {
	From             string    `json:"from"`
	EncryptedPayload string    `json:"encrypted_payload"`
	Timestamp        time.Time `json:"ts"`
}

type PeerListMsg struct {
	Peers []string `json:"peers"`
}

type PeerStatus struct {
	Fingerprint string `json:"fp"`
	Online      bool   `json:"online"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// RelayRequest is the body of POST /p2p/relay.
type RelayRequest struct {
	ToPubkey string `json:"to_pubkey"`
	Message  struct {
		From             string `json:"from"`
		EncryptedPayload string `json:"encrypted_payload"`
	} `json:"message"`
}

// InfoResponse is the body of GET /p2p/info.
type InfoResponse struct {
	Node      NodeInfo `json:"node"`
	Signature string   `json:"signature"`
}

// NodeInfo is the JSON projection of wire.PeerDescriptor used on /p2p/info
// and inside Registered.node_info; keeping a JSON-tagged mirror here instead
// of tagging wire.PeerDescriptor directly keeps the binary wire codec free
// of encoding/json struct tags it has no other use for.
type NodeInfo struct {
	Fingerprint  string `json:"fingerprint"`
	DisplayName  string `json:"display_name"`
	Address      string `json:"address"`
	ArsonPort    uint16 `json:"arson_port"`
	HTTPPort     uint16 `json:"http_port"`
	AgreementPub string `json:"agreement_pub"`
	SigningPub   string `json:"signing_pub"`
	Secure       bool   `json:"secure"`
}
