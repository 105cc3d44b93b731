package onion

import "errors"

var (
	ErrNoAgreementKey = errors.New("onion: hop lacks an agreement key")
	ErrReplayDetected = errors.New("onion: replayed packet id")
	ErrPacketTooLarge = errors.New("onion: payload exceeds limit")
	ErrCircuitExpired = errors.New("onion: circuit entry expired")
	ErrForwardTimeout = errors.New("onion: forward await timed out")
	ErrEmptyHopList   = errors.New("onion: hop list must have at least one hop")
)

// MaxPayloadLen bounds the final application payload an initiator may wrap
// (spec: "every payload P ≤ 8 KiB").
const MaxPayloadLen = 8 * 1024

// MaxResponseLen bounds the response generated at the exit hop (spec: "a
// response R ≤ 64 KiB"), a consequence of reusing the forward (key, nonce)
// pair in both directions.
const MaxResponseLen = 64 * 1024
