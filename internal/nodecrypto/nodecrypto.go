// Package nodecrypto implements the cryptographic primitives shared by
// discovery, onion routing and client session authentication: long-term and
// ephemeral X25519 agreement, Ed25519 signing, RSA-PKCS#1v1.5-SHA256
// signing (legacy client challenge compatibility), AES-256-GCM, and the
// wire KDF.
package nodecrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// legacyRSAKeyBits is the modulus size for the optional legacy client
// challenge keypair. 2048 bits matches what pre-Ed25519 client builds
// generated.
const legacyRSAKeyBits = 2048

var (
	ErrKeyFormat        = errors.New("nodecrypto: malformed key material")
	ErrDecryptFailed    = errors.New("nodecrypto: decryption failed")
	ErrSignatureInvalid = errors.New("nodecrypto: signature invalid")
)

// kdfDomain is the literal domain separator baked into the wire contract.
// Changing it changes every derived key, by design.
const kdfDomain = "onion-aes-key-v1"

// AgreementKeyPair is a long-lived X25519 identity keypair.
type AgreementKeyPair struct {
	Priv [32]byte
	Pub  [32]byte
}

// NewAgreementKeyPair generates a long-lived X25519 keypair.
func NewAgreementKeyPair() (AgreementKeyPair, error) {
	var kp AgreementKeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return kp, err
	}
	clamp(&kp.Priv)
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// EphemeralPrivateKey is a single-use X25519 private key. It is consumed
// (zeroed) by its one permitted call to Derive.
type EphemeralPrivateKey struct {
	key  [32]byte
	used bool
}

// NewEphemeralAgreementKeys generates a fresh single-use keypair.
func NewEphemeralAgreementKeys() (*EphemeralPrivateKey, [32]byte, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, [32]byte{}, err
	}
	clamp(&priv)
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, [32]byte{}, err
	}
	var pub [32]byte
	copy(pub[:], pubBytes)
	return &EphemeralPrivateKey{key: priv}, pub, nil
}

// Derive consumes the ephemeral private key against peerPub, performing
// X25519. Calling it twice returns ErrKeyFormat.
func (e *EphemeralPrivateKey) Derive(peerPub [32]byte) ([]byte, error) {
	if e.used {
		return nil, ErrKeyFormat
	}
	shared, err := curve25519.X25519(e.key[:], peerPub[:])
	e.used = true
	for i := range e.key {
		e.key[i] = 0
	}
	if err != nil {
		return nil, ErrKeyFormat
	}
	return shared, nil
}

// Derive performs X25519 between a long-term private key and a peer public
// key. Unlike EphemeralPrivateKey.Derive this may be called repeatedly (used
// by relay hops to decrypt every onion layer they receive).
func Derive(priv [32]byte, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, ErrKeyFormat
	}
	return shared, nil
}

// KDF maps a shared secret to a 32-byte symmetric key. It is deliberately
// plain SHA-256 with a fixed domain-separation literal; this is part of the
// wire contract and must not change independently on one side only.
func KDF(sharedSecret []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(kdfDomain))
	h.Write(sharedSecret)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AEADEncrypt seals plaintext under key/nonce with AES-256-GCM.
func AEADEncrypt(key [32]byte, nonce [12]byte, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// AEADDecrypt opens ciphertext under key/nonce with AES-256-GCM.
func AEADDecrypt(key [32]byte, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrKeyFormat
	}
	return cipher.NewGCM(block)
}

// NewNonce draws a fresh random 12-byte AES-GCM nonce.
func NewNonce() ([12]byte, error) {
	var n [12]byte
	_, err := rand.Read(n[:])
	return n, err
}

// NewPacketID draws a fresh random 16-byte packet identifier.
func NewPacketID() ([16]byte, error) {
	var id [16]byte
	_, err := rand.Read(id[:])
	return id, err
}

// Rand fills n bytes from a cryptographically secure source.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// SigningKeyPair is a long-lived Ed25519 identity used to sign Announce
// messages and, optionally, client registration challenges.
type SigningKeyPair struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// NewSigningKeyPair generates a fresh Ed25519 keypair.
func NewSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, err
	}
	return SigningKeyPair{Priv: priv, Pub: pub}, nil
}

// Sign signs msg with priv.
func Sign(priv ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrKeyFormat
	}
	return ed25519.Sign(priv, msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
// It never panics on adversarial input.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// NewLegacyRSAKeyPair generates the optional long-lived RSA keypair spec.md
// §3 names as a node identity's third, optional component: a user-facing
// signing key kept only to verify pre-Ed25519 client registration
// challenges. New deployments never need to mint one of these on the
// client side; a node that generates one simply remains able to accept
// clients still signing the legacy way.
func NewLegacyRSAKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, legacyRSAKeyBits)
}

// SignLegacyRSA signs msg with an RSA-PKCS#1v1.5-SHA256 signature.
func SignLegacyRSA(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

// VerifyLegacyRSA reports whether sig is a valid RSA-PKCS#1v1.5-SHA256
// signature over msg by pub. It never panics on adversarial input.
func VerifyLegacyRSA(pub *rsa.PublicKey, msg, sig []byte) bool {
	if pub == nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// Fingerprint is the canonical text encoding of a 32-byte public key:
// lowercase, unpadded base32, truncated to 52 characters. Used both for an
// X25519 agreement key (peer identity) and, in the client-session channel,
// for an Ed25519 signing key (client identity) — the two never mix within a
// single trust domain.
func Fingerprint(pub [32]byte) string {
	id := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(pub[:]))
	if len(id) > 52 {
		id = id[:52]
	}
	return id
}

// DecodeFingerprint reverses Fingerprint, recovering the raw 32-byte key.
// Base32 of 32 bytes is exactly 52 unpadded characters, so the encoding is
// lossless; ErrKeyFormat is returned for anything else.
func DecodeFingerprint(fp string) ([32]byte, error) {
	var out [32]byte
	if len(fp) != 52 {
		return out, ErrKeyFormat
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(fp))
	if err != nil || len(raw) != 32 {
		return out, ErrKeyFormat
	}
	copy(out[:], raw)
	return out, nil
}
