package nodecrypto

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/argon2"
)

// localMagic opens every file SealLocal produces. That on-disk layout, used
// to protect the node's private key file and its peer-registry snapshot at
// rest, is MAGIC | salt (16) | nonce (12) | plaintext length (4, BE) | ct.
// Grounded on the teacher's env.enc format (go-node/env_encrypt.go), reusing
// the wire AEAD (AES-256-GCM) instead of the teacher's chacha20poly1305/X so
// the codebase has one AEAD implementation, not two.
var localMagic = []byte("OVLY1")

// DeriveLocalKey derives a 32-byte AES-256-GCM key from a passphrase and a
// random salt using Argon2id (m=64MiB, t=2, p=1).
func DeriveLocalKey(passphrase, salt []byte) [32]byte {
	var out [32]byte
	copy(out[:], argon2.IDKey(passphrase, salt, 2, 64*1024, 1, 32))
	return out
}

// SealLocal encrypts plaintext for at-rest storage, returning the full file
// contents (including header, salt and nonce).
func SealLocal(passphrase, plaintext []byte) ([]byte, error) {
	salt, err := Rand(16)
	if err != nil {
		return nil, err
	}
	key := DeriveLocalKey(passphrase, salt)
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := AEADEncrypt(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(localMagic)+16+12+4+len(ct))
	out = append(out, localMagic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(plaintext)))
	out = append(out, lbuf[:]...)
	out = append(out, ct...)
	return out, nil
}

// OpenLocal decrypts a file produced by SealLocal.
func OpenLocal(passphrase, sealed []byte) ([]byte, error) {
	min := len(localMagic) + 16 + 12 + 4
	if len(sealed) < min {
		return nil, errors.New("nodecrypto: sealed file too short")
	}
	if string(sealed[:len(localMagic)]) != string(localMagic) {
		return nil, errors.New("nodecrypto: bad sealed-file magic")
	}
	off := len(localMagic)
	salt := sealed[off : off+16]
	off += 16
	var nonce [12]byte
	copy(nonce[:], sealed[off:off+12])
	off += 12
	off += 4 // plaintext length, informational only
	ct := sealed[off:]

	key := DeriveLocalKey(passphrase, salt)
	return AEADDecrypt(key, nonce, ct)
}
