package nodeconfig

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hoshinet/overlay/internal/nodecrypto"
)

// Identity is a node's long-term key material: the agreement and signing
// keypairs spec.md §3 requires, plus the optional third component it names
// — a user-facing signing keypair kept only to verify legacy (pre-Ed25519)
// client registration challenges. None of this is ever serialized
// alongside Config. LegacySigningPriv/Pub are nil on identities that never
// had one generated or loaded one from an older identity file.
type Identity struct {
	Fingerprint       string
	AgreementPriv     [32]byte
	AgreementPub      [32]byte
	SigningPriv       ed25519.PrivateKey
	SigningPub        ed25519.PublicKey
	LegacySigningPriv *rsa.PrivateKey
	LegacySigningPub  *rsa.PublicKey
}

// identityFile is the on-disk encoding of Identity: hex-encoded fields in a
// small JSON envelope, kept in a 0600 sibling file next to the config.
// LegacySigning fields are omitted entirely for identities minted without
// one, so older identity files decode unchanged.
type identityFile struct {
	AgreementPriv     string `json:"agreement_priv"`
	AgreementPub      string `json:"agreement_pub"`
	SigningPriv       string `json:"signing_priv"`
	SigningPub        string `json:"signing_pub"`
	LegacySigningPriv string `json:"legacy_signing_priv,omitempty"`
	LegacySigningPub  string `json:"legacy_signing_pub,omitempty"`
}

func newIdentity() (*Identity, error) {
	agree, err := nodecrypto.NewAgreementKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate agreement keypair: %w", err)
	}
	signing, err := nodecrypto.NewSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	legacy, err := nodecrypto.NewLegacyRSAKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate legacy signing keypair: %w", err)
	}
	return &Identity{
		Fingerprint:       nodecrypto.Fingerprint(agree.Pub),
		AgreementPriv:     agree.Priv,
		AgreementPub:      agree.Pub,
		SigningPriv:       signing.Priv,
		SigningPub:        signing.Pub,
		LegacySigningPriv: legacy,
		LegacySigningPub:  &legacy.PublicKey,
	}, nil
}

func (id *Identity) save(path string, passphrase []byte) error {
	f := identityFile{
		AgreementPriv: hexEncode(id.AgreementPriv[:]),
		AgreementPub:  hexEncode(id.AgreementPub[:]),
		SigningPriv:   hexEncode(id.SigningPriv),
		SigningPub:    hexEncode(id.SigningPub),
	}
	if id.LegacySigningPriv != nil {
		f.LegacySigningPriv = hexEncode(x509.MarshalPKCS1PrivateKey(id.LegacySigningPriv))
		f.LegacySigningPub = hexEncode(x509.MarshalPKCS1PublicKey(&id.LegacySigningPriv.PublicKey))
	}
	encoded, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if len(passphrase) > 0 {
		encoded, err = nodecrypto.SealLocal(passphrase, encoded)
		if err != nil {
			return fmt.Errorf("seal identity: %w", err)
		}
	}
	return os.WriteFile(path, encoded, 0o600)
}

// loadIdentity reads the identity file at path and verifies its derived
// agreement public key and fingerprint agree with cfg — a mismatch is fatal,
// per spec.md's "if present but the derived public key does not match the
// stored public key, fail fast." A wrong passphrase surfaces as the same
// decrypt-failure error nodecrypto.OpenLocal returns.
func loadIdentity(path string, cfg *Config, passphrase []byte) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrIdentityMissing, path)
		}
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	if len(passphrase) > 0 {
		raw, err = nodecrypto.OpenLocal(passphrase, raw)
		if err != nil {
			return nil, fmt.Errorf("open identity %s: %w", path, err)
		}
	}

	var f identityFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}

	agreementPriv, err := hexDecode32(f.AgreementPriv)
	if err != nil {
		return nil, fmt.Errorf("decode agreement private key: %w", err)
	}
	agreementPub, err := hexDecode32(f.AgreementPub)
	if err != nil {
		return nil, fmt.Errorf("decode agreement public key: %w", err)
	}
	signingPriv, err := hexDecodeN(f.SigningPriv, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("decode signing private key: %w", err)
	}
	signingPub, err := hexDecodeN(f.SigningPub, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("decode signing public key: %w", err)
	}

	fingerprint := nodecrypto.Fingerprint(agreementPub)
	if cfg.Fingerprint != "" && cfg.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%w: config has %q, identity derives %q", ErrPubkeyMismatch, cfg.Fingerprint, fingerprint)
	}
	if cfg.AgreementPub != "" && cfg.AgreementPub != hexEncode(agreementPub[:]) {
		return nil, fmt.Errorf("%w: agreement public key", ErrPubkeyMismatch)
	}

	ident := &Identity{
		Fingerprint:   fingerprint,
		AgreementPriv: agreementPriv,
		AgreementPub:  agreementPub,
		SigningPriv:   ed25519.PrivateKey(signingPriv),
		SigningPub:    ed25519.PublicKey(signingPub),
	}

	if f.LegacySigningPriv != "" {
		raw, err := hex.DecodeString(f.LegacySigningPriv)
		if err != nil {
			return nil, fmt.Errorf("decode legacy signing private key: %w", err)
		}
		legacyPriv, err := x509.ParsePKCS1PrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse legacy signing private key: %w", err)
		}
		ident.LegacySigningPriv = legacyPriv
		ident.LegacySigningPub = &legacyPriv.PublicKey
	}

	return ident, nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes of hex, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func hexDecodeN(s string, n int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != n {
		return nil, fmt.Errorf("expected %d bytes of hex, got %d", n, len(raw))
	}
	return raw, nil
}
