package peerstore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hoshinet/overlay/internal/nodecrypto"
)

// snapshotFile mirrors go-node's PeerSnapshot/PeerBrief export format,
// generalized to the full Record shape and sealed with the same AES-256-GCM
// AEAD used on the wire instead of the teacher's chacha20poly1305/X, so the
// codebase carries one AEAD implementation rather than two.
type snapshotFile struct {
	Version int            `json:"version"`
	Self    string         `json:"self"`
	Created time.Time      `json:"created"`
	Peers   []snapshotPeer `json:"peers"`
}

type snapshotPeer struct {
	Fingerprint     string    `json:"fingerprint"`
	DisplayName     string    `json:"display_name,omitempty"`
	Address         string    `json:"address"`
	ArsonPort       uint16    `json:"arson_port"`
	HTTPPort        uint16    `json:"http_port"`
	PreferSecure    bool      `json:"prefer_secure"`
	LastPing        time.Time `json:"last_ping"`
	LatencyMS       int64     `json:"latency_ms,omitempty"`
	HasLatency      bool      `json:"has_latency"`
	TrustScore      uint8     `json:"trust_score"`
	FailedAttempts  int       `json:"failed_attempts"`
	AgreementPub    [32]byte  `json:"agreement_pub,omitempty"`
	HasAgreementKey bool      `json:"has_agreement_key"`
	Protocols       []string  `json:"protocols,omitempty"`
}

func toSnapshotPeer(r Record) snapshotPeer {
	return snapshotPeer{
		Fingerprint:     r.Fingerprint,
		DisplayName:     r.DisplayName,
		Address:         r.Address,
		ArsonPort:       r.ArsonPort,
		HTTPPort:        r.HTTPPort,
		PreferSecure:    r.PreferSecure,
		LastPing:        r.LastPing,
		LatencyMS:       r.LatencyMS,
		HasLatency:      r.HasLatency,
		TrustScore:      r.TrustScore,
		FailedAttempts:  r.FailedAttempts,
		AgreementPub:    r.AgreementPub,
		HasAgreementKey: r.HasAgreementKey,
		Protocols:       r.Protocols,
	}
}

func fromSnapshotPeer(p snapshotPeer) Record {
	return Record{
		Fingerprint:     p.Fingerprint,
		DisplayName:     p.DisplayName,
		Address:         p.Address,
		ArsonPort:       p.ArsonPort,
		HTTPPort:        p.HTTPPort,
		PreferSecure:    p.PreferSecure,
		LastPing:        p.LastPing,
		LatencyMS:       p.LatencyMS,
		HasLatency:      p.HasLatency,
		TrustScore:      p.TrustScore,
		FailedAttempts:  p.FailedAttempts,
		AgreementPub:    p.AgreementPub,
		HasAgreementKey: p.HasAgreementKey,
		Protocols:       p.Protocols,
	}
}

// SealedSnapshot serializes and seals the current registry for at-rest storage. If
// passphrase is empty the output is cleartext JSON, matching the teacher's
// no-passphrase fallback; callers are expected to write it with 0600
// permissions.
func (s *Store) SealedSnapshot(passphrase []byte) ([]byte, error) {
	all := s.Snapshot()
	peers := make([]snapshotPeer, 0, len(all))
	for _, r := range all {
		peers = append(peers, toSnapshotPeer(r))
	}
	plain, err := json.Marshal(snapshotFile{
		Version: 1,
		Self:    s.self,
		Created: time.Now().UTC(),
		Peers:   peers,
	})
	if err != nil {
		return nil, fmt.Errorf("peerstore: marshal snapshot: %w", err)
	}
	if len(passphrase) == 0 {
		return plain, nil
	}
	return nodecrypto.SealLocal(passphrase, plain)
}

// RestoreSealed merges a snapshot produced by SealedSnapshot back into the
// registry. Existing records for the same fingerprint are overwritten;
// trust scoring in the snapshot is trusted since it only ever originates
// from this node's own prior run.
func (s *Store) RestoreSealed(passphrase, data []byte) (int, error) {
	plain := data
	if len(passphrase) > 0 {
		opened, err := nodecrypto.OpenLocal(passphrase, data)
		if err != nil {
			return 0, fmt.Errorf("peerstore: open sealed snapshot: %w", err)
		}
		plain = opened
	}
	var snap snapshotFile
	if err := json.Unmarshal(plain, &snap); err != nil {
		return 0, fmt.Errorf("peerstore: unmarshal snapshot: %w", err)
	}
	count := 0
	for _, p := range snap.Peers {
		if p.Fingerprint == s.self {
			continue
		}
		s.Upsert(fromSnapshotPeer(p), false)
		count++
	}
	return count, nil
}

// LoadSnapshotFile reads and restores a sealed snapshot from disk. A missing
// file is not an error: a fresh node has no prior peers.
func (s *Store) LoadSnapshotFile(path string, passphrase []byte) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peerstore: read snapshot file: %w", err)
	}
	return s.RestoreSealed(passphrase, data)
}

// SaveSnapshotFile writes the current registry to disk, sealed under
// passphrase.
func (s *Store) SaveSnapshotFile(path string, passphrase []byte) error {
	sealed, err := s.SealedSnapshot(passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0600)
}
