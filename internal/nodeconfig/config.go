// Package nodeconfig loads and validates the on-disk node configuration and
// the sibling identity key files, and wires CLI flag overrides on top.
package nodeconfig

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// PeerSeed is one entry of the config file's static peer list, used to
// bootstrap the registry before any discovery traffic has happened.
type PeerSeed struct {
	Fingerprint string `json:"fingerprint"`
	Address     string `json:"address"`
	ArsonPort   uint16 `json:"arson_port"`
	HTTPPort    uint16 `json:"http_port"`
}

// Config is the JSON-serializable node configuration. It never carries a
// private key; those live in a sibling identity file pair (see identity.go).
type Config struct {
	DisplayName  string     `json:"display_name"`
	Fingerprint  string     `json:"fingerprint"`
	BindAddress  string     `json:"bind_address"`
	Address      string     `json:"address"`
	ArsonPort    uint16     `json:"arson_port"`
	HTTPPort     uint16     `json:"http_port"`
	Secure       bool       `json:"secure"`
	Version      string     `json:"version"`
	Peers        []PeerSeed `json:"peers"`
	PingInterval int        `json:"ping_interval"`
	DevMode      bool       `json:"dev_mode"`

	// AgreementPub and SigningPub are hex-encoded public keys, stored
	// alongside the fingerprint so a restart doesn't need the identity
	// files to answer "who is this node" for display purposes. The
	// private halves never appear here.
	AgreementPub string `json:"agreement_pub"`
	SigningPub   string `json:"signing_pub"`
}

const (
	defaultArsonPort    = 7070
	defaultHTTPPort     = 8080
	defaultPingInterval = 30
	configVersion       = "1"
)

func defaultConfig() *Config {
	return &Config{
		DisplayName:  "overlay-node",
		BindAddress:  "0.0.0.0",
		Address:      "0.0.0.0",
		ArsonPort:    defaultArsonPort,
		HTTPPort:     defaultHTTPPort,
		Secure:       false,
		Version:      configVersion,
		PingInterval: defaultPingInterval,
		DevMode:      false,
	}
}

// Flags holds the CLI override values bound by BindFlags.
type Flags struct {
	ConfigPath   string
	BindAddress  string
	Address      string
	ArsonPort    int
	HTTPPort     int
	PingInterval int
	DevMode      bool
	NewNet       bool
	Passphrase   string
}

// BindFlags registers the node's CLI overrides on fs, mirroring the
// teacher's flag.StringVar/flag.IntVar/flag.BoolVar startup pattern.
func BindFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "config/node.json", "path to node configuration file")
	fs.StringVar(&f.BindAddress, "bind", "", "override bind address")
	fs.StringVar(&f.Address, "address", "", "override publicly advertised address")
	fs.IntVar(&f.ArsonPort, "arson-port", 0, "override native transport port")
	fs.IntVar(&f.HTTPPort, "http-port", 0, "override client/relay HTTP port")
	fs.IntVar(&f.PingInterval, "ping-interval", 0, "override ping sweep interval in seconds")
	fs.BoolVar(&f.DevMode, "dev-mode", false, "accept the dev_mode registration signature bypass")
	fs.BoolVar(&f.NewNet, "new-net", false, "allow creating a new identity when none exists")
	fs.StringVar(&f.Passphrase, "passphrase", "", "passphrase sealing the identity file at rest (or set OVERLAY_PASSPHRASE)")
	return f
}

// Apply overlays non-zero CLI overrides onto cfg in place.
func (f *Flags) Apply(cfg *Config) {
	if f.BindAddress != "" {
		cfg.BindAddress = f.BindAddress
	}
	if f.Address != "" {
		cfg.Address = f.Address
	}
	if f.ArsonPort != 0 {
		cfg.ArsonPort = uint16(f.ArsonPort)
	}
	if f.HTTPPort != 0 {
		cfg.HTTPPort = uint16(f.HTTPPort)
	}
	if f.PingInterval != 0 {
		cfg.PingInterval = f.PingInterval
	}
	if f.DevMode {
		cfg.DevMode = true
	}
}

// identityPath derives the sibling private-key file path from the config
// file path: config/node.json -> config/node_identity.pem.
func identityPath(configPath string) string {
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, "node_identity.pem")
}

// PeersSnapshotPath derives the sibling peer-registry snapshot path from the
// config file path, for the node's periodic peer-snapshot persistence.
func PeersSnapshotPath(configPath string) string {
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, "peers.enc")
}

// LoadOrCreate loads cfg from path, or creates a fresh config plus identity
// files if none exists yet. newNet must be true to permit creation; its
// absence with no existing config is a fatal configuration error, matching
// spec.md's "if present but mismatched, fail fast" / "if absent, generate"
// startup contract. When passphrase is non-empty the identity file is
// sealed at rest with it (Argon2id-derived AES-256-GCM, see
// internal/nodecrypto.SealLocal); an empty passphrase keeps the teacher's
// plaintext-file fallback.
func LoadOrCreate(path string, newNet bool, passphrase []byte) (*Config, *Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return load(path, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	if !newNet {
		return nil, nil, fmt.Errorf("%w: no config at %s (pass -new-net to create one)", ErrConfigMissing, path)
	}
	return create(path, passphrase)
}

func load(path string, passphrase []byte) (*Config, *Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	ident, err := loadIdentity(identityPath(path), cfg, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ident, nil
}

func create(path string, passphrase []byte) (*Config, *Identity, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create config dir %s: %w", dir, err)
		}
	}

	ident, err := newIdentity()
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity: %w", err)
	}

	cfg := defaultConfig()
	cfg.Fingerprint = ident.Fingerprint
	cfg.AgreementPub = hexEncode(ident.AgreementPub[:])
	cfg.SigningPub = hexEncode(ident.SigningPub)

	if err := save(path, cfg); err != nil {
		return nil, nil, err
	}
	if err := ident.save(identityPath(path), passphrase); err != nil {
		return nil, nil, fmt.Errorf("write identity file: %w", err)
	}
	return cfg, ident, nil
}

func save(path string, cfg *Config) error {
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
