package nodeconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesIdentityWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")

	cfg, ident, err := LoadOrCreate(path, true, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.Fingerprint == "" || cfg.Fingerprint != ident.Fingerprint {
		t.Fatalf("expected config fingerprint to match generated identity, got %q vs %q", cfg.Fingerprint, ident.Fingerprint)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	if _, err := os.Stat(identityPath(path)); err != nil {
		t.Fatalf("expected identity file to be written: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var onDisk map[string]interface{}
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, forbidden := range []string{"agreement_priv", "signing_priv", "private_key", "privkey"} {
		if _, present := onDisk[forbidden]; present {
			t.Fatalf("config file must never contain a private key field %q", forbidden)
		}
	}
}

func TestLoadOrCreateWithoutNewNetFailsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")

	if _, _, err := LoadOrCreate(path, false, nil); err == nil {
		t.Fatalf("expected an error when no config exists and creation is not requested")
	}
}

func TestLoadOrCreateRoundTripsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")

	_, firstIdent, err := LoadOrCreate(path, true, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}

	cfg, ident, err := LoadOrCreate(path, false, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate (load): %v", err)
	}
	if ident.Fingerprint != firstIdent.Fingerprint {
		t.Fatalf("expected the reloaded identity to match the created one")
	}
	if cfg.Fingerprint != firstIdent.Fingerprint {
		t.Fatalf("expected config fingerprint to be preserved across reload")
	}
}

func TestLoadOrCreateDetectsPubkeyMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")

	if _, _, err := LoadOrCreate(path, true, nil); err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}

	other, err := newIdentity()
	if err != nil {
		t.Fatalf("newIdentity: %v", err)
	}
	if err := other.save(identityPath(path), nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, _, err := LoadOrCreate(path, false, nil); err == nil {
		t.Fatalf("expected a pubkey mismatch error")
	}
}

func TestLoadOrCreateFailsWhenIdentityFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")

	if _, _, err := LoadOrCreate(path, true, nil); err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}
	if err := os.Remove(identityPath(path)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, _, err := LoadOrCreate(path, false, nil); err == nil {
		t.Fatalf("expected an error when the identity file is missing")
	}
}

func TestFlagsApplyOverridesNonZeroFields(t *testing.T) {
	cfg := defaultConfig()
	f := &Flags{
		BindAddress:  "10.0.0.5",
		ArsonPort:    9999,
		PingInterval: 45,
		DevMode:      true,
	}
	f.Apply(cfg)

	if cfg.BindAddress != "10.0.0.5" {
		t.Fatalf("expected bind address override to apply")
	}
	if cfg.ArsonPort != 9999 {
		t.Fatalf("expected arson port override to apply")
	}
	if cfg.PingInterval != 45 {
		t.Fatalf("expected ping interval override to apply")
	}
	if !cfg.DevMode {
		t.Fatalf("expected dev mode override to apply")
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Fatalf("expected unset fields to retain their defaults")
	}
}
