package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "waterslide.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func validKeyPair() (string, string) {
	priv := make([]byte, 32)
	pub := make([]byte, 32)
	for i := range priv {
		priv[i] = byte(i)
		pub[i] = byte(255 - i)
	}
	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub)
}

func validBody(t *testing.T) string {
	priv, pub := validKeyPair()
	return `
audio:
  encoding: OPUS
  networkChannelCount: 2
  ioSampleRate: 48000
  deviceName: default
opus:
  frameSize: 960
  maxPacketSize: 1275
  decodeRingLength: 16
pcm:
  sampleRate: 48000
  frameSize: 960
  decodeRingLength: 16
fec:
  sourceSymbolsPerBlock: 4
  symbolLen: 1200
endpoints:
  endpointCount: 2
  endpoints:
    - interface: eth0
    - interface: wlan0
root:
  privateKey: ` + priv + `
  peerPublicKey: ` + pub + `
`
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, validBody(t))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.Encoding != EncodingOpus {
		t.Fatalf("Audio.Encoding = %q, want OPUS", cfg.Audio.Encoding)
	}
	if cfg.Endpoints.EndpointCount != 2 || len(cfg.Endpoints.Endpoints) != 2 {
		t.Fatalf("unexpected endpoints: %+v", cfg.Endpoints)
	}
	if _, err := cfg.PrivateKey(); err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if _, err := cfg.PeerPublicKey(); err != nil {
		t.Fatalf("PeerPublicKey: %v", err)
	}
}

func TestLoadRejectsUnknownEncoding(t *testing.T) {
	body := strings.Replace(validBody(t), "encoding: OPUS", "encoding: MP3", 1)
	path := writeTempConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: want error for unknown encoding")
	}
}

func TestLoadRejectsMismatchedEndpointCount(t *testing.T) {
	body := strings.Replace(validBody(t), "endpointCount: 2", "endpointCount: 3", 1)
	path := writeTempConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: want error for endpointCount mismatch")
	}
}

func TestLoadRejectsBadKeyLength(t *testing.T) {
	shortKey := base64.StdEncoding.EncodeToString([]byte("too short"))
	priv, _ := validKeyPair()
	bad := `
audio:
  encoding: OPUS
  networkChannelCount: 2
  ioSampleRate: 48000
fec:
  sourceSymbolsPerBlock: 4
  symbolLen: 1200
endpoints:
  endpointCount: 1
  endpoints:
    - interface: eth0
root:
  privateKey: ` + priv + `
  peerPublicKey: ` + shortKey + `
`
	path := writeTempConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: want error for short peer public key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load: want error for missing file")
	}
}

func TestEffectiveParityDefaultsToHalfK(t *testing.T) {
	cfg := &Config{FEC: FEC{SourceSymbolsPerBlock: 4}}
	if got := cfg.EffectiveParity(); got != 2 {
		t.Fatalf("EffectiveParity = %d, want 2", got)
	}
	cfg = &Config{FEC: FEC{SourceSymbolsPerBlock: 1}}
	if got := cfg.EffectiveParity(); got != 1 {
		t.Fatalf("EffectiveParity = %d, want 1 (minimum)", got)
	}
	cfg = &Config{FEC: FEC{SourceSymbolsPerBlock: 4, ParitySymbolsPerBlock: 3}}
	if got := cfg.EffectiveParity(); got != 3 {
		t.Fatalf("EffectiveParity = %d, want explicit 3", got)
	}
}
