// Package config loads the receiver's YAML configuration file: audio
// encoding selection, Opus/PCM codec parameters, FEC block shape,
// endpoint interfaces, and the tunnel's X25519 keys.
//
// Grounded on doismellburning-samoyed's deviceid.go, which reads a
// YAML-mapped config file via gopkg.in/yaml.v3 with a fixed list of
// candidate search paths and a struct tagged for unmarshalling — the same
// shape generalised here to a single required config file rather than a
// lookup table.
package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Encoding selects the audio codec variant.
type Encoding string

const (
	EncodingOpus Encoding = "OPUS"
	EncodingPCM  Encoding = "PCM"
)

// AudioOpusSampleRate is the fixed encoded-domain sample rate
// (AUDIO_OPUS_SAMPLE_RATE).
const AudioOpusSampleRate = 48000

// Audio holds the audio.* config keys.
type Audio struct {
	Encoding           Encoding `yaml:"encoding"`
	NetworkChannelCount int     `yaml:"networkChannelCount"`
	IOSampleRate       int      `yaml:"ioSampleRate"`
	DeviceName         string   `yaml:"deviceName"`
}

// Opus holds the opus.* config keys.
type Opus struct {
	FrameSize        int `yaml:"frameSize"`
	MaxPacketSize    int `yaml:"maxPacketSize"`
	DecodeRingLength int `yaml:"decodeRingLength"`
}

// PCM holds the pcm.* config keys.
type PCM struct {
	SampleRate       int `yaml:"sampleRate"`
	FrameSize        int `yaml:"frameSize"`
	DecodeRingLength int `yaml:"decodeRingLength"`
}

// FEC holds the fec.* config keys. ParitySymbolsPerBlock is a field added
// for the systematic Reed-Solomon engine this core uses in place of a
// fountain code (see DESIGN.md); 0 means "use the default of ceil(K/2),
// minimum 1".
type FEC struct {
	SourceSymbolsPerBlock int `yaml:"sourceSymbolsPerBlock"`
	SymbolLen             int `yaml:"symbolLen"`
	ParitySymbolsPerBlock int `yaml:"paritySymbolsPerBlock"`
}

// EndpointConfig is one entry of endpoints.*.
type EndpointConfig struct {
	Interface string `yaml:"interface"`
}

// Endpoints holds the endpoints.* config keys.
type Endpoints struct {
	EndpointCount int              `yaml:"endpointCount"`
	Endpoints     []EndpointConfig `yaml:"endpoints"`
}

// Root holds the root.* config keys: base64-encoded 32-byte X25519 keys.
type Root struct {
	PrivateKey    string `yaml:"privateKey"`
	PeerPublicKey string `yaml:"peerPublicKey"`
}

// Config is the full configuration surface.
type Config struct {
	Audio     Audio     `yaml:"audio"`
	Opus      Opus      `yaml:"opus"`
	PCM       PCM       `yaml:"pcm"`
	FEC       FEC       `yaml:"fec"`
	Endpoints Endpoints `yaml:"endpoints"`
	Root      Root      `yaml:"root"`
}

// Load reads and validates the config file at path. Config/setup errors
// (missing key, bad base64, unknown encoding) are fatal at init: Load
// returns a non-nil error in every such case rather than silently
// substituting a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Audio.Encoding {
	case EncodingOpus, EncodingPCM:
	default:
		return fmt.Errorf("audio.encoding: unknown value %q", c.Audio.Encoding)
	}
	if c.Audio.NetworkChannelCount <= 0 {
		return fmt.Errorf("audio.networkChannelCount must be positive")
	}
	if c.FEC.SourceSymbolsPerBlock <= 0 || c.FEC.SymbolLen <= 0 {
		return fmt.Errorf("fec.sourceSymbolsPerBlock and fec.symbolLen must be positive")
	}
	if c.Endpoints.EndpointCount <= 0 || len(c.Endpoints.Endpoints) != c.Endpoints.EndpointCount {
		return fmt.Errorf("endpoints.endpointCount must match the number of configured endpoints")
	}
	if _, err := c.PrivateKey(); err != nil {
		return fmt.Errorf("root.privateKey: %w", err)
	}
	if _, err := c.PeerPublicKey(); err != nil {
		return fmt.Errorf("root.peerPublicKey: %w", err)
	}
	return nil
}

// PrivateKey decodes root.privateKey into its raw 32 bytes.
func (c *Config) PrivateKey() ([]byte, error) {
	return decodeX25519Key(c.Root.PrivateKey)
}

// PeerPublicKey decodes root.peerPublicKey into its raw 32 bytes.
func (c *Config) PeerPublicKey() ([]byte, error) {
	return decodeX25519Key(c.Root.PeerPublicKey)
}

func decodeX25519Key(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return b, nil
}

// EffectiveParity returns the configured parity count, defaulting to
// ceil(K/2) with a minimum of 1 when unset.
func (c *Config) EffectiveParity() int {
	if c.FEC.ParitySymbolsPerBlock > 0 {
		return c.FEC.ParitySymbolsPerBlock
	}
	p := (c.FEC.SourceSymbolsPerBlock + 1) / 2
	if p < 1 {
		p = 1
	}
	return p
}
