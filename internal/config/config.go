// Package config loads the description of the guests and devices a
// vufront process serves.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vufront/internal/frontend"
	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/hv/factory"
	"github.com/tinyrange/vufront/internal/vuerr"
)

// DefaultSocketPath is where backend sockets are looked for when a guest
// does not name a directory.
const DefaultSocketPath = "/tmp/"

// Config is the root of a configuration file.
type Config struct {
	Hypervisor Hypervisor `yaml:"hypervisor" toml:"hypervisor"`
	Session    Session    `yaml:"session" toml:"session"`
	Frontends  []Frontend `yaml:"frontends" toml:"frontends"`
}

// Hypervisor selects and configures the bridge opened for every guest.
type Hypervisor struct {
	Kind string `yaml:"kind" toml:"kind"`

	// Bao
	Device string `yaml:"device,omitempty" toml:"device"`

	// KVM
	VMFD          int  `yaml:"vmfd,omitempty" toml:"vmfd"`
	RegisterSlots bool `yaml:"registerSlots,omitempty" toml:"register_slots"`

	// IRQFD hands call descriptors straight to the hypervisor when it
	// supports it.
	IRQFD bool `yaml:"irqfd,omitempty" toml:"irqfd"`
}

// Session holds settings shared by every backend session.
type Session struct {
	HandshakeTimeout string `yaml:"handshakeTimeout,omitempty" toml:"handshake_timeout"`
	FeatureMask      uint64 `yaml:"featureMask,omitempty" toml:"feature_mask"`

	timeout time.Duration
}

// Timeout returns the parsed handshake timeout; zero means the default.
func (s Session) Timeout() time.Duration { return s.timeout }

// Frontend groups guests served together.
type Frontend struct {
	Name   string  `yaml:"name" toml:"name"`
	ID     int     `yaml:"id" toml:"id"`
	Guests []Guest `yaml:"guests" toml:"guests"`
}

// Guest is one guest and its devices.
type Guest struct {
	ID        int    `yaml:"id" toml:"id"`
	RAMAddr   uint64 `yaml:"ramAddr" toml:"ram_addr"`
	RAMSize   uint64 `yaml:"ramSize" toml:"ram_size"`
	GuestBase uint64 `yaml:"guestBase,omitempty" toml:"guest_base"`
	ShmemPath string `yaml:"shmemPath" toml:"shmem_path"`
	// SocketPath is the directory prefix of the backend sockets.
	SocketPath string   `yaml:"socketPath,omitempty" toml:"socket_path"`
	Devices    []Device `yaml:"devices" toml:"devices"`
}

// Device is a virtio-mmio device of a guest.
type Device struct {
	// ID is the virtio device id.
	ID   uint32 `yaml:"id" toml:"id"`
	IRQ  uint32 `yaml:"irq" toml:"irq"`
	Addr uint64 `yaml:"addr" toml:"addr"`
}

// Load reads path as YAML or TOML depending on its extension, fills in
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vuerr.Configuration("load config", "%w", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".toml":
		cfg, err = ParseTOML(data)
	default:
		return nil, vuerr.Configuration("load config", "%s: unknown format %q (want .yaml, .yml or .toml)", path, ext)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes, normalizes and validates a YAML configuration.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, vuerr.Configuration("parse config", "yaml: %w", err)
	}
	return finish(&cfg)
}

// ParseTOML decodes, normalizes and validates a TOML configuration.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, vuerr.Configuration("parse config", "toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, vuerr.Configuration("parse config", "toml: unknown key %q", undecoded[0].String())
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Hypervisor.Kind) == "" {
		c.Hypervisor.Kind = string(hv.KindBao)
	}
	c.Hypervisor.Kind = strings.ToLower(strings.TrimSpace(c.Hypervisor.Kind))

	if s := strings.TrimSpace(c.Session.HandshakeTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return vuerr.Configuration("parse config", "handshake timeout: %w", err)
		}
		c.Session.timeout = d
	}

	for i := range c.Frontends {
		fe := &c.Frontends[i]
		if fe.Name == "" {
			fe.Name = fmt.Sprintf("frontend%d", fe.ID)
		}
		for j := range fe.Guests {
			g := &fe.Guests[j]
			if g.SocketPath == "" {
				g.SocketPath = DefaultSocketPath
			}
			if !strings.HasSuffix(g.SocketPath, "/") {
				g.SocketPath += "/"
			}
		}
	}
	return nil
}

// Validate checks the configuration for errors that would only surface once
// devices are started.
func (c *Config) Validate() error {
	const op = "validate config"
	if _, err := factory.ParseKind(c.Hypervisor.Kind); err != nil {
		return vuerr.Configuration(op, "%w", err)
	}
	if c.Session.timeout < 0 {
		return vuerr.Configuration(op, "negative handshake timeout %s", c.Session.timeout)
	}
	if len(c.Frontends) == 0 {
		return vuerr.Configuration(op, "no frontends")
	}

	guests := make(map[int]string)
	for _, fe := range c.Frontends {
		for _, g := range fe.Guests {
			if other, ok := guests[g.ID]; ok {
				return vuerr.Configuration(op, "guest %d appears in %s and %s", g.ID, other, fe.Name)
			}
			guests[g.ID] = fe.Name
			if err := g.validate(); err != nil {
				return vuerr.Configuration(op, "%s: guest %d: %w", fe.Name, g.ID, err)
			}
		}
	}
	return nil
}

func (g Guest) validate() error {
	if g.RAMSize == 0 {
		return errors.New("ramSize is zero")
	}
	if g.GuestBase+g.RAMSize < g.GuestBase {
		return fmt.Errorf("RAM at %#x overflows", g.GuestBase)
	}
	if g.ShmemPath == "" {
		return errors.New("shmemPath is required")
	}
	if len(g.Devices) == 0 {
		return errors.New("no devices")
	}
	addrs := make(map[uint64]bool)
	for _, d := range g.Devices {
		if _, err := frontend.LookupDeviceType(d.ID); err != nil {
			return err
		}
		if addrs[d.Addr] {
			return fmt.Errorf("two devices at %#x", d.Addr)
		}
		addrs[d.Addr] = true
	}
	return nil
}

// Guests returns every guest in file order.
func (c *Config) Guests() []Guest {
	var out []Guest
	for _, fe := range c.Frontends {
		out = append(out, fe.Guests...)
	}
	return out
}

// FactoryOptions returns the bridge options for guest id.
func (c *Config) FactoryOptions(id int) factory.Options {
	return factory.Options{
		BaoDevice:     c.Hypervisor.Device,
		GuestID:       id,
		VMFD:          c.Hypervisor.VMFD,
		RegisterSlots: c.Hypervisor.RegisterSlots,
	}
}
