package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vufront/internal/vuerr"
)

const exampleYAML = `
hypervisor:
  kind: KVM
  vmfd: 7
  irqfd: true
session:
  handshakeTimeout: 2s
frontends:
  - name: fe-a
    id: 0
    guests:
      - id: 1
        ramAddr: 0x0
        ramSize: 0x8000000
        guestBase: 0x40000000
        shmemPath: /dev/shm/guest1
        socketPath: /run/vhost
        devices:
          - {id: 4, irq: 0x2f, addr: 0xa003e00}
          - {id: 2, irq: 0x30, addr: 0xa003c00}
  - id: 1
    guests:
      - id: 2
        ramSize: 0x1000000
        shmemPath: /dev/shm/guest2
        devices:
          - {id: 26, irq: 0x31, addr: 0xa003a00}
`

const exampleTOML = `
[hypervisor]
kind = "bao"
device = "/dev/bao"

[session]
feature_mask = 0x100000000

[[frontends]]
name = "fe-a"
id = 0

[[frontends.guests]]
id = 1
ram_addr = 0x0
ram_size = 0x8000000
shmem_path = "/dev/shm/guest1"
socket_path = "/run/vhost/"

[[frontends.guests.devices]]
id = 4
irq = 0x2f
addr = 0xa003e00
`

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML([]byte(exampleYAML))
	require.NoError(t, err)

	require.Equal(t, "kvm", cfg.Hypervisor.Kind)
	require.True(t, cfg.Hypervisor.IRQFD)
	require.Equal(t, 2*time.Second, cfg.Session.Timeout())
	require.Len(t, cfg.Frontends, 2)
	require.Equal(t, "frontend1", cfg.Frontends[1].Name)

	guests := cfg.Guests()
	require.Len(t, guests, 2)
	g := guests[0]
	require.EqualValues(t, 0x8000000, g.RAMSize)
	require.EqualValues(t, 0x40000000, g.GuestBase)
	require.Equal(t, "/run/vhost/", g.SocketPath)
	require.Equal(t, []Device{{ID: 4, IRQ: 0x2f, Addr: 0xa003e00}, {ID: 2, IRQ: 0x30, Addr: 0xa003c00}}, g.Devices)
	require.Equal(t, DefaultSocketPath, guests[1].SocketPath)

	opts := cfg.FactoryOptions(2)
	require.Equal(t, 2, opts.GuestID)
	require.Equal(t, 7, opts.VMFD)
}

func TestParseTOML(t *testing.T) {
	cfg, err := ParseTOML([]byte(exampleTOML))
	require.NoError(t, err)

	require.Equal(t, "bao", cfg.Hypervisor.Kind)
	require.Equal(t, "/dev/bao", cfg.FactoryOptions(1).BaoDevice)
	require.EqualValues(t, uint64(1)<<32, cfg.Session.FeatureMask)
	require.Zero(t, cfg.Session.Timeout())

	guests := cfg.Guests()
	require.Len(t, guests, 1)
	require.Equal(t, "/dev/shm/guest1", guests[0].ShmemPath)
	require.Equal(t, []Device{{ID: 4, IRQ: 0x2f, Addr: 0xa003e00}}, guests[0].Devices)
}

func TestDefaultHypervisor(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
frontends:
  - guests:
      - {id: 0, ramSize: 4096, shmemPath: /dev/shm/g, devices: [{id: 4, addr: 0x1000}]}
`))
	require.NoError(t, err)
	require.Equal(t, "bao", cfg.Hypervisor.Kind)
	require.Equal(t, "frontend0", cfg.Frontends[0].Name)
}

func TestInvalid(t *testing.T) {
	guest := func(extra string) string {
		return `
frontends:
  - guests:
      - id: 0
        ramSize: 4096
        shmemPath: /dev/shm/g
` + extra
	}
	tests := []struct {
		name string
		yaml string
	}{
		{"no frontends", "hypervisor: {kind: bao}\n"},
		{"unknown hypervisor", "hypervisor: {kind: xen}\n" + guest("        devices: [{id: 4, addr: 0x1000}]\n")},
		{"unknown field", "colour: blue\n" + guest("        devices: [{id: 4, addr: 0x1000}]\n")},
		{"bad timeout", "session: {handshakeTimeout: soon}\n" + guest("        devices: [{id: 4, addr: 0x1000}]\n")},
		{"no devices", guest("")},
		{"unsupported device", guest("        devices: [{id: 99, addr: 0x1000}]\n")},
		{"duplicate address", guest("        devices: [{id: 4, addr: 0x1000}, {id: 2, addr: 0x1000}]\n")},
		{"no ram", `
frontends:
  - guests:
      - {id: 0, shmemPath: /dev/shm/g, devices: [{id: 4, addr: 0x1000}]}
`},
		{"no shmem", `
frontends:
  - guests:
      - {id: 0, ramSize: 4096, devices: [{id: 4, addr: 0x1000}]}
`},
		{"duplicate guest", `
frontends:
  - guests:
      - {id: 3, ramSize: 4096, shmemPath: /a, devices: [{id: 4, addr: 0x1000}]}
  - id: 1
    guests:
      - {id: 3, ramSize: 4096, shmemPath: /b, devices: [{id: 4, addr: 0x1000}]}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.yaml))
			require.ErrorIs(t, err, vuerr.ErrConfiguration)
		})
	}
}

func TestTOMLRejectsUnknownKeys(t *testing.T) {
	_, err := ParseTOML([]byte(exampleTOML + "\n[extra]\nkey = 1\n"))
	require.ErrorIs(t, err, vuerr.ErrConfiguration)
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "vufront.yml")
	tomlPath := filepath.Join(dir, "vufront.toml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(exampleYAML), 0o644))
	require.NoError(t, os.WriteFile(tomlPath, []byte(exampleTOML), 0o644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	require.Equal(t, "kvm", cfg.Hypervisor.Kind)

	cfg, err = Load(tomlPath)
	require.NoError(t, err)
	require.Equal(t, "bao", cfg.Hypervisor.Kind)

	jsonPath := filepath.Join(dir, "vufront.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0o644))
	_, err = Load(jsonPath)
	require.ErrorIs(t, err, vuerr.ErrConfiguration)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, vuerr.ErrConfiguration)
}
