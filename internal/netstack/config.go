package netstack

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/netkit/internal/wire"
)

// Default network parameters. They match a small private /24 and are
// overridden by configuration or a DHCP lease.
var (
	defaultLocalIPv4   = wire.AddrFrom4(10, 42, 0, 2)
	defaultNetmask     = wire.AddrFrom4(255, 255, 255, 0)
	defaultGatewayIPv4 = wire.AddrFrom4(10, 42, 0, 1)
)

const (
	// defaultTickRate is ticks per second: one tick per millisecond.
	defaultTickRate = 1000

	defaultEventQueueCapacity = 256
	defaultSocketBufferSize   = 8192
	maxSocketBufferSize       = 65536
	defaultAcceptBacklog      = 128
	maxAcceptBacklog          = 128
	defaultPendingPackets     = 64
)

// Config carries the stack's addressing and feature gates. The YAML tags
// match the CLI config file format.
type Config struct {
	// MAC is the interface hardware address ("aa:bb:cc:dd:ee:ff"). Empty
	// selects a random locally-administered address.
	MAC string `yaml:"mac,omitempty"`

	// IPv4 addressing. All dotted-quad strings. Ignored while a DHCP
	// lease is held.
	Address string `yaml:"address,omitempty"`
	Netmask string `yaml:"netmask,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`

	// DNSServers are tried in order by the resolver.
	DNSServers []string `yaml:"dns_servers,omitempty"`

	// DHCP enables lease acquisition on Start.
	DHCP bool `yaml:"dhcp,omitempty"`

	// ICMPEchoDisabled turns off echo replies. Replies are on by default.
	ICMPEchoDisabled bool `yaml:"icmp_echo_disabled,omitempty"`

	// TickRate is ticks per second for the stack clock. Zero means 1000.
	TickRate uint64 `yaml:"tick_rate,omitempty"`

	// EventQueueCapacity bounds the pending network event queue. Zero
	// means 256.
	EventQueueCapacity int `yaml:"event_queue_capacity,omitempty"`

	// SocketBufferSize is the per-socket send/recv FIFO capacity in
	// bytes. Zero means 8192; values are clamped to 65536.
	SocketBufferSize int `yaml:"socket_buffer_size,omitempty"`
}

// LoadConfig reads a YAML config file with strict field checking.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) tickRate() uint64 {
	if c.TickRate == 0 {
		return defaultTickRate
	}
	return c.TickRate
}

func (c Config) eventQueueCapacity() int {
	if c.EventQueueCapacity <= 0 {
		return defaultEventQueueCapacity
	}
	return c.EventQueueCapacity
}

func (c Config) socketBufferSize() int {
	if c.SocketBufferSize <= 0 {
		return defaultSocketBufferSize
	}
	if c.SocketBufferSize > maxSocketBufferSize {
		return maxSocketBufferSize
	}
	return c.SocketBufferSize
}

// resolveAddrs validates the addressing fields, falling back to defaults
// for anything unset.
func (c Config) resolveAddrs() (addr, mask, gw wire.Addr, err error) {
	addr, mask, gw = defaultLocalIPv4, defaultNetmask, defaultGatewayIPv4
	if c.Address != "" {
		if addr, err = wire.ParseAddr(c.Address); err != nil {
			return
		}
	}
	if c.Netmask != "" {
		if mask, err = wire.ParseAddr(c.Netmask); err != nil {
			return
		}
	}
	if c.Gateway != "" {
		if gw, err = wire.ParseAddr(c.Gateway); err != nil {
			return
		}
	}
	return
}
