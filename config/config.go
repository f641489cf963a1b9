// Package config loads the TOML configuration of the reference host.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/muhtutorials/abstracttun/device"
)

const (
	defaultTunName   = "abstun0"
	defaultMTU       = 1420
	minMTU           = 576
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// Interface is the local side of the tunnel.
type Interface struct {
	// PrivateKey is the base64 encoded static private key.
	PrivateKey device.NoisePrivateKey

	// ListenPort is the UDP port to listen on. Zero picks a random port.
	ListenPort uint16

	// TunName is the name of the TUN interface. A %d is replaced by the
	// kernel with the first free index.
	TunName string

	// MTU of the TUN interface.
	MTU int

	// Address lists the prefixes assigned to the TUN interface, e.g.
	// "10.0.0.1/24".
	Address []string

	// FwMark is set as SO_MARK on the UDP sockets when not zero.
	FwMark uint32

	addresses []netip.Prefix
}

func (iCfg *Interface) validate() error {
	if iCfg.PrivateKey.IsZero() {
		return errors.New("config: Interface: PrivateKey is not set")
	}
	if iCfg.TunName == "" {
		iCfg.TunName = defaultTunName
	}
	if iCfg.MTU == 0 {
		iCfg.MTU = defaultMTU
	}
	if iCfg.MTU < minMTU || iCfg.MTU > device.MaxContentSize {
		return fmt.Errorf("config: Interface: MTU %d is out of range [%d, %d]", iCfg.MTU, minMTU, device.MaxContentSize)
	}
	iCfg.addresses = iCfg.addresses[:0]
	for _, v := range iCfg.Address {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: Interface: Address '%v' is invalid: %v", v, err)
		}
		iCfg.addresses = append(iCfg.addresses, prefix)
	}
	return nil
}

// Peer is the single remote side of the tunnel.
type Peer struct {
	// PublicKey is the base64 encoded static public key of the peer.
	PublicKey device.NoisePublicKey

	// PresharedKey is an optional base64 encoded symmetric key.
	PresharedKey device.NoisePresharedKey

	// Endpoint is the ip:port the peer listens on.
	Endpoint string

	// PersistentKeepalive is the keepalive interval in seconds, zero
	// disables it.
	PersistentKeepalive int

	endpoint netip.AddrPort
}

func (pCfg *Peer) validate() error {
	if pCfg.PublicKey.IsZero() {
		return errors.New("config: Peer: PublicKey is not set")
	}
	if pCfg.Endpoint == "" {
		return errors.New("config: Peer: Endpoint is not set")
	}
	ep, err := netip.ParseAddrPort(pCfg.Endpoint)
	if err != nil {
		return fmt.Errorf("config: Peer: Endpoint '%v' is invalid: %v", pCfg.Endpoint, err)
	}
	if ep.Port() == 0 {
		return fmt.Errorf("config: Peer: Endpoint '%v' is invalid: Must contain Port", pCfg.Endpoint)
	}
	pCfg.endpoint = ep
	if pCfg.PersistentKeepalive < 0 || pCfg.PersistentKeepalive > 1<<16-1 {
		return fmt.Errorf("config: Peer: PersistentKeepalive %d is out of range", pCfg.PersistentKeepalive)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Level is one of panic, fatal, error, warn, info, debug or trace.
	Level string

	// Format is "text" or "json".
	Format string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if lCfg.Format == "" {
		lCfg.Format = defaultLogFormat
	}
	if _, err := logrus.ParseLevel(lCfg.Level); err != nil {
		return fmt.Errorf("config: Logging: %v", err)
	}
	lCfg.Format = strings.ToLower(lCfg.Format)
	switch lCfg.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: Logging: Format '%v' is invalid", lCfg.Format)
	}
	return nil
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Listen is the address/port to serve /metrics on. Empty disables it.
	Listen string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Listen == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(mCfg.Listen); err != nil {
		return fmt.Errorf("config: Metrics: Listen '%v' is invalid: %v", mCfg.Listen, err)
	}
	return nil
}

// Config is the top level configuration.
type Config struct {
	Interface *Interface
	Peer      *Peer
	Logging   *Logging
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Interface == nil {
		return errors.New("config: No Interface block was present")
	}
	if cfg.Peer == nil {
		return errors.New("config: No Peer block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if err := cfg.Interface.validate(); err != nil {
		return err
	}
	if err := cfg.Peer.validate(); err != nil {
		return err
	}
	if cfg.Interface.PrivateKey.PublicKey().Equals(cfg.Peer.PublicKey) {
		return errors.New("config: Peer: PublicKey belongs to the Interface")
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Metrics.validate()
}

// DeviceParams returns the engine parameters. The Host is left for the
// caller to set.
func (cfg *Config) DeviceParams() device.Params {
	return device.Params{
		PrivateKey:          cfg.Interface.PrivateKey,
		PeerPublicKey:       cfg.Peer.PublicKey,
		PresharedKey:        cfg.Peer.PresharedKey,
		Endpoint:            device.EndpointFromAddrPort(cfg.Peer.endpoint),
		PersistentKeepalive: time.Duration(cfg.Peer.PersistentKeepalive) * time.Second,
	}
}

// Addresses returns the parsed interface prefixes.
func (cfg *Config) Addresses() []netip.Prefix {
	return cfg.Interface.addresses
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
