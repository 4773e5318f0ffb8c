package params

import (
	"time"

	"github.com/mohae/deepcopy"
)

// NetworkConfig defines the overlay transport parameters.
type NetworkConfig struct {
	HealthProbeTimeout   time.Duration `yaml:"HEALTH_PROBE_TIMEOUT"`    // HealthProbeTimeout bounds a single /health round trip.
	PeerListTimeout      time.Duration `yaml:"PEER_LIST_TIMEOUT"`       // PeerListTimeout bounds a directory exchange request.
	StorageProbeTimeout  time.Duration `yaml:"STORAGE_PROBE_TIMEOUT"`   // StorageProbeTimeout bounds shard verification round trips.
	MaxResponseBodyBytes int64         `yaml:"MAX_RESPONSE_BODY_BYTES"` // MaxResponseBodyBytes caps how much of any overlay response is read.

	// Overlay network config.
	SocksProxyAddress string   // SocksProxyAddress is the local SOCKS5 endpoint used to reach onion addresses.
	OverlaySuffix     string   // OverlaySuffix is the address suffix all overlay endpoints must carry.
	BootstrapPeers    []string // BootstrapPeers are well-known node@host:port entries contacted at startup.
}

var defaultNetworkConfig = &NetworkConfig{
	HealthProbeTimeout:   10 * time.Second,
	PeerListTimeout:      15 * time.Second,
	StorageProbeTimeout:  20 * time.Second,
	MaxResponseBodyBytes: 1 << 20, // 1 MiB
	SocksProxyAddress:    "127.0.0.1:9050",
	OverlaySuffix:        ".onion",
	BootstrapPeers:       []string{},
}

// OverlayNetworkConfig returns the current overlay transport config.
func OverlayNetworkConfig() *NetworkConfig {
	return defaultNetworkConfig
}

// OverrideOverlayNetworkConfig will override the network config with the
// added argument.
func OverrideOverlayNetworkConfig(cfg *NetworkConfig) {
	defaultNetworkConfig = cfg
}

// Copy returns a copy of the config object.
func (c *NetworkConfig) Copy() *NetworkConfig {
	config, ok := deepcopy.Copy(*c).(NetworkConfig)
	if !ok {
		config = *defaultNetworkConfig
	}
	return &config
}
