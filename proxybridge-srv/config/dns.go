package config

import "time"

// DNSType defines the type of DNS server
type DNSType string

// Available DNS types
const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  `json:"address" hcl:"address" toml:"address" yaml:"address"`                                  // host:port or [IPv6]:port
	Type           DNSType `json:"type" hcl:"type,optional" toml:"type" yaml:"type"`                                     // udp, tcp, dot
	TimeoutSeconds int     `json:"timeout-seconds" hcl:"timeout-seconds,optional" toml:"timeout-seconds" yaml:"timeout-seconds"` // Query timeout in seconds
	TLSHost        string  `json:"tls-host" hcl:"tls-host,optional" toml:"tls-host" yaml:"tls-host"`                     // SNI hostname, DoT only
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for the resolver used to look up tunnel targets
type DNSConfig struct {
	Enabled bool              `json:"enabled" hcl:"enabled,optional" toml:"enabled" yaml:"enabled"`
	Servers []DNSServerConfig `json:"servers" hcl:"server,block" toml:"servers" yaml:"servers"`
}

// DefaultDNSConfig returns default DNS configuration.
// Address format: host:port for IPv4/hostnames, [IPv6]:port for IPv6 addresses.
// Examples: "8.8.8.8:53", "[2001:4860:4860::8888]:53"
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false, // Disabled by default - uses system DNS
		Servers: []DNSServerConfig{
			{
				Address:        "8.8.8.8:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
			{
				Address:        "1.1.1.1:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
		},
	}
}

// DNSConfigsEqual reports whether two DNS configurations select the same
// resolver behaviour.
func DNSConfigsEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled {
		return false
	}
	if len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}
