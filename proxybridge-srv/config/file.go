package config

import "fmt"

// fileConfig is the structured shape shared by the TOML, YAML and HCL
// loaders. Pointer fields distinguish "absent" from the zero value so
// defaults and environment overrides survive.
type fileConfig struct {
	ListenAddress            *string         `toml:"listen-address" yaml:"listen-address"`
	ClientTimeoutSeconds     *int            `toml:"client-timeout-seconds" yaml:"client-timeout-seconds"`
	UpstreamTimeoutSeconds   *int            `toml:"upstream-timeout-seconds" yaml:"upstream-timeout-seconds"`
	AcceptTimeoutSeconds     *int            `toml:"accept-timeout-seconds" yaml:"accept-timeout-seconds"`
	TunnelBufferSize         *int            `toml:"tunnel-buffer-size" yaml:"tunnel-buffer-size"`
	MaxConcurrentConnections *int            `toml:"max-concurrent-connections" yaml:"max-concurrent-connections"`
	AcceptRate               *float64        `toml:"accept-rate" yaml:"accept-rate"`
	AcceptBurst              *int            `toml:"accept-burst" yaml:"accept-burst"`
	TunnelFailover           *bool           `toml:"tunnel-failover" yaml:"tunnel-failover"`
	ProxyAgent               *string         `toml:"proxy-agent" yaml:"proxy-agent"`
	UserAgents               []string        `toml:"user-agents" yaml:"user-agents"`
	Upstreams                []fileUpstream  `toml:"upstreams" yaml:"upstreams"`
	DNS                      *DNSConfig      `toml:"dns" yaml:"dns"`
	Statistics               *fileStatistics `toml:"statistics" yaml:"statistics"`
}

type fileUpstream struct {
	Type      string  `toml:"type" yaml:"type"`
	Address   string  `toml:"address" yaml:"address"`
	Username  *string `toml:"username" yaml:"username"`
	Password  *string `toml:"password" yaml:"password"`
	ForceIPv4 bool    `toml:"force-ipv4" yaml:"force-ipv4"`
}

type fileStatistics struct {
	Enabled        *bool   `toml:"enabled" yaml:"enabled"`
	Backend        *string `toml:"backend" yaml:"backend"`
	SQLitePath     *string `toml:"sqlite-path" yaml:"sqlite-path"`
	PostgresDSN    *string `toml:"postgres-dsn" yaml:"postgres-dsn"`
	MetricsAddress *string `toml:"metrics-address" yaml:"metrics-address"`
}

func assign[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (f *fileConfig) apply(cfg *Config) error {
	assign(&cfg.ListenAddress, f.ListenAddress)
	assign(&cfg.ClientTimeoutSeconds, f.ClientTimeoutSeconds)
	assign(&cfg.UpstreamTimeoutSeconds, f.UpstreamTimeoutSeconds)
	assign(&cfg.AcceptTimeoutSeconds, f.AcceptTimeoutSeconds)
	assign(&cfg.TunnelBufferSize, f.TunnelBufferSize)
	assign(&cfg.MaxConcurrentConnections, f.MaxConcurrentConnections)
	assign(&cfg.AcceptRate, f.AcceptRate)
	assign(&cfg.AcceptBurst, f.AcceptBurst)
	assign(&cfg.TunnelFailover, f.TunnelFailover)
	assign(&cfg.ProxyAgent, f.ProxyAgent)

	if f.UserAgents != nil {
		cfg.UserAgents = f.UserAgents
	}

	if f.Upstreams != nil {
		cfg.Upstreams = nil
		for i, fu := range f.Upstreams {
			up := Upstream{
				Type:      EndpointType(fu.Type),
				Address:   fu.Address,
				Username:  fu.Username,
				Password:  fu.Password,
				ForceIPv4: fu.ForceIPv4,
			}
			if up.Type == "" {
				up.Type = EndpointHTTP
			}
			if up.Type != EndpointDirect && up.Address == "" {
				return fmt.Errorf("upstream at index %d: %s upstream requires address field", i, up.Type)
			}
			cfg.Upstreams = append(cfg.Upstreams, up)
		}
	}

	if f.DNS != nil {
		cfg.DNS = *f.DNS
		for i := range cfg.DNS.Servers {
			if cfg.DNS.Servers[i].Type == "" {
				cfg.DNS.Servers[i].Type = DNSTypeUDP
			}
		}
	}

	if s := f.Statistics; s != nil {
		assign(&cfg.Statistics.Enabled, s.Enabled)
		assign(&cfg.Statistics.Backend, s.Backend)
		assign(&cfg.Statistics.SQLitePath, s.SQLitePath)
		assign(&cfg.Statistics.PostgresDSN, s.PostgresDSN)
		assign(&cfg.Statistics.MetricsAddress, s.MetricsAddress)
	}

	return nil
}
