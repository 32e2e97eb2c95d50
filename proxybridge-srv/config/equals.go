package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}

	if a.ListenAddress != b.ListenAddress ||
		a.ClientTimeoutSeconds != b.ClientTimeoutSeconds ||
		a.UpstreamTimeoutSeconds != b.UpstreamTimeoutSeconds ||
		a.AcceptTimeoutSeconds != b.AcceptTimeoutSeconds ||
		a.TunnelBufferSize != b.TunnelBufferSize ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.AcceptRate != b.AcceptRate ||
		a.AcceptBurst != b.AcceptBurst ||
		a.TunnelFailover != b.TunnelFailover ||
		a.ProxyAgent != b.ProxyAgent {
		return true
	}

	if len(a.UserAgents) != len(b.UserAgents) {
		return true
	}
	for i := range a.UserAgents {
		if a.UserAgents[i] != b.UserAgents[i] {
			return true
		}
	}

	// Order matters, it defines the failover levels
	if len(a.Upstreams) != len(b.Upstreams) {
		return true
	}
	for i := range a.Upstreams {
		if !upstreamsEqual(a.Upstreams[i], b.Upstreams[i]) {
			return true
		}
	}

	if !DNSConfigsEqual(a.DNS, b.DNS) {
		return true
	}

	return a.Statistics != b.Statistics
}

func upstreamsEqual(a, b Upstream) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		a.ForceIPv4 == b.ForceIPv4 &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
