package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
)

// Resolver looks up tunnel targets either through the system resolver or
// through configured UDP, TCP or DoT servers used round-robin.
type Resolver struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config
	net        *net.Resolver
}

// New creates a Resolver for the given DNS configuration. A disabled or
// empty configuration falls back to the system resolver.
func New(cfg config.DNSConfig) *Resolver {
	r := &Resolver{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}

	if cfg.Enabled && len(cfg.Servers) > 0 {
		r.net = &net.Resolver{
			PreferGo: true,
			Dial:     r.Dial,
		}
		logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
		for i, server := range cfg.Servers {
			logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
		}
	} else {
		r.net = &net.Resolver{PreferGo: true}
		logger.Debug("Using system default DNS resolver")
	}

	return r
}

// Config returns the DNS configuration the resolver was built from.
func (r *Resolver) Config() config.DNSConfig {
	return r.dnsConfig
}

// NetResolver returns the underlying net.Resolver for use in dialers.
func (r *Resolver) NetResolver() *net.Resolver {
	return r.net
}

// LookupHost resolves host to a single IP address string. IP literals are
// returned unchanged. With forceIPv4 only A records are considered.
func (r *Resolver) LookupHost(ctx context.Context, host string, forceIPv4 bool) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if forceIPv4 && ip.To4() == nil {
			return "", fmt.Errorf("IPv6 address %s is not allowed with force-ipv4", host)
		}
		return host, nil
	}

	network := "ip"
	if forceIPv4 {
		network = "ip4"
	}

	ips, err := r.net.LookupIP(ctx, network, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses found for %s", host)
	}

	// Prefer IPv4 when both families are returned
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip.String(), nil
		}
	}
	return ips[0].String(), nil
}

// Dial is the custom dial function for DNS resolution.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	r.mutex.Lock()
	serverIdx := r.currentIdx
	r.currentIdx = (r.currentIdx + 1) % len(r.dnsConfig.Servers)
	r.mutex.Unlock()

	dnsServer := r.dnsConfig.Servers[serverIdx]
	logger.Trace("Using DNS server %d: %s (%s)", serverIdx, dnsServer.Address, dnsServer.Type)

	dialer := &net.Dialer{
		Timeout: dnsServer.GetTimeoutDuration(),
	}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			logger.Error("Failed to establish TCP connection to DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		} else if host, _, err := net.SplitHostPort(dnsServer.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, dnsServer.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			logger.Error("TLS handshake failed with DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}

		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}
