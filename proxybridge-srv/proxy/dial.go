package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
	"github.com/codefionn/proxybridge/proxybridge-srv/resolver"
	"golang.org/x/net/proxy"
)

// Dialer opens upstream connections through one chain endpoint.
type Dialer struct {
	timeout    time.Duration
	proxyAgent string
	resolver   *resolver.Resolver
}

// NewDialer creates a Dialer bounding each connect by timeout.
func NewDialer(timeout time.Duration, proxyAgent string, r *resolver.Resolver) *Dialer {
	if r == nil {
		r = resolver.New(config.DNSConfig{})
	}
	return &Dialer{
		timeout:    timeout,
		proxyAgent: proxyAgent,
		resolver:   r,
	}
}

func (d *Dialer) netDialer(forceIPv4 bool) *net.Dialer {
	dialer := &net.Dialer{
		Timeout:  d.timeout,
		Resolver: d.resolver.NetResolver(),
	}
	if forceIPv4 {
		dialer.FallbackDelay = -1 // Disable IPv6 fallback
	}
	return dialer
}

func network(forceIPv4 bool) string {
	if forceIPv4 {
		return "tcp4"
	}
	return "tcp"
}

// DialVia connects to target (host:port) through endpoint. The whole
// connect, including any proxy handshake, is bounded by the dial timeout.
func (d *Dialer) DialVia(ctx context.Context, endpoint config.Upstream, target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch endpoint.Type {
	case config.EndpointDirect:
		return d.dialDirect(ctx, endpoint, target)
	case config.EndpointSocks5:
		return d.dialSocks5(ctx, endpoint, target)
	case config.EndpointHTTP:
		return d.dialHttpProxy(ctx, endpoint, target)
	default:
		return nil, NewConfigurationError(ErrCodeUnknownProxyType, GetErrorDescription(ErrCodeUnknownProxyType),
			fmt.Errorf("endpoint type %q", endpoint.Type))
	}
}

// dialDirect resolves the target host and connects to it without an intermediary
func (d *Dialer) dialDirect(ctx context.Context, endpoint config.Upstream, target string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, NewConnectionError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("invalid target %q: %w", target, err))
	}

	ip, err := d.resolver.LookupHost(ctx, host, endpoint.ForceIPv4)
	if err != nil {
		if isTimeout(err) {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, GetErrorDescription(ErrCodeConnectionTimeout), fmt.Errorf("%w: %w", ErrOriginTimeout, err))
		}
		return nil, NewConnectionError(ErrCodeResolveFailed, GetErrorDescription(ErrCodeResolveFailed), err)
	}

	addr := net.JoinHostPort(ip, port)
	logger.Trace("Direct dial to %s (%s)", target, addr)
	conn, err := d.netDialer(endpoint.ForceIPv4).DialContext(ctx, network(endpoint.ForceIPv4), addr)
	if err != nil {
		return nil, dialError(ErrCodeDialFailed, fmt.Errorf("direct dial to %s: %w", target, err))
	}
	return conn, nil
}

// dialError classifies a failed connect as timeout or plain failure.
func dialError(code string, err error) error {
	if isTimeout(err) {
		return NewConnectionError(ErrCodeConnectionTimeout, GetErrorDescription(ErrCodeConnectionTimeout), fmt.Errorf("%w: %w", ErrOriginTimeout, err))
	}
	return NewProxyError(code, GetErrorDescription(code), err)
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (d *Dialer) dialSocks5(ctx context.Context, endpoint config.Upstream, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if endpoint.Username != nil {
		auth = &proxy.Auth{User: *endpoint.Username}
		if endpoint.Password != nil {
			auth.Password = *endpoint.Password
		}
	}

	forward := &capturingDialer{dialer: d.netDialer(endpoint.ForceIPv4)}
	socksDialer, err := proxy.SOCKS5(network(endpoint.ForceIPv4), endpoint.Address, auth, forward)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", endpoint.Address, err))
	}

	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: dialer lacks DialContext", endpoint.Address))
	}

	conn, err := ctxDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, dialError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, endpoint.Address, err))
	}
	// The SOCKS5 conn hides CloseWrite of the TCP conn beneath it
	return &socksConn{Conn: conn, raw: forward.conn}, nil
}

// capturingDialer keeps the connection it opened to the SOCKS5 proxy.
type capturingDialer struct {
	dialer *net.Dialer
	conn   net.Conn
}

func (c *capturingDialer) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

func (c *capturingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, network, addr)
	if err == nil {
		c.conn = conn
	}
	return conn, err
}

// socksConn forwards half-closes to the raw proxy connection.
type socksConn struct {
	net.Conn
	raw net.Conn
}

func (sc *socksConn) CloseWrite() error {
	if sc.raw == nil {
		return nil
	}
	return closeWrite(sc.raw)
}

// dialHttpProxy establishes a connection to the target via an HTTP proxy using CONNECT
func (d *Dialer) dialHttpProxy(ctx context.Context, endpoint config.Upstream, target string) (net.Conn, error) {
	logger.Trace("Dialing HTTP proxy %s to reach %s", endpoint.Address, target)

	proxyConn, err := d.netDialer(endpoint.ForceIPv4).DialContext(ctx, network(endpoint.ForceIPv4), endpoint.Address)
	if err != nil {
		return nil, dialError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", endpoint.Address, err))
	}

	// The handshake honours the same deadline as the dial
	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}

	fail := func(code string, err error) (net.Conn, error) {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Debug("Error closing proxy connection: %v", closeErr)
		}
		return nil, dialError(code, err)
	}

	connectReq, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+target, http.NoBody)
	if err != nil {
		return fail(ErrCodeCONNECTRequestFailed, fmt.Errorf("creating for target %s: %w", target, err))
	}
	connectReq.Host = target
	connectReq.Header.Set("User-Agent", d.proxyAgent)
	connectReq.Header.Set("Proxy-Connection", "keep-alive")
	if endpoint.Username != nil {
		password := ""
		if endpoint.Password != nil {
			password = *endpoint.Password
		}
		proxyAuth := *endpoint.Username + ":" + password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyAuth)))
	}

	if err := connectReq.Write(proxyConn); err != nil {
		return fail(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", endpoint.Address, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		return fail(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", endpoint.Address, err))
	}

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		_ = connectResp.Body.Close()
		return fail(ErrCodeProxyDenied, fmt.Errorf("proxy %s denied CONNECT to %s with status %s. Body: %s",
			endpoint.Address, target, connectResp.Status, string(bodyBytes)))
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Trace("CONNECT tunnel established via proxy %s to %s", endpoint.Address, target)

	if proxyReader.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, reader: proxyReader}, nil
	}
	return proxyConn, nil
}

// bufferedConn serves bytes the proxy sent right after its CONNECT response
// before reading from the connection again.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	if bc.reader.Buffered() > 0 {
		return bc.reader.Read(b)
	}
	return bc.Conn.Read(b)
}

func (bc *bufferedConn) CloseWrite() error {
	return closeWrite(bc.Conn)
}

// proxyURL builds the URL http.Transport uses for an HTTP proxy endpoint.
func proxyURL(endpoint config.Upstream) string {
	if endpoint.Username == nil {
		return "http://" + endpoint.Address
	}
	user := *endpoint.Username
	if endpoint.Password != nil {
		user += ":" + *endpoint.Password
	}
	return "http://" + user + "@" + endpoint.Address
}
