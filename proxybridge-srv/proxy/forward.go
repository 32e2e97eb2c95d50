package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
)

// Headers every forwarded request carries.
const (
	forwardContentType     = "application/x-www-form-urlencoded"
	forwardContentLanguage = "en-US"
)

// ForwardRelay fetches a plain HTTP target through the chain and streams the
// body back to the client behind a synthesized HTTP/1.0 status line.
type ForwardRelay struct {
	chain           *ProxyChain
	dialer          *Dialer
	userAgents      []string
	proxyAgent      string
	upstreamTimeout time.Duration
	bufferSize      int
}

// NewForwardRelay creates a relay walking chain with full failover.
func NewForwardRelay(cfg *config.Config, chain *ProxyChain, dialer *Dialer) *ForwardRelay {
	return &ForwardRelay{
		chain:           chain,
		dialer:          dialer,
		userAgents:      cfg.UserAgents,
		proxyAgent:      cfg.ProxyAgent,
		upstreamTimeout: cfg.UpstreamTimeout(),
		bufferSize:      cfg.TunnelBufferSize,
	}
}

// Relay serves req to client. The User-Agent is picked once and reused by
// every level. An exhausted chain leaves the client with a bare
// "Connection: close" line. The caller owns and closes client.
func (f *ForwardRelay) Relay(ctx context.Context, client net.Conn, req ParsedRequest, rec connStats, log *logger.Conn) error {
	userAgent := PickUserAgent(f.userAgents)

	level, err := f.chain.Walk(ctx, ChainFailover, func(ctx context.Context, level int, endpoint config.Upstream) error {
		err := f.attempt(ctx, client, req, userAgent, endpoint, rec)
		rec.recordUpstreamAttempt(level, endpoint.String(), err == nil)
		if err != nil {
			log.Debug("Forward attempt %d via %s failed: %v", level, endpoint, err)
		}
		return err
	})
	if err == nil {
		log.Debug("Forwarded %s via level %d", req.RawTargetURL, level)
		return nil
	}

	if errors.Is(err, ErrUpstreamUnavailable) {
		log.Warn("Every upstream failed for %s: %v", req.RawTargetURL, err)
		if _, werr := io.WriteString(client, "Connection: close\r\n"); werr != nil {
			log.Debug("Failed to write close notice: %v", werr)
		}
		return err
	}

	log.Warn("Forwarding %s aborted: %v", req.RawTargetURL, err)
	return err
}

// attempt performs the request against one endpoint. Errors before any byte
// reached the client are retryable; later ones are Permanent.
func (f *ForwardRelay) attempt(ctx context.Context, client net.Conn, req ParsedRequest, userAgent string, endpoint config.Upstream, rec connStats) error {
	httpClient, err := f.newClient(endpoint)
	if err != nil {
		return err
	}
	defer httpClient.CloseIdleConnections()

	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.RawTargetURL, http.NoBody)
	if err != nil {
		return Permanent(NewHTTPError(ErrCodeHTTPForwardFailed, GetErrorDescription(ErrCodeHTTPForwardFailed), err))
	}
	outReq.Header.Set("Content-Type", forwardContentType)
	outReq.Header.Set("Content-Language", forwardContentLanguage)
	outReq.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(outReq)
	if err != nil {
		if isTimeout(err) {
			return NewConnectionError(ErrCodeConnectionTimeout, GetErrorDescription(ErrCodeConnectionTimeout), fmt.Errorf("%w: %w", ErrOriginTimeout, err))
		}
		return NewConnectionError(ErrCodeUpstreamConnectFailed, GetErrorDescription(ErrCodeUpstreamConnectFailed), err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Trace("Error closing upstream body: %v", closeErr)
		}
	}()

	rec.recordHTTPResponse(resp.StatusCode, resp.ContentLength)

	if resp.StatusCode != http.StatusOK {
		return NewHTTPError(ErrCodeUpstreamStatus, GetErrorDescription(ErrCodeUpstreamStatus),
			fmt.Errorf("%s answered %s", endpoint, resp.Status))
	}

	body := bufio.NewReaderSize(resp.Body, f.bufferSize)
	if req.IsImage() {
		if _, err := body.Peek(1); err != nil {
			if !errors.Is(err, io.EOF) {
				return NewConnectionError(ErrCodeTransportFault, GetErrorDescription(ErrCodeTransportFault), err)
			}
			// No image data arrived
			notFound := fmt.Sprintf("HTTP/1.0 404 NOT FOUND\r\nProxy-agent: %s\r\n\r\n", f.proxyAgent)
			if _, err := io.WriteString(client, notFound); err != nil {
				return Permanent(NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err))
			}
			return nil
		}
	}

	out := bufio.NewWriterSize(client, f.bufferSize)
	if _, err := fmt.Fprintf(out, "HTTP/1.0 200 OK\r\nProxy-agent: %s\r\n\r\n", f.proxyAgent); err != nil {
		return Permanent(NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err))
	}

	// From here on the client may have seen bytes, so nothing is retried
	if _, err := copyBuffer(out, body); err != nil {
		// Relay what already arrived before giving up
		if flushErr := out.Flush(); flushErr != nil {
			logger.Debug("Failed to flush partial body: %v", flushErr)
		}
		return Permanent(NewConnectionError(ErrCodeTransportFault, GetErrorDescription(ErrCodeTransportFault), err))
	}
	if err := out.Flush(); err != nil {
		return Permanent(NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err))
	}
	return nil
}

// newClient builds a single-use client whose connections reach the origin
// through endpoint.
func (f *ForwardRelay) newClient(endpoint config.Upstream) (*http.Client, error) {
	transport := &http.Transport{
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: f.upstreamTimeout,
		TLSHandshakeTimeout:   f.upstreamTimeout,
	}

	switch endpoint.Type {
	case config.EndpointHTTP:
		proxyAddr, err := url.Parse(proxyURL(endpoint))
		if err != nil {
			return nil, NewConfigurationError(ErrCodeUnknownProxyType, GetErrorDescription(ErrCodeUnknownProxyType), err)
		}
		transport.Proxy = http.ProxyURL(proxyAddr)
		transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			logger.Trace("DialContext: proxy addr=%s", addr)
			conn, err := f.dialer.netDialer(endpoint.ForceIPv4).DialContext(ctx, network(endpoint.ForceIPv4), addr)
			if err != nil {
				return nil, dialError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", addr, err))
			}
			return &deadlineConn{Conn: conn, timeout: f.upstreamTimeout}, nil
		}
	default:
		transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			logger.Trace("DialContext: addr=%s via %s", addr, endpoint)
			conn, err := f.dialer.DialVia(ctx, endpoint, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, timeout: f.upstreamTimeout}, nil
		}
	}

	return &http.Client{Transport: transport}, nil
}

// deadlineConn bounds every read by timeout, refreshed per call.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}
