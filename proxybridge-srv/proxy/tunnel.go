package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
)

// TunnelRelay serves CONNECT requests by splicing the client onto an
// upstream connection in both directions.
type TunnelRelay struct {
	chain           *ProxyChain
	dialer          *Dialer
	policy          RetryPolicy
	proxyAgent      string
	clientTimeout   time.Duration
	upstreamTimeout time.Duration
	bufferSize      int
}

// NewTunnelRelay creates a tunnel relay. Connect failures are retried along
// the chain only when cfg.TunnelFailover is set.
func NewTunnelRelay(cfg *config.Config, chain *ProxyChain, dialer *Dialer) *TunnelRelay {
	policy := SingleAttempt
	if cfg.TunnelFailover {
		policy = ChainFailover
	}
	return &TunnelRelay{
		chain:           chain,
		dialer:          dialer,
		policy:          policy,
		proxyAgent:      cfg.ProxyAgent,
		clientTimeout:   cfg.ClientTimeout(),
		upstreamTimeout: cfg.UpstreamTimeout(),
		bufferSize:      cfg.TunnelBufferSize,
	}
}

// Policy reports the retry policy used for tunnel connects.
func (t *TunnelRelay) Policy() RetryPolicy {
	return t.policy
}

// Relay establishes the tunnel for req and copies bytes until both
// directions ended. clientReader must be the reader the request line was
// consumed from, so bytes the client pipelined after its headers are kept.
// The caller owns and closes client; the upstream is closed here.
func (t *TunnelRelay) Relay(ctx context.Context, client net.Conn, clientReader *bufio.Reader, req ParsedRequest, rec connStats, log *logger.Conn) error {
	target := req.Address()

	var upstream net.Conn
	level, err := t.chain.Walk(ctx, t.policy, func(ctx context.Context, level int, endpoint config.Upstream) error {
		conn, err := t.dialer.DialVia(ctx, endpoint, target)
		rec.recordUpstreamAttempt(level, endpoint.String(), err == nil)
		if err != nil {
			log.Debug("Tunnel connect %d to %s via %s failed: %v", level, target, endpoint, err)
			return err
		}
		upstream = conn
		return nil
	})
	if err != nil {
		if isTimeout(err) {
			log.Warn("Timed out connecting to %s: %v", target, err)
			t.writeStatus(client, "504 Timeout Occurred after 10s", log)
		} else {
			log.Warn("Failed to connect to %s: %v", target, err)
			t.writeStatus(client, "502 Bad Gateway", log)
		}
		return err
	}
	defer func() {
		if closeErr := upstream.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			log.Debug("Error closing upstream connection: %v", closeErr)
		}
	}()

	if err := t.writeStatus(client, "200 Connection established", log); err != nil {
		return NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err)
	}
	rec.recordHTTPResponse(200, -1)
	log.Debug("Tunnel to %s established via level %d", target, level)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := copyStream(upstream, clientReader, client, t.clientTimeout, t.bufferSize)
		logCopyEnd(log, "client->upstream", n, err)
		if err := closeWrite(upstream); err != nil {
			log.Trace("CloseWrite upstream: %v", err)
		}
	}()

	n, err := copyStream(client, bufio.NewReaderSize(upstream, t.bufferSize), upstream, t.upstreamTimeout, t.bufferSize)
	logCopyEnd(log, "upstream->client", n, err)
	if err := closeWrite(client); err != nil {
		log.Trace("CloseWrite client: %v", err)
	}

	wg.Wait()
	return nil
}

// writeStatus writes a status line followed by the agent header.
func (t *TunnelRelay) writeStatus(client net.Conn, status string, log *logger.Conn) error {
	_, err := fmt.Fprintf(client, "HTTP/1.0 %s\r\nProxy-Agent: %s\r\n\r\n", status, t.proxyAgent)
	if err != nil {
		log.Debug("Failed to write %q: %v", status, err)
	}
	return err
}

// copyStream copies src to dst until EOF or error. Every read on srcConn is
// bounded by idle. Output is flushed whenever src has nothing buffered.
// EOF ends the copy without error.
func copyStream(dst net.Conn, src *bufio.Reader, srcConn net.Conn, idle time.Duration, bufferSize int) (int64, error) {
	buf := getBuffer(bufferSize)
	defer putBuffer(buf)
	out := bufio.NewWriterSize(dst, bufferSize)

	var written int64
	for {
		if err := srcConn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return written, err
		}
		n, readErr := src.Read(*buf)
		if n > 0 {
			if _, err := out.Write((*buf)[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if src.Buffered() == 0 {
				if err := out.Flush(); err != nil {
					return written, err
				}
			}
		}
		if readErr != nil {
			if err := out.Flush(); err != nil {
				return written, err
			}
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}

// logCopyEnd logs the end of one tunnel direction. Idle timeouts and closed
// connections are normal terminations.
func logCopyEnd(log *logger.Conn, direction string, n int64, err error) {
	switch {
	case err == nil:
		log.Debug("Tunnel %s finished after %d bytes", direction, n)
	case isTimeout(err):
		log.Debug("Tunnel %s idle timeout after %d bytes", direction, n)
	case isClosedConnError(err):
		log.Debug("Tunnel %s closed after %d bytes", direction, n)
	default:
		log.Warn("Tunnel %s failed after %d bytes: %v", direction, n, err)
	}
}
