package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
	"github.com/codefionn/proxybridge/proxybridge-srv/stats"
)

// flushEvery is the byte interval at which transfer deltas are reported.
const flushEvery = 10240

// trackedConn wraps the client connection and reports byte counts to the
// stats collector once the connection is bound to a stats id.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	ctx           context.Context
	startTime     time.Time
	connectionID  atomic.Int64
	bound         atomic.Bool
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	flushSent     atomic.Int64
	flushReceived atomic.Int64
	closeReason   atomic.Value // string
	closeOnce     sync.Once
	closeErr      error
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector) *trackedConn {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &trackedConn{
		Conn:      conn,
		collector: collector,
		ctx:       context.WithoutCancel(ctx),
		startTime: time.Now(),
	}
}

// bind attaches the stats connection id; nothing is reported before that.
func (c *trackedConn) bind(connectionID int64) {
	c.connectionID.Store(connectionID)
	c.bound.Store(true)
}

// setCloseReason records why the connection ends, reported on Close.
func (c *trackedConn) setCloseReason(reason string) {
	c.closeReason.Store(reason)
}

// connStats receives the per-connection events of a relay.
type connStats interface {
	recordUpstreamAttempt(level int, upstream string, success bool)
	recordHTTPResponse(statusCode int, contentLength int64)
}

// The record methods drop events until the connection is bound, since the
// stores key every row on the connection id.

func (c *trackedConn) recordHTTPRequest(method, url, host, userAgent string) {
	if !c.bound.Load() {
		return
	}
	if err := c.collector.RecordHTTPRequest(c.ctx, c.connectionID.Load(), method, url, host, userAgent); err != nil {
		logger.Debug("Failed to record request: %v", err)
	}
}

func (c *trackedConn) recordHTTPResponse(statusCode int, contentLength int64) {
	if !c.bound.Load() {
		return
	}
	if err := c.collector.RecordHTTPResponse(c.ctx, c.connectionID.Load(), statusCode, contentLength); err != nil {
		logger.Debug("Failed to record response: %v", err)
	}
}

func (c *trackedConn) recordUpstreamAttempt(level int, upstream string, success bool) {
	if !c.bound.Load() {
		return
	}
	if err := c.collector.RecordUpstreamAttempt(c.ctx, c.connectionID.Load(), level, upstream, success); err != nil {
		logger.Debug("Failed to record upstream attempt: %v", err)
	}
}

func (c *trackedConn) recordError(code, message string) {
	if !c.bound.Load() {
		return
	}
	if err := c.collector.RecordError(c.ctx, c.connectionID.Load(), code, message); err != nil {
		logger.Debug("Failed to record error: %v", err)
	}
}

func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		if total := c.bytesReceived.Add(int64(n)); total/flushEvery != (total-int64(n))/flushEvery {
			c.flush()
		}
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		if total := c.bytesSent.Add(int64(n)); total/flushEvery != (total-int64(n))/flushEvery {
			c.flush()
		}
	}
	return n, err
}

// flush reports the deltas since the last flush.
func (c *trackedConn) flush() {
	if !c.bound.Load() {
		return
	}
	sent := c.bytesSent.Load()
	received := c.bytesReceived.Load()
	toReportSent := sent - c.flushSent.Swap(sent)
	toReportRecv := received - c.flushReceived.Swap(received)
	if toReportSent > 0 || toReportRecv > 0 {
		_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID.Load(), toReportSent, toReportRecv)
	}
}

// CloseWrite half-closes the write side when the underlying conn supports it.
func (c *trackedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// Close closes the connection exactly once and records the final statistics.
func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		if !c.bound.Load() {
			return
		}
		c.flush()
		reason, _ := c.closeReason.Load().(string)
		if reason == "" {
			reason = "normal"
		}
		_ = c.collector.EndConnection(c.ctx, c.connectionID.Load(),
			c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason)
	})
	return c.closeErr
}

// closeWrite half-closes conn if it supports it. Conns without CloseWrite
// are left open for the final Close.
func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
