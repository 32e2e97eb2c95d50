package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/textproto"
	"runtime/debug"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
	"github.com/codefionn/proxybridge/proxybridge-srv/stats"
)

// Handler serves exactly one client connection.
type Handler struct {
	forward       *ForwardRelay
	tunnel        *TunnelRelay
	collector     stats.Collector
	clientTimeout time.Duration
	bufferSize    int
}

// NewHandler creates a connection handler dispatching to the given relays.
func NewHandler(forward *ForwardRelay, tunnel *TunnelRelay, collector stats.Collector, clientTimeout time.Duration, bufferSize int) *Handler {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Handler{
		forward:       forward,
		tunnel:        tunnel,
		collector:     collector,
		clientTimeout: clientTimeout,
		bufferSize:    bufferSize,
	}
}

// Serve reads one request from conn and relays it. It always closes conn and
// never lets a panic escape.
func (h *Handler) Serve(ctx context.Context, conn net.Conn, id string) {
	log := logger.ForConnection(id)
	client := newTrackedConn(ctx, conn, h.collector)
	defer func() {
		if err := client.Close(); err != nil && !isClosedConnError(err) {
			log.Debug("Error closing client connection: %v", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err := NewInternalError(ErrCodePanicRecovered, GetErrorDescription(ErrCodePanicRecovered), fmt.Errorf("%v", r))
			log.Error("%v\n%s", err, debug.Stack())
			client.setCloseReason("panic")
		}
	}()

	if err := client.SetReadDeadline(time.Now().Add(h.clientTimeout)); err != nil {
		log.Debug("Failed to set client read deadline: %v", err)
	}

	limit := &headerLimitReader{r: client, remaining: maxRequestHeaderBytes}
	reader := bufio.NewReaderSize(limit, h.bufferSize)
	tp := textproto.NewReader(reader)

	line, err := tp.ReadLine()
	if err != nil {
		logReadFailure(log, "request line", err)
		return
	}

	req, err := ParseRequestLine(line)
	if err != nil {
		log.Warn("Dropping connection from %s: %v", conn.RemoteAddr(), err)
		return
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		logReadFailure(log, "request headers", err)
		return
	}

	// The tunnel keeps reading from the same buffered reader
	limit.lift()

	log.Info("%s %s from %s", req.Method, req.RawTargetURL, conn.RemoteAddr())

	protocol := stats.ProtocolHTTP
	if req.IsTunnel {
		protocol = stats.ProtocolTunnel
	}
	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	connectionID, err := h.collector.StartConnection(ctx, id, clientIP, req.TargetHost, req.TargetPort, protocol)
	if err != nil {
		log.Debug("Failed to record connection start: %v", err)
	} else {
		client.bind(connectionID)
	}
	client.recordHTTPRequest(req.Method, req.RawTargetURL, req.TargetHost, header.Get("User-Agent"))

	if req.IsTunnel {
		err = h.tunnel.Relay(ctx, client, reader, req, client, log)
	} else {
		err = h.forward.Relay(ctx, client, req, client, log)
	}

	if err != nil {
		client.recordError(ErrorCode(err), err.Error())
		client.setCloseReason(closeReason(err))
	}
}

// closeReason maps a relay error onto the reason stored with the connection.
func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case isTimeout(err):
		return "timeout"
	case ErrorCode(err) == ErrCodeTransportFault:
		return "transport_fault"
	default:
		return "error"
	}
}

// maxRequestHeaderBytes caps the request line plus headers.
const maxRequestHeaderBytes = 64 << 10

var errRequestHeaderTooLarge = errors.New("request header too large")

// headerLimitReader fails once remaining bytes were read, until lifted.
type headerLimitReader struct {
	r         io.Reader
	remaining int64
}

func (l *headerLimitReader) Read(b []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, errRequestHeaderTooLarge
	}
	if int64(len(b)) > l.remaining {
		b = b[:l.remaining]
	}
	n, err := l.r.Read(b)
	l.remaining -= int64(n)
	return n, err
}

func (l *headerLimitReader) lift() {
	l.remaining = math.MaxInt64
}

func logReadFailure(log *logger.Conn, what string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		log.Debug("Client closed before sending %s", what)
	case isTimeout(err):
		log.Debug("%v", NewConnectionError(ErrCodeIdleTimeout, GetErrorDescription(ErrCodeIdleTimeout), fmt.Errorf("reading %s: %w", what, err)))
	default:
		log.Warn("%v", NewHTTPError(ErrCodeHTTPRequestReadFailed, GetErrorDescription(ErrCodeHTTPRequestReadFailed), fmt.Errorf("reading %s: %w", what, err)))
	}
}
