package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forwardOK = "HTTP/1.0 200 OK\r\nProxy-agent: ProxyBridge/1.0\r\n\r\n"

type seenRequest struct {
	method          string
	contentType     string
	contentLanguage string
	userAgent       string
}

func startOrigin(t *testing.T, body string) (string, *atomic.Value) {
	t.Helper()
	seen := &atomic.Value{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(seenRequest{
			method:          r.Method,
			contentType:     r.Header.Get("Content-Type"),
			contentLanguage: r.Header.Get("Content-Language"),
			userAgent:       r.Header.Get("User-Agent"),
		})
		switch r.URL.Path {
		case "/missing.png":
			w.WriteHeader(http.StatusOK)
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG fake image"))
		case "/gone":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL, seen
}

func TestForwardDirect(t *testing.T) {
	body := strings.Repeat("0123456789abcdef", 1024) + "\x00\xff binary tail"
	origin, seen := startOrigin(t, body)
	_, addr := startProxy(t, testConfig(), nil)

	resp := roundTrip(t, addr, "GET "+origin+"/page HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, strings.HasPrefix(resp, forwardOK), resp)
	assert.Equal(t, body, strings.TrimPrefix(resp, forwardOK), "body must be relayed byte for byte")

	got := seen.Load().(seenRequest)
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "application/x-www-form-urlencoded", got.contentType)
	assert.Equal(t, "en-US", got.contentLanguage)
	assert.Contains(t, config.DefaultUserAgents, got.userAgent)
}

func TestForwardPostIsSentAsGet(t *testing.T) {
	origin, seen := startOrigin(t, "ok")
	_, addr := startProxy(t, testConfig(), nil)

	resp := roundTrip(t, addr, "POST "+origin+"/submit HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	assert.Equal(t, forwardOK+"ok", resp)
	assert.Equal(t, http.MethodGet, seen.Load().(seenRequest).method)
}

func TestForwardViaHTTPProxy(t *testing.T) {
	origin, _ := startOrigin(t, "via proxy")
	proxyAddr, hits := newTestHTTPProxy(t, 0)
	_, addr := startProxy(t, testConfig(config.Upstream{Type: config.EndpointHTTP, Address: proxyAddr}), nil)

	resp := roundTrip(t, addr, "GET "+origin+"/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, forwardOK+"via proxy", resp)
	assert.Equal(t, int32(1), hits.Load())
}

func TestForwardViaSocks5(t *testing.T) {
	origin, _ := startOrigin(t, "via socks")
	socks := startSocks5Server(t, nil)
	_, addr := startProxy(t, testConfig(config.Upstream{Type: config.EndpointSocks5, Address: socks}), nil)

	resp := roundTrip(t, addr, "GET "+origin+"/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, forwardOK+"via socks", resp)
}

func TestForwardFailsOverToNextLevel(t *testing.T) {
	origin, _ := startOrigin(t, "second level")
	broken, brokenHits := newTestHTTPProxy(t, http.StatusBadGateway)
	collector := newRecordingCollector()
	_, addr := startProxy(t, testConfig(
		config.Upstream{Type: config.EndpointHTTP, Address: broken},
		config.Upstream{Type: config.EndpointDirect},
	), collector)

	resp := roundTrip(t, addr, "GET "+origin+"/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, forwardOK+"second level", resp)
	assert.Equal(t, int32(1), brokenHits.Load())

	attempts := collector.attemptList()
	require.Len(t, attempts, 2)
	assert.Equal(t, attemptRecord{level: 0, upstream: "http://" + broken, success: false}, attempts[0])
	assert.Equal(t, attemptRecord{level: 1, upstream: "direct", success: true}, attempts[1])
}

func TestForwardChainExhausted(t *testing.T) {
	origin, _ := startOrigin(t, "never seen")
	var upstreams []config.Upstream
	var hits []*atomic.Int32
	for i := 0; i < 3; i++ {
		addr, h := newTestHTTPProxy(t, http.StatusServiceUnavailable)
		upstreams = append(upstreams, config.Upstream{Type: config.EndpointHTTP, Address: addr})
		hits = append(hits, h)
	}
	collector := newRecordingCollector()
	_, addr := startProxy(t, testConfig(upstreams...), collector)

	resp := roundTrip(t, addr, "GET "+origin+"/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, "Connection: close\r\n", resp, "no body reaches the client")
	for i, h := range hits {
		assert.Equal(t, int32(1), h.Load(), "level %d tried exactly once", i)
	}

	require.Eventually(t, func() bool { return len(collector.endings()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "upstream_unavailable", collector.endings()[0].reason)
	assert.Equal(t, []string{ErrCodeUpstreamUnavailable}, collector.errorCodes())
}

func TestForwardNon200Origin(t *testing.T) {
	origin, _ := startOrigin(t, "")
	_, addr := startProxy(t, testConfig(), nil)

	resp := roundTrip(t, addr, "GET "+origin+"/gone HTTP/1.1\r\n\r\n")
	assert.Equal(t, "Connection: close\r\n", resp)
}

func TestForwardUnreachableOrigin(t *testing.T) {
	_, addr := startProxy(t, testConfig(), nil)

	resp := roundTrip(t, addr, "GET http://"+closedPort(t)+"/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, "Connection: close\r\n", resp)
}

func TestForwardImage(t *testing.T) {
	origin, _ := startOrigin(t, "")
	_, addr := startProxy(t, testConfig(), nil)

	resp := roundTrip(t, addr, "GET "+origin+"/logo.png HTTP/1.1\r\n\r\n")
	assert.Equal(t, forwardOK+"\x89PNG fake image", resp)
}

func TestForwardImageWithoutData(t *testing.T) {
	origin, _ := startOrigin(t, "")
	_, addr := startProxy(t, testConfig(), nil)

	resp := roundTrip(t, addr, "GET "+origin+"/missing.png HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 404 NOT FOUND\r\nProxy-agent: ProxyBridge/1.0\r\n\r\n", resp)
}

func TestForwardOriginTimeout(t *testing.T) {
	silent := startSilentServer(t)
	_, addr := startProxy(t, testConfig(), nil)

	start := time.Now()
	resp := roundTrip(t, addr, "GET http://"+silent+"/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, "Connection: close\r\n", resp)
	assert.Less(t, time.Since(start), 4*time.Second)
}

// startTruncatedOrigin announces a large body, sends only body and hangs up.
func startTruncatedOrigin(t *testing.T, body string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
				if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
					return
				}
				_, _ = fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: 100000\r\n\r\n%s", body)
			}(conn)
		}
	}()
	return "http://" + ln.Addr().String()
}

func TestForwardTruncatedBodyRelaysReceivedBytes(t *testing.T) {
	for _, size := range []int{10, 6000} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			body := strings.Repeat("b", size)
			origin := startTruncatedOrigin(t, body)
			collector := newRecordingCollector()
			_, addr := startProxy(t, testConfig(), collector)

			resp := roundTrip(t, addr, "GET "+origin+"/big HTTP/1.1\r\n\r\n")
			assert.Equal(t, forwardOK+body, resp, "bytes received before the fault reach the client")

			require.Eventually(t, func() bool { return len(collector.endings()) == 1 }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, "transport_fault", collector.endings()[0].reason)
			assert.Equal(t, []string{ErrCodeTransportFault}, collector.errorCodes())
			require.Len(t, collector.attemptList(), 1, "a fault after the status line is not retried")
		})
	}
}
