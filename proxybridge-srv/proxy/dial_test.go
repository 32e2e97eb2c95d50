package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSocks5Server(t *testing.T, creds go_socks5.StaticCredentials) string {
	t.Helper()
	conf := &go_socks5.Config{}
	if creds != nil {
		conf.Credentials = creds
	}
	server, err := go_socks5.New(conf)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = server.Serve(ln) }()
	return ln.Addr().String()
}

func echoThrough(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	_, err := io.WriteString(conn, msg)
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestDialDirect(t *testing.T) {
	echo := startEchoServer(t)
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	conn, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointDirect}, echo)
	require.NoError(t, err)
	defer conn.Close()
	echoThrough(t, conn, "direct")
}

func TestDialDirectRefused(t *testing.T) {
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	_, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointDirect}, closedPort(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeDialFailed, ErrorCode(err))
	assert.True(t, IsConnectionError(err))
}

func TestDialDirectForceIPv4RejectsIPv6Literal(t *testing.T) {
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	_, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointDirect, ForceIPv4: true}, "[::1]:80")
	require.Error(t, err)
	assert.Equal(t, ErrCodeResolveFailed, ErrorCode(err))
}

func TestDialSocks5(t *testing.T) {
	echo := startEchoServer(t)
	socks := startSocks5Server(t, nil)
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	conn, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointSocks5, Address: socks}, echo)
	require.NoError(t, err)
	defer conn.Close()
	echoThrough(t, conn, "through socks5")
}

func TestDialSocks5PropagatesHalfClose(t *testing.T) {
	echo := startEchoServer(t)
	socks := startSocks5Server(t, nil)
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	conn, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointSocks5, Address: socks}, echo)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	require.NoError(t, closeWrite(conn))

	// The echo server only hangs up after it saw our EOF
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
}

func TestDialSocks5WithAuth(t *testing.T) {
	echo := startEchoServer(t)
	socks := startSocks5Server(t, go_socks5.StaticCredentials{"alice": "secret"})
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	user, pass := "alice", "secret"
	conn, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointSocks5, Address: socks, Username: &user, Password: &pass}, echo)
	require.NoError(t, err)
	defer conn.Close()
	echoThrough(t, conn, "authenticated")

	wrong := "wrong"
	_, err = d.DialVia(context.Background(), config.Upstream{Type: config.EndpointSocks5, Address: socks, Username: &user, Password: &wrong}, echo)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSOCKS5ConnectFailed, ErrorCode(err))
	assert.True(t, IsProxyChainError(err))
}

func TestDialHttpProxy(t *testing.T) {
	echo := startEchoServer(t)
	proxyAddr, hits := newTestHTTPProxy(t, 0)
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	conn, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointHTTP, Address: proxyAddr}, echo)
	require.NoError(t, err)
	defer conn.Close()
	echoThrough(t, conn, "through http proxy")
	assert.Equal(t, int32(1), hits.Load())
}

func TestDialHttpProxyDenied(t *testing.T) {
	proxyAddr, _ := newTestHTTPProxy(t, http.StatusForbidden)
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)

	_, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointHTTP, Address: proxyAddr}, "127.0.0.1:9")
	require.Error(t, err)
	assert.Equal(t, ErrCodeProxyDenied, ErrorCode(err))
	assert.Contains(t, err.Error(), "403")
}

func TestDialHttpProxyTimeout(t *testing.T) {
	silent := startSilentServer(t)
	d := NewDialer(200*time.Millisecond, "ProxyBridge/1.0", nil)

	start := time.Now()
	_, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointHTTP, Address: silent}, "127.0.0.1:9")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, errors.Is(err, ErrOriginTimeout))
	assert.Equal(t, ErrCodeConnectionTimeout, ErrorCode(err))
}

func TestDialHttpProxyAuthAndEarlyData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	authSeen := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		authSeen <- req.Header.Get("Proxy-Authorization")
		// The greeting arrives in the same segment as the response
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\nhello from origin")
		time.Sleep(100 * time.Millisecond)
	}()

	user, pass := "bob", "pw"
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)
	conn, err := d.DialVia(context.Background(), config.Upstream{Type: config.EndpointHTTP, Address: ln.Addr().String(), Username: &user, Password: &pass}, "example.com:443")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("bob:pw")), <-authSeen)

	buf := make([]byte, len("hello from origin"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello from origin", string(buf))
}

func TestDialUnknownType(t *testing.T) {
	d := NewDialer(time.Second, "ProxyBridge/1.0", nil)
	_, err := d.DialVia(context.Background(), config.Upstream{Type: "gopher"}, "127.0.0.1:70")
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownProxyType, ErrorCode(err))
}

func TestProxyURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:3128", proxyURL(config.Upstream{Type: config.EndpointHTTP, Address: "127.0.0.1:3128"}))
	user, pass := "u", "p"
	assert.Equal(t, "http://u:p@127.0.0.1:3128", proxyURL(config.Upstream{Type: config.EndpointHTTP, Address: "127.0.0.1:3128", Username: &user, Password: &pass}))
}
