package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStateTransitions(t *testing.T) {
	srv, err := NewServer(testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateNew, srv.State())
	assert.Nil(t, srv.Addr())

	// Stopping a server that never started closes it right away
	require.NoError(t, srv.Stop())
	assert.Equal(t, StateClosed, srv.State())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = srv.StartWithListener(ln)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidServerState, ErrorCode(err))

	err = srv.Stop()
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidServerState, ErrorCode(err))
}

func TestServerStartListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddress = "256.0.0.1:1"
	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)

	err = srv.Start()
	require.Error(t, err)
	assert.Equal(t, ErrCodeListenerCreateFailed, ErrorCode(err))
}

func TestNewServerRejectsUnknownUpstream(t *testing.T) {
	_, err := NewServer(testConfig(config.Upstream{Type: "ftp", Address: "127.0.0.1:21"}), nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownProxyType, ErrorCode(err))
}

func TestServerAcceptTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptTimeoutSeconds = 1
	echo := startEchoServer(t)
	srv, addr := startProxy(t, cfg, nil)

	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, StateRunning, srv.State())

	conn := openTunnel(t, addr, echo)
	defer conn.Close()
	echoThrough(t, conn, "still accepting")
}

func TestServerStopWaitsForActiveTunnels(t *testing.T) {
	echo := startEchoServer(t)
	cfg := testConfig()
	cfg.ClientTimeoutSeconds = 10
	cfg.UpstreamTimeoutSeconds = 10
	srv, addr := startProxy(t, cfg, nil)

	var tunnels []net.Conn
	for i := 0; i < 3; i++ {
		conn := openTunnel(t, addr, echo)
		echoThrough(t, conn, "alive")
		tunnels = append(tunnels, conn)
	}
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 3 }, time.Second, 10*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop() }()
	require.Eventually(t, func() bool { return srv.State() == StateStopping }, time.Second, 5*time.Millisecond)

	// No new connection is served while stopping
	late, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		_, _ = io.WriteString(late, "CONNECT "+echo+" HTTP/1.1\r\n\r\n")
		require.NoError(t, late.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
		buf := make([]byte, 1)
		n, _ := late.Read(buf)
		assert.Zero(t, n, "late connection must not be served")
		_ = late.Close()
	}

	select {
	case <-stopped:
		t.Fatal("Stop returned while tunnels were still active")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 3, srv.ActiveConnections())

	// Tunnels keep working until their clients finish
	echoThrough(t, tunnels[0], "during shutdown")

	for _, conn := range tunnels {
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()
	}

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after tunnels closed")
	}
	assert.Equal(t, StateClosed, srv.State())
	assert.Zero(t, srv.ActiveConnections())

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener is closed after stop")
}

func TestServerMaxConcurrentConnections(t *testing.T) {
	echo := startEchoServer(t)
	cfg := testConfig()
	cfg.MaxConcurrentConnections = 1
	srv, addr := startProxy(t, cfg, nil)

	first := openTunnel(t, addr, echo)

	second, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer second.Close()
	_, err = io.WriteString(second, "CONNECT "+echo+" HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 1)
	n, _ := second.Read(buf)
	assert.Zero(t, n, "second connection waits for a free slot")
	assert.Equal(t, 1, srv.ActiveConnections())

	require.NoError(t, first.(*net.TCPConn).CloseWrite())
	_, _ = io.Copy(io.Discard, first)
	_ = first.Close()

	want := "HTTP/1.0 200 Connection established\r\nProxy-Agent: ProxyBridge/1.0\r\n\r\n"
	got := make([]byte, len(want))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(second, got)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))
}

func TestServerAcceptRateLimit(t *testing.T) {
	echo := startEchoServer(t)
	cfg := testConfig()
	cfg.AcceptRate = 5
	cfg.AcceptBurst = 1
	_, addr := startProxy(t, cfg, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		conn := openTunnel(t, addr, echo)
		_ = conn.Close()
	}
	// Three accepts at 5/s with burst 1 take at least 400ms
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestServerStateString(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "ServerState(9)", ServerState(9).String())
}
