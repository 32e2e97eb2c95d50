package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
	"github.com/codefionn/proxybridge/proxybridge-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	mode        = flag.String("mode", "forward", "Relay path to measure: forward or tunnel")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// readBody drains body and checks that no more than dataSize bytes arrived.
func readBody(body io.Reader) (int64, error) {
	buffer := make([]byte, 1024*1024)
	bytesRead := int64(0)
	for {
		n, err := body.Read(buffer)
		bytesRead += int64(n)
		if err != nil {
			if err == io.EOF {
				return bytesRead, nil
			}
			return bytesRead, fmt.Errorf("read body: %w", err)
		}
		if bytesRead > int64(*dataSize) {
			return bytesRead, fmt.Errorf("read too much data: %d", bytesRead)
		}
	}
}

// sendForward fetches the payload with an absolute-URI GET through the proxy.
func sendForward(ctx context.Context, client *http.Client, targetURL string) result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d", resp.StatusCode)}
	}
	n, err := readBody(resp.Body)
	return result{n, err}
}

// sendTunnel opens a CONNECT tunnel and fetches the payload through it.
func sendTunnel(ctx context.Context, proxyAddr, targetAddr string) result {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return result{0, fmt.Errorf("dial proxy: %w", err)}
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing tunnel: %v", closeErr)
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr); err != nil {
		return result{0, fmt.Errorf("write CONNECT: %w", err)}
	}
	reader := bufio.NewReader(conn)
	connectReq := &http.Request{Method: http.MethodConnect}
	connectResp, err := http.ReadResponse(reader, connectReq)
	if err != nil {
		return result{0, fmt.Errorf("read CONNECT response: %w", err)}
	}
	if connectResp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("CONNECT status %d", connectResp.StatusCode)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+targetAddr+"/data", http.NoBody)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	req.Close = true
	if err := req.Write(conn); err != nil {
		return result{0, fmt.Errorf("write request: %w", err)}
	}
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return result{0, fmt.Errorf("read response: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d", resp.StatusCode)}
	}
	n, err := readBody(resp.Body)
	return result{n, err}
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	if *mode != "forward" && *mode != "tunnel" {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	// Context for overall timeout
	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	// Setup test data
	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	// Start data server
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	targetAddr := targetLn.Addr().String()
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	// Start proxy
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	proxyCfg := config.DefaultConfig()
	proxyCfg.ListenAddress = proxyLn.Addr().String()
	srv, err := proxy.NewServer(proxyCfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := srv.StartWithListener(proxyLn); err != nil {
			log.Printf("Proxy server error: %v", err)
		}
	}()

	// Prepare client using HTTP proxy
	proxyURL, _ := url.Parse("http://" + proxyLn.Addr().String())
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := "http://" + targetAddr + "/data"

	send := func() result {
		if *mode == "tunnel" {
			return sendTunnel(ctx, proxyLn.Addr().String(), targetAddr)
		}
		return sendForward(ctx, client, targetURL)
	}

	// Run test
	var wg sync.WaitGroup
	results := make(chan result, *numRequests)
	jobs := make(chan struct{})
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- send()
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	// Collect results
	success, errors, total := 0, 0, int64(0)
	for res := range results {
		if res.err != nil {
			errors++
			logger.Debug("request failed: %v", res.err)
		} else {
			success++
			total += res.bytes
		}
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	if err := srv.Stop(); err != nil {
		log.Printf("Proxy stop error: %v", err)
	}

	// Output
	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", *mode, dur.Seconds(), success, errors)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	if errors > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
