package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
)

// TestResult represents the outcome of a single test case.
type TestResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// TestSuite manages a collection of test cases against a running proxybridge.
type TestSuite struct {
	ProxyAddr string
	ProxyURL  string
	Client    *http.Client
	Timeout   time.Duration
	Results   []TestResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8085", "Proxy address (host:port)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	jsonOutput := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	suite := &TestSuite{
		ProxyAddr: *proxyAddr,
		ProxyURL:  proxyURL.String(),
		Timeout:   time.Duration(*timeout) * time.Second,
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true,
			},
		},
	}

	logger.Info("Starting proxy tests with proxy: %s", suite.ProxyURL)

	logger.Info("Running forward tests...")
	suite.runForwardTests()

	logger.Info("Running tunnel tests...")
	suite.runTunnelTests()

	if *jsonOutput {
		suite.printJSON()
		return
	}
	suite.printResults()
}

func (ts *TestSuite) runForwardTests() {
	tests := []struct {
		name string
		url  string
		test func(string) TestResult
	}{
		{"forward-ip", "http://httpbin.org/ip", ts.testForward},
		{"forward-user-agent", "http://httpbin.org/user-agent", ts.testForward},
		{"forward-json", "http://httpbin.org/json", ts.testJSON},
		{"forward-status-404", "http://httpbin.org/status/404", ts.testExhausted},
	}

	for _, test := range tests {
		logger.Debug("Running test: %s", test.name)
		result := test.test(test.url)
		result.Name = test.name
		result.URL = test.url
		ts.Results = append(ts.Results, result)
	}
}

func (ts *TestSuite) runTunnelTests() {
	tests := []struct {
		name string
		url  string
		test func(string) TestResult
	}{
		{"tunnel-status-line", "httpbin.org:443", ts.testConnectLine},
		{"tunnel-https-ip", "https://httpbin.org/ip", ts.testForward},
		{"tunnel-https-homepage", "https://www.google.com/", ts.testForward},
	}

	for _, test := range tests {
		logger.Debug("Running test: %s", test.name)
		result := test.test(test.url)
		result.Name = test.name
		result.URL = test.url
		ts.Results = append(ts.Results, result)
	}
}

// fetch performs a GET through the proxy and reads the whole body.
func (ts *TestSuite) fetch(testURL string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, testURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "proxybridge-proxy-test/1.0")

	resp, err := ts.Client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func (ts *TestSuite) testForward(testURL string) TestResult {
	start := time.Now()
	resp, body, err := ts.fetch(testURL)
	duration := time.Since(start)
	if err != nil {
		result := TestResult{Duration: duration, Error: err.Error()}
		if resp != nil {
			result.Status = resp.StatusCode
		}
		return result
	}

	logger.Debug("Response for %s: %d bytes, status %d", testURL, len(body), resp.StatusCode)
	return TestResult{
		Success:  resp.StatusCode == http.StatusOK && len(body) > 0,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (ts *TestSuite) testJSON(testURL string) TestResult {
	start := time.Now()
	resp, body, err := ts.fetch(testURL)
	duration := time.Since(start)
	if err != nil {
		return TestResult{Duration: duration, Error: err.Error()}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return TestResult{
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("Body is not the origin's JSON: %v", err),
		}
	}

	return TestResult{
		Success:  resp.StatusCode == http.StatusOK,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

// testExhausted expects the proxy to give up: a non-200 origin on every
// level leaves the client with a bare "Connection: close" and no response.
func (ts *TestSuite) testExhausted(testURL string) TestResult {
	start := time.Now()
	resp, _, err := ts.fetch(testURL)
	duration := time.Since(start)
	if err == nil {
		return TestResult{
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    "expected the proxy to close without a response",
		}
	}

	logger.Debug("Exhausted chain for %s: %v", testURL, err)
	return TestResult{Success: true, Duration: duration}
}

// testConnectLine sends a raw CONNECT and checks the established line.
func (ts *TestSuite) testConnectLine(target string) TestResult {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", ts.ProxyAddr, ts.Timeout)
	if err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("Dial failed: %v", err)}
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing connection: %v", closeErr)
		}
	}()
	_ = conn.SetDeadline(time.Now().Add(ts.Timeout))

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("Write failed: %v", err)}
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	duration := time.Since(start)
	if err != nil {
		return TestResult{Duration: duration, Error: fmt.Sprintf("Read failed: %v", err)}
	}

	line = strings.TrimRight(line, "\r\n")
	if line != "HTTP/1.0 200 Connection established" {
		return TestResult{Duration: duration, Error: fmt.Sprintf("Unexpected status line %q", line)}
	}
	return TestResult{Success: true, Duration: duration, Status: http.StatusOK}
}

func (ts *TestSuite) printJSON() {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ts.Results); err != nil {
		logger.Fatal("Failed to encode results: %v", err)
	}
	for _, result := range ts.Results {
		if !result.Success {
			os.Exit(1)
		}
	}
}

func (ts *TestSuite) printResults() {
	fmt.Printf("\n=== Proxy Test Results ===\n")
	fmt.Printf("Proxy: %s\n\n", ts.ProxyURL)

	passed := 0
	failed := 0

	for _, result := range ts.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-24s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                         Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total tests: %d\n", len(ts.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome tests failed. Check proxy configuration and connectivity.\n")
		os.Exit(1)
	} else {
		fmt.Printf("\nAll tests passed! Proxy is working correctly.\n")
	}
}
