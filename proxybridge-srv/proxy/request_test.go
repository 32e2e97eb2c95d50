package proxy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want ParsedRequest
	}{
		{
			name: "absolute GET",
			line: "GET http://example.com/index.html HTTP/1.1",
			want: ParsedRequest{Method: "GET", TargetHost: "example.com", TargetPort: 80, RawTargetURL: "http://example.com/index.html"},
		},
		{
			name: "CONNECT host:port",
			line: "CONNECT example.com:443 HTTP/1.1",
			want: ParsedRequest{Method: "CONNECT", TargetHost: "example.com", TargetPort: 443, RawTargetURL: "http://example.com:443", IsTunnel: true},
		},
		{
			name: "CONNECT with scheme",
			line: "CONNECT http://secure.example.com:8443 HTTP/1.1",
			want: ParsedRequest{Method: "CONNECT", TargetHost: "secure.example.com", TargetPort: 8443, RawTargetURL: "http://secure.example.com:8443", IsTunnel: true},
		},
		{
			name: "target without scheme",
			line: "GET example.org/a HTTP/1.0",
			want: ParsedRequest{Method: "GET", TargetHost: "example.org", TargetPort: 80, RawTargetURL: "http://example.org/a"},
		},
		{
			name: "explicit port",
			line: "POST http://127.0.0.1:8080/submit HTTP/1.1\r\n",
			want: ParsedRequest{Method: "POST", TargetHost: "127.0.0.1", TargetPort: 8080, RawTargetURL: "http://127.0.0.1:8080/submit"},
		},
		{
			name: "https default port",
			line: "GET https://example.com/ HTTP/1.1",
			want: ParsedRequest{Method: "GET", TargetHost: "example.com", TargetPort: 443, RawTargetURL: "https://example.com/"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequestLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequestLineIdempotent(t *testing.T) {
	lines := []string{
		"GET http://example.com/index.html HTTP/1.1",
		"CONNECT example.com:443 HTTP/1.1",
		"HEAD example.net HTTP/1.0",
	}
	for _, line := range lines {
		first, err := ParseRequestLine(line)
		require.NoError(t, err)
		second, err := ParseRequestLine(line)
		require.NoError(t, err)
		assert.Equal(t, first, second, line)
	}
}

func TestParseRequestLineMalformed(t *testing.T) {
	lines := map[string]string{
		"no space":             "GARBAGE",
		"no version":           "GET http://example.com/",
		"empty method":         " http://example.com/ HTTP/1.1",
		"empty target":         "GET  HTTP/1.1",
		"CONNECT without port": "CONNECT example.com HTTP/1.1",
		"CONNECT bad port":     "CONNECT example.com:https HTTP/1.1",
		"CONNECT port zero":    "CONNECT example.com:0 HTTP/1.1",
		"CONNECT port range":   "CONNECT example.com:70000 HTTP/1.1",
		"GET without host":     "GET http:///path HTTP/1.1",
	}

	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequestLine(line)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest))
			assert.Equal(t, ErrCodeMalformedRequest, ErrorCode(err))
			assert.True(t, IsHTTPError(err))
		})
	}
}

func TestParsedRequestIsImage(t *testing.T) {
	tests := map[string]bool{
		"GET http://example.com/a.png HTTP/1.1":      true,
		"GET http://example.com/b.JPG HTTP/1.1":      true,
		"GET http://example.com/c.jpeg?x=1 HTTP/1.1": true,
		"GET http://example.com/d.gif HTTP/1.1":      true,
		"GET http://example.com/e.html HTTP/1.1":     false,
		"GET http://example.com/ HTTP/1.1":           false,
		"CONNECT example.com:443 HTTP/1.1":           false,
	}
	for line, want := range tests {
		req, err := ParseRequestLine(line)
		require.NoError(t, err)
		assert.Equal(t, want, req.IsImage(), line)
	}
}

func TestParsedRequestAddress(t *testing.T) {
	req, err := ParseRequestLine("CONNECT example.com:443 HTTP/1.1")
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", req.Address())
}
