package proxy

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// ParsedRequest is the routing information extracted from a request line.
type ParsedRequest struct {
	Method       string
	TargetHost   string
	TargetPort   int
	RawTargetURL string // target with http:// prepended when it had no http prefix
	IsTunnel     bool
}

// Address returns host:port of the target.
func (r ParsedRequest) Address() string {
	return net.JoinHostPort(r.TargetHost, strconv.Itoa(r.TargetPort))
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// IsImage reports whether the target path names a png, jpg, jpeg or gif file.
func (r ParsedRequest) IsImage() bool {
	if r.IsTunnel {
		return false
	}
	u, err := url.Parse(r.RawTargetURL)
	if err != nil {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}

func malformed(format string, args ...any) error {
	return NewHTTPError(ErrCodeMalformedRequest, GetErrorDescription(ErrCodeMalformedRequest),
		fmt.Errorf("%w: "+format, append([]any{ErrMalformedRequest}, args...)...))
}

// ParseRequestLine parses "<METHOD> <target> <version>". It is a pure
// function of its input.
func ParseRequestLine(line string) (ParsedRequest, error) {
	line = strings.TrimRight(line, "\r\n")

	methodEnd := strings.IndexByte(line, ' ')
	if methodEnd < 0 {
		return ParsedRequest{}, malformed("no space in %q", line)
	}
	method := line[:methodEnd]
	rest := line[methodEnd+1:]

	targetEnd := strings.IndexByte(rest, ' ')
	if targetEnd < 0 {
		return ParsedRequest{}, malformed("no version after target in %q", line)
	}
	target := rest[:targetEnd]
	if method == "" || target == "" {
		return ParsedRequest{}, malformed("empty method or target in %q", line)
	}

	if !strings.HasPrefix(target, "http") {
		target = "http://" + target
	}

	if method == "CONNECT" {
		return parseConnectTarget(method, target)
	}
	return parseForwardTarget(method, target)
}

func parseConnectTarget(method, target string) (ParsedRequest, error) {
	hostPort := target
	if strings.Count(target, ":") > 1 {
		hostPort = target[len("http://"):]
	}

	pieces := strings.Split(hostPort, ":")
	if len(pieces) < 2 || pieces[0] == "" {
		return ParsedRequest{}, malformed("CONNECT target %q has no host:port", target)
	}
	port, err := strconv.Atoi(pieces[1])
	if err != nil || port <= 0 || port > 65535 {
		return ParsedRequest{}, malformed("CONNECT target %q has invalid port", target)
	}

	return ParsedRequest{
		Method:       method,
		TargetHost:   pieces[0],
		TargetPort:   port,
		RawTargetURL: target,
		IsTunnel:     true,
	}, nil
}

func parseForwardTarget(method, target string) (ParsedRequest, error) {
	u, err := url.Parse(target)
	if err != nil {
		return ParsedRequest{}, malformed("invalid target URL %q: %v", target, err)
	}
	if u.Hostname() == "" {
		return ParsedRequest{}, malformed("target URL %q has no host", target)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ParsedRequest{}, malformed("target URL %q has invalid port", target)
		}
	}

	return ParsedRequest{
		Method:       method,
		TargetHost:   u.Hostname(),
		TargetPort:   port,
		RawTargetURL: target,
		IsTunnel:     false,
	}, nil
}
