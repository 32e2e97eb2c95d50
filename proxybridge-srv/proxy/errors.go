package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Sentinel causes carried inside coded errors, usable with errors.Is.
var (
	ErrMalformedRequest    = errors.New("malformed request")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrOriginTimeout       = errors.New("origin timeout")
)

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeUnknownProxyType     = "E1002"
	ErrCodeEmptyChain           = "E1003"
	ErrCodeInvalidServerState   = "E1004"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeDialFailed            = "E2003"
	ErrCodeUpstreamConnectFailed = "E2004"
	ErrCodeUpstreamUnavailable   = "E2005"
	ErrCodeIdleTimeout           = "E2006"
	ErrCodeTransportFault        = "E2007"
	ErrCodeResolveFailed         = "E2008"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeMalformedRequest        = "E4001"
	ErrCodeHTTPRequestReadFailed   = "E4002"
	ErrCodeHTTPResponseWriteFailed = "E4003"
	ErrCodeHTTPForwardFailed       = "E4004"
	ErrCodeUpstreamStatus          = "E4005"

	// Proxy Chain Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6004"
	ErrCodeCONNECTResponseFailed = "E6005"
	ErrCodeProxyDenied           = "E6006"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeUnknownProxyType:     "Unknown or unsupported upstream type",
	ErrCodeEmptyChain:           "Proxy chain has no endpoints",
	ErrCodeInvalidServerState:   "Operation not allowed in current server state",

	ErrCodeConnectionFailed:      "Failed to establish network connection",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeUpstreamUnavailable:   "All proxy chain levels failed",
	ErrCodeIdleTimeout:           "Connection idle for too long",
	ErrCodeTransportFault:        "Connection failed while relaying data",
	ErrCodeResolveFailed:         "Failed to resolve target host",

	ErrCodeMalformedRequest:        "Malformed request line",
	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeUpstreamStatus:          "Upstream answered with non-200 status",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",

	ErrCodeInternalError:  "Internal proxy error",
	ErrCodePanicRecovered: "Recovered from panic condition",
}

// Helper functions to create common errors

// NewConfigurationError creates a configuration-related error
func NewConfigurationError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewHTTPError creates an HTTP-related error
func NewHTTPError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInternalError creates an internal error
func NewInternalError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the outermost *Error in err's chain, or
// ErrCodeInternalError when there is none.
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ErrCodeInternalError
}

func hasCodeIn(err error, from, to string) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= from && proxyErr.Code < to
	}
	return false
}

// IsConfigurationError checks if the error is configuration-related
func IsConfigurationError(err error) bool {
	return hasCodeIn(err, "E1000", "E2000")
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return hasCodeIn(err, "E2000", "E3000")
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	return hasCodeIn(err, "E4000", "E5000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return hasCodeIn(err, "E6000", "E7000")
}

// IsInternalError checks if the error is internal
func IsInternalError(err error) bool {
	return hasCodeIn(err, "E9900", "F")
}

// isTimeout reports whether err is a deadline or timeout of any kind.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOriginTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
