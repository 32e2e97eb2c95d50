package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
)

// RetryPolicy selects how many chain levels a relay may try.
type RetryPolicy int

const (
	// SingleAttempt tries level 0 only and reports its failure as is.
	SingleAttempt RetryPolicy = iota
	// ChainFailover advances through every level until one succeeds.
	ChainFailover
)

func (p RetryPolicy) String() string {
	switch p {
	case SingleAttempt:
		return "single-attempt"
	case ChainFailover:
		return "chain-failover"
	default:
		return fmt.Sprintf("RetryPolicy(%d)", int(p))
	}
}

// AttemptFunc performs one try against the endpoint at level.
type AttemptFunc func(ctx context.Context, level int, endpoint config.Upstream) error

// ProxyChain is the ordered, fixed list of upstream endpoints. It is shared
// read-only between connections; the current level lives in each Walk.
type ProxyChain struct {
	endpoints []config.Upstream
}

// NewProxyChain creates a chain over endpoints, which must not be empty.
func NewProxyChain(endpoints []config.Upstream) (*ProxyChain, error) {
	if len(endpoints) == 0 {
		return nil, NewConfigurationError(ErrCodeEmptyChain, GetErrorDescription(ErrCodeEmptyChain), nil)
	}
	for i, ep := range endpoints {
		switch ep.Type {
		case config.EndpointDirect, config.EndpointHTTP, config.EndpointSocks5:
		default:
			return nil, NewConfigurationError(ErrCodeUnknownProxyType, GetErrorDescription(ErrCodeUnknownProxyType),
				fmt.Errorf("endpoint %d has type %q", i, ep.Type))
		}
	}
	return &ProxyChain{endpoints: append([]config.Upstream(nil), endpoints...)}, nil
}

// Len returns the number of levels in the chain.
func (c *ProxyChain) Len() int {
	return len(c.endpoints)
}

// Endpoint returns the endpoint used at level.
func (c *ProxyChain) Endpoint(level int) config.Upstream {
	return c.endpoints[level]
}

// Advance returns the level to try after a failure at level.
func (c *ProxyChain) Advance(level int) int {
	return level + 1
}

// Exhausted reports whether a failure at level leaves nothing to try.
func (c *ProxyChain) Exhausted(level int) bool {
	return level >= len(c.endpoints)-1
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an attempt error that ends a walk without trying further
// levels, e.g. a fault after response bytes reached the client.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Walk drives the failover state machine. It calls attempt with levels
// 0, 1, ... and returns the level that succeeded. Levels are never revisited
// and never exceed Len()-1. Under ChainFailover an exhausted chain yields an
// ErrUpstreamUnavailable error that also wraps the last attempt's error.
func (c *ProxyChain) Walk(ctx context.Context, policy RetryPolicy, attempt AttemptFunc) (int, error) {
	level := 0
	for {
		if err := ctx.Err(); err != nil {
			return level, err
		}

		err := attempt(ctx, level, c.endpoints[level])
		if err == nil {
			return level, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return level, perm.err
		}

		if policy == SingleAttempt {
			return level, err
		}

		if c.Exhausted(level) {
			return level, NewConnectionError(ErrCodeUpstreamUnavailable, GetErrorDescription(ErrCodeUpstreamUnavailable),
				fmt.Errorf("%w after %d attempt(s): %w", ErrUpstreamUnavailable, level+1, err))
		}

		level = c.Advance(level)
	}
}

// PickUserAgent returns one of agents chosen uniformly at random.
func PickUserAgent(agents []string) string {
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.IntN(len(agents))]
}
