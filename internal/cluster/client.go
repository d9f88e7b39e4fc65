package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
)

// Handler executes one query on an engine and returns the path of its
// results, or "" when the failure was recorded instead.
type Handler func(ctx context.Context, q injection.Query) (string, error)

// Outcome is the result of one query, aligned with the input order of Map.
type Outcome struct {
	Path string
	Err  error
}

// Pool distributes queries over the engines.
type Pool interface {
	// Map blocks until every query has an outcome. The returned error is
	// reserved for transport failures; handler failures are per-outcome.
	Map(ctx context.Context, queries []injection.Query) ([]Outcome, error)
}

// Client is a connection to a set of engines.
type Client struct {
	profile    Profile
	hasProfile bool
	handler    Handler
	conn       *nats.Conn
	logger     *slog.Logger
}

// Option customizes Connect.
type Option func(*Client)

// WithHandler sets the handler run by local engines.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithProfile bypasses the profile directory.
func WithProfile(p Profile) Option {
	return func(c *Client) {
		c.profile = p
		c.hasProfile = true
	}
}

// Connect loads the profile from profileDir, unless one is given with
// WithProfile, and opens the transport.
func Connect(ctx context.Context, profileDir string, opts ...Option) (*Client, error) {
	c := &Client{logger: logging.Component("cluster")}
	for _, opt := range opts {
		opt(c)
	}
	if !c.hasProfile {
		p, err := LoadProfile(profileDir)
		if err != nil {
			return nil, err
		}
		c.profile = p
	}
	if err := c.profile.Validate(); err != nil {
		return nil, err
	}

	switch c.profile.Transport {
	case TransportLocal:
		if c.handler == nil {
			return nil, errors.New("local transport requires a handler")
		}
	case TransportNATS:
		conn, err := nats.Connect(c.profile.NATS.URL, nats.Name("injections-driver"))
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", c.profile.NATS.URL, err)
		}
		c.conn = conn
	}

	c.logger.Info("connected to cluster",
		"transport", c.profile.Transport,
		"engines", c.profile.Engines,
	)
	return c, nil
}

// Profile returns the effective profile.
func (c *Client) Profile() Profile { return c.profile }

// LoadBalancedView hands each query to whichever engine is free.
func (c *Client) LoadBalancedView() Pool {
	if c.conn != nil {
		return &natsPool{conn: c.conn, profile: c.profile, direct: false}
	}
	return &localPool{engines: c.profile.Engines, handler: c.handler, direct: false}
}

// DirectView scatters queries in contiguous chunks, one chunk per engine.
func (c *Client) DirectView() Pool {
	if c.conn != nil {
		return &natsPool{conn: c.conn, profile: c.profile, direct: true}
	}
	return &localPool{engines: c.profile.Engines, handler: c.handler, direct: true}
}

// Close releases the transport.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// chunks splits n items into k contiguous ranges whose sizes differ by at
// most one. Empty ranges are omitted.
func chunks(n, k int) [][2]int {
	if k < 1 {
		k = 1
	}
	var out [][2]int
	base, extra := n/k, n%k
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		if size == 0 {
			continue
		}
		out = append(out, [2]int{start, start + size})
		start += size
	}
	return out
}
