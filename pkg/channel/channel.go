// Package channel implements callcore/pkg/call.Channel against a pooled
// set of gRPC client connections, one per remote endpoint, the way the
// teacher's connection manager pools *grpc.ClientConn per address.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"callcore/pkg/call"
)

// Options configures a Channel's dialing and pooling behavior.
type Options struct {
	DialTimeout        time.Duration
	IdleTimeout         time.Duration
	CleanupInterval     time.Duration
	DefaultCompression  call.CompressionLevel
	HasDefaultCompression bool
	CallSizeHint        int

	// DisabledEncodings names compression algorithms this channel must
	// never negotiate, regardless of what the peer advertises.
	DisabledEncodings []string

	// Registry, when set, shares endpoint health across processes: dials
	// to an endpoint another process marked down are refused without
	// touching the network, and dial outcomes update the shared marking.
	Registry *Registry
}

func defaultOptions() Options {
	return Options{
		DialTimeout:     10 * time.Second,
		IdleTimeout:     10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		CallSizeHint:    16 * 1024,
	}
}

type pooledConn struct {
	conn             *grpc.ClientConn
	lastUsed         time.Time
	creating         bool
	creationComplete chan struct{}
}

// Channel is a call.Channel backed by a pool of gRPC connections, one
// per endpoint, reused across Calls the way the original RPC layer's
// ConnManager reuses *grpc.ClientConn, generalized here to serve any
// endpoint a Call addresses rather than one fixed service set.
type Channel struct {
	opts Options

	mu          sync.RWMutex
	conns       map[string]*pooledConn
	stopCleanup chan struct{}

	dialOptions []grpc.DialOption

	endpoint string // the peer this Channel's owning Call set talks to
}

// New creates a Channel that dials endpoint lazily on first use and pools
// the resulting connection.
func New(endpoint string, opts Options) *Channel {
	opts = mergeDefaults(opts)
	c := &Channel{
		opts:        opts,
		conns:       make(map[string]*pooledConn),
		stopCleanup: make(chan struct{}),
		endpoint:    endpoint,
		dialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			}),
			grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
		},
	}
	go c.cleanupWorker()
	return c
}

func mergeDefaults(opts Options) Options {
	d := defaultOptions()
	if opts.DialTimeout == 0 {
		opts.DialTimeout = d.DialTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = d.IdleTimeout
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = d.CleanupInterval
	}
	if opts.CallSizeHint == 0 {
		opts.CallSizeHint = d.CallSizeHint
	}
	return opts
}

// DefaultCompressionLevel implements call.Channel.
func (c *Channel) DefaultCompressionLevel() (call.CompressionLevel, bool) {
	return c.opts.DefaultCompression, c.opts.HasDefaultCompression
}

// CallSizeHint implements call.Channel.
func (c *Channel) CallSizeHint() int { return c.opts.CallSizeHint }

// DisabledEncodings implements call.Channel.
func (c *Channel) DisabledEncodings() []string { return c.opts.DisabledEncodings }

// Peer implements call.Channel.
func (c *Channel) Peer() string { return c.endpoint }

// Conn returns the pooled *grpc.ClientConn for this Channel's endpoint,
// dialing it if necessary. The pkg/transport gRPC FilterStack calls this
// to open streams.
func (c *Channel) Conn(ctx context.Context) (*grpc.ClientConn, error) {
	return c.getConnection(ctx, c.endpoint)
}

func (c *Channel) getConnection(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	entry, ok := c.conns[endpoint]
	if ok {
		if entry.creating {
			c.mu.RUnlock()
			return c.waitForCreation(entry, endpoint)
		}
		if state := entry.conn.GetState(); state != connectivity.Shutdown && state != connectivity.TransientFailure {
			entry.lastUsed = time.Now()
			c.mu.RUnlock()
			return entry.conn, nil
		}
		c.mu.RUnlock()
	} else {
		c.mu.RUnlock()
	}

	c.mu.Lock()
	entry, ok = c.conns[endpoint]
	if ok {
		if entry.creating {
			c.mu.Unlock()
			return c.waitForCreation(entry, endpoint)
		}
		if state := entry.conn.GetState(); state != connectivity.Shutdown && state != connectivity.TransientFailure {
			entry.lastUsed = time.Now()
			c.mu.Unlock()
			return entry.conn, nil
		}
		entry.conn.Close()
		delete(c.conns, endpoint)
	}

	// No usable pooled connection: consult the shared registry before
	// dialing, so a dial another process already watched fail is refused
	// without touching the network. The Redis round trip happens outside
	// the pool lock.
	if c.opts.Registry != nil {
		c.mu.Unlock()
		if down, regErr := c.opts.Registry.IsDown(ctx, endpoint); regErr == nil && down {
			return nil, fmt.Errorf("channel: endpoint %s marked down", endpoint)
		}
		c.mu.Lock()
		if entry, ok := c.conns[endpoint]; ok && entry.creating {
			// Another goroutine started dialing while we were away.
			c.mu.Unlock()
			return c.waitForCreation(entry, endpoint)
		}
	}

	fresh := &pooledConn{lastUsed: time.Now(), creating: true, creationComplete: make(chan struct{})}
	c.conns[endpoint] = fresh
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, endpoint, c.dialOptions...)

	c.mu.Lock()
	if err != nil {
		delete(c.conns, endpoint)
		c.mu.Unlock()
		close(fresh.creationComplete)
		if c.opts.Registry != nil {
			c.opts.Registry.MarkDown(context.Background(), endpoint)
		}
		return nil, fmt.Errorf("channel: dial %s: %w", endpoint, err)
	}
	fresh.conn = conn
	fresh.creating = false
	c.mu.Unlock()
	close(fresh.creationComplete)
	if c.opts.Registry != nil {
		c.opts.Registry.MarkUp(context.Background(), endpoint)
	}
	return conn, nil
}

func (c *Channel) waitForCreation(entry *pooledConn, endpoint string) (*grpc.ClientConn, error) {
	select {
	case <-entry.creationComplete:
		c.mu.RLock()
		defer c.mu.RUnlock()
		if e, ok := c.conns[endpoint]; ok && e.conn != nil {
			return e.conn, nil
		}
		return nil, fmt.Errorf("channel: connection to %s failed during creation", endpoint)
	case <-time.After(c.opts.DialTimeout):
		return nil, fmt.Errorf("channel: timed out waiting for connection to %s", endpoint)
	}
}

func (c *Channel) cleanupWorker() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanupIdle()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Channel) cleanupIdle() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for endpoint, entry := range c.conns {
		if entry.creating {
			continue
		}
		if now.Sub(entry.lastUsed) > c.opts.IdleTimeout {
			entry.conn.Close()
			delete(c.conns, endpoint)
		}
	}
}

// Close releases every pooled connection and stops the idle-cleanup loop.
func (c *Channel) Close() error {
	close(c.stopCleanup)
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for endpoint, entry := range c.conns {
		if entry.conn != nil {
			if err := entry.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.conns, endpoint)
	}
	return firstErr
}
