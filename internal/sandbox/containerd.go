package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// Client wraps the containerd client with connection management and health checking.
type Client struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dial(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func dial(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(dialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %w", ErrRuntimeUnavailable, socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %w", ErrRuntimeUnavailable, err)
	}
	return inner, nil
}

func (c *Client) raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Ensure reconnects when the connection has gone bad.
func (c *Client) Ensure(ctx context.Context) error {
	if c.Healthy(ctx) {
		return nil
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrDriverClosed
	}
	log.Warn().Str("socket", c.socket).Msg("containerd connection unhealthy, reconnecting")
	return c.Reconnect(ctx)
}

// Reconnect re-establishes the containerd connection.
func (c *Client) Reconnect(ctx context.Context) error {
	inner, err := dial(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner != nil {
		_ = c.inner.Close()
	}
	c.inner = inner
	c.closed = false

	log.Info().Msg("reconnected to containerd")
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage pulls a container image if it's not already available.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	inner := c.raw()

	if image, err := inner.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err := inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return image, nil
}

// Warm pulls every image up front so the first job per language does not
// pay for the download.
func (c *Client) Warm(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if _, err := c.PullImage(ctx, ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("image warmup failed")
		}
	}
}
