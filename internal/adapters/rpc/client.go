package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// defaultCallTimeout bounds one status poll.
const defaultCallTimeout = 2 * time.Second

// Client polls one worker's status server. The connection is created
// lazily; every transport failure is converted into a nil snapshot so
// the supervisor can treat it as a health-check miss rather than a
// crash signal.
type Client struct {
	addr    string
	timeout time.Duration
	logger  ports.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

var _ ports.StatusClient = (*Client)(nil)

// NewClient creates a lazy status client for a loopback port.
func NewClient(port int, timeout time.Duration, logger ports.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		addr:    fmt.Sprintf("127.0.0.1:%d", port),
		timeout: timeout,
		logger:  logger.With("component", "status_client"),
	}
}

// Dialer returns a StatusDialer producing clients with the given call
// timeout.
func Dialer(timeout time.Duration, logger ports.Logger) ports.StatusDialer {
	return func(port int) ports.StatusClient {
		return NewClient(port, timeout, logger)
	}
}

// GetStatus performs one poll. It returns nil on timeout, connection
// refusal or a malformed reply.
func (c *Client) GetStatus(ctx context.Context) *domain.WorkerStatus {
	conn, err := c.connection()
	if err != nil {
		c.logger.Debug("status poll failed to connect", "addr", c.addr, "error", err)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var status domain.WorkerStatus
	if err := conn.Invoke(callCtx, statusMethod, &StatusRequest{}, &status); err != nil {
		c.logger.Debug("status poll failed", "addr", c.addr, "error", err)
		return nil
	}
	return &status
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.Dial(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
