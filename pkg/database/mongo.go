// Package database owns the process-scoped MongoDB handle.
//
// The handle is constructed once in the server bootstrap and passed
// explicitly to repositories, so tests can substitute their own stores
// without touching globals. Connection loss is retried forever with a
// fixed backoff; Status() feeds the health endpoints.
package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/logger"
)

const (
	dialTimeout = 5 * time.Second
	pingTimeout = 3 * time.Second
	retryDelay  = 5 * time.Second
	watchTick   = 15 * time.Second
)

// Client wraps the driver client with connection-state tracking.
type Client struct {
	mc        *mongo.Client
	db        *mongo.Database
	connected atomic.Bool
	stop      chan struct{}
}

// Connect builds the client and starts the keep-alive loop. The initial dial
// is attempted synchronously; if the database is down the server still comes
// up and the loop keeps retrying with a fixed delay until it succeeds.
func Connect(ctx context.Context) (*Client, error) {
	opts := options.Client().ApplyURI(config.MongoURI()).
		SetConnectTimeout(dialTimeout).
		SetServerSelectionTimeout(dialTimeout).
		SetMaxPoolSize(50)

	mc, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}

	c := &Client{
		mc:   mc,
		db:   mc.Database(config.MongoDB()),
		stop: make(chan struct{}),
	}

	if err := c.ping(ctx); err != nil {
		logger.Warn("database: initial ping failed, retrying in background",
			"error", err, "retry_after", retryDelay.String())
	} else {
		c.connected.Store(true)
		logger.Info("database: connected", "db", config.MongoDB())
	}

	go c.watch()
	return c, nil
}

// Database returns the application database handle. The driver queues and
// retries operations internally while reconnecting.
func (c *Client) Database() *mongo.Database { return c.db }

// Collection is a shorthand for Database().Collection(name).
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Connected reports whether the last ping succeeded.
func (c *Client) Connected() bool { return c.connected.Load() }

// Status returns "connected" or "disconnected" for the health endpoints.
func (c *Client) Status() string {
	if c.Connected() {
		return "connected"
	}
	return "disconnected"
}

// Disconnect stops the keep-alive loop and closes the driver client.
// Invoked from the graceful-shutdown path.
func (c *Client) Disconnect(ctx context.Context) error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.connected.Store(false)
	if err := c.mc.Disconnect(ctx); err != nil {
		return fmt.Errorf("database: disconnect: %w", err)
	}
	logger.Info("database: disconnected")
	return nil
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.mc.Ping(ctx, readpref.Primary())
}

// watch re-pings periodically, with a shorter fixed delay while disconnected.
func (c *Client) watch() {
	for {
		delay := watchTick
		if !c.Connected() {
			delay = retryDelay
		}

		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		err := c.ping(context.Background())
		was := c.connected.Swap(err == nil)
		switch {
		case err != nil && was:
			logger.Error("database: connection lost", "error", err)
		case err == nil && !was:
			logger.Info("database: reconnected")
		}
	}
}
