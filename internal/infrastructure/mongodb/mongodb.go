// Package mongodb connects relayhub to MongoDB when storage.driver is
// "mongodb".
//
// It owns the client lifecycle only. Document layout and queries belong to
// device.MongoRepository.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nerrad567/relayhub/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	pingTimeout           = 5 * time.Second
	disconnectTimeout     = 10 * time.Second
)

// ErrConnectionFailed is returned when the initial connect or ping fails.
var ErrConnectionFailed = errors.New("mongodb: connection failed")

// Client holds a connected mongo client and the configured database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    config.MongoDBConfig
}

// Connect dials cfg.URI and verifies the primary is reachable.
func Connect(ctx context.Context, cfg config.MongoDBConfig) (*Client, error) {
	timeout := defaultConnectTimeout
	if cfg.ConnectTimeout > 0 {
		timeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetAppName("relayhub")

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background()) //nolint:errcheck // best effort cleanup
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}

	return &Client{client: client, db: client.Database(cfg.Database), cfg: cfg}, nil
}

// Devices returns the collection holding device documents.
func (c *Client) Devices() *mongo.Collection {
	return c.db.Collection(c.cfg.Collection)
}

// EnsureIndexes creates the createdAt index used to order device listings.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	_, err := c.Devices().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("created_at_id"),
	})
	if err != nil {
		return fmt.Errorf("creating device indexes: %w", err)
	}
	return nil
}

// HealthCheck pings the primary.
func (c *Client) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.client.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects from the server.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("closing mongodb: %w", err)
	}
	return nil
}
