// Package testutil provides container-backed test fixtures.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-connections/nat"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// MongoDBConfig holds the MongoDB test container configuration.
type MongoDBConfig struct {
	ContainerImage string
}

func (cfg *MongoDBConfig) Validate() error {
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "mongo:7"
	}
	return nil
}

// MongoDB represents a MongoDB test container.
type MongoDB struct {
	log       *slog.Logger
	cfg       *MongoDBConfig
	uri       string
	container *tcmongo.MongoDBContainer
}

// URI returns the connection string for the container.
func (db *MongoDB) URI() string {
	return db.uri
}

// Close terminates the MongoDB container.
func (db *MongoDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate MongoDB container", "error", err)
	}
}

// NewMongoDB creates a new MongoDB testcontainer.
func NewMongoDB(ctx context.Context, log *slog.Logger, cfg *MongoDBConfig) (*MongoDB, error) {
	if cfg == nil {
		cfg = &MongoDBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate MongoDB config: %w", err)
	}

	// Retry container start a few times for retryable errors.
	var container *tcmongo.MongoDBContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcmongo.Run(ctx, cfg.ContainerImage)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
			continue
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start MongoDB container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get MongoDB container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port("27017/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get MongoDB container mapped port: %w", err)
	}

	return &MongoDB{
		log:       log,
		cfg:       cfg,
		uri:       fmt.Sprintf("mongodb://%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}
