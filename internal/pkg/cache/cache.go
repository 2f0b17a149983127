package cache

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// Options returns the connection settings shared by the go-redis client and
// the Fiber limiter storage.
func Options() (host string, port int, password string, db int) {
	return env.GetEnv("CACHE_HOST", "localhost"),
		int(env.GetEnvInt("CACHE_PORT", 6379)),
		env.GetEnv("CACHE_PASSWORD", ""),
		int(env.GetEnvInt("CACHE_DB", 0))
}

// SetupCache initializes the connection to the Redis compatible cache server
func SetupCache() {
	host, port, password, db := Options()

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the client.
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
