package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings
type Config struct {
	// Addr is either host:port or a redis:// / rediss:// URL
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether a Redis address was configured
func (c Config) Enabled() bool {
	return c.Addr != ""
}

// NewClient connects to Redis and pings it
func NewClient(ctx context.Context, config Config) (*goredis.Client, error) {
	var opt *goredis.Options
	if strings.HasPrefix(config.Addr, "redis://") || strings.HasPrefix(config.Addr, "rediss://") {
		parsed, err := goredis.ParseURL(config.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opt = parsed
	} else {
		opt = &goredis.Options{Addr: config.Addr, Password: config.Password, DB: config.DB}
	}

	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
