// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig is configuration relevant to the Redis backed connection persistence store.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address" usage:"Redis server address (host:port). Required when database.store is 'redis'."`
	Password string `yaml:"password" json:"password" usage:"Redis server password. Optional."`
	DB       int    `yaml:"db" json:"db" usage:"Redis database number. Default 0." validate:"gte=0"`
	TLS      bool   `yaml:"tls" json:"tls" usage:"Use TLS for Redis connection. Default false."`

	// Key configuration
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" usage:"Prefix for Redis keys. Default 'realtime'."`

	DialTimeoutMs int `yaml:"dial_timeout_ms" json:"dial_timeout_ms" usage:"Timeout in milliseconds when dialing Redis. Default 5000." validate:"gte=1"`
	PoolSize      int `yaml:"pool_size" json:"pool_size" usage:"Maximum number of socket connections to Redis. Default 10." validate:"gte=1"`
}

func (cfg *RedisConfig) Clone() *RedisConfig {
	if cfg == nil {
		return nil
	}
	cfgCopy := *cfg
	return &cfgCopy
}

func NewRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:       "localhost:6379",
		Password:      "",
		DB:            0,
		TLS:           false,
		KeyPrefix:     "realtime",
		DialTimeoutMs: 5000,
		PoolSize:      10,
	}
}

// GetDialTimeout returns the dial timeout as a time.Duration
func (cfg *RedisConfig) GetDialTimeout() time.Duration {
	return time.Duration(cfg.DialTimeoutMs) * time.Millisecond
}

// Key returns a Redis key namespaced under the configured prefix.
func (cfg *RedisConfig) Key(name string) string {
	return fmt.Sprintf("%s:%s", cfg.KeyPrefix, name)
}

// Options converts the configuration into go-redis client options.
func (cfg *RedisConfig) Options() *redis.Options {
	opts := &redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.GetDialTimeout(),
		PoolSize:    cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts
}
