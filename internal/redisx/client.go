// Package redisx builds the go-redis clients the relay and pool operate on:
// URL or host/port targets, sentinel topologies, TLS, credentials, and the
// socket options passed through opaquely to the transport.
package redisx

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SentinelOptions describes a sentinel-managed topology. When configured it
// takes precedence over any direct URL or host/port target.
type SentinelOptions struct {
	// MasterName is the sentinel master set to follow.
	MasterName string
	// Addrs are the sentinel endpoints (host:port).
	Addrs []string
	// SentinelUsername and SentinelPassword authenticate against the
	// sentinels themselves, not the data nodes.
	SentinelUsername string
	SentinelPassword string
}

// Options is the transport configuration surface.
type Options struct {
	// URL is a redis:// or rediss:// connection URL. Mutually exclusive with
	// Addr; setting both is a configuration error.
	URL string
	// Addr is a direct host:port target. Defaults to localhost:6379 when
	// neither URL nor Sentinel is given.
	Addr string

	Username string
	Password string
	DB       int

	// TLS enables TLS for Addr-based targets. URL targets choose TLS via the
	// rediss:// scheme. TLSConfig, when set, is passed through as-is.
	TLS       bool
	TLSConfig *tls.Config

	// Sentinel, when non-nil, selects a failover client; URL and Addr are
	// then ignored.
	Sentinel *SentinelOptions

	// Socket-level options handed through to the transport unchanged.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient builds a go-redis client for opts and installs the given hooks.
// Malformed configuration fails here, at startup, never at publish time.
func NewClient(opts Options, hooks ...redis.Hook) (*redis.Client, error) {
	client, err := build(opts)
	if err != nil {
		return nil, err
	}
	for _, h := range hooks {
		client.AddHook(h)
	}
	return client, nil
}

func build(opts Options) (*redis.Client, error) {
	if opts.Sentinel != nil {
		s := opts.Sentinel
		if s.MasterName == "" || len(s.Addrs) == 0 {
			return nil, fmt.Errorf("redisx: sentinel requires a master name and at least one sentinel address")
		}
		fo := &redis.FailoverOptions{
			MasterName:       s.MasterName,
			SentinelAddrs:    s.Addrs,
			SentinelUsername: s.SentinelUsername,
			SentinelPassword: s.SentinelPassword,
			Username:         opts.Username,
			Password:         opts.Password,
			DB:               opts.DB,
			DialTimeout:      opts.DialTimeout,
			ReadTimeout:      opts.ReadTimeout,
			WriteTimeout:     opts.WriteTimeout,
		}
		if opts.TLS || opts.TLSConfig != nil {
			fo.TLSConfig = tlsConfig(opts)
		}
		return redis.NewFailoverClient(fo), nil
	}

	if opts.URL != "" {
		if opts.Addr != "" {
			return nil, fmt.Errorf("redisx: URL and Addr are mutually exclusive")
		}
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("redisx: parse connection URL: %w", err)
		}
		applySocketOptions(parsed, opts)
		if opts.TLSConfig != nil {
			parsed.TLSConfig = opts.TLSConfig
		}
		return redis.NewClient(parsed), nil
	}

	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	ro := &redis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}
	applySocketOptions(ro, opts)
	if opts.TLS || opts.TLSConfig != nil {
		ro.TLSConfig = tlsConfig(opts)
	}
	return redis.NewClient(ro), nil
}

func applySocketOptions(ro *redis.Options, opts Options) {
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ro.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		ro.WriteTimeout = opts.WriteTimeout
	}
}

func tlsConfig(opts Options) *tls.Config {
	if opts.TLSConfig != nil {
		return opts.TLSConfig
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
