// Package clickhouse opens a pooled database/sql handle on ClickHouse.
package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Client owns the connection pool and knows which database it serves.
// The pool connects to "default" so the target database can be created on
// first start; callers qualify table names with Table.
type Client struct {
	db       *sql.DB
	database string
}

// ClientOption configures Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	host, database, user, password string
	port                           int
	maxOpen, maxIdle               int
	connMaxLifetime                time.Duration
	dialTimeout, readTimeout       time.Duration
	http                           bool
	asyncInsert, waitAsync         bool
	maxExecTime                    time.Duration
}

func WithHost(host string) ClientOption { return func(c *clientConfig) { c.host = host } }
func WithPort(port int) ClientOption { return func(c *clientConfig) { c.port = port } }

func WithDatabase(database string) ClientOption {
	return func(c *clientConfig) { c.database = database }
}

func WithCredentials(user, password string) ClientOption {
	return func(c *clientConfig) { c.user, c.password = user, password }
}

func WithMaxConnections(maxOpen, maxIdle int) ClientOption {
	return func(c *clientConfig) { c.maxOpen, c.maxIdle = maxOpen, maxIdle }
}

// WithTimeouts sets dial and read timeouts. Writes are bounded by the
// caller's context, so write is only used to raise the read timeout.
func WithTimeouts(dial, read, write time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.dialTimeout = dial
		c.readTimeout = read
		if write > c.readTimeout {
			c.readTimeout = write
		}
	}
}

// WithHTTP switches from the native protocol to HTTP.
func WithHTTP(on bool) ClientOption { return func(c *clientConfig) { c.http = on } }

// WithAsyncInsert lets the server buffer inserts; wait makes the insert
// return only after the buffer is flushed.
func WithAsyncInsert(enabled, wait bool) ClientOption {
	return func(c *clientConfig) { c.asyncInsert, c.waitAsync = enabled, wait }
}

// WithMaxExecutionTime caps server-side query time.
func WithMaxExecutionTime(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.maxExecTime = d }
}

// NewClient opens the pool and pings the server.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		port:            9000,
		database:        "default",
		user:            "default",
		maxOpen:         10,
		maxIdle:         5,
		connMaxLifetime: 5 * time.Minute,
		dialTimeout:     5 * time.Second,
		readTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.host == "" {
		return nil, errors.New("clickhouse host is required")
	}

	db := clickhouse.OpenDB(options(cfg))
	db.SetMaxOpenConns(cfg.maxOpen)
	db.SetMaxIdleConns(cfg.maxIdle)
	db.SetConnMaxLifetime(cfg.connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.dialTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Client{db: db, database: cfg.database}, nil
}

func options(cfg clientConfig) *clickhouse.Options {
	settings := clickhouse.Settings{}
	if cfg.maxExecTime > 0 {
		settings["max_execution_time"] = int(cfg.maxExecTime.Seconds())
	}
	if cfg.asyncInsert {
		settings["async_insert"] = 1
		if cfg.waitAsync {
			settings["wait_for_async_insert"] = 1
		} else {
			settings["wait_for_async_insert"] = 0
		}
	}

	protocol := clickhouse.Native
	if cfg.http {
		protocol = clickhouse.HTTP
	}
	return &clickhouse.Options{
		Addr:     []string{net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))},
		Protocol: protocol,
		Auth: clickhouse.Auth{
			Database: "default",
			Username: cfg.user,
			Password: cfg.password,
		},
		Settings:    settings,
		DialTimeout: cfg.dialTimeout,
		ReadTimeout: cfg.readTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	}
}

// DB returns the pool.
func (c *Client) DB() *sql.DB { return c.db }

// Database returns the configured database name.
func (c *Client) Database() string { return c.database }

// Table qualifies name with the configured database.
func (c *Client) Table(name string) string { return c.database + "." + name }

// EnsureDatabase creates the configured database if it is missing.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+c.database); err != nil {
		return fmt.Errorf("create database %s: %w", c.database, err)
	}
	return nil
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close closes the pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
