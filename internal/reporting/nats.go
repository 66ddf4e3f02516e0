package reporting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/engine"
	"github.com/SimonDedman/sharktrack/internal/ledger"
)

// Config holds NATS settings for status publishing.
type Config struct {
	URL             string        `yaml:"url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	StatusSubject   string        `yaml:"status_subject"`
	ProgressSubject string        `yaml:"progress_subject"`
}

// Client publishes per-task status updates and batch progress snapshots
// over NATS. It implements engine.StatusPublisher. Publishing is
// fire-and-forget; a slow or absent consumer never blocks the engine.
type Client struct {
	nc     *nats.Conn
	logger *zap.Logger
	cfg    Config
}

// NewClient connects to NATS and returns a status publisher.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 3 * time.Second
	}
	if cfg.StatusSubject == "" {
		cfg.StatusSubject = "sharktrack.batch.status"
	}
	if cfg.ProgressSubject == "" {
		cfg.ProgressSubject = "sharktrack.batch.progress"
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("Connected to NATS for status publishing", zap.String("url", cfg.URL))
	return &Client{nc: nc, logger: logger, cfg: cfg}, nil
}

// PublishTaskStatus sends one task transition to the status subject.
func (c *Client) PublishTaskStatus(update *engine.StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}
	if err := c.nc.Publish(c.cfg.StatusSubject, data); err != nil {
		return fmt.Errorf("failed to publish status update: %w", err)
	}
	return nil
}

// PublishProgress sends a batch progress snapshot to the progress subject.
func (c *Client) PublishProgress(summary ledger.ProgressSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal progress summary: %w", err)
	}
	if err := c.nc.Publish(c.cfg.ProgressSubject, data); err != nil {
		return fmt.Errorf("failed to publish progress summary: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Flush(); err != nil {
		c.logger.Warn("Failed to flush NATS connection on close", zap.Error(err))
	}
	c.nc.Close()
}

var _ engine.StatusPublisher = (*Client)(nil)
