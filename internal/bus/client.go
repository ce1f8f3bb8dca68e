package bus

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/voxsheet/voxsheet-core/internal/config"
	"github.com/voxsheet/voxsheet-core/internal/protocol"
)

// Client wraps the NATS connection used to publish workflow telemetry.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("voxsheet-agent"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// PublishLevel broadcasts a live capture level sample. A nil client is a no-op
// so callers do not have to care whether the bus is enabled.
func (c *Client) PublishLevel(level protocol.CaptureLevel) {
	if c == nil {
		return
	}
	subject := protocol.SubjectCaptureLevelPrefix + "." + level.SessionID
	c.publish(subject, level)
}

// PublishNotice broadcasts a transient status message.
func (c *Client) PublishNotice(notice protocol.Notice) {
	if c == nil {
		return
	}
	subject := protocol.SubjectNoticePrefix + "." + notice.SessionID
	c.publish(subject, notice)
}

// PublishRowSaved broadcasts a confirmed row commit.
func (c *Client) PublishRowSaved(saved protocol.RowSaved) {
	if c == nil {
		return
	}
	c.publish(protocol.SubjectRowSaved, saved)
}

func (c *Client) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("failed to marshal bus message", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("failed to publish bus message", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
