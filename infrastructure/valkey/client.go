package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	valkeylib "github.com/valkey-io/valkey-go"
)

const DefaultConnectTimeout = 5 * time.Second

type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// Client is the Valkey connection shared by wake-up signals, the sweep lock,
// cluster monitoring and the websocket fan-out. Every key and channel it
// builds carries the node-independent prefix, so several deployments can share
// one Valkey.
type Client struct {
	inner  valkeylib.Client
	prefix string
}

// NewClient connects and pings once so a misconfigured address fails at boot.
func NewClient(cfg Config) (*Client, error) {
	inner, err := valkeylib.NewClient(valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping valkey at %s: %w", cfg.Address, err)
	}

	return &Client{inner: inner, prefix: strings.TrimSuffix(cfg.KeyPrefix, ":")}, nil
}

func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts under the prefix: Key("lock", "sweep") -> "azpub:lock:sweep".
func (c *Client) Key(parts ...string) string {
	if c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return strings.Join(append([]string{c.prefix}, parts...), ":")
}

// Publish sends payload on a channel that was already built with Key.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.inner.Do(ctx, c.inner.B().Publish().Channel(channel).Message(payload).Build()).Error()
}

// Subscribe blocks, handing every message on channel to fn, until ctx ends.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(payload string)) {
	err := c.inner.Receive(ctx, c.inner.B().Subscribe().Channel(channel).Build(), func(msg valkeylib.PubSubMessage) {
		fn(msg.Message)
	})
	if err != nil && ctx.Err() == nil {
		logrus.WithError(err).Errorf("[VALKEY] Subscription to %s ended", channel)
	}
}

// IsNil reports whether err is a Valkey nil reply.
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}
