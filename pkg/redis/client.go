// Package redis wraps github.com/go-redis/redis/v8 with the narrow surface
// the supervision engine needs: a command link, a pub/sub link on the
// hello channel, and raw-reply access so the probe loop and info ingestor
// can classify replies themselves (spec.md sections 4.3/4.4). This is the
// "wire codec for the monitored store's protocol" carve-out from
// spec.md section 1 — the engine never touches RESP directly.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"strings"

	goredis "github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"
)

// HelloChannel is the shared pub/sub topic used for peer discovery and
// configuration propagation, spec.md section 6.
const HelloChannel = "__sentinel__:hello"

// Conn is the command-link surface the engine depends on. Production code
// uses *Client (backed by go-redis); tests substitute a fake so the down
// detector, info ingestor, and failover state machine can be exercised
// without a live Redis process (spec.md section 8).
type Conn interface {
	Ping(ctx context.Context) (string, error)
	Info(ctx context.Context) (string, error)
	Auth(ctx context.Context, password string) error
	SlaveOf(ctx context.Context, host string, port int) error
	SlaveOfNoOne(ctx context.Context) error
	ConfigRewrite(ctx context.Context) error
	KillScript(ctx context.Context) error
	Publish(ctx context.Context, channel, payload string) error
	Close() error
}

// PubSubConn is the pub/sub-link surface the engine depends on.
type PubSubConn interface {
	Channel() <-chan Message
	Close() error
}

// Message is a single pub/sub publish received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// Client is the production Conn/PubSubConn implementation, backed by a
// single go-redis client per monitored instance.
type Client struct {
	rdb *goredis.Client
}

// NewClient builds a client for addr ("host:port"). It performs no network
// I/O; the link manager decides when to probe it (spec.md section 4.2).
func NewClient(addr, password string, useTLS bool) *Client {
	opts := &goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	}
	if useTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Client{rdb: goredis.NewClient(opts)}
}

// Ping issues PING and returns the raw reply text, letting the probe loop
// classify PONG/LOADING/MASTERDOWN/BUSY itself per spec.md section 4.3.
// go-redis delivers error replies (LOADING, MASTERDOWN, BUSY) as errors,
// so their text is returned as the reply; only transport failures come
// back as an error.
func (c *Client) Ping(ctx context.Context) (string, error) {
	reply, err := c.rdb.Ping(ctx).Result()
	var rerr goredis.Error
	if err != nil && errors.As(err, &rerr) {
		return rerr.Error(), nil
	}
	return reply, err
}

// Info issues INFO with no section argument so the info ingestor can parse
// replication, server, and persistence tokens uniformly.
func (c *Client) Info(ctx context.Context) (string, error) {
	return c.rdb.Info(ctx).Result()
}

// Auth issues AUTH with the primary-scoped secret, spec.md section 4.2.
func (c *Client) Auth(ctx context.Context, password string) error {
	if password == "" {
		return nil
	}
	return c.rdb.Do(ctx, "AUTH", password).Err()
}

// SlaveOf points this instance at a new primary.
func (c *Client) SlaveOf(ctx context.Context, host string, port int) error {
	return c.rdb.Do(ctx, "SLAVEOF", host, strconv.Itoa(port)).Err()
}

// SlaveOfNoOne promotes this instance, detaching it from any primary.
func (c *Client) SlaveOfNoOne(ctx context.Context) error {
	return c.rdb.Do(ctx, "SLAVEOF", "NO", "ONE").Err()
}

// ConfigRewrite persists the current configuration, best-effort, issued
// right after SLAVEOF NO ONE during promotion (spec.md section 4.8 step 4).
func (c *Client) ConfigRewrite(ctx context.Context) error {
	return c.rdb.Do(ctx, "CONFIG", "REWRITE").Err()
}

// KillScript stops a currently executing Lua script, used when a ping
// reply is BUSY on an S_DOWN instance (spec.md section 4.3).
func (c *Client) KillScript(ctx context.Context) error {
	return c.rdb.Do(ctx, "SCRIPT", "KILL").Err()
}

// Publish publishes payload on channel, used for hello messages.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to channel and returns a PubSubConn whose Channel
// delivers Message values until Close is called.
func (c *Client) Subscribe(ctx context.Context, channel string) PubSubConn {
	ps := c.rdb.Subscribe(ctx, channel)
	out := make(chan Message)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return &pubsubAdapter{ps: ps, out: out}
}

type pubsubAdapter struct {
	ps  *goredis.PubSub
	out chan Message
}

func (p *pubsubAdapter) Channel() <-chan Message { return p.out }
func (p *pubsubAdapter) Close() error            { return p.ps.Close() }

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// PingReplyKind classifies a raw PING reply per spec.md section 4.3.
type PingReplyKind int

const (
	PingReplyOther PingReplyKind = iota
	PingReplyValid               // PONG, LOADING, or MASTERDOWN: refreshes valid-reply timestamp
	PingReplyBusy                // BUSY: triggers a kill-script command when S_DOWN
)

// ClassifyPingReply implements the reply classification table in
// spec.md section 4.3, matching on the reply's leading word so that
// error replies carrying a message ("LOADING Redis is loading ...") are
// classified too.
func ClassifyPingReply(reply string) PingReplyKind {
	switch {
	case strings.HasPrefix(reply, "PONG"), strings.HasPrefix(reply, "LOADING"), strings.HasPrefix(reply, "MASTERDOWN"):
		return PingReplyValid
	case strings.HasPrefix(reply, "BUSY"):
		return PingReplyBusy
	default:
		return PingReplyOther
	}
}

// Dial is a small convenience used by pkg/engine's link manager to build a
// Client and immediately log the instance it is attached to.
func Dial(addr, password string, useTLS bool) *Client {
	klog.V(4).InfoS("redis: building client", "addr", addr)
	return NewClient(addr, password, useTLS)
}
