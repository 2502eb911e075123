/*
Package chat is the line-oriented swarm channel. The wire protocol is a
small IRC subset (NICK/USER/JOIN/PRIVMSG and PING/PONG keepalives) over
plain or TLS TCP, with channels as topics. The transport is best-effort
end to end: sends queue into a bounded per-channel outbox and overflow
is dropped and counted, receives drop when nobody drains the inbox, and
a lost connection never fails the agent loop. Everything economically
binding lives on the marketplace, not here.
*/
package chat

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/karmacadabra/karma-go/pkg/config"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("chat client closed")

// Timeouts and flood control. Servers disconnect clients that burst;
// control traffic (PONG, JOIN) bypasses the limiter.
const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
	readTimeout    = 5 * time.Minute
	inboxSize      = 64
	sendSpacing    = 500 * time.Millisecond
	sendBurst      = 2
)

// Message is one received channel line.
type Message struct {
	Time    time.Time
	Sender  string
	Channel string
	Line    string
}

// Client is a reconnectable chat connection for one nick. Connect may be
// called again after the connection drops; joined channels are rejoined
// on the new connection.
type Client struct {
	cfg     config.ChatConfiguration
	nick    string
	log     *zap.Logger
	limiter *rate.Limiter

	inbox chan Message
	done  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc

	connected atomic.Bool
	closed    atomic.Bool

	mu       sync.Mutex // guards channels and serializes connection turnover
	channels map[string]chan string

	writeMu sync.Mutex // owns conn
	conn    net.Conn

	wg sync.WaitGroup
}

// Nick derives the wire nick from an agent name; the line protocol does
// not allow spaces in nicks.
func Nick(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "-")
}

// NewClient prepares a client; no connection is made until Connect.
func NewClient(cfg config.ChatConfiguration, nick string, log *zap.Logger) *Client {
	ctx, stop := context.WithCancel(context.Background())
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 32
	}
	return &Client{
		cfg:      cfg,
		nick:     Nick(nick),
		log:      log,
		limiter:  rate.NewLimiter(rate.Every(sendSpacing), sendBurst),
		inbox:    make(chan Message, inboxSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		stop:     stop,
		channels: make(map[string]chan string),
	}
}

// Channel returns the configured marketplace channel name.
func (c *Client) Channel() string {
	return c.cfg.Channel
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the server, registers the nick and starts the read loop.
// Calling it while connected is a no-op; calling it after a drop opens a
// fresh connection and rejoins every joined channel.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}
	if c.cfg.Server == "" {
		return errors.New("chat server is not configured")
	}

	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Server)
	if err != nil {
		return fmt.Errorf("dial chat server: %w", err)
	}
	if c.cfg.UseTLS {
		host, _, err := net.SplitHostPort(c.cfg.Server)
		if err != nil {
			host = c.cfg.Server
		}
		tconn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("chat TLS handshake: %w", err)
		}
		conn = tconn
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.connected.Store(true)
	if err := c.register(); err != nil {
		c.dropConn(conn)
		return err
	}
	for name := range c.channels {
		if err := c.writeLine("JOIN " + name); err != nil {
			c.dropConn(conn)
			return err
		}
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	c.log.Info("chat connected",
		zap.String("server", c.cfg.Server),
		zap.String("nick", c.nick))
	return nil
}

func (c *Client) register() error {
	if err := c.writeLine("NICK " + c.nick); err != nil {
		return err
	}
	return c.writeLine(fmt.Sprintf("USER %s 0 * :%s", c.nick, c.nick))
}

// Join registers interest in a channel and starts its outbox drainer.
// The JOIN is sent now when connected and repeated on every reconnect.
func (c *Client) Join(channel string) error {
	c.mu.Lock()
	_, known := c.channels[channel]
	if !known {
		out := make(chan string, c.cfg.OutboxSize)
		c.channels[channel] = out
		c.wg.Add(1)
		go c.drainOutbox(channel, out)
	}
	connected := c.connected.Load()
	c.mu.Unlock()

	if !known && connected {
		return c.writeLine("JOIN " + channel)
	}
	return nil
}

// Send queues one line for the channel. It never blocks: a full outbox
// drops the line, counts it and returns false.
func (c *Client) Send(channel, line string) bool {
	c.mu.Lock()
	out, ok := c.channels[channel]
	if !ok {
		out = make(chan string, c.cfg.OutboxSize)
		c.channels[channel] = out
		c.wg.Add(1)
		go c.drainOutbox(channel, out)
	}
	c.mu.Unlock()

	select {
	case out <- line:
		return true
	default:
		droppedCounter.WithLabelValues("outbox_full").Inc()
		return false
	}
}

// Recv returns the next received message, honoring the context.
func (c *Client) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClosed
	}
}

// Close tears the connection down and stops every goroutine. The client
// cannot be reused afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()
	close(c.done)
	c.dropConn(nil)
	c.wg.Wait()
	return nil
}

// dropConn closes the current connection. A non-nil argument drops only
// that connection, so a read loop outliving a reconnect cannot kill its
// successor.
func (c *Client) dropConn(conn net.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if conn != nil && c.conn != conn {
		return
	}
	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) drainOutbox(channel string, out chan string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case line := <-out:
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			if err := c.writeLine(fmt.Sprintf("PRIVMSG %s :%s", channel, line)); err != nil {
				droppedCounter.WithLabelValues("disconnected").Inc()
				continue
			}
			sentCounter.Inc()
		}
	}
}

// writeLine writes one CRLF-terminated line to the current connection.
func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("chat not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// readLoop owns one connection's inbound side until it dies. A read
// timeout means the keepalive chain broke, so the connection is treated
// as dead and the next Connect starts clean.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), 16*1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			break
		}
		if !sc.Scan() {
			break
		}
		c.handleLine(strings.TrimRight(sc.Text(), "\r"))
	}
	c.dropConn(conn)
	if !c.closed.Load() {
		disconnectCounter.Inc()
		c.log.Warn("chat connection lost", zap.Error(sc.Err()))
	}
}

func (c *Client) handleLine(line string) {
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "PING") {
		token := strings.TrimSpace(strings.TrimPrefix(line, "PING"))
		if err := c.writeLine("PONG " + token); err != nil {
			c.log.Debug("pong failed", zap.Error(err))
		}
		return
	}
	if !strings.HasPrefix(line, ":") {
		return
	}
	// :nick!user@host PRIVMSG #channel :text
	rest := line[1:]
	prefix, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return
	}
	cmd, rest, ok := strings.Cut(rest, " ")
	if !ok || cmd != "PRIVMSG" {
		return
	}
	target, text, ok := strings.Cut(rest, " :")
	if !ok {
		return
	}
	sender := prefix
	if i := strings.IndexByte(prefix, '!'); i >= 0 {
		sender = prefix[:i]
	}
	m := Message{
		Time:    time.Now().UTC(),
		Sender:  sender,
		Channel: strings.TrimSpace(target),
		Line:    text,
	}
	select {
	case c.inbox <- m:
		receivedCounter.Inc()
	default:
		droppedCounter.WithLabelValues("inbox_full").Inc()
	}
}
