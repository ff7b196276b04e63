package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider implements Provider against a Valkey/Redis-compatible
// server, speaking the subset of RESP it needs over short-lived connections.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the cache server.
type ValkeyConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	OpTimeout   time.Duration
	TLS         bool
}

// NewValkeyProvider creates a Provider and pings the target once so that bad
// addresses or credentials fail at startup rather than on first use.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}

	provider := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := provider.do(ctx, "PING")
	if err != nil {
		return nil, err
	}
	if reply.kind != replyStatus || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return provider, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case replyNil:
		return nil, ErrCacheMiss
	case replyBulk:
		return reply.data, nil
	default:
		return nil, fmt.Errorf("unexpected GET reply type %q", reply.kind)
	}
}

// Set stores bytes under key. A positive ttl sets a millisecond expiry.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, args...)
	if err != nil {
		return err
	}
	if reply.kind != replyStatus || string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close closes the provider (connections are per-operation, nothing pooled).
func (p *ValkeyProvider) Close() error { return nil }

// do dials, authenticates, runs one command and reads its reply.
func (p *ValkeyProvider) do(ctx context.Context, args ...string) (resp, error) {
	if err := ctx.Err(); err != nil {
		return resp{}, err
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return resp{}, err
	}
	defer conn.close()

	if err := p.handshake(conn); err != nil {
		return resp{}, err
	}
	if err := conn.send(args...); err != nil {
		return resp{}, err
	}
	return conn.receive()
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		netConn net.Conn
		err     error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		netConn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, tlsCfg)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &respConn{
		conn:    netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
		timeout: p.cfg.OpTimeout,
	}, nil
}

func (p *ValkeyProvider) handshake(conn *respConn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH"}
		if p.cfg.Username != "" {
			args = append(args, p.cfg.Username)
		}
		args = append(args, p.cfg.Password)
		if err := p.expectOK(conn, args...); err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if err := p.expectOK(conn, "SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return fmt.Errorf("valkey select: %w", err)
		}
	}
	return nil
}

func (p *ValkeyProvider) expectOK(conn *respConn, args ...string) error {
	if err := conn.send(args...); err != nil {
		return err
	}
	reply, err := conn.receive()
	if err != nil {
		return err
	}
	if reply.kind != replyStatus || !strings.EqualFold(string(reply.data), "OK") {
		return fmt.Errorf("unexpected response: %s", reply.data)
	}
	return nil
}

type replyKind byte

const (
	replyStatus  replyKind = '+'
	replyBulk    replyKind = '$'
	replyInteger replyKind = ':'
	replyNil     replyKind = '_'
)

type resp struct {
	kind replyKind
	data []byte
}

// respConn wraps a network connection with the RESP framing helpers.
type respConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	timeout time.Duration
}

func (c *respConn) close() {
	_ = c.conn.Close()
}

func (c *respConn) send(args ...string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.writer, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(c.writer, "$%d\r\n%s\r\n", len(arg), arg)
	}
	return c.writer.Flush()
}

func (c *respConn) receive() (resp, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return resp{}, err
	}
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return resp{}, err
	}
	switch prefix {
	case '+':
		line, err := c.readLine()
		return resp{kind: replyStatus, data: line}, err
	case '-':
		line, err := c.readLine()
		if err != nil {
			return resp{}, err
		}
		return resp{}, errors.New(string(line))
	case ':':
		line, err := c.readLine()
		return resp{kind: replyInteger, data: line}, err
	case '$':
		line, err := c.readLine()
		if err != nil {
			return resp{}, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return resp{}, err
		}
		if size < 0 {
			return resp{kind: replyNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return resp{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return resp{}, fmt.Errorf("invalid bulk string termination")
		}
		return resp{kind: replyBulk, data: buf[:size]}, nil
	default:
		return resp{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *respConn) readLine() ([]byte, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
