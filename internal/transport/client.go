package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/consensus"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
)

const defaultDialTimeout = 5 * time.Second

// Client is a Peer reached over WebSocket. It keeps one connection open,
// multiplexes concurrent requests over it and redials after a failure.
type Client struct {
	from   string
	id     string
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan Envelope
	closed  bool

	writeMu sync.Mutex
}

var _ Peer = (*Client)(nil)

// NewClient returns a client for the node id listening at addr. addr is a
// host:port or a ws:// URL.
func NewClient(from, id, addr string, logger *slog.Logger) (*Client, error) {
	u, err := syncURL(addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		from:    from,
		id:      id,
		url:     u,
		dialer:  &websocket.Dialer{HandshakeTimeout: defaultDialTimeout},
		logger:  logger,
		pending: make(map[uint64]chan Envelope),
	}, nil
}

func syncURL(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("peer address is required")
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "ws", Host: addr}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported peer address scheme: %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = SyncPath
	}
	return u.String(), nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", c.id, err)
	}
	conn.SetReadLimit(maxFrameSize)
	c.conn = conn

	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, err)
			return
		}

		env, err := DecodeFrame(frame)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", "peer", c.id, "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()

		if ok {
			ch <- env
		}
	}
}

// dropConn forgets a broken connection and fails every request waiting on it.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	_ = conn.Close()
	c.conn = nil

	for id, ch := range c.pending {
		ch <- Envelope{ID: id, Error: fmt.Sprintf("connection lost: %v", cause)}
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, typ MessageType, body any, out any) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	req := Envelope{ID: c.nextID.Add(1), Type: typ, From: c.from}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", typ, err)
		}
		req.Body = data
	}
	frame, err := EncodeFrame(req)
	if err != nil {
		return err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, conn, frame); err != nil {
		c.dropConn(conn, err)
		return fmt.Errorf("failed to send %s request to %s: %w", typ, c.id, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Type: typ, Message: resp.Error}
		}
		if out != nil && len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", typ, err)
			}
		}
		return nil
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close closes the connection. Subsequent calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.dropConn(conn, ErrClosed)
	return nil
}

func (c *Client) Root(ctx context.Context) (hash.Hash, error) {
	var root hash.Hash
	err := c.call(ctx, TypeRoot, nil, &root)
	return root, err
}

func (c *Client) Proof(ctx context.Context) (merkle.MerkleProof, error) {
	var proof merkle.MerkleProof
	err := c.call(ctx, TypeProof, nil, &proof)
	return proof, err
}

func (c *Client) Operations(ctx context.Context, keys []string) ([]oplog.Operation, error) {
	var ops []oplog.Operation
	err := c.call(ctx, TypeOperations, operationsRequest{Keys: keys}, &ops)
	return ops, err
}

func (c *Client) AllOperations(ctx context.Context) ([]oplog.Operation, error) {
	var ops []oplog.Operation
	err := c.call(ctx, TypeAllOperations, nil, &ops)
	return ops, err
}

func (c *Client) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	var res PushResult
	err := c.call(ctx, TypePush, req, &res)
	return res, err
}

func (c *Client) Clock(ctx context.Context) (clock.Snapshot, error) {
	var snap clock.Snapshot
	err := c.call(ctx, TypeClock, nil, &snap)
	return snap, err
}

func (c *Client) Vote(ctx context.Context, req consensus.VoteRequest) (bool, error) {
	var res voteResponse
	if err := c.call(ctx, TypeVote, req, &res); err != nil {
		return false, err
	}
	return res.Approve, nil
}

func (c *Client) ViewChange(ctx context.Context, vc consensus.ViewChange) error {
	return c.call(ctx, TypeViewChange, vc, nil)
}
