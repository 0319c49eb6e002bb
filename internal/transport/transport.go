// Package transport is the session's duplex channel to one trustchain
// server: push a block, pull blocks from a given index, and receive
// server-pushed blocks as they are appended by other devices.
//
// A single request/response + push channel to one server replaces the
// teacher's libp2p swarm (spec's transport is not peer-to-peer); the
// reconnect-with-backoff shape is grounded on how the teacher's node
// client maintains one persistent connection and reconnects on drop.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Transport is what session needs from the network: submit blocks, fetch a
// range, and be notified of new ones as they arrive.
type Transport interface {
	// PushBlock submits one base64-encoded block to the server.
	PushBlock(ctx context.Context, serializedBase64 string) error
	// PullBlocks fetches every block at or after fromIndex.
	PullBlocks(ctx context.Context, fromIndex uint64) ([]WireBlock, error)
	// Subscribe returns a channel of blocks pushed by the server after the
	// call. There is no per-subscription stop; Close ends the connection.
	Subscribe(ctx context.Context) (<-chan WireBlock, error)
	// Close releases the underlying connection.
	Close() error
}

// WireBlock is one block as received from the server: its index in the
// trustchain's append order plus the base64 envelope core.UnserializeBlock
// decodes.
type WireBlock struct {
	Index            uint64 `json:"index"`
	SerializedBase64 string `json:"block"`
}

type wireEnvelope struct {
	Type   string      `json:"type"`
	Blocks []WireBlock `json:"blocks,omitempty"`
	Block  string      `json:"block,omitempty"`
	From   uint64      `json:"from,omitempty"`
}

// WebSocketTransport is the default Transport, a single reconnecting
// websocket connection to the trustchain server's duplex endpoint.
type WebSocketTransport struct {
	url   string
	appID string
	clock clock.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	pushSub chan WireBlock
}

// NewWebSocketTransport dials url lazily on first use; appID is sent as a
// connection header so the server can route the session to its trustchain.
func NewWebSocketTransport(url, appID string) *WebSocketTransport {
	return &WebSocketTransport{
		url:   url,
		appID: appID,
		clock: clock.New(),
		log:   logrus.WithField("component", "transport"),
	}
}

func (t *WebSocketTransport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}

	header := map[string][]string{"X-Trustchain-App-Id": {t.appID}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var lastErr error
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for attempt := 0; attempt < 5; attempt++ {
		conn, _, err := dialer.DialContext(ctx, t.url, header)
		if err == nil {
			t.conn = conn
			go t.readLoop(conn)
			return conn, nil
		}
		lastErr = err
		t.log.WithError(err).WithField("attempt", attempt).Warn("dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.clock.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("transport: dial %s: %w", t.url, lastErr)
}

// readLoop drains server pushes into pushSub until the connection closes,
// at which point it drops t.conn so the next call reconnects.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.log.WithError(err).Info("connection closed")
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}
		if env.Type == "block_pushed" && t.pushSub != nil {
			t.pushSub <- WireBlock{Index: env.From, SerializedBase64: env.Block}
		}
	}
}

// PushBlock implements Transport.
func (t *WebSocketTransport) PushBlock(ctx context.Context, serializedBase64 string) error {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	env := wireEnvelope{Type: "push_block", Block: serializedBase64}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("transport: push block: %w", err)
	}
	return nil
}

// PullBlocks implements Transport.
func (t *WebSocketTransport) PullBlocks(ctx context.Context, fromIndex uint64) ([]WireBlock, error) {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	req := wireEnvelope{Type: "pull_blocks", From: fromIndex}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("transport: request blocks: %w", err)
	}

	var resp wireEnvelope
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("transport: read blocks: %w", err)
	}
	return resp.Blocks, nil
}

// Subscribe implements Transport.
func (t *WebSocketTransport) Subscribe(ctx context.Context) (<-chan WireBlock, error) {
	t.mu.Lock()
	if t.pushSub == nil {
		t.pushSub = make(chan WireBlock, 64)
	}
	ch := t.pushSub
	t.mu.Unlock()
	if _, err := t.ensureConn(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
