// Package gateway connects Ariadne to a chat gateway over WebSocket.
// The gateway forwards chat messages as JSON envelopes and accepts
// text and file replies in return.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Attachment is a file the gateway has already downloaded on our
// behalf. LocalPath points at the staged copy.
type Attachment struct {
	Filename  string `json:"filename"`
	LocalPath string `json:"localPath"`
}

// Envelope is one inbound chat message.
type Envelope struct {
	ChatID      string       `json:"chatId"`
	Sender      string       `json:"sender"`
	SenderName  string       `json:"senderName,omitempty"`
	IsSelf      bool         `json:"isSelf"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// outbound is the wire form of a reply to the gateway.
type outbound struct {
	Type   string `json:"type"` // "text" or "file"
	ChatID string `json:"chatId"`
	Text   string `json:"text,omitempty"`
	Path   string `json:"path,omitempty"`
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// Envelopes larger than this are a gateway bug, not chat traffic.
	readLimit = 4 << 20
)

// Client maintains the WebSocket connection to the chat gateway,
// reconnecting with capped exponential backoff when it drops. Inbound
// envelopes are pushed to a channel; replies are written with SendText
// and SendFile.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	connMu sync.Mutex // guards conn and all writes to it
	conn   *websocket.Conn

	messages chan *Envelope
}

// NewClient creates a gateway client. Call Run to connect.
func NewClient(url, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		token:    token,
		logger:   logger,
		messages: make(chan *Envelope, 64),
	}
}

// Messages returns the channel of inbound envelopes. It is closed
// when Run returns.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Run connects to the gateway and reads envelopes until ctx is
// cancelled. Connection failures and drops trigger reconnects with
// capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.messages)

	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("gateway connect failed",
				"url", c.url, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = initialBackoff
		c.readUntilClosed(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("gateway connection lost, reconnecting")
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("gateway connected", "url", c.url)
	return nil
}

// readUntilClosed reads envelopes from the current connection until it
// fails or ctx is cancelled. The connection is closed on return.
func (c *Client) readUntilClosed(ctx context.Context) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	// Unblock the reader when ctx is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("gateway read error", "error", err)
			}
			break
		}

		select {
		case c.messages <- &env:
		default:
			c.logger.Warn("gateway message channel full, dropping envelope",
				"chat_id", env.ChatID, "sender", env.Sender)
		}
	}

	c.connMu.Lock()
	conn.Close()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

// SendText delivers a text reply to a chat.
func (c *Client) SendText(_ context.Context, chatID, text string) error {
	return c.write(outbound{Type: "text", ChatID: chatID, Text: text})
}

// SendFile asks the gateway to upload a local file into a chat.
func (c *Client) SendFile(_ context.Context, chatID, path string) error {
	return c.write(outbound{Type: "file", ChatID: chatID, Path: path})
}

func (c *Client) write(msg outbound) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to gateway: %w", err)
	}
	return nil
}
