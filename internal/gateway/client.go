package gateway

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/devforgehq/forged/internal/agent"
	"github.com/devforgehq/forged/internal/fault"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/sessions"
	"github.com/devforgehq/forged/internal/store"
	"github.com/devforgehq/forged/pkg/protocol"
)

// Client is one connected WebSocket session channel. Outbound frames pass
// through a bounded buffer: when the peer cannot keep up the buffer fills,
// the enqueue blocks, and the LLM stream pauses transitively.
type Client struct {
	conn      *websocket.Conn
	server    *Server
	session   *sessions.Session
	principal string

	send  chan protocol.ServerFrame
	inbox chan protocol.ClientFrame
}

// NewClient registers a fresh session for the connection.
func NewClient(conn *websocket.Conn, server *Server, principal string) *Client {
	buffer := server.cfg.Gateway.SendBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		conn:      conn,
		server:    server,
		session:   server.sessions.Create(),
		principal: principal,
		send:      make(chan protocol.ServerFrame, buffer),
		inbox:     make(chan protocol.ClientFrame, 16),
	}
}

// Run drives the connection. The read pump stays in ReadJSON at all times
// so a closed channel is noticed even mid-turn; a separate goroutine
// processes inbox messages strictly serially.
func (c *Client) Run() {
	go c.writeLoop()
	go c.processLoop()

	c.enqueue(protocol.NewSessionFrame(c.session.ID))

	for {
		var frame protocol.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "session", c.session.ID, "error", err)
			}
			return
		}
		select {
		case c.inbox <- frame:
		case <-c.session.Context().Done():
			return
		}
	}
}

// processLoop serializes turns: the next user message is not admitted until
// the previous turn emitted its end (or error) frame.
func (c *Client) processLoop() {
	for {
		select {
		case frame := <-c.inbox:
			c.handleMessage(frame)
		case <-c.session.Context().Done():
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-c.session.Context().Done():
			return
		}
	}
}

// enqueue blocks when the send buffer is full (back-pressure: the LLM
// stream pauses transitively) and drops the frame once the session is
// cancelled.
func (c *Client) enqueue(frame protocol.ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.session.Context().Done():
	}
}

// Close tears the connection down; the worker goroutines exit via the
// session context, which the server cancels on unregister.
func (c *Client) Close() {
	c.conn.Close()
}

// handleMessage processes one inbound frame. Strict FIFO within the
// session: the next message is not admitted until this turn emitted its
// end (or error) frame.
func (c *Client) handleMessage(frame protocol.ClientFrame) {
	if !c.server.rateLimiter.Allow(c.principal) {
		c.server.metrics.RateLimited.Inc()
		c.enqueue(protocol.NewErrorFrame(string(fault.KindRateLimited), "rate limit exceeded"))
		return
	}

	if !c.session.Acquire(c.session.Context()) {
		return
	}
	defer c.session.Release()

	content := strings.TrimSpace(frame.Content)
	if content == "" {
		c.enqueue(protocol.NewErrorFrame(string(fault.KindInvalidInput), "empty message"))
		return
	}

	if strings.HasPrefix(content, "/") {
		c.handleSlashCommand(content)
		return
	}

	c.handleChat(content, frame.Attachments)
}

// handleChat runs one assistant turn: prompt enrichment, streamed
// completion, turn persistence, then memory ingestion.
func (c *Client) handleChat(content string, attachments []protocol.Attachment) {
	ctx := c.session.Context()

	input := content
	if extra, err := c.attachmentContext(attachments); err != nil {
		c.enqueue(protocol.NewErrorFrame(string(fault.KindInvalidInput), err.Error()))
		return
	} else if extra != "" {
		input += extra
	}

	history := c.loadHistory()

	c.enqueue(protocol.NewStartFrame(c.session.ID))

	task, err := c.server.orch.Single(ctx, c.server.cfg.Roles.Default, agent.Request{
		SessionID: c.session.ID,
		Input:     input,
		History:   history,
		Stream:    true,
		OnChunk: func(chunk string) {
			c.enqueue(protocol.NewChunkFrame(chunk))
		},
	})
	if err != nil {
		kind := fault.KindOf(err)
		slog.Warn("turn failed", "session", c.session.ID, "kind", kind, "error", err)
		c.enqueue(protocol.NewErrorFrame(string(kind), sanitizeMessage(kind)))
		return
	}

	userIdx := c.session.NextTurnIndex()
	assistantIdx := c.session.NextTurnIndex()
	c.persistTurn(store.Turn{Session: c.session.ID, Role: "user", Content: content, Index: userIdx})
	c.persistTurn(store.Turn{Session: c.session.ID, Role: "assistant", Content: task.Final, Index: assistantIdx})

	c.enqueue(protocol.NewEndFrame(c.session.ID, assistantIdx))

	// Memory writes are ordered after the assistant turn they record.
	if c.server.memBank != nil {
		if err := c.server.memBank.Append(ctx, c.session.ID, assistantIdx, content, task.Final); err != nil {
			slog.Warn("memory ingestion failed", "session", c.session.ID, "error", err)
		}
	}
}

func (c *Client) loadHistory() []llm.Message {
	turns, err := c.server.turns.History(c.session.ID)
	if err != nil {
		slog.Warn("history load failed", "session", c.session.ID, "error", err)
		return nil
	}
	c.session.SetTurnIndex(len(turns))
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

func (c *Client) persistTurn(t store.Turn) {
	if err := c.server.turns.Append(t); err != nil {
		slog.Warn("turn persist failed", "session", c.session.ID, "index", t.Index, "error", err)
	}
}

// attachmentContext renders uploaded files into prompt context. Each upload
// is capped in bytes, and only the first configured code points reach the
// prompt.
func (c *Client) attachmentContext(attachments []protocol.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	maxBytes := c.server.cfg.Gateway.AttachmentMax
	slice := c.server.cfg.Gateway.AttachmentSlice

	var b strings.Builder
	for _, att := range attachments {
		if int64(len(att.Content)) > maxBytes {
			return "", fmt.Errorf("attachment %s exceeds %d bytes", att.Name, maxBytes)
		}
		text := string(att.Content)
		runes := []rune(text)
		if len(runes) > slice {
			text = string(runes[:slice]) + "\n... (attachment truncated)"
		}
		fmt.Fprintf(&b, "\n\nAttached file %s:\n%s", att.Name, text)
	}
	return b.String(), nil
}

// sanitizeMessage maps a fault kind to the client-visible text; raw
// provider errors stay server-side.
func sanitizeMessage(kind fault.Kind) string {
	switch kind {
	case fault.KindRateLimited:
		return "rate limit exceeded"
	case fault.KindTimeout:
		return "the request timed out"
	case fault.KindUnavailable:
		return "the model is temporarily unavailable"
	case fault.KindInvalidInput:
		return "the request was rejected"
	case fault.KindNotPermitted:
		return "the operation is not permitted"
	default:
		return "an internal error occurred"
	}
}
