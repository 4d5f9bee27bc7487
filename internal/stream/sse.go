package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

// maxSSELine bounds a single "data:" line; snapshots can be large.
const maxSSELine = 16 * 1024 * 1024

// SSETransport reads a text/event-stream over HTTP. The last event id seen
// on any connection is sent as Last-Event-ID when redialing.
type SSETransport struct {
	URL    string
	Client *http.Client
	Header http.Header

	mu          sync.Mutex
	lastEventID string
}

// LastEventID returns the most recent "id:" value received.
func (t *SSETransport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

func (t *SSETransport) setLastEventID(id string) {
	t.mu.Lock()
	t.lastEventID = id
	t.mu.Unlock()
}

func (t *SSETransport) Name() string { return "sse" }

// Dial issues the streaming GET and validates the response.
func (t *SSETransport) Dial(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build SSE request: %w", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	lastID := t.LastEventID()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("SSE endpoint returned status %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("SSE endpoint returned content type %q", mt)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseConn{body: resp.Body, scanner: scanner, transport: t, lastID: lastID}, nil
}

type sseConn struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	transport *SSETransport
	// lastID persists across events until the server sends a new one.
	lastID string
}

// ReadMessage assembles the next dispatched event. Comment lines and events
// with no data are skipped.
func (c *sseConn) ReadMessage(ctx context.Context) (Message, error) {
	var (
		event string
		data  bytes.Buffer
		has   bool
	)
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			if has {
				if c.lastID != "" {
					c.transport.setLastEventID(c.lastID)
				}
				return Message{Event: event, ID: c.lastID, Data: append([]byte(nil), data.Bytes()...)}, nil
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				c.lastID = value
			}
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			has = true
		}
	}
	if err := c.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("SSE read failed: %w", err)
	}
	return Message{}, io.EOF
}

func (c *sseConn) Close() error { return c.body.Close() }
