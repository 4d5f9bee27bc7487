package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSETransport(t *testing.T) {
	t.Run("parses named, multi-line and comment frames", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
			w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
			fmt.Fprint(w, ": connected\n\n")
			fmt.Fprint(w, "event: node_added\ndata: {\"id\":\"d1\"}\n\n")
			fmt.Fprint(w, "data: line1\ndata: line2\n\n")
			fmt.Fprint(w, "event: empty\n\n")
			w.(http.Flusher).Flush()
		}))
		defer srv.Close()

		tr := &SSETransport{URL: srv.URL, Header: http.Header{"X-Api-Key": []string{"secret"}}}
		conn, err := tr.Dial(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		msg, err := conn.ReadMessage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "node_added", msg.Event)
		assert.JSONEq(t, `{"id":"d1"}`, string(msg.Data))

		msg, err = conn.ReadMessage(context.Background())
		require.NoError(t, err)
		assert.Empty(t, msg.Event)
		assert.Equal(t, "line1\nline2", string(msg.Data))

		_, err = conn.ReadMessage(context.Background())
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("tracks event ids and resumes with Last-Event-ID", func(t *testing.T) {
		var (
			mu          sync.Mutex
			resumedFrom []string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			resumedFrom = append(resumedFrom, r.Header.Get("Last-Event-ID"))
			mu.Unlock()
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "id: 7\nevent: node_added\ndata: a\n\n")
			fmt.Fprint(w, "data: b\n\n")
			w.(http.Flusher).Flush()
		}))
		defer srv.Close()

		tr := &SSETransport{URL: srv.URL}
		conn, err := tr.Dial(context.Background())
		require.NoError(t, err)

		msg, err := conn.ReadMessage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "7", msg.ID)
		msg, err = conn.ReadMessage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "7", msg.ID, "the id persists until the server sends another")
		require.NoError(t, conn.Close())
		assert.Equal(t, "7", tr.LastEventID())

		conn, err = tr.Dial(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"", "7"}, resumedFrom)
	})

	t.Run("rejects non-200 responses", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := (&SSETransport{URL: srv.URL}).Dial(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("rejects the wrong content type", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, "{}")
		}))
		defer srv.Close()

		_, err := (&SSETransport{URL: srv.URL}).Dial(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "content type")
	})
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"keepalive"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"node_added"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		// Drain until the client acknowledges the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := &WebSocketTransport{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		HandshakeTimeout: time.Second,
		PongWait:         time.Second,
		Label:            "graph",
	}
	assert.Equal(t, "websocket:graph", tr.Name())

	conn, err := tr.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	msg, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"keepalive"}`, string(msg.Data))

	msg, err = conn.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"node_added"}`, string(msg.Data))

	_, err = conn.ReadMessage(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := (&WebSocketTransport{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}).Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCaptureTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mission.capture")
	content := strings.Join([]string{
		`{"type":"node_added","payload":{"id":"d1","type":"DOMAIN"}}`,
		``,
		`: recorded comment`,
		`event: edge_added`,
		`data: {"source":"d1","target":"s1","relation":"CONTAINS"}`,
		`{"type":"mission_completed"}`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	conn, err := (&CaptureTransport{Path: path}).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	var got []Message
	for {
		msg, err := conn.ReadMessage(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ErrEndOfStream)
			break
		}
		got = append(got, msg)
	}
	require.Len(t, got, 3)
	assert.Empty(t, got[0].Event)
	assert.Equal(t, "edge_added", got[1].Event)
	assert.Equal(t, `{"source":"d1","target":"s1","relation":"CONTAINS"}`, string(got[1].Data))
	assert.Equal(t, `{"type":"mission_completed"}`, string(got[2].Data))
}

func TestCaptureTransport_MissingFile(t *testing.T) {
	_, err := (&CaptureTransport{Path: filepath.Join(t.TempDir(), "absent")}).Dial(context.Background())
	assert.Error(t, err)
}
