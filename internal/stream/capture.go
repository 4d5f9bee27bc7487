package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpcloud/tail"
)

// CaptureTransport replays a newline-delimited capture file, one envelope per
// line. Lines recorded from an SSE stream ("event: x" / "data: {...}") are
// accepted as well. With Follow set the file is tailed like a live stream;
// otherwise the connection ends with ErrEndOfStream once the file is drained.
type CaptureTransport struct {
	Path   string
	Follow bool
}

func (t *CaptureTransport) Name() string { return "file" }

func (t *CaptureTransport) Dial(ctx context.Context) (Conn, error) {
	tl, err := tail.TailFile(t.Path, tail.Config{
		Follow:    t.Follow,
		ReOpen:    t.Follow,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 0},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	return &captureConn{tail: tl}, nil
}

type captureConn struct {
	tail  *tail.Tail
	event string
}

func (c *captureConn) ReadMessage(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case line, ok := <-c.tail.Lines:
			if !ok {
				// Lines closes just before the tailer is marked dead.
				if err := c.tail.Wait(); err != nil {
					return Message{}, fmt.Errorf("capture read failed: %w", err)
				}
				return Message{}, ErrEndOfStream
			}
			if line.Err != nil {
				return Message{}, fmt.Errorf("capture read failed: %w", line.Err)
			}
			text := strings.TrimSpace(line.Text)
			switch {
			case text == "" || strings.HasPrefix(text, ":"):
				continue
			case strings.HasPrefix(text, "event:"):
				c.event = strings.TrimSpace(strings.TrimPrefix(text, "event:"))
				continue
			case strings.HasPrefix(text, "data:"):
				text = strings.TrimSpace(strings.TrimPrefix(text, "data:"))
			}
			msg := Message{Event: c.event, Data: []byte(text)}
			c.event = ""
			return msg, nil
		}
	}
}

func (c *captureConn) Close() error {
	err := c.tail.Stop()
	c.tail.Cleanup()
	return err
}
