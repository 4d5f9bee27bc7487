package layout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Backend stores one layout per mission. Load returns (nil, nil) when the
// mission has no saved layout.
type Backend interface {
	Name() string
	Save(ctx context.Context, missionID string, l *graphmodel.Layout) error
	Load(ctx context.Context, missionID string) (*graphmodel.Layout, error)
}

// HTTPBackend talks to POST/GET {BaseURL}/api/v1/layouts/{missionID}.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPBackend creates an HTTP backend; a nil client selects http.DefaultClient.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) endpoint(missionID string) string {
	return b.BaseURL + "/api/v1/layouts/" + url.PathEscape(missionID)
}

func (b *HTTPBackend) Save(ctx context.Context, missionID string, l *graphmodel.Layout) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode layout: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(missionID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) Load(ctx context.Context, missionID string) (*graphmodel.Layout, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(missionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return decodeLayout(resp.Body)
}

func decodeLayout(r io.Reader) (*graphmodel.Layout, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	var l graphmodel.Layout
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("failed to decode layout: %w", err)
	}
	if l.Positions == nil {
		l.Positions = graphmodel.Positions{}
	}
	return &l, nil
}

// FileBackend keeps layouts as <Dir>/livegraph.layout.<missionID>.json.
type FileBackend struct {
	Dir string
}

func (b *FileBackend) Name() string { return "file" }

// Path returns the file a mission's layout lives in.
func (b *FileBackend) Path(missionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, missionID)
	return filepath.Join(b.Dir, "livegraph.layout."+safe+".json")
}

// Save writes through a temp file and rename so a crash never leaves a
// truncated layout behind.
func (b *FileBackend) Save(_ context.Context, missionID string, l *graphmodel.Layout) error {
	body, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode layout: %w", err)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create layout dir: %w", err)
	}
	tmp, err := os.CreateTemp(b.Dir, ".layout-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write layout: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write layout: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.Path(missionID)); err != nil {
		return fmt.Errorf("failed to replace layout file: %w", err)
	}
	return nil
}

func (b *FileBackend) Load(_ context.Context, missionID string) (*graphmodel.Layout, error) {
	f, err := os.Open(b.Path(missionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open layout file: %w", err)
	}
	defer f.Close()
	return decodeLayout(f)
}
