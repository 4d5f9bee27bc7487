package layout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// DBPool abstracts pgxpool.Pool so the backend can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	sqlCreateLayouts = `
        CREATE TABLE IF NOT EXISTS mission_layouts (
            mission_id TEXT PRIMARY KEY,
            positions JSONB NOT NULL,
            zoom DOUBLE PRECISION NOT NULL DEFAULT 1,
            pan_x DOUBLE PRECISION NOT NULL DEFAULT 0,
            pan_y DOUBLE PRECISION NOT NULL DEFAULT 0,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertLayout = `
        INSERT INTO mission_layouts (mission_id, positions, zoom, pan_x, pan_y, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (mission_id) DO UPDATE SET
            positions = EXCLUDED.positions,
            zoom = EXCLUDED.zoom,
            pan_x = EXCLUDED.pan_x,
            pan_y = EXCLUDED.pan_y,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectLayout = `
        SELECT positions, zoom, pan_x, pan_y
        FROM mission_layouts
        WHERE mission_id = $1;
    `
)

// PostgresBackend stores layouts in the mission_layouts table.
type PostgresBackend struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// NewPostgresBackend verifies the connection and returns a backend.
func NewPostgresBackend(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresBackend{pool: pool, log: logger.Named("layout_pg"), now: time.Now}, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

// EnsureSchema creates the mission_layouts table when it is missing.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, sqlCreateLayouts); err != nil {
		return fmt.Errorf("failed to create mission_layouts: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Save(ctx context.Context, missionID string, l *graphmodel.Layout) error {
	positions := l.Positions
	if positions == nil {
		positions = graphmodel.Positions{}
	}
	raw, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}
	tag, err := b.pool.Exec(ctx, sqlUpsertLayout, missionID, raw, l.Zoom, l.Pan.X, l.Pan.Y, b.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert layout: %w", err)
	}
	b.log.Debug("Layout upserted.", zap.String("mission_id", missionID), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

func (b *PostgresBackend) Load(ctx context.Context, missionID string) (*graphmodel.Layout, error) {
	var (
		raw  []byte
		l    graphmodel.Layout
		panX float64
		panY float64
	)
	err := b.pool.QueryRow(ctx, sqlSelectLayout, missionID).Scan(&raw, &l.Zoom, &panX, &panY)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query layout: %w", err)
	}
	if err := json.Unmarshal(raw, &l.Positions); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	if l.Positions == nil {
		l.Positions = graphmodel.Positions{}
	}
	l.Pan = graphmodel.Position{X: panX, Y: panY}
	return &l, nil
}
