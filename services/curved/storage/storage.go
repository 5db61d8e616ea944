package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"curvevm/core/events"
)

// Storage persists the audit trail of curve transformations.
type Storage struct {
	db       *sql.DB
	logger   *slog.Logger
	onFailed func()
	now      func() time.Time
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("curved storage path must be configured")

// Transformation is a recorded curve transformation.
type Transformation struct {
	ID          string    `json:"id"`
	PositionKey string    `json:"position"`
	OldShiftX   string    `json:"oldShiftX"`
	OldShiftY   string    `json:"oldShiftY"`
	NewShiftX   string    `json:"newShiftX"`
	NewShiftY   string    `json:"newShiftY"`
	NewExcessX  string    `json:"newExcessX"`
	NewExcessY  string    `json:"newExcessY"`
	OldPrice    string    `json:"oldPrice"`
	NewPrice    string    `json:"newPrice"`
	PublishedAt int64     `json:"publishedAt"`
	UpdatedAt   int64     `json:"updatedAt"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string, logger *slog.Logger) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{db: db, logger: logger, now: time.Now}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnFailure registers a hook invoked whenever Emit fails to record an event.
func (s *Storage) OnFailure(fn func()) {
	if s != nil {
		s.onFailed = fn
	}
}

// Emit implements events.Emitter. Only curve transformations are recorded;
// failures are logged and never surface to the engine.
func (s *Storage) Emit(evt events.Event) {
	if s == nil {
		return
	}
	transformed, ok := evt.(events.CurveTransformed)
	if !ok {
		return
	}
	if _, err := s.RecordTransformation(context.Background(), transformed); err != nil {
		s.logger.Error("record curve transformation", "position", transformed.PositionKey, "error", err)
		if s.onFailed != nil {
			s.onFailed()
		}
	}
}

// RecordTransformation stores evt and returns its audit identifier.
func (s *Storage) RecordTransformation(ctx context.Context, evt events.CurveTransformed) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("storage not configured")
	}
	attrs := evt.Event().Attributes
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO curve_transformations(id, position, old_shift_x, old_shift_y, new_shift_x, new_shift_y,
            new_excess_x, new_excess_y, old_price, new_price, published_at, updated_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, id, evt.PositionKey, attrs["oldShiftX"], attrs["oldShiftY"], attrs["newShiftX"], attrs["newShiftY"],
		attrs["newExcessX"], attrs["newExcessY"], attrs["oldPrice"], attrs["newPrice"],
		evt.PublishedAt, evt.UpdatedAt, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert transformation: %w", err)
	}
	return id, nil
}

// Recent returns up to limit transformations for position, newest first.
func (s *Storage) Recent(ctx context.Context, position string, limit int) ([]Transformation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, position, old_shift_x, old_shift_y, new_shift_x, new_shift_y,
            new_excess_x, new_excess_y, old_price, new_price, published_at, updated_at, recorded_at
        FROM curve_transformations
        WHERE position = ?
        ORDER BY seq DESC
        LIMIT ?
    `, strings.TrimSpace(position), limit)
	if err != nil {
		return nil, fmt.Errorf("query transformations: %w", err)
	}
	defer rows.Close()
	var out []Transformation
	for rows.Next() {
		var rec Transformation
		if err := rows.Scan(&rec.ID, &rec.PositionKey, &rec.OldShiftX, &rec.OldShiftY, &rec.NewShiftX, &rec.NewShiftY,
			&rec.NewExcessX, &rec.NewExcessY, &rec.OldPrice, &rec.NewPrice, &rec.PublishedAt, &rec.UpdatedAt, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan transformation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const schema = `
CREATE TABLE IF NOT EXISTS curve_transformations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    position TEXT NOT NULL,
    old_shift_x TEXT NOT NULL,
    old_shift_y TEXT NOT NULL,
    new_shift_x TEXT NOT NULL,
    new_shift_y TEXT NOT NULL,
    new_excess_x TEXT NOT NULL,
    new_excess_y TEXT NOT NULL,
    old_price TEXT NOT NULL,
    new_price TEXT NOT NULL,
    published_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_curve_transformations_position ON curve_transformations(position, seq);
`
