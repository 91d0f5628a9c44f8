package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Meta is the videos row of an object.
type Meta struct {
	Name          string
	Size          int64
	DisplayUserID string
	DisplayUser   string
	UploadedAt    time.Time
}

type MetaStore interface {
	Save(ctx context.Context, m Meta) error
	Delete(ctx context.Context, name string) error
	All(ctx context.Context) (map[string]Meta, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Save upserts the row. A non-empty DisplayUserID must name a display user,
// otherwise nothing is written and ErrUnknownDisplay is returned.
func (s *PGStore) Save(ctx context.Context, m Meta) error {
	var display any
	if m.DisplayUserID != "" {
		display = m.DisplayUserID
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO videos (name, size, display_user_id)
		SELECT $1, $2, $3::uuid
		WHERE $3::uuid IS NULL OR EXISTS (SELECT 1 FROM panel_users WHERE id = $3::uuid AND role = 'display')
		ON CONFLICT (name) DO UPDATE SET
			size = CASE WHEN EXCLUDED.size > 0 THEN EXCLUDED.size ELSE videos.size END,
			display_user_id = EXCLUDED.display_user_id`,
		m.Name, m.Size, display)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrUnknownDisplay
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownDisplay
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE name = $1`, name)
	return err
}

func (s *PGStore) All(ctx context.Context) (map[string]Meta, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.name, v.size, coalesce(v.display_user_id::text, ''), coalesce(u.user_name, ''), v.uploaded_at
		FROM videos v
		LEFT JOIN panel_users u ON u.id = v.display_user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Meta)
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.Name, &m.Size, &m.DisplayUserID, &m.DisplayUser, &m.UploadedAt); err != nil {
			return nil, err
		}
		out[m.Name] = m
	}
	return out, rows.Err()
}
