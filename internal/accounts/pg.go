package accounts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the part of *pgxpool.Pool the store uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore goes through the create_panel_user, delete_panel_user and
// link_display_brand functions so role rules live next to the data.
type PGStore struct {
	pool querier
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, name, passwordHash string, role Role, brandID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT create_panel_user($1, $2, $3, $4::uuid)::text`,
		name, passwordHash, string(role), nullable(brandID)).Scan(&id)
	return id, mapError(err, ErrInvalidBrand)
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	var found bool
	if err := s.pool.QueryRow(ctx, `SELECT delete_panel_user($1::uuid)`, id).Scan(&found); err != nil {
		return mapError(err, ErrNotFound)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) LinkBrand(ctx context.Context, displayID, brandID string) error {
	if _, err := uuid.Parse(displayID); err != nil {
		return ErrNotFound
	}
	var found bool
	err := s.pool.QueryRow(ctx, `SELECT link_display_brand($1::uuid, $2::uuid)`, displayID, nullable(brandID)).Scan(&found)
	if err != nil {
		return mapError(err, ErrInvalidBrand)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id::text, u.user_name, u.role, coalesce(u.brand_id::text, ''), coalesce(b.user_name, ''), u.created_at
		FROM panel_users u
		LEFT JOIN panel_users b ON b.id = u.brand_id
		ORDER BY u.role, u.user_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		var u User
		var role string
		if err := rows.Scan(&u.ID, &u.UserName, &role, &u.BrandID, &u.BrandName, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = Role(role)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PGStore) Credentials(ctx context.Context, name string) (User, string, error) {
	var u User
	var role, hash string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_name, role, coalesce(brand_id::text, ''), created_at, password_hash
		FROM panel_users WHERE user_name = $1`, name).
		Scan(&u.ID, &u.UserName, &role, &u.BrandID, &u.CreatedAt, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, "", ErrNotFound
	}
	if err != nil {
		return User{}, "", err
	}
	u.Role = Role(role)
	return u, hash, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mapError translates function errors. malformed is returned for an
// unparsable uuid argument (22P02).
func mapError(err error, malformed error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrUserExists
		case "22023":
			return ErrInvalidBrand
		case "22P02":
			return malformed
		}
	}
	return err
}
