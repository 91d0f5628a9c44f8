package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool with sane defaults.
// One connection per live channel is held by LISTEN, so keep headroom above MinConns.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MinConns = 0
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 60 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the panel tables and the user management functions.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE TABLE IF NOT EXISTS panel_users (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		user_name text NOT NULL UNIQUE,
		password_hash text NOT NULL,
		role text NOT NULL CHECK (role IN ('admin','display','brand')),
		brand_id uuid REFERENCES panel_users(id) ON DELETE SET NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS videos (
		name text PRIMARY KEY,
		size bigint NOT NULL DEFAULT 0,
		display_user_id uuid REFERENCES panel_users(id) ON DELETE SET NULL,
		uploaded_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE OR REPLACE FUNCTION create_panel_user(p_user_name text, p_password_hash text, p_role text, p_brand_id uuid)
	RETURNS uuid LANGUAGE plpgsql AS $$
	DECLARE new_id uuid;
	BEGIN
		IF p_brand_id IS NOT NULL AND p_role <> 'display' THEN
			RAISE EXCEPTION 'only display users can be linked to a brand' USING ERRCODE = '22023';
		END IF;
		IF p_brand_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM panel_users WHERE id = p_brand_id AND role = 'brand') THEN
			RAISE EXCEPTION 'brand % not found', p_brand_id USING ERRCODE = '22023';
		END IF;
		INSERT INTO panel_users (user_name, password_hash, role, brand_id)
		VALUES (p_user_name, p_password_hash, p_role, p_brand_id)
		RETURNING id INTO new_id;
		RETURN new_id;
	END $$`,
	`CREATE OR REPLACE FUNCTION delete_panel_user(p_id uuid)
	RETURNS boolean LANGUAGE plpgsql AS $$
	BEGIN
		DELETE FROM panel_users WHERE id = p_id;
		RETURN FOUND;
	END $$`,
	`CREATE OR REPLACE FUNCTION link_display_brand(p_display_id uuid, p_brand_id uuid)
	RETURNS boolean LANGUAGE plpgsql AS $$
	BEGIN
		IF p_brand_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM panel_users WHERE id = p_brand_id AND role = 'brand') THEN
			RAISE EXCEPTION 'brand % not found', p_brand_id USING ERRCODE = '22023';
		END IF;
		UPDATE panel_users SET brand_id = p_brand_id WHERE id = p_display_id AND role = 'display';
		RETURN FOUND;
	END $$`,
}
