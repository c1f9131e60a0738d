package connectpg

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avixar/identity/internal/credstore"
)

// EnsureSchema creates the identity tables if they do not exist. The unique
// indexes are the authority on uniqueness under concurrent writers; the
// application layers above only add friendlier error sequencing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    profile_picture_url TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    email_verified BOOLEAN NOT NULL DEFAULT FALSE,
    created_at_unix BIGINT NOT NULL,
    last_login_at_unix BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS user_secrets (
    id TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL DEFAULT '',
    email_enc BYTEA,
    email_hash TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_user_secrets_email_hash ON user_secrets (email_hash);
CREATE TABLE IF NOT EXISTS user_providers (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    provider_subject_id TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_subject ON user_providers (provider, provider_subject_id);
CREATE INDEX IF NOT EXISTS idx_user_providers_user ON user_providers (user_id);
CREATE TABLE IF NOT EXISTS clients (
    client_id TEXT PRIMARY KEY,
    client_name TEXT NOT NULL,
    client_secret TEXT NOT NULL,
    redirect_uris TEXT NOT NULL DEFAULT '',
    logout_uris TEXT NOT NULL DEFAULT ''
);
`)
	return err
}

// SeedClients upserts provisioned client registrations. Runs out of band at
// deploy time; the serving path treats the clients table as read-only.
func SeedClients(ctx context.Context, pool *pgxpool.Pool, clients []*credstore.Client) error {
	for _, client := range clients {
		_, err := pool.Exec(ctx, `
INSERT INTO clients (client_id, client_name, client_secret, redirect_uris, logout_uris)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (client_id) DO UPDATE SET
    client_name = EXCLUDED.client_name,
    client_secret = EXCLUDED.client_secret,
    redirect_uris = EXCLUDED.redirect_uris,
    logout_uris = EXCLUDED.logout_uris
`,
			client.ClientID,
			client.ClientName,
			client.ClientSecret,
			strings.Join(client.AllowedRedirectURIs, "\n"),
			strings.Join(client.AllowedLogoutURIs, "\n"),
		)
		if err != nil {
			return err
		}
	}
	return nil
}
