// Package db provides the optional Postgres backing: connection, embedded
// schema migrations, the OAuth token store and a conversation history store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/live-avatar/crypto"
)

// Connect opens dsn with the pgx driver and verifies it answers.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(10)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// EncryptorFromEnv builds the token encryptor from ENCRYPTION_KEY. A nil
// Encryptor (no error) means tokens are stored in plaintext.
func EncryptorFromEnv() (crypto.Encryptor, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
		return nil, nil
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"), slog.String("key_id", enc.KeyID()))
	return enc, nil
}

// Token is one stored OAuth credential.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// TokenStore persists tokens in oauth_tokens. encryption_version=1 rows are
// sealed with Enc, version 0 rows are plaintext.
type TokenStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// Upsert stores or replaces the token for provider.
func (s *TokenStore) Upsert(ctx context.Context, provider string, t Token) error {
	access, refresh := t.AccessToken, t.RefreshToken
	version := 0
	var keyID sql.NullString
	if s.Enc != nil {
		var err error
		if access, err = crypto.EncryptString(s.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version = 1
		keyID = sql.NullString{String: s.Enc.KeyID(), Valid: true}
	}
	var expiry sql.NullTime
	if !t.Expiry.IsZero() {
		expiry = sql.NullTime{Time: t.Expiry, Valid: true}
	}

	const q = `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, provider, access, refresh, expiry, t.Scope, version, keyID); err != nil {
		return fmt.Errorf("upsert %s token: %w", provider, err)
	}
	return nil
}

// Get loads the token for provider; ok is false when none is stored.
func (s *TokenStore) Get(ctx context.Context, provider string) (t Token, ok bool, err error) {
	var (
		version int
		keyID   sql.NullString
		expiry  sql.NullTime
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&t.AccessToken, &t.RefreshToken, &expiry, &t.Scope, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("load %s token: %w", provider, err)
	}
	if expiry.Valid {
		t.Expiry = expiry.Time
	}
	if version == 1 {
		if s.Enc == nil {
			return Token{}, false, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if keyID.Valid && keyID.String != "" && keyID.String != s.Enc.KeyID() {
			slog.Warn("token sealed with a different key", slog.String("component", "db_encryption"), slog.String("provider", provider), slog.String("key_id", keyID.String))
		}
		if t.AccessToken, err = crypto.DecryptString(s.Enc, t.AccessToken); err != nil {
			return Token{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if t.RefreshToken, err = crypto.DecryptString(s.Enc, t.RefreshToken); err != nil {
			return Token{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return t, true, nil
}

// PlaintextProviders lists providers whose token row is not encrypted.
func (s *TokenStore) PlaintextProviders(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE encryption_version = 0 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Seal rewrites the plaintext token of provider encrypted with Enc.
func (s *TokenStore) Seal(ctx context.Context, provider string) error {
	if s.Enc == nil {
		return errors.New("seal requires an encryptor")
	}
	t, ok, err := (&TokenStore{DB: s.DB}).Get(ctx, provider)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no %s token stored", provider)
	}
	return s.Upsert(ctx, provider, t)
}
