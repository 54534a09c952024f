package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-avatar/ai"
	"github.com/onnwee/live-avatar/conversation"
	"github.com/onnwee/live-avatar/crypto"
)

// setupTestDB connects, migrates and empties the tables; skips without TEST_PG_DSN.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE oauth_tokens, conversation_turns`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return database
}

func TestConnectEmptyDSN(t *testing.T) {
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Error("Connect(\"\") should fail")
	}
}

func TestEncryptorFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	enc, err := EncryptorFromEnv()
	if err != nil || enc != nil {
		t.Errorf("unset key = %v, %v; want nil, nil", enc, err)
	}

	t.Setenv("ENCRYPTION_KEY", "short")
	if _, err := EncryptorFromEnv(); err == nil {
		t.Error("invalid key should fail")
	}

	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	enc, err = EncryptorFromEnv()
	if err != nil || enc == nil {
		t.Errorf("valid key = %v, %v", enc, err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database := setupTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, dirty, err := MigrationVersion(database)
	if err != nil || dirty || v < 1 {
		t.Errorf("version = %d dirty=%v err=%v", v, dirty, err)
	}
}

func TestTokenStoreEncrypted(t *testing.T) {
	database := setupTestDB(t)
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatal(err)
	}
	store := &TokenStore{DB: database, Enc: enc}
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	if _, ok, err := store.Get(ctx, "twitch"); ok || err != nil {
		t.Fatalf("empty Get = ok=%v err=%v", ok, err)
	}
	if err := store.Upsert(ctx, "twitch", Token{AccessToken: "acc", RefreshToken: "ref", Expiry: expiry, Scope: "chat:read"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var raw string
	var version int
	if err := database.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider='twitch'`).Scan(&raw, &version); err != nil {
		t.Fatal(err)
	}
	if raw == "acc" || version != 1 {
		t.Errorf("stored access=%q version=%d, want ciphertext v1", raw, version)
	}

	got, ok, err := store.Get(ctx, "twitch")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "acc" || got.RefreshToken != "ref" || got.Scope != "chat:read" || !got.Expiry.Equal(expiry) {
		t.Errorf("Get = %+v", got)
	}

	plain := &TokenStore{DB: database}
	if _, _, err := plain.Get(ctx, "twitch"); err == nil {
		t.Error("reading an encrypted row without a key should fail")
	}
}

func TestHistoryStore(t *testing.T) {
	database := setupTestDB(t)
	store := NewHistoryStore(database)
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		role, author := ai.RoleUser, "Alice"
		if i%2 == 1 {
			role, author = ai.RoleAssistant, "Mira"
		}
		if err := store.Append(ctx, "Alice", conversation.Turn{Username: author, Role: role, Text: text}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	recent, err := store.Recent(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Text != "two" || recent[0].Role != ai.RoleAssistant || recent[1].Text != "three" {
		t.Errorf("Recent = %+v", recent)
	}
	all, _ := store.All(ctx, "ALICE")
	if len(all) != 3 {
		t.Errorf("All len = %d", len(all))
	}
	if err := store.Clear(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if all, _ := store.All(ctx, "alice"); len(all) != 0 {
		t.Errorf("after Clear = %+v", all)
	}
	if err := store.Append(ctx, " ", conversation.Turn{Text: "x"}); err != conversation.ErrNoUsername {
		t.Errorf("empty owner err = %v", err)
	}
}

func TestTokenStoreSeal(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32))))
	if err != nil {
		t.Fatal(err)
	}

	plain := &TokenStore{DB: database}
	for _, p := range []string{"twitch", "other"} {
		if err := plain.Upsert(ctx, p, Token{AccessToken: p + "-access", RefreshToken: p + "-refresh", Scope: "chat:read"}); err != nil {
			t.Fatal(err)
		}
	}
	sealed := &TokenStore{DB: database, Enc: enc}
	if err := sealed.Seal(ctx, "missing"); err == nil {
		t.Error("sealing a missing provider should fail")
	}
	if err := plain.Seal(ctx, "twitch"); err == nil {
		t.Error("sealing without an encryptor should fail")
	}

	providers, err := sealed.PlaintextProviders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(providers, ",") != "other,twitch" {
		t.Fatalf("plaintext providers = %v", providers)
	}
	if err := sealed.Seal(ctx, "twitch"); err != nil {
		t.Fatal(err)
	}
	if providers, _ = sealed.PlaintextProviders(ctx); strings.Join(providers, ",") != "other" {
		t.Errorf("after seal = %v", providers)
	}
	got, ok, err := sealed.Get(ctx, "twitch")
	if err != nil || !ok || got.AccessToken != "twitch-access" || got.RefreshToken != "twitch-refresh" {
		t.Errorf("sealed token = %+v, %v, %v", got, ok, err)
	}
	var stored string
	if err := database.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider='twitch'`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored == "twitch-access" {
		t.Error("access token still plaintext")
	}
}
