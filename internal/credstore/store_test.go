package credstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	sqliteDialector "github.com/glebarez/sqlite"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/avixar/identity/internal/cryptokit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	gormDB, openErr := gorm.Open(sqliteDialector.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		t.Fatalf("open sqlite: %v", openErr)
	}
	sqlDB, dbErr := gormDB.DB()
	if dbErr != nil {
		t.Fatalf("unwrap sql.DB: %v", dbErr)
	}
	// A single connection keeps the in-memory database shared and serializes
	// writers the way a server-side database would.
	sqlDB.SetMaxOpenConns(1)

	if migrateErr := gormDB.AutoMigrate(&userRecord{}, &userSecretRecord{}, &socialLinkRecord{}, &clientRecord{}); migrateErr != nil {
		t.Fatalf("migrate: %v", migrateErr)
	}

	key := make([]byte, 32)
	for index := range key {
		key[index] = byte(index)
	}
	fieldCipher, cipherErr := cryptokit.NewFieldCipher(key)
	if cipherErr != nil {
		t.Fatalf("new cipher: %v", cipherErr)
	}
	blindIndexer, indexerErr := cryptokit.NewBlindIndexer([]byte("test-blind-key"))
	if indexerErr != nil {
		t.Fatalf("new indexer: %v", indexerErr)
	}

	return NewStoreWithDB(gormDB, "sqlite", Options{
		FieldCipher:  fieldCipher,
		BlindIndexer: blindIndexer,
		PasswordCost: 4,
		Logger:       zaptest.NewLogger(t),
	})
}

func TestRegisterLocalAndFindByEmail(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	userID, registerErr := store.RegisterLocal(ctx, "A@X.com ", "pw123456", "A")
	if registerErr != nil {
		t.Fatalf("register: %v", registerErr)
	}
	if userID == "" {
		t.Fatalf("expected user id")
	}

	credentials, findErr := store.FindByEmail(ctx, "a@x.com")
	if findErr != nil {
		t.Fatalf("find by email: %v", findErr)
	}
	if credentials.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, credentials.UserID)
	}
	if credentials.Email != "a@x.com" {
		t.Fatalf("expected normalized decrypted email, got %q", credentials.Email)
	}
	if credentials.DisplayName != "A" {
		t.Fatalf("expected display name A, got %q", credentials.DisplayName)
	}
}

func TestRegisterLocalRejectsEmailVariants(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterLocal(ctx, "a@x.com", "pw123456", "A"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := store.RegisterLocal(ctx, "A@X.com ", "anything", "B"); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser for case/whitespace variant, got %v", err)
	}
}

func TestRegisterLocalRequiresEmail(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	if _, err := store.RegisterLocal(context.Background(), "   ", "pw123456", "A"); !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("expected ErrEmailRequired, got %v", err)
	}
}

func TestConcurrentRegistrationsSucceedExactlyOnce(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	const attempts = 50
	var waitGroup sync.WaitGroup
	results := make(chan error, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := store.RegisterLocal(ctx, "race@x.com", "pw123456", "Racer")
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	successes, duplicates := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrDuplicateUser):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || duplicates != attempts-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d and %d", attempts-1, successes, duplicates)
	}

	var rows int64
	if err := store.db.Model(&userSecretRecord{}).Count(&rows).Error; err != nil {
		t.Fatalf("count secrets: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single secret row, got %d", rows)
	}
}

func TestVerifyLogin(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	userID, _ := store.RegisterLocal(ctx, "login@x.com", "pw123456", "Login")

	credentials, verifyErr := store.VerifyLogin(ctx, "LOGIN@x.com", "pw123456")
	if verifyErr != nil {
		t.Fatalf("verify login: %v", verifyErr)
	}
	if credentials.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, credentials.UserID)
	}

	if _, err := store.VerifyLogin(ctx, "login@x.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := store.VerifyLogin(ctx, "nobody@x.com", "pw123456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestVerifyLoginRejectsSocialOnlyAccounts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.LoginOrLinkSocial(ctx, ProviderGoogle, "sub-1", "social@x.com", "Social", ""); err != nil {
		t.Fatalf("social login: %v", err)
	}
	if _, err := store.VerifyLogin(ctx, "social@x.com", "any-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for password-less account, got %v", err)
	}
}

func TestLoginOrLinkSocialIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	firstID, firstErr := store.LoginOrLinkSocial(ctx, ProviderGoogle, "sub-42", "g@x.com", "G", "https://pic/x.png")
	if firstErr != nil {
		t.Fatalf("first social login: %v", firstErr)
	}
	secondID, secondErr := store.LoginOrLinkSocial(ctx, ProviderGoogle, "sub-42", "g@x.com", "G", "")
	if secondErr != nil {
		t.Fatalf("second social login: %v", secondErr)
	}
	if firstID != secondID {
		t.Fatalf("expected same user id on repeat callback, got %s and %s", firstID, secondID)
	}
}

func TestLoginOrLinkSocialLinksExistingEmailAccount(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	localID, _ := store.RegisterLocal(ctx, "both@x.com", "pw123456", "Both")

	socialID, socialErr := store.LoginOrLinkSocial(ctx, ProviderGitHub, "gh-7", "Both@X.com", "Both", "")
	if socialErr != nil {
		t.Fatalf("social login: %v", socialErr)
	}
	if socialID != localID {
		t.Fatalf("expected link to existing account %s, got %s", localID, socialID)
	}

	// The original password credential still works after linking.
	if _, err := store.VerifyLogin(ctx, "both@x.com", "pw123456"); err != nil {
		t.Fatalf("verify login after linking: %v", err)
	}
}

func TestLoginOrLinkSocialWithoutEmailCreatesUser(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	userID, err := store.LoginOrLinkSocial(ctx, ProviderMicrosoft, "ms-1", "", "", "")
	if err != nil {
		t.Fatalf("social login without email: %v", err)
	}
	identity, getErr := store.GetUser(ctx, userID)
	if getErr != nil {
		t.Fatalf("get user: %v", getErr)
	}
	if identity.DisplayName != "User" {
		t.Fatalf("expected fallback display name, got %q", identity.DisplayName)
	}
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	if _, err := store.GetUser(context.Background(), "missing-id"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestMarkEmailVerified(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	userID, _ := store.RegisterLocal(ctx, "verify@x.com", "pw123456", "V")
	if err := store.MarkEmailVerified(ctx, userID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	identity, _ := store.GetUser(ctx, userID)
	if !identity.EmailVerified {
		t.Fatalf("expected email_verified to be set")
	}
	if err := store.MarkEmailVerified(ctx, "missing-id"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSeedAndGetClient(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	seeded := &Client{
		ClientID:            "c1",
		ClientName:          "First Client",
		ClientSecret:        "secret1",
		AllowedRedirectURIs: []string{"https://app/cb", "https://app/cb2"},
		AllowedLogoutURIs:   []string{"https://app/bye"},
	}
	if err := store.SeedClient(ctx, seeded); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	client, getErr := store.GetClient(ctx, "c1")
	if getErr != nil {
		t.Fatalf("get client: %v", getErr)
	}
	if client.ClientSecret != "secret1" || len(client.AllowedRedirectURIs) != 2 {
		t.Fatalf("unexpected client round trip: %+v", client)
	}

	if _, err := store.GetClient(ctx, "unknown"); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
}
