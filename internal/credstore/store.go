package credstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/avixar/identity/internal/cryptokit"
)

// Store persists identities and secrets using GORM. The field cipher and
// blind indexer are constructed once at startup from dedicated keys; the
// store never generates or rotates key material.
type Store struct {
	db           *gorm.DB
	fieldCipher  *cryptokit.FieldCipher
	blindIndexer *cryptokit.BlindIndexer
	passwordCost int
	driverLabel  string
	log          *zap.Logger
}

// Options carries the crypto dependencies and tuning for a Store.
type Options struct {
	FieldCipher  *cryptokit.FieldCipher
	BlindIndexer *cryptokit.BlindIndexer
	PasswordCost int
	Logger       *zap.Logger
}

// Open connects to the database named by databaseURL (postgres:// or
// sqlite://), migrates the schema, and returns a ready Store.
func Open(ctx context.Context, databaseURL string, options Options) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("credstore.open: empty database URL")
	}
	if options.FieldCipher == nil || options.BlindIndexer == nil {
		return nil, errors.New("credstore.open: field cipher and blind indexer are required")
	}
	dialector, driverLabel, dialectErr := resolveDialector(databaseURL)
	if dialectErr != nil {
		return nil, dialectErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("credstore.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(
		&userRecord{}, &userSecretRecord{}, &socialLinkRecord{}, &clientRecord{},
	); migrateErr != nil {
		return nil, fmt.Errorf("credstore.migrate.%s: %w", driverLabel, migrateErr)
	}
	return NewStoreWithDB(gormDB, driverLabel, options), nil
}

// NewStoreWithDB wraps an already-open GORM handle. Used by tests and by
// deployments that bootstrap the schema out of band.
func NewStoreWithDB(gormDB *gorm.DB, driverLabel string, options Options) *Store {
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cost := options.PasswordCost
	if cost <= 0 {
		cost = cryptokit.DefaultPasswordCost
	}
	return &Store{
		db:           gormDB,
		fieldCipher:  options.FieldCipher,
		blindIndexer: options.BlindIndexer,
		passwordCost: cost,
		driverLabel:  driverLabel,
		log:          log,
	}
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// RegisterLocal creates a user with an email/password credential. Identity
// and secret rows are written in one transaction; a concurrent registration
// with the same normalized email loses on the email_hash unique index and
// surfaces as ErrDuplicateUser.
func (store *Store) RegisterLocal(ctx context.Context, email string, password string, displayName string) (string, error) {
	normalizedEmail := cryptokit.NormalizeEmail(email)
	if normalizedEmail == "" {
		return "", ErrEmailRequired
	}
	emailHash := store.blindIndexer.Index(normalizedEmail)
	emailEnc, encryptErr := store.fieldCipher.Encrypt([]byte(normalizedEmail))
	if encryptErr != nil {
		return "", fmt.Errorf("credstore.register: %w", encryptErr)
	}
	passwordHash, hashErr := cryptokit.HashPassword(password, store.passwordCost)
	if hashErr != nil {
		return "", fmt.Errorf("credstore.register: %w", hashErr)
	}

	newUserID := uuid.NewString()
	now := time.Now().UTC().Unix()
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&userSecretRecord{}).Where("email_hash = ?", emailHash).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateUser
		}
		if err := tx.Create(&userRecord{
			ID:              newUserID,
			DisplayName:     displayName,
			CreatedAtUnix:   now,
			LastLoginAtUnix: now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&userSecretRecord{
			ID:           newUserID,
			PasswordHash: passwordHash,
			EmailEnc:     emailEnc,
			EmailHash:    emailHash,
		}).Error
	})
	if transactionErr != nil {
		if errors.Is(transactionErr, ErrDuplicateUser) || isDuplicateKey(transactionErr) {
			return "", ErrDuplicateUser
		}
		return "", fmt.Errorf("credstore.register.%s: %w", store.driverLabel, transactionErr)
	}
	store.log.Info("user registered", zap.String("user_id", newUserID))
	return newUserID, nil
}

// FindByEmail resolves credentials by blind index. A missing row is
// ErrUserNotFound; a decryption failure is a configuration-level error and is
// surfaced as such rather than being folded into "not found".
func (store *Store) FindByEmail(ctx context.Context, email string) (*UserCredentials, error) {
	emailHash := store.blindIndexer.Index(email)

	var secret userSecretRecord
	if err := store.db.WithContext(ctx).Where("email_hash = ?", emailHash).Take(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("credstore.find_by_email.%s: %w", store.driverLabel, err)
	}
	var identity userRecord
	if err := store.db.WithContext(ctx).Where("id = ?", secret.ID).Take(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("credstore.find_by_email.%s: %w", store.driverLabel, err)
	}

	decryptedEmail, decryptErr := store.fieldCipher.Decrypt(secret.EmailEnc)
	if decryptErr != nil {
		store.log.Error("email decryption failed; check field encryption key",
			zap.String("user_id", secret.ID))
		return nil, fmt.Errorf("credstore.find_by_email: %w", decryptErr)
	}
	return &UserCredentials{
		UserID:            identity.ID,
		DisplayName:       identity.DisplayName,
		Email:             string(decryptedEmail),
		PasswordHash:      secret.PasswordHash,
		ProfilePictureURL: identity.ProfilePictureURL,
	}, nil
}

// VerifyLogin checks an email/password pair. Unknown email, social-only
// account, and wrong password all come back as ErrInvalidCredentials.
func (store *Store) VerifyLogin(ctx context.Context, email string, password string) (*UserCredentials, error) {
	credentials, findErr := store.FindByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, findErr
	}
	if credentials.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if !cryptokit.VerifyPassword(password, credentials.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return credentials, nil
}

// LoginOrLinkSocial resolves a verified external identity to a local user id:
// an existing (provider, subject) link wins, then an email match gets linked,
// otherwise a fresh password-less account is created. Concurrent callback
// retries are serialized by the unique index on (provider, subject): the
// loser of an insert race re-reads and returns the winner's user id.
func (store *Store) LoginOrLinkSocial(ctx context.Context, provider Provider, subjectID string, email string, displayName string, pictureURL string) (string, error) {
	providerValue := strings.ToUpper(string(provider))
	if providerValue == "" || subjectID == "" {
		return "", errors.New("credstore.social: provider and subject id are required")
	}

	if linkedUserID, found, err := store.findSocialLink(ctx, providerValue, subjectID); err != nil {
		return "", err
	} else if found {
		return linkedUserID, nil
	}

	resolvedUserID, resolveErr := store.linkOrCreateSocialUser(ctx, providerValue, subjectID, email, displayName, pictureURL)
	if resolveErr == nil {
		return resolvedUserID, nil
	}
	if !isDuplicateKey(resolveErr) {
		return "", resolveErr
	}
	// Someone else created the link between our check and insert; their row
	// is the answer.
	linkedUserID, found, rereadErr := store.findSocialLink(ctx, providerValue, subjectID)
	if rereadErr != nil {
		return "", rereadErr
	}
	if !found {
		return "", fmt.Errorf("credstore.social.%s: %w", store.driverLabel, resolveErr)
	}
	return linkedUserID, nil
}

func (store *Store) findSocialLink(ctx context.Context, providerValue string, subjectID string) (string, bool, error) {
	var link socialLinkRecord
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_subject_id = ?", providerValue, subjectID).
		Take(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credstore.social.%s: %w", store.driverLabel, err)
	}
	return link.UserID, true, nil
}

func (store *Store) linkOrCreateSocialUser(ctx context.Context, providerValue string, subjectID string, email string, displayName string, pictureURL string) (string, error) {
	normalizedEmail := cryptokit.NormalizeEmail(email)
	var emailHash string
	if normalizedEmail != "" {
		emailHash = store.blindIndexer.Index(normalizedEmail)
	}

	var resolvedUserID string
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if emailHash != "" {
			var secret userSecretRecord
			lookupErr := tx.Where("email_hash = ?", emailHash).Take(&secret).Error
			switch {
			case lookupErr == nil:
				resolvedUserID = secret.ID
				return tx.Create(&socialLinkRecord{
					UserID:            secret.ID,
					Provider:          providerValue,
					ProviderSubjectID: subjectID,
				}).Error
			case !errors.Is(lookupErr, gorm.ErrRecordNotFound):
				return lookupErr
			}
		}

		newUserID := uuid.NewString()
		now := time.Now().UTC().Unix()
		resolvedDisplayName := displayName
		if resolvedDisplayName == "" {
			resolvedDisplayName = "User"
		}
		if err := tx.Create(&userRecord{
			ID:                newUserID,
			DisplayName:       resolvedDisplayName,
			ProfilePictureURL: pictureURL,
			CreatedAtUnix:     now,
			LastLoginAtUnix:   now,
		}).Error; err != nil {
			return err
		}
		secret := userSecretRecord{ID: newUserID}
		if emailHash != "" {
			emailEnc, encryptErr := store.fieldCipher.Encrypt([]byte(normalizedEmail))
			if encryptErr != nil {
				return encryptErr
			}
			secret.EmailEnc = emailEnc
			secret.EmailHash = emailHash
		} else {
			// No email from the provider; index the subject itself so the
			// not-null unique column stays satisfied without inventing an
			// address.
			secret.EmailHash = store.blindIndexer.Index(providerValue + ":" + subjectID)
		}
		if err := tx.Create(&secret).Error; err != nil {
			return err
		}
		if err := tx.Create(&socialLinkRecord{
			UserID:            newUserID,
			Provider:          providerValue,
			ProviderSubjectID: subjectID,
		}).Error; err != nil {
			return err
		}
		resolvedUserID = newUserID
		return nil
	})
	if transactionErr != nil {
		return "", transactionErr
	}
	store.log.Info("social identity resolved",
		zap.String("provider", providerValue),
		zap.String("user_id", resolvedUserID))
	return resolvedUserID, nil
}

// GetProfile fetches identity metadata together with the decrypted email.
// Used by the userinfo surface, which must report the address.
func (store *Store) GetProfile(ctx context.Context, userID string) (*UserCredentials, error) {
	var identity userRecord
	if err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("credstore.get_profile.%s: %w", store.driverLabel, err)
	}
	var secret userSecretRecord
	if err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("credstore.get_profile.%s: %w", store.driverLabel, err)
	}
	email := ""
	if len(secret.EmailEnc) > 0 {
		decrypted, decryptErr := store.fieldCipher.Decrypt(secret.EmailEnc)
		if decryptErr != nil {
			store.log.Error("email decryption failed; check field encryption key",
				zap.String("user_id", userID))
			return nil, fmt.Errorf("credstore.get_profile: %w", decryptErr)
		}
		email = string(decrypted)
	}
	return &UserCredentials{
		UserID:            identity.ID,
		DisplayName:       identity.DisplayName,
		Email:             email,
		PasswordHash:      secret.PasswordHash,
		ProfilePictureURL: identity.ProfilePictureURL,
	}, nil
}

// GetUser fetches identity metadata by id.
func (store *Store) GetUser(ctx context.Context, userID string) (*UserIdentity, error) {
	var identity userRecord
	if err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("credstore.get_user.%s: %w", store.driverLabel, err)
	}
	return &UserIdentity{
		ID:                identity.ID,
		DisplayName:       identity.DisplayName,
		ProfilePictureURL: identity.ProfilePictureURL,
		FirstName:         identity.FirstName,
		LastName:          identity.LastName,
		EmailVerified:     identity.EmailVerified,
	}, nil
}

// UpdateUser rewrites the mutable identity fields.
func (store *Store) UpdateUser(ctx context.Context, user *UserIdentity) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{
			"display_name":        user.DisplayName,
			"profile_picture_url": user.ProfilePictureURL,
			"first_name":          user.FirstName,
			"last_name":           user.LastName,
		})
	if result.Error != nil {
		return fmt.Errorf("credstore.update_user.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkEmailVerified flags the account's email as verified.
func (store *Store) MarkEmailVerified(ctx context.Context, userID string) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Update("email_verified", true)
	if result.Error != nil {
		return fmt.Errorf("credstore.mark_verified.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetClient fetches a provisioned client registration.
func (store *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var record clientRecord
	if err := store.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("credstore.get_client.%s: %w", store.driverLabel, err)
	}
	return record.toClient(), nil
}

// SeedClient inserts or replaces a client registration. Intended for
// provisioning tools and tests, not the serving path.
func (store *Store) SeedClient(ctx context.Context, client *Client) error {
	record := clientRecord{
		ClientID:     client.ClientID,
		ClientName:   client.ClientName,
		ClientSecret: client.ClientSecret,
		RedirectURIs: strings.Join(client.AllowedRedirectURIs, "\n"),
		LogoutURIs:   strings.Join(client.AllowedLogoutURIs, "\n"),
	}
	if err := store.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("credstore.seed_client.%s: %w", store.driverLabel, err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// The sqlite driver reports constraint failures as plain errors.
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "constraint failed")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credstore.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credstore.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	case "":
		return nil, "", fmt.Errorf("credstore.dialect: %w: URL has no scheme", ErrUnsupportedDialect)
	default:
		return nil, "", fmt.Errorf("credstore.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errors.New("empty sqlite path")
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
