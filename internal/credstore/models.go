// Package credstore owns user identities, their encrypted secrets, social
// identity links, and the read-only client registrations. Email addresses are
// stored encrypted; equality lookup goes through a deterministic blind index
// so login by email never decrypts the dataset.
package credstore

import "strings"

// Provider identifies an external identity provider for social links.
type Provider string

// Known social providers. Values are stored upper-cased.
const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderGitHub    Provider = "GITHUB"
)

// UserIdentity is the non-secret half of a user row.
type UserIdentity struct {
	ID                string
	DisplayName       string
	ProfilePictureURL string
	FirstName         string
	LastName          string
	EmailVerified     bool
}

// UserCredentials joins identity metadata with the decrypted email and the
// stored password hash for login verification. The hash is empty for
// social-only accounts.
type UserCredentials struct {
	UserID            string
	DisplayName       string
	Email             string
	PasswordHash      string
	ProfilePictureURL string
}

// Client is a provisioned OAuth client. Rows are seeded out of band and
// read-only to this service.
type Client struct {
	ClientID            string
	ClientName          string
	ClientSecret        string
	AllowedRedirectURIs []string
	AllowedLogoutURIs   []string
}

type userRecord struct {
	ID                string `gorm:"column:id;primaryKey"`
	DisplayName       string `gorm:"column:display_name;not null"`
	ProfilePictureURL string `gorm:"column:profile_picture_url;not null;default:''"`
	FirstName         string `gorm:"column:first_name;not null;default:''"`
	LastName          string `gorm:"column:last_name;not null;default:''"`
	EmailVerified     bool   `gorm:"column:email_verified;not null;default:false"`
	CreatedAtUnix     int64  `gorm:"column:created_at_unix;not null"`
	LastLoginAtUnix   int64  `gorm:"column:last_login_at_unix;not null;default:0"`
}

func (userRecord) TableName() string {
	return "users"
}

type userSecretRecord struct {
	// ID equals users.id; identity metadata and encrypted secrets are kept in
	// separate tables so they stay separable at rest.
	ID           string `gorm:"column:id;primaryKey"`
	PasswordHash string `gorm:"column:password_hash;not null;default:''"`
	EmailEnc     []byte `gorm:"column:email_enc"`
	// The unique index is the authority on email uniqueness; application-level
	// pre-checks only exist for friendlier sequencing.
	EmailHash string `gorm:"column:email_hash;uniqueIndex;not null"`
}

func (userSecretRecord) TableName() string {
	return "user_secrets"
}

type socialLinkRecord struct {
	UserID            string `gorm:"column:user_id;index;not null"`
	Provider          string `gorm:"column:provider;uniqueIndex:idx_provider_subject;not null"`
	ProviderSubjectID string `gorm:"column:provider_subject_id;uniqueIndex:idx_provider_subject;not null"`
}

func (socialLinkRecord) TableName() string {
	return "user_providers"
}

type clientRecord struct {
	ClientID     string `gorm:"column:client_id;primaryKey"`
	ClientName   string `gorm:"column:client_name;not null"`
	ClientSecret string `gorm:"column:client_secret;not null"`
	RedirectURIs string `gorm:"column:redirect_uris;not null;default:''"`
	LogoutURIs   string `gorm:"column:logout_uris;not null;default:''"`
}

func (clientRecord) TableName() string {
	return "clients"
}

func (record clientRecord) toClient() *Client {
	return &Client{
		ClientID:            record.ClientID,
		ClientName:          record.ClientName,
		ClientSecret:        record.ClientSecret,
		AllowedRedirectURIs: splitURIList(record.RedirectURIs),
		AllowedLogoutURIs:   splitURIList(record.LogoutURIs),
	}
}

func splitURIList(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, "\n")
	uris := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			uris = append(uris, trimmed)
		}
	}
	return uris
}
