package connect

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/avixar/identity/internal/credstore"
)

// ClientSource resolves provisioned client registrations. Implemented by the
// credential store (clients table) and by StaticClientSource for dev runs.
type ClientSource interface {
	GetClient(ctx context.Context, clientID string) (*credstore.Client, error)
}

// Registry answers the client checks the orchestrator needs. Lookups that
// fail resolve to false, never to an error, so unknown client ids cannot be
// distinguished from wrong secrets by error shape.
type Registry struct {
	source ClientSource
}

// NewRegistry wraps a client source.
func NewRegistry(source ClientSource) *Registry {
	return &Registry{source: source}
}

// GetClient resolves a client registration.
func (registry *Registry) GetClient(ctx context.Context, clientID string) (*credstore.Client, error) {
	return registry.source.GetClient(ctx, clientID)
}

// ValidateClientSecret fetches the client and compares secrets in constant
// time. Unknown clients and mismatched secrets both return false.
func (registry *Registry) ValidateClientSecret(ctx context.Context, clientID string, clientSecret string) bool {
	client, err := registry.source.GetClient(ctx, clientID)
	if err != nil || client == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) == 1
}

// IsRedirectURIAllowed checks exact membership in the client's allow-list.
// No wildcard or prefix matching: partial matching would weaken the
// open-redirect protection this check exists for.
func (registry *Registry) IsRedirectURIAllowed(client *credstore.Client, redirectURI string) bool {
	if client == nil {
		return false
	}
	for _, allowed := range client.AllowedRedirectURIs {
		if allowed == redirectURI {
			return true
		}
	}
	return false
}

// IsLogoutURIAllowed applies the same exact-match discipline to post-logout
// redirect URIs.
func (registry *Registry) IsLogoutURIAllowed(ctx context.Context, clientID string, logoutURI string) bool {
	client, err := registry.source.GetClient(ctx, clientID)
	if err != nil || client == nil {
		return false
	}
	for _, allowed := range client.AllowedLogoutURIs {
		if allowed == logoutURI {
			return true
		}
	}
	return false
}

// StaticClientSource serves client registrations from memory. Used for dev
// runs seeded from a clients file and for tests.
type StaticClientSource struct {
	clients map[string]*credstore.Client
}

// NewStaticClientSource indexes the given clients by id.
func NewStaticClientSource(clients []*credstore.Client) *StaticClientSource {
	indexed := make(map[string]*credstore.Client, len(clients))
	for _, client := range clients {
		indexed[client.ClientID] = client
	}
	return &StaticClientSource{clients: indexed}
}

// GetClient resolves a client or reports credstore.ErrClientNotFound.
func (source *StaticClientSource) GetClient(ctx context.Context, clientID string) (*credstore.Client, error) {
	client, ok := source.clients[clientID]
	if !ok {
		return nil, credstore.ErrClientNotFound
	}
	return client, nil
}

type clientsFileEntry struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
	LogoutURIs   []string `json:"logout_uris"`
}

// LoadClientsFile reads a JSON array of client registrations.
func LoadClientsFile(path string) ([]*credstore.Client, error) {
	payload, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("connect.clients_file: %w", readErr)
	}
	var entries []clientsFileEntry
	if unmarshalErr := json.Unmarshal(payload, &entries); unmarshalErr != nil {
		return nil, fmt.Errorf("connect.clients_file.parse: %w", unmarshalErr)
	}
	if len(entries) == 0 {
		return nil, errors.New("connect.clients_file: no clients defined")
	}
	clients := make([]*credstore.Client, 0, len(entries))
	for _, entry := range entries {
		if entry.ClientID == "" || entry.ClientSecret == "" {
			return nil, fmt.Errorf("connect.clients_file: client %q missing id or secret", entry.ClientID)
		}
		clients = append(clients, &credstore.Client{
			ClientID:            entry.ClientID,
			ClientName:          entry.ClientName,
			ClientSecret:        entry.ClientSecret,
			AllowedRedirectURIs: entry.RedirectURIs,
			AllowedLogoutURIs:   entry.LogoutURIs,
		})
	}
	return clients, nil
}
