package connect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/avixar/identity/internal/credstore"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewStaticClientSource([]*credstore.Client{
		{
			ClientID:            "c1",
			ClientSecret:        "secret1",
			AllowedRedirectURIs: []string{"https://app/cb", "https://app/alt"},
			AllowedLogoutURIs:   []string{"https://app/bye"},
		},
	}))
}

func TestValidateClientSecret(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry()
	ctx := context.Background()

	if !registry.ValidateClientSecret(ctx, "c1", "secret1") {
		t.Fatal("correct secret rejected")
	}
	if registry.ValidateClientSecret(ctx, "c1", "wrong") {
		t.Fatal("wrong secret accepted")
	}
	if registry.ValidateClientSecret(ctx, "ghost", "secret1") {
		t.Fatal("unknown client accepted")
	}
}

func TestRedirectURIExactMatchOnly(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry()
	client, _ := registry.GetClient(context.Background(), "c1")

	if !registry.IsRedirectURIAllowed(client, "https://app/cb") {
		t.Fatal("registered URI rejected")
	}
	if !registry.IsRedirectURIAllowed(client, "https://app/alt") {
		t.Fatal("second registered URI rejected")
	}
	for _, variant := range []string{
		"https://app/cb/",
		"https://app/cb?x=1",
		"https://app",
		"http://app/cb",
		"",
	} {
		if registry.IsRedirectURIAllowed(client, variant) {
			t.Fatalf("variant %q accepted", variant)
		}
	}
	if registry.IsRedirectURIAllowed(nil, "https://app/cb") {
		t.Fatal("nil client accepted")
	}
}

func TestLoadClientsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clients.json")
	payload := `[{"client_id":"web","client_name":"Web","client_secret":"s","redirect_uris":["https://a/cb"],"logout_uris":["https://a/bye"]}]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write clients file: %v", err)
	}

	clients, loadErr := LoadClientsFile(path)
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if len(clients) != 1 || clients[0].ClientID != "web" || len(clients[0].AllowedRedirectURIs) != 1 {
		t.Fatalf("unexpected clients %+v", clients)
	}
}

func TestLoadClientsFileRejectsIncomplete(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clients.json")
	if err := os.WriteFile(path, []byte(`[{"client_id":"web"}]`), 0o600); err != nil {
		t.Fatalf("write clients file: %v", err)
	}
	if _, err := LoadClientsFile(path); err == nil {
		t.Fatal("expected error for client without secret")
	}

	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatalf("write clients file: %v", err)
	}
	if _, err := LoadClientsFile(path); err == nil {
		t.Fatal("expected error for empty clients file")
	}
}
