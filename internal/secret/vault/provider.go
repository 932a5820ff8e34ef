// Package vault implements secret.Provider against HashiCorp Vault,
// adapted from blueberrycongee-llmux/internal/secret/vault/provider.go
// down to this system's simpler "fetch one secret at startup" need: the
// AppRole login and token renewal watcher are kept, the multi-path KV
// parsing is simplified since the jobrunner core only ever reads one
// secret (the HMAC signing key named by config.Project).
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Config holds the Vault connection and AppRole auth parameters.
type Config struct {
	Address  string
	RoleID   string
	SecretID string
}

// Provider implements secret.Provider against a logged-in Vault client.
type Provider struct {
	client *vault.Client
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New logs into Vault with AppRole credentials and starts a background
// token renewer.
func New(cfg Config) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}

	authSecret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("vault: approle login: %w", err)
	}
	if authSecret == nil || authSecret.Auth == nil {
		return nil, fmt.Errorf("vault: approle login returned no auth info")
	}
	client.SetToken(authSecret.Auth.ClientToken)

	p := &Provider{client: client, stopCh: make(chan struct{})}
	p.wg.Add(1)
	go p.renewToken(authSecret.Auth)

	return p, nil
}

// Get reads a secret from Vault. path is "path/to/secret" or
// "path/to/secret#key" (default key: "value").
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	key := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	resp, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("vault: read %q: %w", secretPath, err)
	}
	if resp == nil || resp.Data == nil {
		return "", fmt.Errorf("vault: secret %q not found", secretPath)
	}

	data := resp.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault: key %q not found in %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		return
	}
	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-watcher.DoneCh():
			return
		case <-watcher.RenewCh():
		}
	}
}
