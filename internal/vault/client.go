// Package vault resolves service credentials from HashiCorp Vault so
// API keys never have to live in the config file.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"teleglas-pro/config"
)

// ErrDisabled is returned when secret resolution is attempted without
// Vault enabled.
var ErrDisabled = errors.New("vault is disabled")

// Credentials is the secret bundle stored at the configured KV path.
type Credentials struct {
	CoinglassAPIKey  string `json:"coinglass_api_key"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
	DashboardToken   string `json:"dashboard_token"`
}

// Client wraps the HashiCorp Vault client. Fetched credentials are
// cached so the pipeline reads Vault once per process.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client. A disabled config returns a
// stub whose FetchCredentials reports ErrDisabled.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// FetchCredentials reads the credential bundle from the KV v2 store.
func (c *Client) FetchCredentials(ctx context.Context) (*Credentials, error) {
	if !c.config.Enabled {
		return nil, ErrDisabled
	}

	c.mu.RLock()
	if c.cached != nil {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", c.dataPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		CoinglassAPIKey:  getString(data, "coinglass_api_key"),
		TelegramBotToken: getString(data, "telegram_bot_token"),
		TelegramChatID:   getString(data, "telegram_chat_id"),
		DashboardToken:   getString(data, "dashboard_token"),
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	return creds, nil
}

// StoreCredentials writes the credential bundle. Used by provisioning
// tooling, not by the pipeline itself.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if !c.config.Enabled {
		return ErrDisabled
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"coinglass_api_key":  creds.CoinglassAPIKey,
			"telegram_bot_token": creds.TelegramBotToken,
			"telegram_chat_id":   creds.TelegramChatID,
			"dashboard_token":    creds.DashboardToken,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), payload); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()

	return nil
}

// ClearCache drops the cached credentials so the next fetch hits Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// dataPath returns the KV v2 data path for the credential bundle.
func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
