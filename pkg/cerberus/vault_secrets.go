package cerberus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig addresses a Vault server.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string // enterprise only
	Timeout   time.Duration
}

// VaultSecretProvider reads string values from a KV v2 engine.
// References take the form vault:secret/data/mnemosyne:patient_salt, where
// the part after the last colon names the key inside the secret.
type VaultSecretProvider struct {
	config VaultConfig
	client *http.Client
	cache  *secretCache
}

func NewVaultSecretProvider(config VaultConfig, ttl time.Duration) *VaultSecretProvider {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &VaultSecretProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		cache:  newSecretCache(ttl),
	}
}

func (p *VaultSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	rest, ok := trimScheme(ref, "vault")
	if !ok {
		return "", unsupported(ref)
	}
	if val, ok := p.cache.get(ref); ok {
		return val, nil
	}

	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", NewSecretError(ref, "expected vault:path:key", nil)
	}
	path, key := rest[:i], rest[i+1:]

	data, err := p.read(ctx, path)
	if err != nil {
		return "", NewSecretError(ref, "vault lookup failed", err)
	}
	raw, ok := data[key]
	if !ok {
		return "", NewSecretError(ref, "vault lookup failed", fmt.Errorf("no key %q at %s: %w", key, path, ErrSecretNotFound))
	}
	value, ok := raw.(string)
	if !ok {
		return "", NewSecretError(ref, "vault lookup failed", fmt.Errorf("value of %q is a %T, not a string", key, raw))
	}

	p.cache.put(ref, value)
	return value, nil
}

// kvResponse is the body of a KV v2 read.
type kvResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

// read returns the key/value map stored at path.
func (p *VaultSecretProvider) read(ctx context.Context, path string) (map[string]any, error) {
	endpoint := strings.TrimSuffix(p.config.Address, "/") + "/v1/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", p.config.Token)
	if ns := p.config.Namespace; ns != "" {
		req.Header.Set("X-Vault-Namespace", ns)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrSecretNotFound
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body kvResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	return body.Data.Data, nil
}

func (p *VaultSecretProvider) ClearCache() {
	p.cache.clear()
}
