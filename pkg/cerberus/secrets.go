package cerberus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// SecretProvider resolves secret references to values
type SecretProvider interface {
	// Resolve returns the secret value for a given reference
	Resolve(ctx context.Context, ref string) (string, error)
}

// scheme returns the part of ref before the first colon.
func scheme(ref string) string {
	if i := strings.IndexByte(ref, ':'); i > 0 {
		return ref[:i]
	}
	return ref
}

// trimScheme returns the reference body if ref has the given scheme.
func trimScheme(ref, s string) (string, bool) {
	prefix := s + ":"
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return "", false
	}
	return ref[len(prefix):], true
}

// EnvSecretProvider resolves secrets from environment variables
// Format: env:VAR_NAME
type EnvSecretProvider struct{}

func NewEnvSecretProvider() *EnvSecretProvider {
	return &EnvSecretProvider{}
}

func (p *EnvSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	key, ok := trimScheme(ref, "env")
	if !ok {
		return "", unsupported(ref)
	}
	val := os.Getenv(key)
	if val == "" {
		return "", NewSecretError(ref, "environment variable is empty or unset", ErrSecretNotFound)
	}
	return val, nil
}

// FileSecretProvider reads a secret from a file, as mounted by Docker or
// Kubernetes secrets. One trailing newline is trimmed.
// Format: file:/path/to/secret
type FileSecretProvider struct{}

func NewFileSecretProvider() *FileSecretProvider {
	return &FileSecretProvider{}
}

func (p *FileSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	path, ok := trimScheme(ref, "file")
	if !ok {
		return "", unsupported(ref)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", NewSecretError(ref, "file does not exist", ErrSecretNotFound)
		}
		return "", NewSecretError(ref, "failed to read file", err)
	}
	val := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")
	if val == "" {
		return "", NewSecretError(ref, "file is empty", ErrSecretNotFound)
	}
	return val, nil
}

// LiteralSecretProvider returns the reference body itself. It is only meant
// for development and tests.
// Format: literal:value
type LiteralSecretProvider struct{}

func (p LiteralSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	val, ok := trimScheme(ref, "literal")
	if !ok {
		return "", unsupported(ref)
	}
	return val, nil
}

// CompositeSecretProvider chains multiple providers. The first provider that
// supports the reference's scheme decides the result.
type CompositeSecretProvider struct {
	providers []SecretProvider
}

func NewCompositeSecretProvider(providers ...SecretProvider) *CompositeSecretProvider {
	return &CompositeSecretProvider{providers: providers}
}

func (p *CompositeSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	for _, provider := range p.providers {
		val, err := provider.Resolve(ctx, ref)
		if errors.Is(err, ErrUnsupportedRef) {
			continue
		}
		return val, err
	}
	return "", fmt.Errorf("failed to resolve secret %s: %w", scheme(ref), ErrUnsupportedRef)
}

const defaultCacheTTL = 15 * time.Minute

type cachedSecret struct {
	value     string
	timestamp time.Time
}

// secretCache memoizes remote lookups for ttl.
type secretCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]cachedSecret
}

func newSecretCache(ttl time.Duration) *secretCache {
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &secretCache{ttl: ttl, items: make(map[string]cachedSecret)}
}

func (c *secretCache) get(ref string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cached, ok := c.items[ref]; ok && time.Since(cached.timestamp) < c.ttl {
		return cached.value, true
	}
	return "", false
}

func (c *secretCache) put(ref, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[ref] = cachedSecret{value: value, timestamp: time.Now()}
}

func (c *secretCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cachedSecret)
}
