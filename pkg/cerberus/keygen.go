package cerberus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// MinSaltBytes is the shortest salt accepted for patient identifier hashing.
const MinSaltBytes = 16

// GenerateSalt generates a cryptographically secure salt of n bytes,
// hex encoded, for storing in a secret backend.
func GenerateSalt(n int) (string, error) {
	if n < MinSaltBytes {
		return "", fmt.Errorf("salt must be at least %d bytes, got %d", MinSaltBytes, n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ResolveSalt resolves ref and checks the value is long enough to use as
// a salt. The value is used as raw bytes; hex is not decoded.
func ResolveSalt(ctx context.Context, p SecretProvider, ref string) ([]byte, error) {
	if ref == "" {
		return nil, NewSecretError(ref, "salt reference is empty", ErrSecretNotFound)
	}
	val, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(val) < MinSaltBytes {
		return nil, NewSecretError(ref, fmt.Sprintf("salt shorter than %d bytes", MinSaltBytes), nil)
	}
	return []byte(val), nil
}
