package cerberus

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func TestVaultSecretProvider(t *testing.T) {
	p := NewVaultSecretProvider(VaultConfig{
		Address:   "http://localhost:8200/",
		Token:     "test-token",
		Namespace: "clinic",
	}, 0)

	requests := 0
	p.client.Transport = &mockTransport{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			requests++
			if req.Header.Get("X-Vault-Token") != "test-token" {
				return respond(http.StatusForbidden, ""), nil
			}
			assert.Equal(t, "clinic", req.Header.Get("X-Vault-Namespace"))

			switch req.URL.Path {
			case "/v1/secret/data/mnemosyne":
				return respond(http.StatusOK, `{"data": {"data": {"patient_salt": "vault-salt", "count": 3}, "metadata": {}}}`), nil
			case "/v1/secret/data/broken":
				return respond(http.StatusInternalServerError, "sealed"), nil
			}
			return respond(http.StatusNotFound, `{"errors": []}`), nil
		},
	}

	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		got, err := p.Resolve(ctx, "vault:secret/data/mnemosyne:patient_salt")
		require.NoError(t, err)
		assert.Equal(t, "vault-salt", got)
	})

	t.Run("Cached", func(t *testing.T) {
		before := requests
		got, err := p.Resolve(ctx, "vault:secret/data/mnemosyne:patient_salt")
		require.NoError(t, err)
		assert.Equal(t, "vault-salt", got)
		assert.Equal(t, before, requests)
	})

	t.Run("KeyMissing", func(t *testing.T) {
		_, err := p.Resolve(ctx, "vault:secret/data/mnemosyne:other")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("NotAString", func(t *testing.T) {
		_, err := p.Resolve(ctx, "vault:secret/data/mnemosyne:count")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a string")
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, err := p.Resolve(ctx, "vault:secret/data/absent:key")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("ServerError", func(t *testing.T) {
		_, err := p.Resolve(ctx, "vault:secret/data/broken:key")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, ref := range []string{"vault:nokey", "vault:path:", "vault::key"} {
			_, err := p.Resolve(ctx, ref)
			var secretErr *SecretError
			require.ErrorAs(t, err, &secretErr, ref)
			assert.Contains(t, secretErr.Message, "vault:path:key")
		}
	})

	t.Run("OtherScheme", func(t *testing.T) {
		_, err := p.Resolve(ctx, "env:HOME")
		assert.ErrorIs(t, err, ErrUnsupportedRef)
	})

	t.Run("ClearCache", func(t *testing.T) {
		p.ClearCache()
		before := requests
		_, err := p.Resolve(ctx, "vault:secret/data/mnemosyne:patient_salt")
		require.NoError(t, err)
		assert.Equal(t, before+1, requests)
	})
}
