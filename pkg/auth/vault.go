package auth

import (
	"context"
	"net/http"

	vault "github.com/hashicorp/vault-client-go"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// SecretReader reads a KV secret as a flat map.
type SecretReader interface {
	ReadSecret(ctx context.Context, path string) (map[string]interface{}, error)
}

// VaultSecrets reads credential material from a Vault KV v2 mount.
type VaultSecrets struct {
	client *vault.Client
	mount  string
}

// NewVaultSecrets builds a Vault client from VAULT_* environment variables,
// overridden by any address and token in cfg.
func NewVaultSecrets(cfg config.VaultConfig) (*VaultSecrets, error) {
	opts := []vault.ClientOption{vault.WithEnvironment()}
	if cfg.Address != "" {
		opts = append(opts, vault.WithAddress(cfg.Address))
	}

	client, err := vault.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating vault client")
	}
	if cfg.Token != "" {
		if err := client.SetToken(cfg.Token); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "setting vault token")
		}
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultSecrets{client: client, mount: mount}, nil
}

// ReadSecret implements SecretReader.
func (v *VaultSecrets) ReadSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := v.client.Secrets.KvV2Read(ctx, path, vault.WithMountPath(v.mount))
	if err != nil {
		if vault.IsErrorStatus(err, http.StatusNotFound) || vault.IsErrorStatus(err, http.StatusForbidden) {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "vault secret unavailable").
				WithDetail("path", path)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "reading vault secret").
			WithDetail("path", path)
	}
	return secret.Data.Data, nil
}

// VaultOverlay returns a SecretsFunc that re-reads base.VaultPath on every
// refresh and overrides the secret fields it finds there.
func VaultOverlay(reader SecretReader, base config.CredentialConfig) SecretsFunc {
	return func(ctx context.Context) (config.CredentialConfig, error) {
		data, err := reader.ReadSecret(ctx, base.VaultPath)
		if err != nil {
			return config.CredentialConfig{}, err
		}

		get := func(key, fallback string) string {
			if val, ok := data[key].(string); ok && val != "" {
				return val
			}
			return fallback
		}

		out := base
		out.ClientID = get("client_id", base.ClientID)
		out.ClientSecret = get("client_secret", base.ClientSecret)
		out.RefreshToken = get("refresh_token", base.RefreshToken)
		out.APIKey = get("api_key", base.APIKey)
		return out, nil
	}
}
