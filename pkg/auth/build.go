package auth

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// BuildOptions supplies the collaborators refreshers need.
type BuildOptions struct {
	// AuthClient performs Toast logins; one is created when nil
	AuthClient *clients.Client
	// HTTPClient is used for OAuth2 token exchanges; http.DefaultClient when nil
	HTTPClient *http.Client
	// Secrets resolves vault_path credentials
	Secrets SecretReader
}

// NewRefresher builds the refresher for one credential definition.
func NewRefresher(cc config.CredentialConfig, opts BuildOptions) (Refresher, error) {
	secrets := StaticSecrets(cc)
	if cc.VaultPath != "" {
		if opts.Secrets == nil {
			return nil, errors.New(errors.ErrorTypeConfig, "vault_path set but no secret reader configured")
		}
		secrets = VaultOverlay(opts.Secrets, cc)
	}

	switch cc.Kind {
	case config.CredentialAPIKey:
		return &APIKeyRefresher{Secrets: secrets}, nil
	case config.CredentialToast:
		if opts.AuthClient == nil {
			return nil, errors.New(errors.ErrorTypeConfig, "toast credentials need an auth client")
		}
		return &ToastRefresher{Client: opts.AuthClient, Secrets: secrets}, nil
	case config.CredentialClientCredentials:
		return &ClientCredentialsRefresher{Secrets: secrets, HTTPClient: opts.HTTPClient}, nil
	case config.CredentialRefreshToken:
		return &RefreshTokenRefresher{Secrets: secrets, HTTPClient: opts.HTTPClient}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown credential kind %q", cc.Kind)
	}
}

// BuildStore registers a refresher for every configured account.
func BuildStore(cfg *config.Config, opts BuildOptions, logger *zap.Logger) (*Store, error) {
	if opts.AuthClient == nil {
		httpCfg := clients.DefaultHTTPConfig()
		httpCfg.RequestTimeout = cfg.HTTP.Timeout
		opts.AuthClient = clients.NewHTTPClient("auth", httpCfg, logger)
	}

	store := NewStore(cfg.Pipeline.RefreshMargin, logger)
	for _, acct := range cfg.Accounts {
		cc, ok := cfg.Credentials[acct.CredentialRef]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "credential_ref %q for %s is not defined", acct.CredentialRef, acct.Key())
		}
		r, err := NewRefresher(cc, opts)
		if err != nil {
			return nil, errors.Annotate(err, acct.Key().String())
		}
		store.Register(acct.Key(), r)
	}
	return store, nil
}
