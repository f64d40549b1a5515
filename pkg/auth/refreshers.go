package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// SecretsFunc yields the credential settings at refresh time, after any
// secret backend has been consulted.
type SecretsFunc func(ctx context.Context) (config.CredentialConfig, error)

// StaticSecrets returns cfg unchanged.
func StaticSecrets(cfg config.CredentialConfig) SecretsFunc {
	return func(context.Context) (config.CredentialConfig, error) { return cfg, nil }
}

// APIKeyRefresher serves a non-expiring API key.
type APIKeyRefresher struct {
	Secrets SecretsFunc
}

// Refresh implements Refresher.
func (r *APIKeyRefresher) Refresh(ctx context.Context, _ models.Credential) (models.Credential, error) {
	cfg, err := r.Secrets(ctx)
	if err != nil {
		return models.Credential{}, err
	}
	if cfg.APIKey == "" {
		return models.Credential{}, errors.New(errors.ErrorTypeAuthentication, "api key is empty")
	}
	return models.Credential{
		AccessToken: cfg.APIKey,
		HeaderName:  cfg.HeaderName,
		Headers:     cfg.Headers,
	}, nil
}

// ToastRefresher exchanges machine-client credentials at Toast's
// authentication endpoint.
type ToastRefresher struct {
	Client  *clients.Client
	Secrets SecretsFunc
	Now     func() time.Time
}

type toastLoginRequest struct {
	ClientID       string `json:"clientId"`
	ClientSecret   string `json:"clientSecret"`
	UserAccessType string `json:"userAccessType"`
}

type toastLoginResponse struct {
	Token struct {
		TokenType   string `json:"tokenType"`
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	} `json:"token"`
	Status string `json:"status"`
}

// DefaultToastLoginURL is Toast's production machine-client login endpoint.
const DefaultToastLoginURL = "https://ws-api.toasttab.com/authentication/v1/authentication/login"

// Refresh implements Refresher.
func (r *ToastRefresher) Refresh(ctx context.Context, _ models.Credential) (models.Credential, error) {
	cfg, err := r.Secrets(ctx)
	if err != nil {
		return models.Credential{}, err
	}

	path := DefaultToastLoginURL
	if cfg.TokenURL != "" {
		path = cfg.TokenURL
	}

	var out toastLoginResponse
	err = r.Client.PostJSON(ctx, &clients.Request{Path: path}, toastLoginRequest{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		UserAccessType: "TOAST_MACHINE_CLIENT",
	}, &out)
	if err != nil {
		return models.Credential{}, err
	}
	if out.Token.AccessToken == "" {
		return models.Credential{}, errors.New(errors.ErrorTypeAuthentication, "toast login returned no access token")
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	cred := models.Credential{
		AccessToken: out.Token.AccessToken,
		TokenType:   out.Token.TokenType,
		Headers:     cfg.Headers,
	}
	if out.Token.ExpiresIn > 0 {
		cred.ExpiresAt = now().Add(time.Duration(out.Token.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// ClientCredentialsRefresher runs the OAuth2 client-credentials grant.
type ClientCredentialsRefresher struct {
	Secrets    SecretsFunc
	HTTPClient *http.Client
}

// Refresh implements Refresher.
func (r *ClientCredentialsRefresher) Refresh(ctx context.Context, _ models.Credential) (models.Credential, error) {
	cfg, err := r.Secrets(ctx)
	if err != nil {
		return models.Credential{}, err
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	tok, err := cc.Token(oauthContext(ctx, r.HTTPClient))
	if err != nil {
		return models.Credential{}, classifyOAuthError(err)
	}
	return fromOAuthToken(tok, cfg), nil
}

// RefreshTokenRefresher exchanges a long-lived refresh token for access tokens.
type RefreshTokenRefresher struct {
	Secrets    SecretsFunc
	HTTPClient *http.Client
}

// Refresh implements Refresher.
func (r *RefreshTokenRefresher) Refresh(ctx context.Context, current models.Credential) (models.Credential, error) {
	cfg, err := r.Secrets(ctx)
	if err != nil {
		return models.Credential{}, err
	}

	refreshToken := cfg.RefreshToken
	if current.RefreshToken != "" {
		refreshToken = current.RefreshToken
	}
	if refreshToken == "" {
		return models.Credential{}, errors.New(errors.ErrorTypeAuthentication, "no refresh token available")
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		Scopes:       cfg.Scopes,
	}
	// The seed has no access token, so the source exchanges immediately.
	ts := oc.TokenSource(oauthContext(ctx, r.HTTPClient), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return models.Credential{}, classifyOAuthError(err)
	}

	cred := fromOAuthToken(tok, cfg)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func oauthContext(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

func fromOAuthToken(tok *oauth2.Token, cfg config.CredentialConfig) models.Credential {
	return models.Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Headers:      cfg.Headers,
	}
}

// classifyOAuthError maps token endpoint failures: 4xx responses mean the
// grant itself is bad, 5xx and transport errors are transient.
func classifyOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		switch {
		case status >= 500:
			return errors.Wrap(err, errors.ErrorTypeRemote, "token endpoint failed").WithDetail("status", status)
		case status == http.StatusTooManyRequests:
			return errors.Wrap(err, errors.ErrorTypeRateLimit, "token endpoint throttled").WithDetail("status", status)
		default:
			return errors.Wrap(err, errors.ErrorTypeAuthentication,
				fmt.Sprintf("token endpoint rejected the grant (%s)", re.ErrorCode)).WithDetail("status", status)
		}
	}
	if errors.TypeOf(err) == errors.ErrorTypeCancelled {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "token request cancelled")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "token endpoint unreachable")
}
