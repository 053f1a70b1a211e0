package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
)

// GoogleIssuerURL is the OpenID issuer used for discovery.
const GoogleIssuerURL = "https://accounts.google.com"

// TokenGrant is the outcome of a code exchange or refresh grant.
// RefreshToken is empty when the provider did not issue a new one.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// UserProfile is the identity returned by the provider's userinfo endpoint.
type UserProfile struct {
	Subject     string
	Email       string
	DisplayName string
	AvatarURL   string
}

// OAuthProvider abstracts the identity provider's authorization-code flow.
type OAuthProvider interface {
	AuthCodeURL(state string, redirectURI string) string
	Exchange(ctx context.Context, code string, redirectURI string) (TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (TokenGrant, error)
	UserInfo(ctx context.Context, accessToken string) (UserProfile, error)
}

// GoogleProviderConfig configures GoogleProvider.
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	// IssuerURL overrides GoogleIssuerURL.
	IssuerURL  string
	Scopes     []string
	HTTPClient *http.Client
	// Clock measures token lifetimes; the system clock when nil.
	Clock Clock
}

var (
	errMissingClientID     = errors.New("oauth_provider.missing_client_id")
	errMissingClientSecret = errors.New("oauth_provider.missing_client_secret")
	errMissingSubject      = errors.New("oauth_provider.missing_subject")
)

// GoogleProvider implements OAuthProvider with golang.org/x/oauth2 and
// OpenID discovery.
type GoogleProvider struct {
	oauthConfig oauth2.Config
	oidc        *oidc.Provider
	httpClient  *http.Client
	clock       Clock
}

// NewGoogleProvider discovers the issuer's endpoints and builds the OAuth client.
func NewGoogleProvider(ctx context.Context, configuration GoogleProviderConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, fmt.Errorf("oauth_provider.new: %w", errMissingClientID)
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, fmt.Errorf("oauth_provider.new: %w", errMissingClientSecret)
	}
	issuerURL := configuration.IssuerURL
	if issuerURL == "" {
		issuerURL = GoogleIssuerURL
	}
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile", drive.DriveFileScope}
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	provider, discoveryErr := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuerURL)
	if discoveryErr != nil {
		return nil, fmt.Errorf("oauth_provider.discovery: %w", discoveryErr)
	}
	return &GoogleProvider{
		oauthConfig: oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		oidc:       provider,
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

func (provider *GoogleProvider) configFor(redirectURI string) *oauth2.Config {
	configuration := provider.oauthConfig
	configuration.RedirectURL = redirectURI
	return &configuration
}

func (provider *GoogleProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
}

// AuthCodeURL requests offline access with forced consent so a refresh token is issued.
func (provider *GoogleProvider) AuthCodeURL(state string, redirectURI string) string {
	return provider.configFor(redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange trades an authorization code for tokens.
func (provider *GoogleProvider) Exchange(ctx context.Context, code string, redirectURI string) (TokenGrant, error) {
	token, err := provider.configFor(redirectURI).Exchange(provider.clientContext(ctx), code)
	if err != nil {
		return TokenGrant{}, err
	}
	return provider.grantFromToken(token, ""), nil
}

// Refresh runs the refresh-token grant.
func (provider *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	source := provider.oauthConfig.TokenSource(provider.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenGrant{}, err
	}
	return provider.grantFromToken(token, refreshToken), nil
}

// UserInfo fetches the profile for the access token.
func (provider *GoogleProvider) UserInfo(ctx context.Context, accessToken string) (UserProfile, error) {
	info, err := provider.oidc.UserInfo(oidc.ClientContext(ctx, provider.httpClient), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return UserProfile{}, fmt.Errorf("oauth_provider.userinfo: %w", err)
	}
	if strings.TrimSpace(info.Subject) == "" {
		return UserProfile{}, fmt.Errorf("oauth_provider.userinfo: %w", errMissingSubject)
	}
	var extra struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if claimsErr := info.Claims(&extra); claimsErr != nil {
		return UserProfile{}, fmt.Errorf("oauth_provider.userinfo.claims: %w", claimsErr)
	}
	return UserProfile{
		Subject:     info.Subject,
		Email:       info.Email,
		DisplayName: extra.Name,
		AvatarURL:   extra.Picture,
	}, nil
}

// grantFromToken prefers the wire expires_in and otherwise measures Expiry
// against the provider clock.
func (provider *GoogleProvider) grantFromToken(token *oauth2.Token, previousRefreshToken string) TokenGrant {
	grant := TokenGrant{AccessToken: token.AccessToken}
	if token.RefreshToken != previousRefreshToken {
		grant.RefreshToken = token.RefreshToken
	}
	switch {
	case token.ExpiresIn > 0:
		grant.ExpiresIn = time.Duration(token.ExpiresIn) * time.Second
	case !token.Expiry.IsZero():
		grant.ExpiresIn = max(token.Expiry.Sub(provider.clock.Now()).Round(time.Second), 0)
	}
	return grant
}
