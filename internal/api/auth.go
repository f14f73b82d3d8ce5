package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Default authentication endpoints.
const (
	DefaultClientLoginURL = "https://www.google.com/accounts/ClientLogin"
	DefaultOAuthAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	DefaultOAuthTokenURL  = "https://accounts.google.com/o/oauth2/token"
)

// ClientLoginAuthorizer exchanges an account and password for a ClientLogin
// token on first use and signs every request with it.
type ClientLoginAuthorizer struct {
	LoginURL string
	Account  string
	Password string
	Client   *http.Client

	mu    sync.Mutex
	token string
}

// Authorize implements Authorizer.
func (a *ClientLoginAuthorizer) Authorize(ctx context.Context, req *http.Request) error {
	token, err := a.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "GoogleLogin auth="+token)
	return nil
}

// Token returns the cached auth token, logging in if there is none yet.
func (a *ClientLoginAuthorizer) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		return a.token, nil
	}

	loginURL := a.LoginURL
	if loginURL == "" {
		loginURL = DefaultClientLoginURL
	}
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	form := url.Values{
		"accountType": {"HOSTED_OR_GOOGLE"},
		"Email":       {a.Account},
		"Passwd":      {a.Password},
		"service":     {"reader"},
		"source":      {"readerarchive"},
	}
	body, err := NewHTTPFetcher(client, nil).Fetch(ctx, &Request{Method: http.MethodPost, URL: loginURL, Form: form})
	if err != nil {
		return "", fmt.Errorf("client login for %s: %w", a.Account, err)
	}
	token := parseClientLoginAuth(body)
	if token == "" {
		return "", fmt.Errorf("client login for %s: no Auth token in response", a.Account)
	}
	log.WithField("account", a.Account).Debug("ClientLogin succeeded")
	a.token = token
	return token, nil
}

func parseClientLoginAuth(body []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); strings.HasPrefix(line, "Auth=") {
			return line[len("Auth="):]
		}
	}
	return ""
}

// OAuthConfig holds the pieces needed to mint access tokens from a refresh
// token.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AuthURL      string
	TokenURL     string
}

// NewOAuthClient returns an *http.Client whose requests carry a bearer token
// refreshed as needed from cfg.RefreshToken.
func NewOAuthClient(ctx context.Context, cfg OAuthConfig) *http.Client {
	authURL, tokenURL := cfg.AuthURL, cfg.TokenURL
	if authURL == "" {
		authURL = DefaultOAuthAuthURL
	}
	if tokenURL == "" {
		tokenURL = DefaultOAuthTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
		Scopes: []string{"https://www.google.com/reader/api"},
	}
	client := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	client.Timeout = DefaultTimeout
	return client
}
