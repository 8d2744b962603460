package github

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"

	"benchrelay/pkg/relay"
)

const defaultBaseURL = "https://api.github.com"

// AppConfig contains GitHub App authentication settings.
type AppConfig struct {
	AppID          int64
	PrivateKey     string
	PrivateKeyPath string
	Owner          string
	Repositories   []string
	BaseURL        string
}

// Issuer mints installation tokens restricted to a fixed repository list.
// Tokens are never cached: every Issue call performs a fresh exchange.
type Issuer struct {
	appID        int64
	owner        string
	repositories []string
	baseURL      string
	key          *rsa.PrivateKey
	now          func() time.Time
	transport    http.RoundTripper
}

// NewIssuer loads the app key and validates the issuer configuration.
func NewIssuer(cfg AppConfig) (*Issuer, error) {
	repos := append([]string(nil), cfg.Repositories...)
	if cfg.AppID == 0 {
		return nil, &relay.AuthorizationError{Repositories: repos, Err: errors.New("github app id is required")}
	}
	if cfg.Owner == "" || len(repos) == 0 {
		return nil, &relay.AuthorizationError{Repositories: repos, Err: errors.New("github owner and repositories are required")}
	}
	key, err := loadPrivateKey(cfg.PrivateKey, cfg.PrivateKeyPath)
	if err != nil {
		return nil, &relay.AuthorizationError{Repositories: repos, Err: err}
	}
	return &Issuer{
		appID:        cfg.AppID,
		owner:        cfg.Owner,
		repositories: repos,
		baseURL:      normalizeBaseURL(cfg.BaseURL),
		key:          key,
		now:          time.Now,
		transport:    http.DefaultTransport,
	}, nil
}

// Issue exchanges an app JWT for an installation token scoped to the configured repositories.
func (i *Issuer) Issue(ctx context.Context) (relay.ScopedCredential, error) {
	client, err := newClient(&http.Client{
		Timeout:   10 * time.Second,
		Transport: &appTransport{issuer: i, base: i.transport},
	}, i.baseURL)
	if err != nil {
		return relay.ScopedCredential{}, i.authError(err)
	}

	installation, _, err := client.Apps.FindRepositoryInstallation(ctx, i.owner, i.repositories[0])
	if err != nil {
		return relay.ScopedCredential{}, i.authError(fmt.Errorf("find installation for %s/%s: %w", i.owner, i.repositories[0], err))
	}
	if installation.GetID() == 0 {
		return relay.ScopedCredential{}, i.authError(errors.New("github installation id missing from response"))
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, installation.GetID(), &gh.InstallationTokenOptions{
		Repositories: append([]string(nil), i.repositories...),
	})
	if err != nil {
		return relay.ScopedCredential{}, i.authError(fmt.Errorf("github token exchange failed: %w", err))
	}
	if token.GetToken() == "" {
		return relay.ScopedCredential{}, i.authError(errors.New("github installation token missing from response"))
	}

	granted := make([]string, 0, len(token.Repositories))
	for _, repo := range token.Repositories {
		granted = append(granted, repo.GetName())
	}
	if len(granted) == 0 {
		granted = append(granted, i.repositories...)
	}
	return relay.ScopedCredential{
		Token:        token.GetToken(),
		ExpiresAt:    token.GetExpiresAt().Time,
		Repositories: granted,
	}, nil
}

func (i *Issuer) authError(err error) error {
	return &relay.AuthorizationError{Repositories: append([]string(nil), i.repositories...), Err: err}
}

// appTransport signs every request with a fresh app JWT.
type appTransport struct {
	issuer *Issuer
	base   http.RoundTripper
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	jwt, err := t.issuer.jwt()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+jwt)
	return t.base.RoundTrip(clone)
}

func (i *Issuer) jwt() (string, error) {
	now := i.now().UTC()
	claims := map[string]interface{}{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": i.appID,
	}
	header := map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
	}
	encodedHeader, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	encodedClaims, err := encodeSegment(claims)
	if err != nil {
		return "", err
	}
	unsigned := encodedHeader + "." + encodedClaims
	hash := sha256.Sum256([]byte(unsigned))
	signature, err := rsa.SignPKCS1v15(nil, i.key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// loadPrivateKey prefers the inline PEM and falls back to the key file.
func loadPrivateKey(inline, path string) (*rsa.PrivateKey, error) {
	var keyBytes []byte
	switch {
	case strings.TrimSpace(inline) != "":
		pemText := inline
		if !strings.Contains(pemText, "\n") {
			pemText = strings.ReplaceAll(pemText, `\n`, "\n")
		}
		keyBytes = []byte(pemText)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		keyBytes = data
	default:
		return nil, errors.New("github private key is required")
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, errors.New("github private key PEM decode failed")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	typed, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github private key is not RSA")
	}
	return typed, nil
}

func encodeSegment(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
