package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// MessagingScope is the OAuth scope required to send push messages.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	// DefaultTokenURI is the Google OAuth token endpoint.
	DefaultTokenURI = "https://oauth2.googleapis.com/token"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// ServiceAccount is the subset of a service-account JSON key used for token minting.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads a service-account JSON key file.
func LoadServiceAccount(path string) (ServiceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, fmt.Errorf("read service account: %w", err)
	}
	return ParseServiceAccount(raw)
}

// ParseServiceAccount decodes and checks a service-account JSON key.
func ParseServiceAccount(raw []byte) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return ServiceAccount{}, fmt.Errorf("decode service account: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return ServiceAccount{}, errors.New("service account is missing client_email or private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return sa, nil
}

// ServiceAccountRefresher mints access tokens with the OAuth JWT-bearer grant.
type ServiceAccountRefresher struct {
	account ServiceAccount
	scope   string
	client  *http.Client
	now     func() time.Time
}

var _ Refresher = (*ServiceAccountRefresher)(nil)

func NewServiceAccountRefresher(account ServiceAccount, client *http.Client) (*ServiceAccountRefresher, error) {
	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey)); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if account.TokenURI == "" {
		account.TokenURI = DefaultTokenURI
	}

	return &ServiceAccountRefresher{
		account: account,
		scope:   MessagingScope,
		client:  client,
		now:     time.Now,
	}, nil
}

type assertionClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (r *ServiceAccountRefresher) Refresh(ctx context.Context) (AccessToken, error) {
	assertion, err := r.assertion()
	if err != nil {
		return AccessToken{}, err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issuedAt := r.now()
	resp, err := r.client.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessToken{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AccessToken{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return AccessToken{}, errors.New("token response missing access_token or expires_in")
	}

	return AccessToken{
		Value:     tr.AccessToken,
		ExpiresAt: issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func (r *ServiceAccountRefresher) assertion() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(r.account.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse service account key: %w", err)
	}

	now := r.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.account.ClientEmail,
			Audience:  jwt.ClaimStrings{r.account.TokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Scope: r.scope,
	})
	if r.account.PrivateKeyID != "" {
		token.Header["kid"] = r.account.PrivateKeyID
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}
