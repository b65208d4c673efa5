package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatguard/storage"
)

const (
	// DefaultBaseURL is the Identity Toolkit REST endpoint.
	DefaultBaseURL = "https://identitytoolkit.googleapis.com"
	// DefaultTokenBaseURL is the Secure Token endpoint that exchanges refresh tokens.
	DefaultTokenBaseURL = "https://securetoken.googleapis.com"
)

// An ID token this close to expiry is refreshed before use.
const expirySkew = 30 * time.Second

// RESTOptions configures a RESTProvider. With Store set, the credential survives restarts.
type RESTOptions struct {
	BaseURL      string
	TokenBaseURL string
	APIKey       string
	HTTPClient   *http.Client
	Store        CredentialStore
	Logger       *logrus.Entry
	Now          func() time.Time
}

// RESTProvider talks to the Identity Toolkit accounts API.
type RESTProvider struct {
	baseURL  string
	tokenURL string
	apiKey   string
	client   *http.Client
	store    CredentialStore
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	current *Identity
}

var _ Provider = (*RESTProvider)(nil)

func NewRESTProvider(opts RESTOptions) (*RESTProvider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("identity API key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.TokenBaseURL == "" {
		opts.TokenBaseURL = DefaultTokenBaseURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "identity")
	}

	return &RESTProvider{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		tokenURL: strings.TrimRight(opts.TokenBaseURL, "/"),
		apiKey:   opts.APIKey,
		client:   opts.HTTPClient,
		store:    opts.Store,
		log:      opts.Logger,
		now:      opts.Now,
	}, nil
}

type signInRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type lookupRequest struct {
	IDToken string `json:"idToken"`
}

type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		Disabled      bool   `json:"disabled"`
	} `json:"users"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *RESTProvider) SignIn(ctx context.Context, email, password string) (Identity, error) {
	var resp signInResponse
	err := p.call(ctx, "accounts:signInWithPassword", signInRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}, &resp)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		UID:          resp.LocalID,
		Email:        resp.Email,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
	}
	id.ExpiresAt = p.expiry(resp.ExpiresIn)

	verified, err := p.lookup(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	id.EmailVerified = verified

	p.mu.Lock()
	p.current = &id
	p.persistLocked(id)
	p.mu.Unlock()

	p.log.WithField("identity", id.UID).Debug("signed in")
	return id, nil
}

// IsVerified checks the credential with the provider. An expired ID token is exchanged for a
// new one first; only a rejected refresh token yields ErrCredentialExpired.
func (p *RESTProvider) IsVerified(ctx context.Context, id Identity) (bool, error) {
	id = p.latest(id)
	if id.IDToken == "" && id.RefreshToken == "" {
		return false, ErrNotSignedIn
	}

	refreshed := false
	if id.IDToken == "" || p.expired(id) {
		var err error
		if id, err = p.refresh(ctx, id); err != nil {
			return false, err
		}
		refreshed = true
	}

	verified, err := p.lookup(ctx, id)
	if errors.Is(err, ErrCredentialExpired) && !refreshed && id.RefreshToken != "" {
		if id, err = p.refresh(ctx, id); err != nil {
			return false, err
		}
		verified, err = p.lookup(ctx, id)
	}
	return verified, err
}

func (p *RESTProvider) lookup(ctx context.Context, id Identity) (bool, error) {
	var resp lookupResponse
	if err := p.call(ctx, "accounts:lookup", lookupRequest{IDToken: id.IDToken}, &resp); err != nil {
		return false, err
	}
	if len(resp.Users) == 0 {
		return false, ErrUnknownUser
	}
	if resp.Users[0].Disabled {
		return false, ErrUserDisabled
	}
	return resp.Users[0].EmailVerified, nil
}

// refresh exchanges the refresh token for a new ID token and stores the result when id is
// still the signed-in identity.
func (p *RESTProvider) refresh(ctx context.Context, id Identity) (Identity, error) {
	if id.RefreshToken == "" {
		return Identity{}, fmt.Errorf("token: %w", ErrCredentialExpired)
	}

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {id.RefreshToken}}
	endpoint := fmt.Sprintf("%s/v1/token?key=%s", p.tokenURL, url.QueryEscape(p.apiKey))

	var resp refreshResponse
	if err := p.post(ctx, "token", endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()), &resp); err != nil {
		return Identity{}, err
	}
	if resp.IDToken == "" || (resp.UserID != "" && resp.UserID != id.UID) {
		return Identity{}, fmt.Errorf("token: unexpected refresh response: %w", ErrCredentialExpired)
	}

	id.IDToken = resp.IDToken
	if resp.RefreshToken != "" {
		id.RefreshToken = resp.RefreshToken
	}
	id.ExpiresAt = p.expiry(resp.ExpiresIn)

	p.mu.Lock()
	if p.current != nil && p.current.UID == id.UID {
		p.current = &id
		p.persistLocked(id)
	}
	p.mu.Unlock()

	p.log.WithField("identity", id.UID).Debug("ID token refreshed")
	return id, nil
}

// SignOut forgets the credential, including the persisted copy.
func (p *RESTProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = nil
	if p.store == nil {
		return nil
	}
	if err := p.store.DeletePreference(storage.PrefCredential); err != nil {
		return fmt.Errorf("forget credential: %w", err)
	}
	return nil
}

// Current returns the signed-in identity, loading a persisted credential after a restart.
// The ID token may have expired; IsVerified refreshes it.
func (p *RESTProvider) Current() (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil && p.store != nil {
		id, err := loadCredential(p.store)
		if err != nil {
			return Identity{}, err
		}
		p.current = &id
	}
	if p.current == nil {
		return Identity{}, ErrNotSignedIn
	}
	return *p.current, nil
}

// latest prefers the provider's newer tokens when id is the signed-in identity.
func (p *RESTProvider) latest(id Identity) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.UID == id.UID && p.current.RefreshToken != "" {
		return *p.current
	}
	return id
}

func (p *RESTProvider) expired(id Identity) bool {
	return !id.ExpiresAt.IsZero() && !p.now().Add(expirySkew).Before(id.ExpiresAt)
}

func (p *RESTProvider) expiry(expiresIn string) time.Time {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil {
		return time.Time{}
	}
	return p.now().Add(time.Duration(secs) * time.Second)
}

// persistLocked saves id when a store is configured. Caller holds p.mu.
func (p *RESTProvider) persistLocked(id Identity) {
	if p.store == nil {
		return
	}
	if err := saveCredential(p.store, id); err != nil {
		p.log.WithError(err).WithField("identity", id.UID).Warn("credential not persisted")
	}
}

func (p *RESTProvider) call(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s?key=%s", p.baseURL, method, url.QueryEscape(p.apiKey))
	return p.post(ctx, method, endpoint, "application/json", body, out)
}

func (p *RESTProvider) post(ctx context.Context, method, endpoint, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.StatusCode/100 != 2 {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		return classify(method, resp.StatusCode, e.Error.Message)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// classify maps provider error messages such as "TOKEN_EXPIRED" or
// "INVALID_PASSWORD : extra detail" to sentinel errors.
func classify(method string, statusCode int, message string) error {
	code, _, _ := strings.Cut(message, " ")
	switch code {
	case "EMAIL_NOT_FOUND", "USER_NOT_FOUND":
		return fmt.Errorf("%s: %w", method, ErrUnknownUser)
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "INVALID_EMAIL", "MISSING_PASSWORD":
		return fmt.Errorf("%s: %w", method, ErrInvalidCredentials)
	case "USER_DISABLED":
		return fmt.Errorf("%s: %w", method, ErrUserDisabled)
	case "TOKEN_EXPIRED", "INVALID_ID_TOKEN", "CREDENTIAL_TOO_OLD_LOGIN_AGAIN", "INVALID_REFRESH_TOKEN", "MISSING_REFRESH_TOKEN":
		return fmt.Errorf("%s: %w", method, ErrCredentialExpired)
	default:
		return fmt.Errorf("%s: status %d: %s", method, statusCode, message)
	}
}
