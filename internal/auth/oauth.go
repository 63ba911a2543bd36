package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dmrelay/internal/domain"
)

// ErrNoClientKey is returned when the OAuth client key is not configured.
var ErrNoClientKey = errors.New("oauth client key not configured")

// profileFields is the field list requested from the user info endpoint.
const profileFields = "open_id,display_name,avatar_url,username"

// defaultTokenLifetime is used when the token response omits expires_in.
const defaultTokenLifetime = 24 * time.Hour

// ClientConfig configures the OAuth client.
type ClientConfig struct {
	ClientKey    string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	UserInfoURL  string
	Scope        string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to the upstream authorization server.
type Client struct {
	cfg    ClientConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// Configured reports whether a client key is set.
func (c *Client) Configured() bool {
	return c.cfg.ClientKey != ""
}

// Token is the token endpoint response.
type Token struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	OpenID           string `json:"open_id"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Profile is the subset of user info the relay keeps.
type Profile struct {
	OpenID      string `json:"open_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Username    string `json:"username"`
}

// Error is a failed call to the authorization server. Detail carries the
// response body or the error description so it can be shown to the user.
type Error struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("oauth %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("oauth %s: status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// AuthorizeURL builds the URL the browser is redirected to for consent.
func (c *Client) AuthorizeURL(p Pending, redirectURI string) string {
	q := url.Values{}
	q.Set("client_key", c.cfg.ClientKey)
	q.Set("response_type", "code")
	q.Set("scope", c.cfg.Scope)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", p.State)
	q.Set("code_challenge", Challenge(p.Verifier))
	q.Set("code_challenge_method", "S256")

	sep := "?"
	if strings.Contains(c.cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return c.cfg.AuthorizeURL + sep + q.Encode()
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, verifier string) (*Token, error) {
	if !c.Configured() {
		return nil, ErrNoClientKey
	}
	form := url.Values{}
	form.Set("client_key", c.cfg.ClientKey)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	body, err := c.postForm(ctx, "exchange", c.cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &Error{Op: "exchange", Detail: fmt.Sprintf("decode token response: %v", err)}
	}
	if tok.Error != "" {
		return nil, &Error{Op: "exchange", Detail: firstNonEmpty(tok.ErrorDescription, tok.Error)}
	}
	if tok.AccessToken == "" {
		return nil, &Error{Op: "exchange", Detail: "response has no access_token"}
	}
	return &tok, nil
}

// FetchProfile reads the connected user's profile.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	u := c.cfg.UserInfoURL + "?fields=" + profileFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := c.do(req, "userinfo")
	if err != nil {
		return nil, err
	}

	var out struct {
		Data struct {
			User Profile `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Op: "userinfo", Detail: fmt.Sprintf("decode: %v", err)}
	}
	return &out.Data.User, nil
}

// Revoke invalidates an access token upstream.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if !c.Configured() {
		return ErrNoClientKey
	}
	form := url.Values{}
	form.Set("client_key", c.cfg.ClientKey)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("token", token)
	_, err := c.postForm(ctx, "revoke", c.cfg.RevokeURL, form)
	return err
}

// Complete finishes an authorization: it exchanges the code and builds the
// account record. A profile lookup failure is logged and the account falls
// back to the open id from the token response.
func (c *Client) Complete(ctx context.Context, code, redirectURI, verifier string) (domain.Account, error) {
	tok, err := c.Exchange(ctx, code, redirectURI, verifier)
	if err != nil {
		return domain.Account{}, err
	}

	profile := Profile{OpenID: tok.OpenID}
	if p, err := c.FetchProfile(ctx, tok.AccessToken); err != nil {
		c.logger.Warn("could not fetch user profile", "err", err)
	} else {
		profile.OpenID = firstNonEmpty(p.OpenID, tok.OpenID)
		profile.DisplayName = p.DisplayName
		profile.AvatarURL = p.AvatarURL
		profile.Username = p.Username
	}
	if profile.OpenID == "" {
		return domain.Account{}, &Error{Op: "exchange", Detail: "no open_id in token or profile"}
	}

	lifetime := defaultTokenLifetime
	if tok.ExpiresIn > 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	}
	now := c.now().UTC()
	return domain.Account{
		ID:             profile.OpenID,
		OpenID:         profile.OpenID,
		Username:       profile.Username,
		DisplayName:    profile.DisplayName,
		AvatarURL:      profile.AvatarURL,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: now.Add(lifetime),
		Status:         "active",
		ConnectedAt:    now,
	}, nil
}

func (c *Client) postForm(ctx context.Context, op, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, Detail: fmt.Sprintf("read body: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
