package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAuthServer records form posts and serves canned token/profile responses.
type fakeAuthServer struct {
	mu          sync.Mutex
	forms       map[string]url.Values
	tokenStatus int
	tokenBody   string
	userStatus  int
	userBody    string
	bearer      string
}

func newFakeAuthServer(t *testing.T) (*fakeAuthServer, *httptest.Server) {
	t.Helper()
	f := &fakeAuthServer{
		forms:       make(map[string]url.Values),
		tokenStatus: http.StatusOK,
		tokenBody:   `{"access_token":"act.1","refresh_token":"rft.1","open_id":"oid-1","expires_in":3600}`,
		userStatus:  http.StatusOK,
		userBody:    `{"data":{"user":{"open_id":"oid-1","display_name":"Alice","avatar_url":"https://a/x.png","username":"alice"}}}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		f.record("token", r)
		f.mu.Lock()
		status, body := f.tokenStatus, f.tokenBody
		f.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	mux.HandleFunc("POST /oauth/revoke/", func(w http.ResponseWriter, r *http.Request) {
		f.record("revoke", r)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /user/info/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.bearer = r.Header.Get("Authorization")
		status, body := f.userStatus, f.userBody
		f.mu.Unlock()
		if r.URL.Query().Get("fields") != profileFields {
			http.Error(w, "bad fields", http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAuthServer) record(name string, r *http.Request) {
	r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[name] = r.PostForm
}

func (f *fakeAuthServer) setToken(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus, f.tokenBody = status, body
}

func (f *fakeAuthServer) setUser(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userStatus, f.userBody = status, body
}

func (f *fakeAuthServer) form(name string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[name]
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(ClientConfig{
		ClientKey:    "ck",
		ClientSecret: "cs",
		AuthorizeURL: srv.URL + "/auth/authorize/",
		TokenURL:     srv.URL + "/oauth/token/",
		RevokeURL:    srv.URL + "/oauth/revoke/",
		UserInfoURL:  srv.URL + "/user/info/",
		Scope:        "user.info.basic",
		HTTPClient:   srv.Client(),
		Logger:       testLogger(),
	})
}

func TestAuthorizeURL(t *testing.T) {
	c := NewClient(ClientConfig{
		ClientKey:    "ck",
		AuthorizeURL: "https://auth.example/authorize/",
		Scope:        "user.info.basic",
	})
	p := Pending{State: "abc123", Verifier: strings.Repeat("v", 43)}

	raw := c.AuthorizeURL(p, "https://relay.example/auth/callback")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "auth.example" || u.Path != "/authorize/" {
		t.Errorf("unexpected base %s", raw)
	}

	q := u.Query()
	want := map[string]string{
		"client_key":            "ck",
		"response_type":         "code",
		"scope":                 "user.info.basic",
		"redirect_uri":          "https://relay.example/auth/callback",
		"state":                 "abc123",
		"code_challenge":        Challenge(p.Verifier),
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestExchange(t *testing.T) {
	f, srv := newFakeAuthServer(t)
	c := testClient(srv)

	tok, err := c.Exchange(context.Background(), "code-1", "https://relay/auth/callback", "ver")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "act.1" || tok.RefreshToken != "rft.1" || tok.OpenID != "oid-1" || tok.ExpiresIn != 3600 {
		t.Errorf("unexpected token %+v", tok)
	}

	form := f.form("token")
	checks := map[string]string{
		"client_key":    "ck",
		"client_secret": "cs",
		"code":          "code-1",
		"grant_type":    "authorization_code",
		"redirect_uri":  "https://relay/auth/callback",
		"code_verifier": "ver",
	}
	for k, v := range checks {
		if got := form.Get(k); got != v {
			t.Errorf("form %s = %q, want %q", k, got, v)
		}
	}
}

func TestExchange_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		detail string
	}{
		{"http status", http.StatusBadRequest, `{"error":"invalid_grant"}`, "invalid_grant"},
		{"error field", http.StatusOK, `{"error":"invalid_request","error_description":"code expired"}`, "code expired"},
		{"no token", http.StatusOK, `{}`, "no access_token"},
		{"not json", http.StatusOK, `<html>`, "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeAuthServer(t)
			f.setToken(tt.status, tt.body)

			_, err := testClient(srv).Exchange(context.Background(), "c", "r", "")
			var oe *Error
			if !errors.As(err, &oe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if !strings.Contains(oe.Detail, tt.detail) {
				t.Errorf("detail %q does not contain %q", oe.Detail, tt.detail)
			}
		})
	}
}

func TestExchange_NotConfigured(t *testing.T) {
	c := NewClient(ClientConfig{})
	if _, err := c.Exchange(context.Background(), "c", "r", ""); !errors.Is(err, ErrNoClientKey) {
		t.Errorf("expected ErrNoClientKey, got %v", err)
	}
	if err := c.Revoke(context.Background(), "t"); !errors.Is(err, ErrNoClientKey) {
		t.Errorf("expected ErrNoClientKey, got %v", err)
	}
}

func TestFetchProfile(t *testing.T) {
	f, srv := newFakeAuthServer(t)
	p, err := testClient(srv).FetchProfile(context.Background(), "act.1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != "alice" || p.DisplayName != "Alice" || p.OpenID != "oid-1" {
		t.Errorf("unexpected profile %+v", p)
	}
	f.mu.Lock()
	bearer := f.bearer
	f.mu.Unlock()
	if bearer != "Bearer act.1" {
		t.Errorf("Authorization = %q", bearer)
	}
}

func TestComplete(t *testing.T) {
	_, srv := newFakeAuthServer(t)
	c := testClient(srv)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	acc, err := c.Complete(context.Background(), "code", "https://relay/auth/callback", "ver")
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != "oid-1" || acc.OpenID != "oid-1" {
		t.Errorf("id = %q/%q", acc.ID, acc.OpenID)
	}
	if acc.Username != "alice" || acc.DisplayName != "Alice" || acc.AvatarURL != "https://a/x.png" {
		t.Errorf("profile not applied: %+v", acc)
	}
	if acc.AccessToken != "act.1" || acc.RefreshToken != "rft.1" {
		t.Errorf("tokens not kept: %+v", acc)
	}
	if acc.Status != "active" {
		t.Errorf("status = %q", acc.Status)
	}
	if !acc.ConnectedAt.Equal(fixed) || !acc.TokenExpiresAt.Equal(fixed.Add(time.Hour)) {
		t.Errorf("times: connected %v expires %v", acc.ConnectedAt, acc.TokenExpiresAt)
	}
}

func TestComplete_ProfileFailureFallsBack(t *testing.T) {
	f, srv := newFakeAuthServer(t)
	f.setUser(http.StatusInternalServerError, `oops`)
	f.setToken(http.StatusOK, `{"access_token":"act.2","open_id":"oid-2"}`)
	c := testClient(srv)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	acc, err := c.Complete(context.Background(), "code", "r", "")
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != "oid-2" || acc.Username != "" {
		t.Errorf("unexpected account %+v", acc)
	}
	if !acc.TokenExpiresAt.Equal(fixed.Add(defaultTokenLifetime)) {
		t.Errorf("expected default lifetime, got %v", acc.TokenExpiresAt)
	}
}

func TestRevoke(t *testing.T) {
	f, srv := newFakeAuthServer(t)
	if err := testClient(srv).Revoke(context.Background(), "act.9"); err != nil {
		t.Fatal(err)
	}
	form := f.form("revoke")
	if form.Get("token") != "act.9" || form.Get("client_key") != "ck" || form.Get("client_secret") != "cs" {
		t.Errorf("unexpected revoke form %v", form)
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Op: "exchange", StatusCode: 400, Detail: "bad"}
	if got := e.Error(); got != "oauth exchange: status 400: bad" {
		t.Errorf("Error() = %q", got)
	}
	e = &Error{Op: "userinfo", Detail: "dial tcp: refused"}
	if got := e.Error(); got != "oauth userinfo: dial tcp: refused" {
		t.Errorf("Error() = %q", got)
	}
}
